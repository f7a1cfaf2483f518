package quic

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-dep2p-kad/config"
	"github.com/dep2p/go-dep2p-kad/internal/core/identity"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht"
)

// Params 模块输入依赖
type Params struct {
	fx.In

	LC         fx.Lifecycle
	Identity   *identity.Identity
	UnifiedCfg *config.Config        `optional:"true"`
	Registerer prometheus.Registerer `optional:"true"`
}

// Result 模块输出
//
// 同一个 Transport 同时作为 DHT 的 Host 与 Transport 提供。
type Result struct {
	fx.Out

	Transport    *Transport
	Host         dht.Host
	DHTTransport dht.Transport
}

// NewFromParams 从 Fx 参数创建传输并注册生命周期
//
// 钩子在构造时注册，保证监听先于依赖它的组件启动、晚于它们停止。
func NewFromParams(p Params) (Result, error) {
	cfg := config.DefaultTransportConfig()
	if p.UnifiedCfg != nil {
		cfg = p.UnifiedCfg.Transport
	}

	t, err := New(p.Identity, cfg)
	if err != nil {
		return Result{}, err
	}
	if p.Registerer != nil {
		for _, c := range t.Metrics() {
			if err := p.Registerer.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					return Result{}, err
				}
			}
		}
	}
	p.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return t.Listen()
		},
		OnStop: func(_ context.Context) error {
			return t.Close()
		},
	})
	return Result{Transport: t, Host: t, DHTTransport: t}, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("transport_quic",
		fx.Provide(NewFromParams),
	)
}
