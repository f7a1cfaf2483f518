package introspect

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-dep2p-kad/config"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht"
)

// Params 模块输入
type Params struct {
	fx.In

	LC         fx.Lifecycle
	Host       dht.Host
	DHT        *dht.KadDHT
	UnifiedCfg *config.Config       `optional:"true"`
	Gatherer   prometheus.Gatherer `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	// Server 未启用时为 nil
	Server *Server
}

// ProvideServer 按配置提供自省服务
func ProvideServer(p Params) Result {
	if p.UnifiedCfg == nil || !p.UnifiedCfg.Metrics.Enabled {
		return Result{}
	}

	s := New(Config{
		Addr:     p.UnifiedCfg.Metrics.ListenAddr,
		Host:     p.Host,
		Routing:  p.DHT,
		Gatherer: p.Gatherer,
	})
	p.LC.Append(fx.StartStopHook(s.Start, s.Stop))
	return Result{Server: s}
}

// Module 返回 introspect fx 模块
func Module() fx.Option {
	return fx.Module("introspect",
		fx.Provide(ProvideServer),
	)
}
