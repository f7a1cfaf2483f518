package kad

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-dep2p-kad/internal/core/identity"
	"github.com/dep2p/go-dep2p-kad/internal/core/introspect"
	"github.com/dep2p/go-dep2p-kad/internal/core/storage"
	"github.com/dep2p/go-dep2p-kad/internal/core/transport/quic"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dns"
	"github.com/dep2p/go-dep2p-kad/pkg/lib/log"
)

var fxLogger = log.Logger("kad/fx")

// buildFxApp 构建 Fx 应用
//
// 加载顺序（按依赖）：Identity → Storage → Transport → DNS → DHT → Introspect。
// 传输在构造时注册生命周期钩子，因此先于 DHT 启动、晚于 DHT 停止。
func buildFxApp(o *options, node *Node) (*fx.App, error) {
	if err := o.config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	modules := []fx.Option{
		fx.Supply(o.config),
		fx.Provide(func() prometheus.Registerer { return o.registerer }),
		fx.Provide(func() prometheus.Gatherer { return o.gatherer }),

		identity.Module(),
		storage.Module(),
		quic.Module(),
		dns.Module(),
		dht.Module,
		introspect.Module(),

		fx.Invoke(wireHandler),
		fx.Invoke(injectNodeComponents(node)),
	}

	modules = append(modules, fx.WithLogger(func() fxevent.Logger {
		if o.fxLog {
			l, err := zap.NewDevelopment()
			if err == nil {
				return &fxevent.ZapLogger{Logger: l}
			}
			fxLogger.Warn("创建 fx 日志失败", "err", err)
		}
		return &fxevent.ZapLogger{Logger: zap.NewNop()}
	}))

	return fx.New(modules...), nil
}

// wireHandler 把 DHT 注册为传输的入站请求处理器
func wireHandler(t *quic.Transport, d *dht.KadDHT) {
	t.SetHandler(d)
	fxLogger.Debug("DHT 请求处理器已注入传输")
}

type nodeComponents struct {
	fx.In

	Identity   *identity.Identity
	Transport  *quic.Transport
	DHT        *dht.KadDHT
	Introspect *introspect.Server `optional:"true"`
}

// injectNodeComponents 把 fx 构造的组件回填到 Node
func injectNodeComponents(node *Node) func(nodeComponents) {
	return func(c nodeComponents) {
		node.identity = c.Identity
		node.transport = c.Transport
		node.dht = c.DHT
		node.introspect = c.Introspect
	}
}
