package dns

import (
	"go.uber.org/fx"

	"github.com/dep2p/go-dep2p-kad/config"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht"
)

// Params 模块输入依赖
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Resolver  *Resolver
	Bootstrap dht.BootstrapResolver
}

// NewFromParams 创建解析器
//
// 找不到 DNS 服务器时不阻止启动，只是 /dnsaddr 引导地址不可用。
func NewFromParams(p Params) Result {
	cfg := config.DefaultDNSConfig()
	if p.UnifiedCfg != nil {
		cfg = p.UnifiedCfg.DNS
	}

	r, err := NewResolver(cfg)
	if err != nil {
		logger.Warn("dnsaddr 解析不可用", "err", err)
		return Result{}
	}
	logger.Debug("dnsaddr 解析器就绪", "server", r.Server())
	return Result{Resolver: r, Bootstrap: r}
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("discovery_dns",
		fx.Provide(NewFromParams),
	)
}
