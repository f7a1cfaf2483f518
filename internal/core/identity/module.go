package identity

import (
	"go.uber.org/fx"

	"github.com/dep2p/go-dep2p-kad/config"
	"github.com/dep2p/go-dep2p-kad/pkg/lib/log"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

var logger = log.Logger("core/identity")

// Params 模块输入依赖
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
}

// Result 模块输出
type Result struct {
	fx.Out

	Identity *Identity
	PeerID   types.PeerID
}

// ProvideIdentity 按配置加载或生成身份
func ProvideIdentity(p Params) (Result, error) {
	cfg := config.DefaultIdentityConfig()
	if p.UnifiedCfg != nil {
		cfg = p.UnifiedCfg.Identity
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	id, err := LoadOrGenerate(cfg.KeyFile, cfg.AutoGenerate)
	if err != nil {
		return Result{}, err
	}
	logger.Debug("身份就绪", "peer", id.PeerID().ShortString())
	return Result{Identity: id, PeerID: id.PeerID()}, nil
}

// Module 返回 fx 模块配置
func Module() fx.Option {
	return fx.Module("identity",
		fx.Provide(ProvideIdentity),
	)
}
