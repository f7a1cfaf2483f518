package dht

import (
	"context"
	"errors"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-dep2p-kad/config"
	"github.com/dep2p/go-dep2p-kad/internal/core/storage/kv"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// Module DHT Fx 模块
var Module = fx.Module("discovery_dht",
	fx.Provide(
		NewFromParams,
	),
	fx.Invoke(registerDHTLifecycle),
)

// Params DHT 依赖参数
type Params struct {
	fx.In

	Host       Host
	Transport  Transport
	Store      *kv.Store             `name:"dht_store" optional:"true"`
	UnifiedCfg *config.Config        `optional:"true"`
	Registerer prometheus.Registerer `optional:"true"`
	Resolver   BootstrapResolver     `optional:"true"`
}

// ConfigFromUnified 从统一配置生成 DHT 配置选项
func ConfigFromUnified(cfg *config.Config) []ConfigOption {
	if cfg == nil {
		return nil
	}
	c := cfg.DHT

	opts := []ConfigOption{
		WithAlpha(c.Alpha),
		WithBucketSize(c.BucketSize),
		WithFollowUpConcurrency(c.FollowUpConcurrency),
		WithRequestTimeout(c.RequestTimeout.Duration()),
		WithProviderTTL(c.ProviderTTL.Duration()),
		WithRecordTTL(c.RecordTTL.Duration()),
		WithMaxProviderKeys(c.MaxProviderKeys),
		WithRefreshInterval(c.RefreshInterval.Duration()),
	}

	if len(c.BootstrapPeers) > 0 {
		peers, dnsAddrs := parseBootstrapPeers(c.BootstrapPeers)
		logger.Info("DHT 从统一配置解析引导节点",
			"configuredCount", len(c.BootstrapPeers),
			"parsedCount", len(peers),
			"dnsaddrCount", len(dnsAddrs))
		opts = append(opts, WithBootstrapPeers(peers), WithBootstrapDNSAddrs(dnsAddrs))
	}
	return opts
}

// parseBootstrapPeers 解析引导节点字符串，同一节点的多个地址会合并
//
//	"/ip4/1.2.3.4/udp/4001/quic-v1/p2p/QmXXX"
//	"/dnsaddr/bootstrap.example.com"
//
// /dnsaddr 地址单独返回，引导时再解析。
func parseBootstrapPeers(addrs []string) ([]types.PeerInfo, []ma.Multiaddr) {
	var peers []types.PeerInfo
	var dnsAddrs []ma.Multiaddr
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			logger.Debug("解析 DHT 引导节点地址失败", "addr", s, "error", err)
			continue
		}
		if _, err := addr.ValueForProtocol(ma.P_DNSADDR); err == nil {
			dnsAddrs = append(dnsAddrs, addr)
			continue
		}
		pi, err := types.PeerInfoFromMultiaddr(addr)
		if err != nil {
			logger.Debug("解析 DHT 引导节点地址失败", "addr", s, "error", err)
			continue
		}
		peers = append(peers, pi)
	}
	return types.MergePeerInfos(peers), dnsAddrs
}

// NewFromParams 从 Fx 参数创建 DHT
func NewFromParams(p Params) (*KadDHT, error) {
	opts := ConfigFromUnified(p.UnifiedCfg)
	if p.Resolver != nil {
		opts = append(opts, WithBootstrapResolver(p.Resolver))
	}
	dht, err := New(p.Host, p.Transport, p.Store, opts...)
	if err != nil {
		return nil, err
	}

	if p.Registerer != nil {
		for _, c := range dht.Metrics() {
			if err := p.Registerer.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					_ = dht.Close()
					return nil, err
				}
			}
		}
	}
	return dht, nil
}

// registerDHTLifecycle 注册生命周期钩子
//
// 启动后在后台执行一次引导，不阻塞应用启动。
func registerDHTLifecycle(lc fx.Lifecycle, dht *KadDHT) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := dht.Start(); err != nil {
				return err
			}
			dht.wg.Add(1)
			go func() {
				defer dht.wg.Done()
				if err := dht.Bootstrap(dht.ctx); err != nil && dht.ctx.Err() == nil {
					logger.Warn("DHT 初始引导失败", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			return dht.Close()
		},
	})
}
