package config

import (
	"errors"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// DHTConfig Kademlia DHT 配置
type DHTConfig struct {
	// Alpha 单次查询的最大并发请求数
	Alpha int `json:"alpha"`

	// BucketSize K 桶容量，同时也是查询返回的最近节点数
	BucketSize int `json:"bucket_size"`

	// FollowUpConcurrency 后续查询阶段的并发数
	FollowUpConcurrency int `json:"follow_up_concurrency"`

	// RequestTimeout 单个 RPC 的超时
	RequestTimeout Duration `json:"request_timeout"`

	// ProviderTTL 提供者记录的有效期
	ProviderTTL Duration `json:"provider_ttl"`

	// RecordTTL 值记录的本地保存期
	RecordTTL Duration `json:"record_ttl"`

	// MaxProviderKeys 本地缓存的提供者键上限
	MaxProviderKeys int `json:"max_provider_keys"`

	// RefreshInterval 路由表刷新间隔，0 表示不刷新
	RefreshInterval Duration `json:"refresh_interval"`

	// BootstrapPeers 引导节点，multiaddr 格式且必须包含 /p2p/ 组件，
	// 或者是引导时解析的 /dnsaddr/<domain> 地址
	BootstrapPeers []string `json:"bootstrap_peers"`
}

// DefaultDHTConfig 返回默认 DHT 配置
func DefaultDHTConfig() DHTConfig {
	return DHTConfig{
		Alpha:               3,
		BucketSize:          20,
		FollowUpConcurrency: 4,
		RequestTimeout:      Duration(10 * time.Second),
		ProviderTTL:         Duration(24 * time.Hour),
		RecordTTL:           Duration(36 * time.Hour),
		MaxProviderKeys:     4096,
		RefreshInterval:     Duration(10 * time.Minute),
	}
}

// Validate 验证 DHT 配置
func (c DHTConfig) Validate() error {
	if c.Alpha <= 0 {
		return errors.New("dht: alpha must be positive")
	}
	if c.BucketSize <= 0 {
		return errors.New("dht: bucket_size must be positive")
	}
	if c.FollowUpConcurrency <= 0 {
		return errors.New("dht: follow_up_concurrency must be positive")
	}
	if !c.RequestTimeout.Positive() {
		return errors.New("dht: request_timeout must be positive")
	}
	if !c.ProviderTTL.Positive() || !c.RecordTTL.Positive() {
		return errors.New("dht: provider_ttl and record_ttl must be positive")
	}
	if c.MaxProviderKeys <= 0 {
		return errors.New("dht: max_provider_keys must be positive")
	}
	if c.RefreshInterval < 0 {
		return errors.New("dht: refresh_interval must not be negative")
	}
	for _, s := range c.BootstrapPeers {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("dht: invalid bootstrap peer %q: %w", s, err)
		}
		if _, err := addr.ValueForProtocol(ma.P_DNSADDR); err == nil {
			continue
		}
		if _, err := addr.ValueForProtocol(ma.P_P2P); err != nil {
			return fmt.Errorf("dht: bootstrap peer %q has no /p2p/ component", s)
		}
	}
	return nil
}
