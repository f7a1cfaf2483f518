package dht

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/record"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// ============================================================================
//                              默认值
// ============================================================================

const (
	// DefaultAlpha 每次查询的最大并发请求数
	DefaultAlpha = 3

	// DefaultBucketSize K-桶容量 k
	DefaultBucketSize = 20

	// DefaultFollowUpConcurrency 跟进阶段的固定并发数（与 Alpha 无关）
	DefaultFollowUpConcurrency = 4

	// DefaultRequestTimeout 单次请求超时
	DefaultRequestTimeout = 10 * time.Second

	// DefaultProviderTTL Provider 记录有效期
	DefaultProviderTTL = 24 * time.Hour

	// DefaultRecordTTL 值记录保存期
	DefaultRecordTTL = 36 * time.Hour

	// DefaultMaxProviderKeys Provider 存储最多保存的键数
	DefaultMaxProviderKeys = 4096

	// DefaultRefreshInterval 路由表刷新间隔
	DefaultRefreshInterval = 10 * time.Minute
)

// Config DHT 配置
type Config struct {
	// Alpha 每次查询同时处于 Waiting 状态的节点上限
	Alpha int

	// BucketSize K-桶容量，也是查询结果集大小
	BucketSize int

	// FollowUpConcurrency 跟进阶段工作池大小
	FollowUpConcurrency int

	// RequestTimeout 单次请求超时
	RequestTimeout time.Duration

	// BootstrapPeers 静态引导节点
	BootstrapPeers []types.PeerInfo

	// BootstrapDNSAddrs 每次引导时经 Resolver 解析的 /dnsaddr 地址
	BootstrapDNSAddrs []ma.Multiaddr

	// Resolver dnsaddr 解析器，为 nil 时忽略 BootstrapDNSAddrs
	Resolver BootstrapResolver

	// ProviderTTL Provider 记录有效期
	ProviderTTL time.Duration

	// RecordTTL 值记录保存期
	RecordTTL time.Duration

	// MaxProviderKeys Provider 存储容量
	MaxProviderKeys int

	// RefreshInterval 路由表刷新间隔，0 表示不刷新
	RefreshInterval time.Duration

	// Validator 记录验证器
	Validator record.Validator

	// Clock 时钟（测试中可替换为 clock.Mock）
	Clock clock.Clock
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	clk := clock.New()
	return &Config{
		Alpha:               DefaultAlpha,
		BucketSize:          DefaultBucketSize,
		FollowUpConcurrency: DefaultFollowUpConcurrency,
		RequestTimeout:      DefaultRequestTimeout,
		ProviderTTL:         DefaultProviderTTL,
		RecordTTL:           DefaultRecordTTL,
		MaxProviderKeys:     DefaultMaxProviderKeys,
		RefreshInterval:     DefaultRefreshInterval,
		Validator: record.NamespacedValidator{
			record.IPNSNamespace: record.NewIPNSValidator(clk),
		},
		Clock: clk,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch {
	case c.Alpha <= 0:
		return fmt.Errorf("%w: alpha must be positive", ErrInvalidConfig)
	case c.BucketSize <= 0:
		return fmt.Errorf("%w: bucket size must be positive", ErrInvalidConfig)
	case c.FollowUpConcurrency <= 0:
		return fmt.Errorf("%w: follow-up concurrency must be positive", ErrInvalidConfig)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	case c.ProviderTTL <= 0 || c.RecordTTL <= 0:
		return fmt.Errorf("%w: ttl must be positive", ErrInvalidConfig)
	case c.MaxProviderKeys <= 0:
		return fmt.Errorf("%w: max provider keys must be positive", ErrInvalidConfig)
	case c.RefreshInterval < 0:
		return fmt.Errorf("%w: refresh interval must not be negative", ErrInvalidConfig)
	case c.Validator == nil:
		return fmt.Errorf("%w: validator is required", ErrInvalidConfig)
	case c.Clock == nil:
		return fmt.Errorf("%w: clock is required", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
//                              配置选项
// ============================================================================

// ConfigOption 配置选项函数
type ConfigOption func(*Config)

// WithAlpha 设置并发参数
func WithAlpha(alpha int) ConfigOption {
	return func(c *Config) {
		c.Alpha = alpha
	}
}

// WithBucketSize 设置桶大小
func WithBucketSize(size int) ConfigOption {
	return func(c *Config) {
		c.BucketSize = size
	}
}

// WithFollowUpConcurrency 设置跟进阶段并发数
func WithFollowUpConcurrency(n int) ConfigOption {
	return func(c *Config) {
		c.FollowUpConcurrency = n
	}
}

// WithRequestTimeout 设置请求超时
func WithRequestTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithBootstrapPeers 设置引导节点
func WithBootstrapPeers(peers []types.PeerInfo) ConfigOption {
	return func(c *Config) {
		c.BootstrapPeers = peers
	}
}

// WithBootstrapDNSAddrs 设置 /dnsaddr 引导地址
func WithBootstrapDNSAddrs(addrs []ma.Multiaddr) ConfigOption {
	return func(c *Config) {
		c.BootstrapDNSAddrs = addrs
	}
}

// WithBootstrapResolver 设置 dnsaddr 解析器
func WithBootstrapResolver(r BootstrapResolver) ConfigOption {
	return func(c *Config) {
		c.Resolver = r
	}
}

// WithProviderTTL 设置 Provider 有效期
func WithProviderTTL(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.ProviderTTL = d
	}
}

// WithRecordTTL 设置值记录保存期
func WithRecordTTL(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.RecordTTL = d
	}
}

// WithMaxProviderKeys 设置 Provider 存储容量
func WithMaxProviderKeys(n int) ConfigOption {
	return func(c *Config) {
		c.MaxProviderKeys = n
	}
}

// WithRefreshInterval 设置路由表刷新间隔
func WithRefreshInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.RefreshInterval = d
	}
}

// WithValidator 设置记录验证器
func WithValidator(v record.Validator) ConfigOption {
	return func(c *Config) {
		c.Validator = v
	}
}

// WithClock 设置时钟
func WithClock(clk clock.Clock) ConfigOption {
	return func(c *Config) {
		c.Clock = clk
	}
}
