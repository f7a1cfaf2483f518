package config

import (
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
)

// TransportConfig 传输层配置
//
// 仅支持 QUIC。监听地址为 multiaddr 格式，例如 "/ip4/0.0.0.0/udp/4001/quic-v1"。
type TransportConfig struct {
	// ListenAddrs 监听地址列表
	ListenAddrs []string `json:"listen_addrs"`

	// DialTimeout 建立连接超时
	DialTimeout Duration `json:"dial_timeout"`

	// MaxIdleTimeout QUIC 连接最大空闲时间
	MaxIdleTimeout Duration `json:"max_idle_timeout"`

	// KeepAlivePeriod QUIC KeepAlive 周期
	KeepAlivePeriod Duration `json:"keep_alive_period"`

	// MaxStreams 单连接最大并发入站流
	MaxStreams int `json:"max_streams"`
}

// DefaultTransportConfig 返回默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ListenAddrs:     []string{"/ip4/0.0.0.0/udp/4001/quic-v1"},
		DialTimeout:     Duration(defaultDialTimeout),
		MaxIdleTimeout:  Duration(defaultMaxIdleTimeout),
		KeepAlivePeriod: Duration(defaultKeepAlivePeriod),
		MaxStreams:      256,
	}
}

// Validate 验证传输配置
func (c TransportConfig) Validate() error {
	for _, s := range c.ListenAddrs {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("transport: invalid listen addr %q: %w", s, err)
		}
	}
	if !c.DialTimeout.Positive() {
		return errors.New("transport: dial_timeout must be positive")
	}
	if !c.MaxIdleTimeout.Positive() {
		return errors.New("transport: max_idle_timeout must be positive")
	}
	if c.KeepAlivePeriod < 0 || c.KeepAlivePeriod >= c.MaxIdleTimeout {
		return errors.New("transport: keep_alive_period must be in [0, max_idle_timeout)")
	}
	if c.MaxStreams <= 0 {
		return errors.New("transport: max_streams must be positive")
	}
	return nil
}
