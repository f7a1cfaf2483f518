package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// DNSConfig dnsaddr 引导地址解析配置
type DNSConfig struct {
	// Server DNS 服务器地址 "ip:port"，为空时读取 /etc/resolv.conf
	Server string `json:"server"`

	// Timeout 单次查询超时
	Timeout Duration `json:"timeout"`

	// MaxDepth 嵌套 /dnsaddr 的最大递归深度
	MaxDepth int `json:"max_depth"`

	// CacheTTL 解析结果缓存时间
	CacheTTL Duration `json:"cache_ttl"`
}

// DefaultDNSConfig 返回默认 DNS 配置
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Timeout:  Duration(5 * time.Second),
		MaxDepth: 3,
		CacheTTL: Duration(5 * time.Minute),
	}
}

// Validate 验证 DNS 配置
func (c DNSConfig) Validate() error {
	if c.Server != "" {
		if _, _, err := net.SplitHostPort(c.Server); err != nil {
			return fmt.Errorf("dns: invalid server %q: %w", c.Server, err)
		}
	}
	if !c.Timeout.Positive() {
		return errors.New("dns: timeout must be positive")
	}
	if c.MaxDepth < 0 {
		return errors.New("dns: max_depth must not be negative")
	}
	if c.CacheTTL < 0 {
		return errors.New("dns: cache_ttl must not be negative")
	}
	return nil
}
