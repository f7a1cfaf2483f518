// Package engine 定义存储引擎接口
//
// 具体实现见 engine/badger。上层通过 kv.Store 按前缀隔离使用。
package engine

import (
	"errors"
	"time"
)

// Engine 键值存储引擎
type Engine interface {
	// Get 获取值，不存在时返回 ErrNotFound
	Get(key []byte) ([]byte, error)

	// Put 写入键值对
	Put(key, value []byte) error

	// PutWithTTL 写入键值对，ttl 到期后自动删除
	PutWithTTL(key, value []byte, ttl time.Duration) error

	// Delete 删除键
	Delete(key []byte) error

	// Has 检查键是否存在
	Has(key []byte) (bool, error)

	// PrefixScan 按键序遍历前缀下的所有键值对，fn 返回 false 时停止
	PrefixScan(prefix []byte, fn func(key, value []byte) bool) error

	// Start 启动后台任务（GC 等）
	Start() error

	// Close 关闭引擎
	Close() error
}

// Config 存储引擎配置
type Config struct {
	// Path 数据目录，InMemory 时忽略
	Path string

	// InMemory 纯内存模式（测试与无状态节点）
	InMemory bool

	// SyncWrites 每次写入都同步到磁盘
	SyncWrites bool

	// GCInterval 值日志 GC 间隔，0 表示不运行
	GCInterval time.Duration

	// GCDiscardRatio 值日志 GC 丢弃比例
	GCDiscardRatio float64
}

// DefaultConfig 返回默认配置
func DefaultConfig(path string) *Config {
	return &Config{
		Path:           path,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig 返回纯内存配置
func InMemoryConfig() *Config {
	return &Config{InMemory: true}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("storage: path is required unless in-memory")
	}
	if c.GCInterval < 0 {
		return errors.New("storage: gc interval must not be negative")
	}
	if c.GCInterval > 0 && (c.GCDiscardRatio <= 0 || c.GCDiscardRatio >= 1) {
		return errors.New("storage: gc discard ratio must be in (0, 1)")
	}
	return nil
}
