package config

import (
	"fmt"
	"path/filepath"
)

// StorageConfig 存储配置
//
// DHT 的值记录持久化在 BadgerDB 中，按键前缀隔离：
//
//	${DataDir}/
//	└── kad.db/          # BadgerDB 主数据库
type StorageConfig struct {
	// DataDir 数据目录路径
	DataDir string `json:"data_dir"`

	// InMemory 纯内存模式，不落盘
	InMemory bool `json:"in_memory"`

	// GCInterval 值日志 GC 间隔，0 表示不运行
	GCInterval Duration `json:"gc_interval"`
}

// DefaultStorageConfig 返回默认的存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		DataDir:    "./data",
		GCInterval: Duration(defaultGCInterval),
	}
}

// Validate 验证存储配置的有效性
func (c *StorageConfig) Validate() error {
	if !c.InMemory && c.DataDir == "" {
		return fmt.Errorf("storage: data_dir cannot be empty")
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("storage: gc_interval must not be negative")
	}
	return nil
}

// DBPath 返回 BadgerDB 数据库路径
func (c *StorageConfig) DBPath() string {
	return filepath.Join(c.DataDir, "kad.db")
}
