// Package kv 提供带前缀隔离的 KV 存储抽象层
//
// # 键空间设计
//
//   - d/v/ - DHT 值记录
//
// # 使用示例
//
//	eng, _ := badger.New(engine.DefaultConfig("/data/kad"))
//	dhtStore := kv.New(eng, []byte("d/"))
//	dhtStore.PutJSONWithTTL([]byte("v/key1"), rec, time.Hour) // 实际键: d/v/key1
package kv

import (
	"encoding/json"
	"time"

	"github.com/dep2p/go-dep2p-kad/internal/core/storage/engine"
)

// Store 带前缀隔离的 KV 存储
type Store struct {
	engine engine.Engine
	prefix []byte
}

// New 创建新的 KVStore，所有操作自动添加 prefix
func New(eng engine.Engine, prefix []byte) *Store {
	return &Store{
		engine: eng,
		prefix: append([]byte(nil), prefix...),
	}
}

// Sub 返回在当前前缀下再追加 prefix 的子存储
func (s *Store) Sub(prefix []byte) *Store {
	return New(s.engine, s.prefixKey(prefix))
}

// prefixKey 为键添加前缀
func (s *Store) prefixKey(key []byte) []byte {
	prefixed := make([]byte, len(s.prefix)+len(key))
	copy(prefixed, s.prefix)
	copy(prefixed[len(s.prefix):], key)
	return prefixed
}

// stripPrefix 从键中移除前缀
func (s *Store) stripPrefix(key []byte) []byte {
	if len(key) < len(s.prefix) {
		return key
	}
	return key[len(s.prefix):]
}

// ============= 基础操作 =============

// Get 获取指定键的值
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.engine.Get(s.prefixKey(key))
}

// Put 设置键值对
func (s *Store) Put(key, value []byte) error {
	return s.engine.Put(s.prefixKey(key), value)
}

// PutWithTTL 设置带过期时间的键值对
func (s *Store) PutWithTTL(key, value []byte, ttl time.Duration) error {
	return s.engine.PutWithTTL(s.prefixKey(key), value, ttl)
}

// Delete 删除指定键
func (s *Store) Delete(key []byte) error {
	return s.engine.Delete(s.prefixKey(key))
}

// Has 检查键是否存在
func (s *Store) Has(key []byte) (bool, error) {
	return s.engine.Has(s.prefixKey(key))
}

// ============= 便捷方法 =============

// GetJSON 获取并反序列化 JSON 值
func (s *Store) GetJSON(key []byte, v interface{}) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PutJSON 序列化并存储 JSON 值
func (s *Store) PutJSON(key []byte, v interface{}) error {
	return s.PutJSONWithTTL(key, v, 0)
}

// PutJSONWithTTL 序列化并存储带过期时间的 JSON 值
func (s *Store) PutJSONWithTTL(key []byte, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.PutWithTTL(key, data, ttl)
}

// ============= 遍历 =============

// PrefixScan 扫描指定前缀的所有键值对
//
// 回调中的 key 已去除 Store 的前缀，但保留 subPrefix。
func (s *Store) PrefixScan(subPrefix []byte, fn func(key, value []byte) bool) error {
	return s.engine.PrefixScan(s.prefixKey(subPrefix), func(key, value []byte) bool {
		return fn(s.stripPrefix(key), value)
	})
}

// Count 统计指定前缀的键数量
func (s *Store) Count(subPrefix []byte) (int, error) {
	n := 0
	err := s.PrefixScan(subPrefix, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}
