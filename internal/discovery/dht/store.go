package dht

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dep2p/go-dep2p-kad/internal/core/storage/engine"
	"github.com/dep2p/go-dep2p-kad/internal/core/storage/kv"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// ============================================================================
//                              值存储
// ============================================================================

// valuePrefix 值记录在 DHT 键空间下的子前缀
var valuePrefix = []byte("v/")

// ValueStore 本地值记录存储
//
// 记录以 JSON 形式保存在 kv.Store 的 v/ 前缀下，过期由存储引擎的 TTL 处理。
type ValueStore struct {
	store *kv.Store
	ttl   time.Duration
}

// NewValueStore 创建值存储
func NewValueStore(ds *kv.Store, ttl time.Duration) *ValueStore {
	return &ValueStore{
		store: ds.Sub(valuePrefix),
		ttl:   ttl,
	}
}

// Get 读取记录，不存在时返回 ErrNotFound
func (vs *ValueStore) Get(key string) (*message.Record, error) {
	var rec message.Record
	if err := vs.store.GetJSON([]byte(key), &rec); err != nil {
		if engine.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Put 写入记录并刷新过期时间
func (vs *ValueStore) Put(key string, rec *message.Record) error {
	return vs.store.PutJSONWithTTL([]byte(key), rec, vs.ttl)
}

// Delete 删除记录
func (vs *ValueStore) Delete(key string) error {
	return vs.store.Delete([]byte(key))
}

// Count 返回当前保存的记录数
func (vs *ValueStore) Count() (int, error) {
	return vs.store.Count(nil)
}

// ============================================================================
//                              Provider 存储
// ============================================================================

type providerEntry struct {
	info      types.PeerInfo
	expiresAt time.Time
}

// providerSet 单个键下的 provider 集合
type providerSet struct {
	mu      sync.Mutex
	entries map[types.PeerID]providerEntry
}

// ProviderStore 本地 provider 记录
//
// 以内容多重哈希为键的 LRU，键在最后一次 AddProvider 后 ttl 过期；
// 每个 provider 另有自己的过期时间。
type ProviderStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *providerSet]
	ttl   time.Duration
	clock clock.Clock
}

// NewProviderStore 创建 provider 存储
func NewProviderStore(maxKeys int, ttl time.Duration, clk clock.Clock) *ProviderStore {
	return &ProviderStore{
		cache: expirable.NewLRU[string, *providerSet](maxKeys, nil, ttl),
		ttl:   ttl,
		clock: clk,
	}
}

// AddProvider 添加或刷新 provider
func (ps *ProviderStore) AddProvider(key []byte, p types.PeerInfo) {
	ps.mu.Lock()
	set, ok := ps.cache.Get(string(key))
	if !ok {
		set = &providerSet{entries: make(map[types.PeerID]providerEntry)}
	}
	// 重新 Add 以刷新键的过期时间
	ps.cache.Add(string(key), set)
	ps.mu.Unlock()

	set.mu.Lock()
	defer set.mu.Unlock()
	if prev, ok := set.entries[p.ID]; ok {
		p = types.MergePeerInfos([]types.PeerInfo{prev.info, p})[0]
	}
	set.entries[p.ID] = providerEntry{info: p, expiresAt: ps.clock.Now().Add(ps.ttl)}
}

// GetProviders 返回未过期的 provider
func (ps *ProviderStore) GetProviders(key []byte) []types.PeerInfo {
	ps.mu.Lock()
	set, ok := ps.cache.Get(string(key))
	ps.mu.Unlock()
	if !ok {
		return nil
	}

	now := ps.clock.Now()
	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]types.PeerInfo, 0, len(set.entries))
	for id, e := range set.entries {
		if now.After(e.expiresAt) {
			delete(set.entries, id)
			continue
		}
		out = append(out, e.info)
	}
	return out
}

// Len 返回键的数量
func (ps *ProviderStore) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.cache.Len()
}

// Purge 清空
func (ps *ProviderStore) Purge() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.cache.Purge()
}
