package kbucket

import (
	"errors"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-dep2p-kad/pkg/lib/log"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

var logger = log.Logger("discovery/dht/kbucket")

var (
	// ErrPeerRejectedNoCapacity 桶已满且没有可替换节点
	ErrPeerRejectedNoCapacity = errors.New("kbucket: peer rejected; insufficient capacity")

	// ErrTableClosed 路由表已关闭
	ErrTableClosed = errors.New("kbucket: routing table closed")

	// ErrInvalidBucketSize 桶容量非法
	ErrInvalidBucketSize = errors.New("kbucket: bucket size must be positive")
)

// RoutingTable K-桶路由表
//
// 按公共前缀长度分为 KeySize*8 个桶，所有方法并发安全。
// 同一节点在整张表中至多出现一次。
type RoutingTable struct {
	local      ID
	localPeer  types.PeerID
	bucketSize int

	mu      sync.RWMutex
	buckets []*Bucket
	closed  bool

	// PeerAdded / PeerRemoved 在锁外回调
	PeerAdded   func(types.PeerID)
	PeerRemoved func(types.PeerID)
}

// NewRoutingTable 创建路由表
func NewRoutingTable(local types.PeerID, bucketSize int) (*RoutingTable, error) {
	if bucketSize <= 0 {
		return nil, ErrInvalidBucketSize
	}
	buckets := make([]*Bucket, KeySize*8)
	for i := range buckets {
		buckets[i] = NewBucket(bucketSize)
	}
	return &RoutingTable{
		local:       ConvertPeerID(local),
		localPeer:   local,
		bucketSize:  bucketSize,
		buckets:     buckets,
		PeerAdded:   func(types.PeerID) {},
		PeerRemoved: func(types.PeerID) {},
	}, nil
}

// LocalID 返回本地标识
func (rt *RoutingTable) LocalID() ID {
	return rt.local
}

// BucketSize 返回桶容量 k
func (rt *RoutingTable) BucketSize() int {
	return rt.bucketSize
}

func (rt *RoutingTable) bucketFor(id ID) *Bucket {
	cpl := CommonPrefixLen(id, rt.local)
	if cpl >= len(rt.buckets) {
		cpl = len(rt.buckets) - 1
	}
	return rt.buckets[cpl]
}

// PeerFound 记录一个发现的节点，是写入路由表的唯一入口
//
// 已存在的节点会合并地址；以 replaceable=false 再次发现可替换节点时将其提升为已确认。
// 桶满时淘汰 Weakest 返回的节点，没有可淘汰节点时返回 ErrPeerRejectedNoCapacity。
// 返回值表示是否新增了条目。
func (rt *RoutingTable) PeerFound(info types.PeerInfo, replaceable bool) (bool, error) {
	if info.ID == rt.localPeer || info.ID == "" {
		return false, nil
	}

	var evicted types.PeerID
	added, err := func() (bool, error) {
		rt.mu.Lock()
		defer rt.mu.Unlock()

		if rt.closed {
			return false, ErrTableClosed
		}

		b := rt.bucketFor(ConvertPeerID(info.ID))
		if e := b.get(info.ID); e != nil {
			if len(info.Addrs) > 0 {
				e.Info.Addrs = append([]ma.Multiaddr(nil), info.Addrs...)
			}
			if !replaceable && e.Replaceable {
				e.Replaceable = false
			}
			return false, nil
		}

		if b.Full() {
			weakest, ok := b.Weakest()
			if !ok {
				return false, ErrPeerRejectedNoCapacity
			}
			b.Remove(weakest.Info.ID)
			evicted = weakest.Info.ID
		}
		return b.Add(info, replaceable), nil
	}()
	if err != nil {
		return false, err
	}

	if evicted != "" {
		logger.Debug("桶已满，淘汰最弱节点", "evicted", evicted.ShortString(), "peer", info.ID.ShortString())
		rt.PeerRemoved(evicted)
	}
	if added {
		rt.PeerAdded(info.ID)
	}
	return added, nil
}

// RemovePeer 移除节点（仅限可替换节点）
func (rt *RoutingTable) RemovePeer(id types.PeerID) bool {
	rt.mu.Lock()
	removed := rt.bucketFor(ConvertPeerID(id)).Remove(id)
	rt.mu.Unlock()

	if removed {
		rt.PeerRemoved(id)
	}
	return removed
}

// UpdateLatency 记录一次成功往返的延迟
func (rt *RoutingTable) UpdateLatency(id types.PeerID, latency time.Duration) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	e := rt.bucketFor(ConvertPeerID(id)).get(id)
	if e == nil {
		return false
	}
	e.Latency = latency
	e.LastSuccess = time.Now()
	return true
}

// Find 查找节点
func (rt *RoutingTable) Find(id types.PeerID) (types.PeerInfo, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	e := rt.bucketFor(ConvertPeerID(id)).get(id)
	if e == nil {
		return types.PeerInfo{}, false
	}
	return e.Info, true
}

// Entry 返回节点条目快照
func (rt *RoutingTable) Entry(id types.PeerID) (PeerEntry, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	e := rt.bucketFor(ConvertPeerID(id)).get(id)
	if e == nil {
		return PeerEntry{}, false
	}
	return *e, true
}

// NearestPeers 返回距离 target 最近的至多 count 个节点
func (rt *RoutingTable) NearestPeers(target ID, count int) []types.PeerInfo {
	if count <= 0 {
		return nil
	}

	rt.mu.RLock()
	sorter := peerDistanceSorter{target: target}
	for _, b := range rt.buckets {
		sorter.appendPeersFromBucket(b)
	}
	rt.mu.RUnlock()

	peers := sorter.sortedList()
	if len(peers) > count {
		peers = peers[:count]
	}
	return peers
}

// Size 返回节点总数
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	n := 0
	for _, b := range rt.buckets {
		n += b.Len()
	}
	return n
}

// IsEmpty 报告路由表是否为空
func (rt *RoutingTable) IsEmpty() bool {
	return rt.Size() == 0
}

// ListPeers 返回所有节点
func (rt *RoutingTable) ListPeers() []types.PeerInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []types.PeerInfo
	for _, b := range rt.buckets {
		for _, e := range b.entries {
			out = append(out, e.Info)
		}
	}
	return out
}

// Entries 返回所有节点条目快照，按桶序排列
func (rt *RoutingTable) Entries() []PeerEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var out []PeerEntry
	for _, b := range rt.buckets {
		out = append(out, b.Peers()...)
	}
	return out
}

// Close 关闭路由表并清空所有桶
func (rt *RoutingTable) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return nil
	}
	rt.closed = true
	for i := range rt.buckets {
		rt.buckets[i] = NewBucket(rt.bucketSize)
	}
	return nil
}
