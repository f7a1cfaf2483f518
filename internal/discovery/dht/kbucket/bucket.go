package kbucket

import (
	"math"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// MaxLatency 未测量（或不可测量）节点的延迟
//
// Weakest 扫描遇到该值立即返回。
const MaxLatency = time.Duration(math.MaxInt64)

// PeerEntry 桶内的节点条目
type PeerEntry struct {
	Info        types.PeerInfo
	KadID       ID
	Replaceable bool
	Latency     time.Duration
	AddedAt     time.Time
	LastSuccess time.Time
}

// Bucket 一个 K-桶
//
// 不自带锁，由 RoutingTable 持锁访问。
type Bucket struct {
	capacity int
	entries  []*PeerEntry
}

// NewBucket 创建容量为 capacity 的桶
func NewBucket(capacity int) *Bucket {
	return &Bucket{capacity: capacity}
}

// Len 返回节点数
func (b *Bucket) Len() int {
	return len(b.entries)
}

// Full 报告桶是否已满
func (b *Bucket) Full() bool {
	return len(b.entries) >= b.capacity
}

// Peers 返回条目快照（按插入顺序）
func (b *Bucket) Peers() []PeerEntry {
	out := make([]PeerEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	return out
}

// Contains 报告节点是否在桶内
func (b *Bucket) Contains(id types.PeerID) bool {
	return b.get(id) != nil
}

func (b *Bucket) get(id types.PeerID) *PeerEntry {
	for _, e := range b.entries {
		if e.Info.ID == id {
			return e
		}
	}
	return nil
}

// Add 加入节点
//
// 节点已存在或桶已满时返回 false。
func (b *Bucket) Add(info types.PeerInfo, replaceable bool) bool {
	if b.Contains(info.ID) || b.Full() {
		return false
	}
	b.entries = append(b.entries, &PeerEntry{
		Info:        types.PeerInfo{ID: info.ID, Addrs: append([]ma.Multiaddr(nil), info.Addrs...)},
		KadID:       ConvertPeerID(info.ID),
		Replaceable: replaceable,
		Latency:     MaxLatency,
		AddedAt:     time.Now(),
	})
	return true
}

// Remove 移除节点
//
// 只有可替换的节点会被移除，已确认可达的节点返回 false。
func (b *Bucket) Remove(id types.PeerID) bool {
	for i, e := range b.entries {
		if e.Info.ID != id {
			continue
		}
		if !e.Replaceable {
			return false
		}
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		return true
	}
	return false
}

// Weakest 返回延迟最高的可替换节点
//
// 延迟相同时取迭代顺序中靠前者；没有可替换节点时返回 false。
func (b *Bucket) Weakest() (PeerEntry, bool) {
	var weakest *PeerEntry
	for _, e := range b.entries {
		if !e.Replaceable {
			continue
		}
		if e.Latency == MaxLatency {
			return *e, true
		}
		if weakest == nil || e.Latency > weakest.Latency {
			weakest = e
		}
	}
	if weakest == nil {
		return PeerEntry{}, false
	}
	return *weakest, true
}
