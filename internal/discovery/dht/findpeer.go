package dht

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// FindPeer 查找节点 id 的地址
//
// 任何对端返回的节点只要 ID 与目标一致就立即交给 consumer，
// 同一节点只交付一次，找到后查询停止。ctx 取消不视为错误。
func (dht *KadDHT) FindPeer(ctx context.Context, id types.PeerID, consumer func(types.PeerInfo)) error {
	if dht.closed.Load() {
		return ErrClosed
	}
	if err := id.Validate(); err != nil {
		return NewDHTError("find_peer", err, "invalid target")
	}

	var (
		found atomic.Bool
		once  sync.Once
	)
	onResponse := func(_ types.PeerInfo, closer []types.PeerInfo) {
		for _, p := range closer {
			if p.ID != id {
				continue
			}
			once.Do(func() {
				found.Store(true)
				logger.Debug("找到目标节点", "peer", id.ShortString(), "addrs", len(p.Addrs))
				consumer(p)
			})
		}
	}

	res := dht.runLookupWithFollowup(ctx, "find_peer", []byte(id),
		dht.findNodeQuery([]byte(id), onResponse), found.Load, false)

	if !found.Load() && res.termination != LookupCancelled {
		logger.Debug("未找到目标节点", "peer", id.ShortString(), "reason", res.termination.String())
	}
	return nil
}

// FindPeerInfo 查找节点并返回第一个结果，未找到返回 ErrNotFound
func (dht *KadDHT) FindPeerInfo(ctx context.Context, id types.PeerID) (types.PeerInfo, error) {
	var (
		mu     sync.Mutex
		result *types.PeerInfo
	)
	err := dht.FindPeer(ctx, id, func(p types.PeerInfo) {
		mu.Lock()
		defer mu.Unlock()
		result = &p
	})
	if err != nil {
		return types.PeerInfo{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	if result != nil {
		return *result, nil
	}
	if ctx.Err() != nil {
		return types.PeerInfo{}, ctx.Err()
	}
	return types.PeerInfo{}, ErrNotFound
}

// Ping 向节点发送一次 PING
func (dht *KadDHT) Ping(ctx context.Context, p types.PeerInfo) error {
	start := time.Now()
	_, err := dht.sendRequest(ctx, p, &message.Message{Type: message.MessageTypePing})
	switch classifyError(ctx, err) {
	case OutcomeOK:
		dht.peerResponded(p, time.Since(start))
		return nil
	case OutcomeUnreachable, OutcomeFailed:
		dht.peerUnreachable(p)
	}
	return err
}
