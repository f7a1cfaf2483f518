package dht

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// ============================================================================
//                              Provider 查找
// ============================================================================

// FindProviders 查找内容 c 的提供者
//
// 查询键为 c 的多重哈希。本地记录先交付，随后每个对端返回的新提供者
// 立即交给 consumer，同一提供者只交付一次。acceptLocalAddress 为 false 时
// 候选节点与提供者的回环/私有地址会被剔除。ctx 取消不视为错误。
func (dht *KadDHT) FindProviders(ctx context.Context, c cid.Cid, consumer func(types.PeerInfo), acceptLocalAddress bool) error {
	if dht.closed.Load() {
		return ErrClosed
	}
	if !c.Defined() {
		return NewDHTError("find_providers", ErrUndefinedCid, "")
	}
	key := []byte(c.Hash())

	var (
		mu   sync.Mutex
		seen = make(map[types.PeerID]struct{})
	)
	emit := func(p types.PeerInfo) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := seen[p.ID]; ok {
			return
		}
		seen[p.ID] = struct{}{}
		dht.metrics.ProvidersEmitted.Inc()
		consumer(p)
	}

	for _, p := range dht.providers.GetProviders(key) {
		emit(p)
	}

	fn := func(ctx context.Context, p types.PeerInfo) queryResult {
		resp, err := dht.sendRequest(ctx, p, &message.Message{
			Type: message.MessageTypeGetProviders,
			Key:  key,
		})
		if err != nil {
			return failedResult(ctx, err)
		}
		for _, prov := range dht.filterPeers(message.ToPeerInfos(resp.Providers), acceptLocalAddress) {
			emit(prov)
		}
		return okResult(dht.filterPeers(message.ToPeerInfos(resp.CloserPeers), acceptLocalAddress))
	}

	res := dht.runLookupWithFollowup(ctx, "find_providers", key, fn, nil, false)

	mu.Lock()
	n := len(seen)
	mu.Unlock()
	logger.Debug("Provider 查找结束", "cid", c.String(), "providers", n, "reason", res.termination.String())
	return nil
}

// ============================================================================
//                              Provider 宣告
// ============================================================================

// Provide 宣告本节点可提供内容 c
//
// 先查找距离 c 最近的节点，再向其中每个未被判定不可达的节点发送
// ADD_PROVIDER（自身 ID + 当前监听地址）。没有监听地址时直接失败。
func (dht *KadDHT) Provide(ctx context.Context, c cid.Cid) error {
	if dht.closed.Load() {
		return ErrClosed
	}
	if !c.Defined() {
		return NewDHTError("provide", ErrUndefinedCid, "")
	}

	self := dht.selfInfo()
	if len(self.Addrs) == 0 {
		return NewDHTError("provide", ErrNoListenAddrs, "")
	}
	key := []byte(c.Hash())
	dht.providers.AddProvider(key, self)

	res := dht.runLookupWithFollowup(ctx, "provide", key, dht.findNodeQuery(key, nil), nil, true)
	if res.termination == LookupCancelled {
		return ctx.Err()
	}

	peers := reachablePeers(res)
	if len(peers) == 0 {
		logger.Warn("Provide: 没有可宣告的节点，仅保存在本地", "cid", c.String())
		return nil
	}

	req := &message.Message{
		Type:      message.MessageTypeAddProvider,
		Key:       key,
		Providers: []message.PeerRecord{message.FromPeerInfo(self)},
	}
	acked := dht.fanOut(ctx, peers, req, nil)

	logger.Debug("Provide 完成", "cid", c.String(), "peers", len(peers), "acked", acked)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// fanOut 并发向 peers 发送同一请求，返回成功应答数
//
// onResponse 可为 nil。单个节点失败只记录日志，不可达节点移出路由表。
func (dht *KadDHT) fanOut(ctx context.Context, peers []types.PeerInfo, req *message.Message,
	onResponse func(p types.PeerInfo, resp *message.Message)) int {
	var (
		acked atomic.Int32
		g     errgroup.Group
	)
	g.SetLimit(dht.config.Alpha)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			start := time.Now()
			resp, err := dht.sendRequest(ctx, p, req)
			switch outcome := classifyError(ctx, err); outcome {
			case OutcomeOK:
				dht.peerResponded(p, time.Since(start))
				acked.Add(1)
				if onResponse != nil {
					onResponse(p, resp)
				}
			case OutcomeCancelled:
			default:
				logger.Debug("请求发送失败", "type", req.Type.String(), "peer", p.ID.ShortString(),
					"outcome", outcome.String(), "err", err)
				dht.peerUnreachable(p)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(acked.Load())
}
