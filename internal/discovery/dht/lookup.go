package dht

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/kbucket"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/qpeerset"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// ============================================================================
//                              查找 + 跟进
// ============================================================================

// runLookupWithFollowup 运行一次迭代查询，随后对结果集中仍处于
// Heard/Waiting 的节点再调用一次 fn
//
// 跟进阶段使用 FollowUpConcurrency 大小的工作池，失败只记录日志；
// stopFn 已触发或 ctx 已取消时跳过跟进。
func (dht *KadDHT) runLookupWithFollowup(ctx context.Context, op string, key []byte, fn queryFn, stop stopFn, runFollowUp bool) *lookupResult {
	if stop == nil {
		stop = neverStop
	}
	dht.maybeBootstrap(ctx)

	start := time.Now()
	dht.metrics.Lookups.WithLabelValues(op).Inc()
	defer func() {
		dht.metrics.LookupDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	seeds := dht.routingTable.NearestPeers(kbucket.ConvertKey(key), dht.config.BucketSize)
	q := dht.newQuery(ctx, key, seeds, fn, stop)
	res := q.run()

	if !runFollowUp || res.termination == LookupStopped || res.termination == LookupCancelled {
		return res
	}
	dht.followUp(ctx, q.id.String(), op, res, fn, stop)
	return res
}

// followUp 对结果集中仍处于 Heard/Waiting 的节点各调用一次 fn，并就地更新状态
func (dht *KadDHT) followUp(ctx context.Context, queryID, op string, res *lookupResult, fn queryFn, stop stopFn) {
	var toFollowUp []int
	for i, s := range res.state {
		if s == qpeerset.PeerHeard || s == qpeerset.PeerWaiting {
			toFollowUp = append(toFollowUp, i)
		}
	}
	if len(toFollowUp) == 0 {
		return
	}

	logger.Debug("DHT 跟进查询", "query", queryID, "op", op, "peers", len(toFollowUp))

	var g errgroup.Group
	g.SetLimit(dht.config.FollowUpConcurrency)
	for _, i := range toFollowUp {
		i := i
		g.Go(func() error {
			if ctx.Err() != nil || stop() {
				return nil
			}
			p := res.peers[i]
			dht.metrics.FollowUpQueries.Inc()

			begin := time.Now()
			r := fn(ctx, p)
			switch r.outcome {
			case OutcomeOK:
				dht.peerResponded(p, time.Since(begin))
				res.state[i] = qpeerset.PeerQueried
			case OutcomeCancelled:
			default:
				logger.Debug("跟进查询失败", "peer", p.ID.ShortString(), "outcome", r.outcome.String(), "err", r.err)
				dht.peerUnreachable(p)
				res.state[i] = qpeerset.PeerUnreachable
			}
			dht.metrics.PeerQueries.WithLabelValues(r.outcome.String()).Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// ============================================================================
//                              最近节点查找
// ============================================================================

// findNodeQuery 构造 FIND_NODE 查询函数
//
// onResponse 可为 nil，在每次成功应答后被调用。
func (dht *KadDHT) findNodeQuery(key []byte, onResponse func(from types.PeerInfo, closer []types.PeerInfo)) queryFn {
	return func(ctx context.Context, p types.PeerInfo) queryResult {
		resp, err := dht.sendRequest(ctx, p, &message.Message{
			Type: message.MessageTypeFindNode,
			Key:  key,
		})
		if err != nil {
			return failedResult(ctx, err)
		}
		closer := dht.filterPeers(message.ToPeerInfos(resp.CloserPeers), true)
		if onResponse != nil {
			onResponse(p, closer)
		}
		return okResult(closer)
	}
}

// GetClosestPeers 查找距离 key 最近的节点
//
// 返回除不可达外最近的 BucketSize 个节点，按距离升序。
func (dht *KadDHT) GetClosestPeers(ctx context.Context, key []byte) ([]types.PeerInfo, error) {
	if dht.closed.Load() {
		return nil, ErrClosed
	}
	res := dht.runLookupWithFollowup(ctx, "get_closest_peers", key, dht.findNodeQuery(key, nil), nil, true)
	if res.termination == LookupCancelled {
		return res.peers, ctx.Err()
	}
	return res.peers, nil
}

// reachablePeers 返回查找结果中未被标记为不可达的节点
func reachablePeers(res *lookupResult) []types.PeerInfo {
	var out []types.PeerInfo
	for i, p := range res.peers {
		if res.state[i] != qpeerset.PeerUnreachable {
			out = append(out, p)
		}
	}
	return out
}
