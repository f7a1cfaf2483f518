package dht

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/record"
	"github.com/dep2p/go-dep2p-kad/pkg/lib/log"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// ============================================================================
//                              发布
// ============================================================================

// PutValue 发布记录
//
// 记录先在本地验证，未通过时在任何网络请求之前返回 ErrInvalidRecord。
// 随后保存到本地，查找距离 key 最近的节点并逐一发送 PUT_VALUE。
// 对端回显的值与发送的不一致只记录日志。
func (dht *KadDHT) PutValue(ctx context.Context, key string, value []byte) error {
	if dht.closed.Load() {
		return ErrClosed
	}
	if _, err := dht.config.Validator.Validate(key, value); err != nil {
		return NewDHTError("put_value", fmt.Errorf("%w: %v", ErrInvalidRecord, err), "local validation failed")
	}

	rec := message.NewRecord(key, value)
	if err := dht.values.Put(key, rec); err != nil {
		logger.Warn("本地保存记录失败", "key", loggableKey(key), "err", err)
	}

	res := dht.runLookupWithFollowup(ctx, "put_value", []byte(key), dht.findNodeQuery([]byte(key), nil), nil, true)
	if res.termination == LookupCancelled {
		return ctx.Err()
	}

	peers := reachablePeers(res)
	req := &message.Message{
		Type:   message.MessageTypePutValue,
		Key:    []byte(key),
		Record: rec,
	}
	acked := dht.fanOut(ctx, peers, req, func(p types.PeerInfo, resp *message.Message) {
		if resp.Record == nil || !bytes.Equal(resp.Record.Value, value) {
			logger.Warn("节点回显的值与发送的不一致", "peer", p.ID.ShortString(), "key", loggableKey(key))
		}
	})

	logger.Debug("PutValue 完成", "key", loggableKey(key), "peers", len(peers), "acked", acked)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// ============================================================================
//                              查询
// ============================================================================

// SearchValue 查找 key 对应的记录
//
// 只有比当前最佳记录严格更好的记录才会交给 consumer 并成为新的最佳记录，
// consumer 在内部锁中被串行调用。单个对端返回的非法记录被跳过。
// 查找结束后，把最佳记录推送给返回了旧记录的节点。ctx 取消不视为错误。
func (dht *KadDHT) SearchValue(ctx context.Context, key string, consumer func(*record.Entry)) error {
	if dht.closed.Load() {
		return ErrClosed
	}
	validator := dht.config.Validator

	type peerRecord struct {
		from  types.PeerInfo
		entry *record.Entry
	}
	var (
		mu       sync.Mutex
		best     *record.Entry
		returned []peerRecord
	)
	// offer 只在记录严格更好时交付
	offer := func(from types.PeerInfo, e *record.Entry) {
		mu.Lock()
		defer mu.Unlock()
		if from.ID != "" {
			returned = append(returned, peerRecord{from: from, entry: e})
		}
		if best != nil && validator.Compare(e, best) != record.Better {
			return
		}
		best = e
		dht.metrics.ValuesEmitted.Inc()
		consumer(e)
	}

	if local, err := dht.values.Get(key); err == nil {
		if e, err := validator.Validate(key, local.Value); err == nil {
			offer(types.PeerInfo{}, e)
		} else {
			_ = dht.values.Delete(key)
		}
	}

	fn := func(ctx context.Context, p types.PeerInfo) queryResult {
		resp, err := dht.sendRequest(ctx, p, &message.Message{
			Type: message.MessageTypeGetValue,
			Key:  []byte(key),
		})
		if err != nil {
			return failedResult(ctx, err)
		}
		if resp.Record != nil {
			if e, err := validator.Validate(key, resp.Record.Value); err != nil {
				logger.Debug("对端返回的记录无效", "peer", p.ID.ShortString(), "key", loggableKey(key), "err", err)
			} else {
				offer(p, e)
			}
		}
		return okResult(dht.filterPeers(message.ToPeerInfos(resp.CloserPeers), true))
	}

	res := dht.runLookupWithFollowup(ctx, "search_value", []byte(key), fn, nil, false)

	mu.Lock()
	final := best
	var stale []types.PeerInfo
	for _, r := range returned {
		if final != nil && validator.Compare(r.entry, final) == record.Worse {
			stale = append(stale, r.from)
		}
	}
	mu.Unlock()
	if final == nil || res.termination == LookupCancelled {
		return nil
	}

	rec := message.NewRecord(key, final.Raw)
	if err := dht.values.Put(key, rec); err != nil {
		logger.Debug("本地缓存最佳记录失败", "key", loggableKey(key), "err", err)
	}
	if len(stale) > 0 {
		n := dht.fanOut(ctx, types.MergePeerInfos(stale), &message.Message{
			Type:   message.MessageTypePutValue,
			Key:    []byte(key),
			Record: rec,
		}, nil)
		logger.Debug("已更新持有旧记录的节点", "key", loggableKey(key), "peers", len(stale), "acked", n)
	}
	return nil
}

// GetValue 查找 key 的最佳记录值，没有任何有效记录时返回 ErrNotFound
func (dht *KadDHT) GetValue(ctx context.Context, key string) ([]byte, error) {
	var best *record.Entry
	if err := dht.SearchValue(ctx, key, func(e *record.Entry) { best = e }); err != nil {
		return nil, err
	}
	if best != nil {
		return best.Raw, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, ErrNotFound
}

// loggableKey 日志中使用的键，路径是 PeerID 时显示其短格式
func loggableKey(key string) string {
	ns, path, err := record.SplitKey(key)
	if err != nil {
		return log.TruncateID(fmt.Sprintf("%q", key), 24)
	}
	if id, err := types.PeerIDFromBytes([]byte(path)); err == nil {
		return "/" + ns + "/" + id.ShortString()
	}
	return "/" + ns + "/" + log.TruncateID(fmt.Sprintf("%x", path), 16)
}
