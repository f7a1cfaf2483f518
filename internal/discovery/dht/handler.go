package dht

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/kbucket"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/record"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// ============================================================================
//                              速率限制
// ============================================================================

const (
	// ProviderRateLimit 每个发送方每分钟可宣告的 provider 数
	ProviderRateLimit = 50

	// PutValueRateLimit 每个发送方每分钟可写入的记录数
	PutValueRateLimit = 20
)

// rateLimiter 按发送方的滑动窗口限速
type rateLimiter struct {
	records   map[types.PeerID][]time.Time
	limit     int
	window    time.Duration
	clock     clock.Clock
	lastSweep time.Time

	mu sync.Mutex
}

func newRateLimiter(limit int, window time.Duration, clk clock.Clock) *rateLimiter {
	return &rateLimiter{
		records: make(map[types.PeerID][]time.Time),
		limit:   limit,
		window:  window,
		clock:   clk,
	}
}

// Allow 检查是否允许请求
func (rl *rateLimiter) Allow(sender types.PeerID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	cutoff := now.Add(-rl.window)
	if now.Sub(rl.lastSweep) >= rl.window {
		rl.sweep(cutoff)
		rl.lastSweep = now
	}

	var valid []time.Time
	for _, t := range rl.records[sender] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		if len(valid) == 0 {
			delete(rl.records, sender)
		} else {
			rl.records[sender] = valid
		}
		return false
	}
	rl.records[sender] = append(valid, now)
	return true
}

// sweep 删除窗口内已没有请求的发送方，调用方持有 mu
func (rl *rateLimiter) sweep(cutoff time.Time) {
	for sender, times := range rl.records {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(rl.records, sender)
		}
	}
}

// size 当前跟踪的发送方数量
func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.records)
}

// ============================================================================
//                              协议处理
// ============================================================================

// Handler DHT 服务端，基于本地路由表和存储应答请求
type Handler struct {
	dht *KadDHT

	providerLimiter *rateLimiter
	putLimiter      *rateLimiter
}

// NewHandler 创建协议处理器
func NewHandler(dht *KadDHT) *Handler {
	return &Handler{
		dht:             dht,
		providerLimiter: newRateLimiter(ProviderRateLimit, time.Minute, dht.config.Clock),
		putLimiter:      newRateLimiter(PutValueRateLimit, time.Minute, dht.config.Clock),
	}
}

// HandleRequest 处理来自 from 的请求，总是返回一个响应
//
// 发送方作为可替换节点提交给路由表。
func (dht *KadDHT) HandleRequest(ctx context.Context, from types.PeerInfo, req *message.Message) *message.Message {
	return dht.handler.HandleRequest(ctx, from, req)
}

// HandleRequest 处理一次请求
func (h *Handler) HandleRequest(ctx context.Context, from types.PeerInfo, req *message.Message) *message.Message {
	if req == nil {
		return &message.Message{Error: "empty request"}
	}
	if from.ID == "" {
		return errorResponse(req, "sender is empty")
	}
	h.dht.metrics.InboundRequests.WithLabelValues(req.Type.String()).Inc()

	if len(from.Addrs) > 0 {
		h.dht.peerFound(from, true)
	}

	switch req.Type {
	case message.MessageTypePing:
		return &message.Message{Type: message.MessageTypePing}
	case message.MessageTypeFindNode:
		return h.handleFindNode(ctx, from, req)
	case message.MessageTypeGetValue:
		return h.handleGetValue(ctx, from, req)
	case message.MessageTypePutValue:
		return h.handlePutValue(ctx, from, req)
	case message.MessageTypeAddProvider:
		return h.handleAddProvider(ctx, from, req)
	case message.MessageTypeGetProviders:
		return h.handleGetProviders(ctx, from, req)
	default:
		return errorResponse(req, "unknown message type")
	}
}

func errorResponse(req *message.Message, msg string) *message.Message {
	return &message.Message{Type: req.Type, Error: msg}
}

// closerPeers 返回距离 key 最近的节点，不含请求方
func (h *Handler) closerPeers(key []byte, from types.PeerID) []message.PeerRecord {
	peers := h.dht.routingTable.NearestPeers(kbucket.ConvertKey(key), h.dht.config.BucketSize+1)
	out := make([]types.PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.ID == from {
			continue
		}
		out = append(out, p)
		if len(out) == h.dht.config.BucketSize {
			break
		}
	}
	return message.FromPeerInfos(out)
}

// handleFindNode 处理 FIND_NODE 请求
func (h *Handler) handleFindNode(_ context.Context, from types.PeerInfo, req *message.Message) *message.Message {
	if len(req.Key) == 0 {
		return errorResponse(req, "empty key")
	}
	return &message.Message{
		Type:        req.Type,
		Key:         req.Key,
		CloserPeers: h.closerPeers(req.Key, from.ID),
	}
}

// handleGetValue 处理 GET_VALUE 请求，本地记录失效时顺带删除
func (h *Handler) handleGetValue(_ context.Context, from types.PeerInfo, req *message.Message) *message.Message {
	if len(req.Key) == 0 {
		return errorResponse(req, "empty key")
	}
	key := string(req.Key)
	resp := &message.Message{
		Type:        req.Type,
		Key:         req.Key,
		CloserPeers: h.closerPeers(req.Key, from.ID),
	}

	rec, err := h.dht.values.Get(key)
	if err != nil {
		return resp
	}
	if _, err := h.dht.config.Validator.Validate(key, rec.Value); err != nil {
		logger.Debug("本地记录已失效", "key", loggableKey(key), "err", err)
		_ = h.dht.values.Delete(key)
		return resp
	}
	resp.Record = rec
	return resp
}

// handlePutValue 处理 PUT_VALUE 请求
//
// 只保存不比现有记录旧的记录，响应中回显保存后的记录。
func (h *Handler) handlePutValue(_ context.Context, from types.PeerInfo, req *message.Message) *message.Message {
	if req.Record == nil || string(req.Record.Key) != string(req.Key) {
		return errorResponse(req, "record key mismatch")
	}
	if !h.putLimiter.Allow(from.ID) {
		return errorResponse(req, "rate limit exceeded")
	}

	key := string(req.Key)
	validator := h.dht.config.Validator
	incoming, err := validator.Validate(key, req.Record.Value)
	if err != nil {
		logger.Debug("拒绝无效记录", "peer", from.ID.ShortString(), "key", loggableKey(key), "err", err)
		return errorResponse(req, "invalid record")
	}

	stored := req.Record
	if existing, err := h.dht.values.Get(key); err == nil {
		if cur, err := validator.Validate(key, existing.Value); err == nil &&
			validator.Compare(incoming, cur) == record.Worse {
			stored = existing
		}
	}
	if stored == req.Record {
		rec := message.NewRecord(key, req.Record.Value)
		if err := h.dht.values.Put(key, rec); err != nil {
			logger.Warn("保存记录失败", "key", loggableKey(key), "err", err)
			return errorResponse(req, "store failed")
		}
		stored = rec
	}

	return &message.Message{Type: req.Type, Key: req.Key, Record: stored}
}

// handleAddProvider 处理 ADD_PROVIDER 请求，只接受发送方对自身的宣告
func (h *Handler) handleAddProvider(_ context.Context, from types.PeerInfo, req *message.Message) *message.Message {
	if len(req.Key) == 0 {
		return errorResponse(req, "empty key")
	}
	if !h.providerLimiter.Allow(from.ID) {
		return errorResponse(req, "rate limit exceeded")
	}

	accepted := 0
	for _, p := range message.ToPeerInfos(req.Providers) {
		if p.ID != from.ID {
			logger.Debug("忽略代他人宣告的 provider", "from", from.ID.ShortString(), "provider", p.ID.ShortString())
			continue
		}
		if len(p.Addrs) == 0 {
			p.Addrs = from.Addrs
		}
		h.dht.providers.AddProvider(req.Key, p)
		accepted++
	}
	if accepted == 0 {
		return errorResponse(req, "no valid provider record")
	}
	return &message.Message{Type: req.Type, Key: req.Key}
}

// handleGetProviders 处理 GET_PROVIDERS 请求
func (h *Handler) handleGetProviders(_ context.Context, from types.PeerInfo, req *message.Message) *message.Message {
	if len(req.Key) == 0 {
		return errorResponse(req, "empty key")
	}
	return &message.Message{
		Type:        req.Type,
		Key:         req.Key,
		Providers:   message.FromPeerInfos(h.dht.providers.GetProviders(req.Key)),
		CloserPeers: h.closerPeers(req.Key, from.ID),
	}
}
