package dht

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/kbucket"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/qpeerset"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// ============================================================================
//                              迭代查询
// ============================================================================

// queryFn 向单个节点发起一次远程请求
//
// 可能被多个 goroutine 并发调用。
type queryFn func(ctx context.Context, p types.PeerInfo) queryResult

// stopFn 返回 true 时查询立即结束且跳过跟进阶段
//
// 可能被多个 goroutine 并发调用。
type stopFn func() bool

func neverStop() bool { return false }

// LookupTerminationReason 查询结束原因
type LookupTerminationReason int

const (
	// LookupStopped stopFn 触发
	LookupStopped LookupTerminationReason = iota
	// LookupCancelled ctx 取消
	LookupCancelled
	// LookupStarvation 没有可查询的节点，也没有进行中的请求
	LookupStarvation
)

// String 返回原因名称
func (r LookupTerminationReason) String() string {
	switch r {
	case LookupStopped:
		return "stopped"
	case LookupCancelled:
		return "cancelled"
	case LookupStarvation:
		return "starvation"
	default:
		return fmt.Sprintf("LookupTerminationReason(%d)", int(r))
	}
}

// lookupResult 查询结果：最近的节点及其状态
type lookupResult struct {
	peers       []types.PeerInfo
	state       []qpeerset.PeerState
	termination LookupTerminationReason
}

// queryUpdate 工作 goroutine 回报给主循环的状态变化
//
// 是并发请求与 queryPeers 之间唯一的通信方式，发出后不再修改。
type queryUpdate struct {
	cause       types.PeerID
	heard       []types.PeerInfo
	queried     []types.PeerID
	unreachable []types.PeerID
	cancelled   []types.PeerID
	duration    time.Duration
}

// query 一次迭代查找
//
// queryPeers 只由 run 所在的 goroutine 读写。run 返回前等待全部工作 goroutine 退出。
type query struct {
	id  uuid.UUID
	ctx context.Context
	dht *KadDHT

	key    []byte
	target kbucket.ID

	seedPeers  []types.PeerInfo
	queryPeers *qpeerset.QueryPeerset
	alpha      int

	updateCh chan *queryUpdate
	done     chan struct{}
	workers  sync.WaitGroup

	queryFn queryFn
	stopFn  stopFn

	stats queryStats
}

type queryStats struct {
	rounds      int
	spawned     int
	succeeded   int
	unreachable int
	cancelled   int
	start       time.Time
}

func (dht *KadDHT) newQuery(ctx context.Context, key []byte, seeds []types.PeerInfo, fn queryFn, stop stopFn) *query {
	if stop == nil {
		stop = neverStop
	}
	target := kbucket.ConvertKey(key)
	return &query{
		id:         uuid.New(),
		ctx:        ctx,
		dht:        dht,
		key:        key,
		target:     target,
		seedPeers:  seeds,
		queryPeers: qpeerset.New(target),
		alpha:      dht.config.Alpha,
		updateCh:   make(chan *queryUpdate, dht.config.Alpha),
		done:       make(chan struct{}),
		queryFn:    fn,
		stopFn:     stop,
	}
}

// run 运行查询直到停止、饥饿或取消
//
// 取消不视为错误，返回的 lookupResult.termination 为 LookupCancelled。
func (q *query) run() *lookupResult {
	q.stats.start = time.Now()
	pathCtx, cancelPath := context.WithCancel(q.ctx)
	defer func() {
		cancelPath()
		close(q.done)
		q.workers.Wait()
	}()

	// 第一轮：种子节点标记为 Heard
	q.updateCh <- &queryUpdate{cause: q.dht.self, heard: q.seedPeers}

	var reason LookupTerminationReason
	for {
		var update *queryUpdate
		select {
		case update = <-q.updateCh:
		case <-q.ctx.Done():
			return q.finish(LookupCancelled)
		}
		q.stats.rounds++

		q.updateState(update)
		if q.ctx.Err() != nil {
			return q.finish(LookupCancelled)
		}

		maxToSpawn := q.alpha - q.queryPeers.NumWaiting()

		var ready bool
		var toQuery []types.PeerInfo
		ready, reason, toQuery = q.isReadyToTerminate(maxToSpawn)
		if ready {
			return q.finish(reason)
		}

		for _, p := range toQuery {
			q.spawnQuery(pathCtx, p)
		}
	}
}

func (q *query) finish(reason LookupTerminationReason) *lookupResult {
	res := q.constructLookupResult(reason)
	q.dht.metrics.LookupTerminations.WithLabelValues(reason.String()).Inc()
	logger.Debug("DHT 迭代查询完成",
		"query", q.id.String(),
		"reason", reason.String(),
		"rounds", q.stats.rounds,
		"spawned", q.stats.spawned,
		"succeeded", q.stats.succeeded,
		"unreachable", q.stats.unreachable,
		"cancelled", q.stats.cancelled,
		"peers", len(res.peers),
		"elapsed", time.Since(q.stats.start))
	return res
}

// skip 过滤本地节点与空 ID，合并更新时唯一的过滤点
func (q *query) skip(p types.PeerInfo) bool {
	return p.ID == "" || p.ID == q.dht.self
}

// updateState 把一次更新合并进 queryPeers
//
// Waiting 以外的状态收到 queried/unreachable 属于逻辑错误，直接 panic。
func (q *query) updateState(up *queryUpdate) {
	for _, p := range up.heard {
		if q.skip(p) {
			continue
		}
		q.queryPeers.TryAdd(p, up.cause)
	}
	for _, id := range up.queried {
		if err := q.queryPeers.Transition(id, qpeerset.PeerQueried); err != nil {
			panic(fmt.Errorf("kademlia protocol error: tried to mark peer queried: %w", err))
		}
		q.stats.succeeded++
	}
	for _, id := range up.unreachable {
		if err := q.queryPeers.Transition(id, qpeerset.PeerUnreachable); err != nil {
			panic(fmt.Errorf("kademlia protocol error: tried to mark peer unreachable: %w", err))
		}
		q.stats.unreachable++
	}
	// 取消的请求保持 Waiting，由调用方的 ctx 检查结束查询
	q.stats.cancelled += len(up.cancelled)
}

// isReadyToTerminate 判断是否结束，否则返回下一批待查询节点（近者优先）
func (q *query) isReadyToTerminate(maxToSpawn int) (bool, LookupTerminationReason, []types.PeerInfo) {
	if q.stopFn() {
		return true, LookupStopped, nil
	}
	if q.isStarvationTermination() {
		return true, LookupStarvation, nil
	}
	if maxToSpawn <= 0 {
		return false, 0, nil
	}
	return false, 0, q.queryPeers.GetClosestNInStates(maxToSpawn, qpeerset.PeerHeard)
}

func (q *query) isStarvationTermination() bool {
	return q.queryPeers.NumHeard() == 0 && q.queryPeers.NumWaiting() == 0
}

func (q *query) spawnQuery(ctx context.Context, p types.PeerInfo) {
	if err := q.queryPeers.Transition(p.ID, qpeerset.PeerWaiting); err != nil {
		panic(fmt.Errorf("kademlia protocol error: tried to dispatch peer: %w", err))
	}
	q.stats.spawned++
	q.workers.Add(1)
	go q.queryPeer(ctx, p)
}

// queryPeer 在独立 goroutine 中查询单个节点，不访问 queryPeers
func (q *query) queryPeer(ctx context.Context, p types.PeerInfo) {
	defer q.workers.Done()
	start := time.Now()
	res := q.queryFn(ctx, p)

	up := &queryUpdate{cause: p.ID, duration: time.Since(start)}
	switch res.outcome {
	case OutcomeOK:
		q.dht.peerResponded(p, up.duration)
		up.queried = []types.PeerID{p.ID}
		up.heard = res.peers
	case OutcomeCancelled:
		up.cancelled = []types.PeerID{p.ID}
	case OutcomeFailed:
		logger.Debug("节点查询失败", "query", q.id.String(), "peer", p.ID.ShortString(), "err", res.err)
		fallthrough
	default:
		q.dht.peerUnreachable(p)
		up.unreachable = []types.PeerID{p.ID}
	}
	q.dht.metrics.PeerQueries.WithLabelValues(res.outcome.String()).Inc()

	// 查询结束后的更新直接丢弃
	select {
	case q.updateCh <- up:
	case <-q.done:
	}
}

// constructLookupResult 返回除不可达外最近的 BucketSize 个节点
func (q *query) constructLookupResult(reason LookupTerminationReason) *lookupResult {
	peers := q.queryPeers.GetClosestNInStates(q.dht.config.BucketSize,
		qpeerset.PeerHeard, qpeerset.PeerWaiting, qpeerset.PeerQueried)
	res := &lookupResult{
		peers:       peers,
		state:       make([]qpeerset.PeerState, len(peers)),
		termination: reason,
	}
	for i, p := range peers {
		res.state[i], _ = q.queryPeers.GetState(p.ID)
	}
	return res
}
