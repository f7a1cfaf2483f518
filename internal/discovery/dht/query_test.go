package dht

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/kbucket"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/qpeerset"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

func ids(peers []types.PeerInfo) []types.PeerID {
	out := make([]types.PeerID, len(peers))
	for i, p := range peers {
		out[i] = p.ID
	}
	return out
}

// ============================================================================
//                              终止条件测试
// ============================================================================

func TestQuery_EmptySeedsStarveImmediately(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr)

	key := []byte("target")
	res := d.runLookupWithFollowup(context.Background(), "test", key, d.findNodeQuery(key, nil), nil, true)

	assert.Equal(t, LookupStarvation, res.termination)
	assert.Empty(t, res.peers)
	assert.Zero(t, tr.networkCalls())
	t.Log("✅ 空种子集立即饥饿终止")
}

func TestFindPeer_NoReachableBootstrap(t *testing.T) {
	tr := newMockTransport()
	boot1, boot2 := testPeer(t, 1), testPeer(t, 2)
	tr.set(boot1.ID, &mockPeer{unreachable: true})
	tr.set(boot2.ID, &mockPeer{unreachable: true})

	d := newTestDHT(t, newMockHost(t, "self"), tr, WithBootstrapPeers([]types.PeerInfo{boot1, boot2}))

	called := 0
	err := d.FindPeer(context.Background(), testPeerID(t, "target"), func(types.PeerInfo) { called++ })
	require.NoError(t, err)
	assert.Zero(t, called)
	assert.True(t, d.RoutingTable().IsEmpty(), "不可达的引导节点应被移出路由表")
	t.Log("✅ 引导节点全部不可达时零结果返回")
}

func TestQuery_AllSeedsRespond(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr, WithAlpha(2))

	var seeds []types.PeerInfo
	for i := 0; i < 3; i++ {
		p := testPeer(t, i)
		tr.set(p.ID, &mockPeer{})
		d.AddPeer(p, true)
		seeds = append(seeds, p)
	}

	key := []byte("target")
	res := d.runLookupWithFollowup(context.Background(), "test", key, d.findNodeQuery(key, nil), nil, true)

	want := kbucket.SortClosestPeers(seeds, kbucket.ConvertKey(key))
	assert.Equal(t, ids(want), ids(res.peers))
	for i, s := range res.state {
		assert.Equal(t, qpeerset.PeerQueried, s, "peer %d", i)
	}
	for _, p := range seeds {
		assert.Equal(t, 1, tr.requests(p.ID, message.MessageTypeFindNode))
	}
	t.Log("✅ 三个种子全部应答，结果按距离排序且均为 Queried")
}

func TestQuery_UnreachablePeerDropped(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr)

	bad, good := testPeer(t, 1), testPeer(t, 2)
	tr.set(bad.ID, &mockPeer{unreachable: true})
	tr.set(good.ID, &mockPeer{})
	d.AddPeer(bad, true)
	d.AddPeer(good, true)

	key := []byte("target")
	res := d.runLookupWithFollowup(context.Background(), "test", key, d.findNodeQuery(key, nil), nil, true)

	assert.Equal(t, []types.PeerID{good.ID}, ids(res.peers))
	assert.Equal(t, []qpeerset.PeerState{qpeerset.PeerQueried}, res.state)

	_, ok := d.RoutingTable().Find(bad.ID)
	assert.False(t, ok, "不可达节点应从路由表移除")
	_, ok = d.RoutingTable().Find(good.ID)
	assert.True(t, ok)
	t.Log("✅ 不可达节点被移除，同轮其他节点正常完成")
}

func TestQuery_GenericFailureTreatedAsUnreachable(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr)

	p := testPeer(t, 1)
	tr.set(p.ID, &mockPeer{fail: true})
	d.AddPeer(p, true)

	key := []byte("target")
	res := d.runLookupWithFollowup(context.Background(), "test", key, d.findNodeQuery(key, nil), nil, true)
	assert.Empty(t, res.peers)
	assert.True(t, d.RoutingTable().IsEmpty())
}

func TestQuery_PinnedPeerSurvivesFailure(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr)

	p := testPeer(t, 1)
	tr.set(p.ID, &mockPeer{unreachable: true})
	d.AddPeer(p, false)

	key := []byte("target")
	d.runLookupWithFollowup(context.Background(), "test", key, d.findNodeQuery(key, nil), nil, true)

	_, ok := d.RoutingTable().Find(p.ID)
	assert.True(t, ok, "不可替换节点不会被移除")
}

func TestQuery_RespondedPeerPromoted(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr)

	p := testPeer(t, 1)
	tr.set(p.ID, &mockPeer{})
	d.AddPeer(p, true)

	_, err := d.GetClosestPeers(context.Background(), []byte("target"))
	require.NoError(t, err)

	e, ok := d.RoutingTable().Entry(p.ID)
	require.True(t, ok)
	assert.False(t, e.Replaceable, "成功往返后提升为不可替换")

	// 之后的失败不会移除已确认节点
	tr.set(p.ID, &mockPeer{unreachable: true})
	_, err = d.GetClosestPeers(context.Background(), []byte("target"))
	require.NoError(t, err)
	_, ok = d.RoutingTable().Find(p.ID)
	assert.True(t, ok)
	t.Log("✅ 确认的节点不会被随意移除")
}

func TestQuery_DiscoversCloserPeers(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr)

	a, b, c := testPeer(t, 1), testPeer(t, 2), testPeer(t, 3)
	tr.set(a.ID, &mockPeer{closer: []types.PeerInfo{b}})
	tr.set(b.ID, &mockPeer{closer: []types.PeerInfo{c, d.selfInfo()}})
	tr.set(c.ID, &mockPeer{})
	d.AddPeer(a, true)

	key := []byte("target")
	res := d.runLookupWithFollowup(context.Background(), "test", key, d.findNodeQuery(key, nil), nil, true)

	assert.ElementsMatch(t, []types.PeerID{a.ID, b.ID, c.ID}, ids(res.peers))
	assert.NotContains(t, ids(res.peers), d.Self())
	assert.Equal(t, 3, d.RoutingTable().Size(), "应答过的节点加入路由表")
	t.Log("✅ 迭代发现更近节点并跳过自身")
}

func TestQuery_StopFunction(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr, WithAlpha(1))
	for i := 0; i < 5; i++ {
		p := testPeer(t, i)
		tr.set(p.ID, &mockPeer{})
		d.AddPeer(p, true)
	}

	key := []byte("target")
	res := d.runLookupWithFollowup(context.Background(), "test", key, d.findNodeQuery(key, nil),
		func() bool { return true }, true)

	assert.Equal(t, LookupStopped, res.termination)
	assert.Zero(t, tr.networkCalls(), "停止后不进入跟进阶段")
}

// ============================================================================
//                              跟进阶段测试
// ============================================================================

func TestLookup_RunsToStarvationWithoutFollowUp(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr, WithAlpha(1))

	var peers []types.PeerInfo
	for i := 0; i < 6; i++ {
		p := testPeer(t, i)
		tr.set(p.ID, &mockPeer{})
		d.AddPeer(p, true)
		peers = append(peers, p)
	}

	key := []byte("target")
	res := d.runLookupWithFollowup(context.Background(), "test", key, d.findNodeQuery(key, nil), nil, false)

	assert.Equal(t, LookupStarvation, res.termination)
	for _, p := range peers {
		assert.Equal(t, 1, tr.requests(p.ID, message.MessageTypeFindNode), "peer %s", p.ID.ShortString())
	}
	for _, s := range res.state {
		assert.Equal(t, qpeerset.PeerQueried, s)
	}
	t.Log("✅ 不跟进时主查询仍查询全部可达种子")
}

func TestLookup_FollowUpCoversHeardAndWaiting(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr, WithFollowUpConcurrency(2))

	heard, waiting, queried, dead := testPeer(t, 1), testPeer(t, 2), testPeer(t, 3), testPeer(t, 4)
	for _, p := range []types.PeerInfo{heard, waiting, queried} {
		tr.set(p.ID, &mockPeer{})
	}
	tr.set(dead.ID, &mockPeer{unreachable: true})

	res := &lookupResult{
		peers: []types.PeerInfo{heard, waiting, queried, dead},
		state: []qpeerset.PeerState{qpeerset.PeerHeard, qpeerset.PeerWaiting, qpeerset.PeerQueried, qpeerset.PeerHeard},
	}
	key := []byte("target")
	d.followUp(context.Background(), "test", "test", res, d.findNodeQuery(key, nil), neverStop)

	assert.Equal(t, 1, tr.requests(heard.ID, message.MessageTypeFindNode))
	assert.Equal(t, 1, tr.requests(waiting.ID, message.MessageTypeFindNode))
	assert.Zero(t, tr.requests(queried.ID, message.MessageTypeFindNode), "已查询节点不再跟进")
	assert.Equal(t, []qpeerset.PeerState{
		qpeerset.PeerQueried, qpeerset.PeerQueried, qpeerset.PeerQueried, qpeerset.PeerUnreachable,
	}, res.state)
	t.Log("✅ 跟进阶段覆盖 Heard 与 Waiting 节点")
}

func TestLookup_FollowUpSkippedOnStop(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr)
	p := testPeer(t, 1)
	tr.set(p.ID, &mockPeer{})

	res := &lookupResult{
		peers: []types.PeerInfo{p},
		state: []qpeerset.PeerState{qpeerset.PeerHeard},
	}
	d.followUp(context.Background(), "test", "test", res, d.findNodeQuery([]byte("k"), nil), func() bool { return true })
	assert.Zero(t, tr.networkCalls())
	assert.Equal(t, qpeerset.PeerHeard, res.state[0])
}

// ============================================================================
//                              取消与不变量
// ============================================================================

func TestQuery_Cancelled(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr)
	p := testPeer(t, 1)
	tr.set(p.ID, &mockPeer{})
	d.AddPeer(p, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	key := []byte("target")
	res := d.runLookupWithFollowup(ctx, "test", key, d.findNodeQuery(key, nil), nil, true)
	assert.Equal(t, LookupCancelled, res.termination)

	_, err := d.GetClosestPeers(ctx, key)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, d.FindPeer(ctx, testPeerID(t, "x"), func(types.PeerInfo) {}))
	t.Log("✅ 取消不视为查询错误")
}

func TestQuery_IllegalTransitionPanics(t *testing.T) {
	d := newTestDHT(t, newMockHost(t, "self"), newMockTransport())
	p := testPeer(t, 1)

	q := d.newQuery(context.Background(), []byte("k"), nil, d.findNodeQuery([]byte("k"), nil), nil)
	q.updateState(&queryUpdate{cause: d.Self(), heard: []types.PeerInfo{p}})

	assert.Panics(t, func() {
		q.updateState(&queryUpdate{cause: p.ID, queried: []types.PeerID{p.ID}})
	}, "Heard → Queried 非法")

	require.NoError(t, q.queryPeers.Transition(p.ID, qpeerset.PeerWaiting))
	q.updateState(&queryUpdate{cause: p.ID, queried: []types.PeerID{p.ID}})
	assert.Panics(t, func() {
		q.updateState(&queryUpdate{cause: p.ID, unreachable: []types.PeerID{p.ID}})
	}, "Queried 是终态")
}

func TestQuery_CancelledUpdateKeepsWaiting(t *testing.T) {
	d := newTestDHT(t, newMockHost(t, "self"), newMockTransport())
	p := testPeer(t, 1)

	q := d.newQuery(context.Background(), []byte("k"), nil, nil, nil)
	q.updateState(&queryUpdate{cause: d.Self(), heard: []types.PeerInfo{p}})
	require.NoError(t, q.queryPeers.Transition(p.ID, qpeerset.PeerWaiting))

	q.updateState(&queryUpdate{cause: p.ID, cancelled: []types.PeerID{p.ID}})
	s, _ := q.queryPeers.GetState(p.ID)
	assert.Equal(t, qpeerset.PeerWaiting, s)
	assert.Equal(t, 1, q.stats.cancelled)
}

func TestQuery_SkipsSelf(t *testing.T) {
	d := newTestDHT(t, newMockHost(t, "self"), newMockTransport())
	q := d.newQuery(context.Background(), []byte("k"), nil, nil, nil)
	q.updateState(&queryUpdate{heard: []types.PeerInfo{d.selfInfo(), {}}})
	assert.Zero(t, q.queryPeers.Size())
}

func TestQuery_LateUpdatesDiscarded(t *testing.T) {
	tr := newMockTransport()
	d := newTestDHT(t, newMockHost(t, "self"), tr, WithAlpha(3))
	var peers []types.PeerInfo
	for i := 0; i < 3; i++ {
		p := testPeer(t, i)
		d.AddPeer(p, true)
		peers = append(peers, p)
	}
	key := []byte("target")
	closest := kbucket.SortClosestPeers(peers, kbucket.ConvertKey(key))[0]

	var responded atomic.Bool
	release := make(chan struct{})
	fn := func(ctx context.Context, p types.PeerInfo) queryResult {
		if p.ID == closest.ID {
			responded.Store(true)
			return okResult(nil)
		}
		select {
		case <-release:
			return okResult(nil)
		case <-ctx.Done():
			return failedResult(ctx, ctx.Err())
		}
	}

	res := d.runLookupWithFollowup(context.Background(), "test", key, fn, responded.Load, true)
	close(release)

	assert.Equal(t, LookupStopped, res.termination)
	// 迟到的更新被丢弃，不会阻塞也不会 panic
	time.Sleep(50 * time.Millisecond)
	_, ok := d.RoutingTable().Find(closest.ID)
	assert.True(t, ok)
	t.Log("✅ 查询结束后迟到的更新被丢弃")
}

func TestQuery_WaitsForInFlightWorkers(t *testing.T) {
	d := newTestDHT(t, newMockHost(t, "self"), newMockTransport(), WithAlpha(3))
	var peers []types.PeerInfo
	for i := 0; i < 3; i++ {
		p := testPeer(t, i)
		d.AddPeer(p, true)
		peers = append(peers, p)
	}
	key := []byte("target")
	closest := kbucket.SortClosestPeers(peers, kbucket.ConvertKey(key))[0]

	var responded atomic.Bool
	var finished atomic.Int32
	fn := func(ctx context.Context, p types.PeerInfo) queryResult {
		if p.ID == closest.ID {
			responded.Store(true)
			return okResult(nil)
		}
		// 忽略 ctx，模拟已经拿到应答正在处理的请求
		time.Sleep(50 * time.Millisecond)
		finished.Add(1)
		return okResult(nil)
	}

	res := d.runLookupWithFollowup(context.Background(), "test", key, fn, responded.Load, false)
	assert.Equal(t, LookupStopped, res.termination)
	assert.EqualValues(t, 2, finished.Load(), "返回前所有工作 goroutine 已结束")
	t.Log("✅ 查询返回前等待进行中的请求")
}
