package kbucket

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

func testPeerID(t testing.TB, seed string) types.PeerID {
	t.Helper()
	h, err := mh.Sum([]byte(seed), mh.SHA2_256, -1)
	require.NoError(t, err)
	return types.PeerID(h)
}

func testPeer(t testing.TB, i int) types.PeerInfo {
	return types.PeerInfo{ID: testPeerID(t, fmt.Sprintf("peer-%d", i))}
}

// peersInBucket 生成 n 个与 local 公共前缀长度为 cpl 的节点
func peersInBucket(t testing.TB, local types.PeerID, cpl, n int) []types.PeerInfo {
	t.Helper()
	localID := ConvertPeerID(local)
	var out []types.PeerInfo
	for i := 0; len(out) < n; i++ {
		require.Less(t, i, 100000, "failed to generate peers for bucket")
		p := testPeer(t, i)
		if CommonPrefixLen(ConvertPeerID(p.ID), localID) == cpl {
			out = append(out, p)
		}
	}
	return out
}

// ============================================================================
//                              标识空间测试
// ============================================================================

func TestXor_Identity(t *testing.T) {
	for i := 0; i < 50; i++ {
		a := ConvertKey([]byte(fmt.Sprintf("key-%d", i)))
		d := Xor(a, a)
		assert.Equal(t, make(ID, KeySize), d)
		assert.Equal(t, KeySize*8, CommonPrefixLen(a, a))
	}
	t.Log("✅ xor(a,a) = 0")
}

func TestXor_Commutative(t *testing.T) {
	for i := 0; i < 50; i++ {
		a := ConvertKey([]byte(fmt.Sprintf("a-%d", i)))
		b := ConvertKey([]byte(fmt.Sprintf("b-%d", i)))
		assert.Equal(t, Xor(a, b), Xor(b, a))
		assert.Equal(t, CommonPrefixLen(a, b), CommonPrefixLen(b, a))
	}
	t.Log("✅ xor(a,b) = xor(b,a)")
}

func TestCommonPrefixLen(t *testing.T) {
	a := make(ID, KeySize)
	b := make(ID, KeySize)
	b[0] = 0x80
	assert.Equal(t, 0, CommonPrefixLen(a, b))

	b[0] = 0x01
	assert.Equal(t, 7, CommonPrefixLen(a, b))

	b[0] = 0
	b[2] = 0x10
	assert.Equal(t, 19, CommonPrefixLen(a, b))
	t.Log("✅ CPL 计算正确")
}

func TestCompareDistance(t *testing.T) {
	target := make(ID, KeySize)
	near := make(ID, KeySize)
	far := make(ID, KeySize)
	near[KeySize-1] = 0x01
	far[0] = 0x01

	assert.Equal(t, -1, CompareDistance(near, far, target))
	assert.Equal(t, 1, CompareDistance(far, near, target))
	assert.Equal(t, 0, CompareDistance(near, near, target))
	assert.True(t, Closer(near, far, target))
	t.Log("✅ 距离比较正确")
}

func TestConvert_Deterministic(t *testing.T) {
	id := testPeerID(t, "x")
	assert.Equal(t, ConvertPeerID(id), ConvertPeerID(id))
	assert.Equal(t, ConvertKey([]byte("k")), ConvertKey([]byte("k")))
	assert.NotEqual(t, ConvertKey([]byte("k")), ConvertKey([]byte("j")))
	assert.Len(t, ConvertKey(nil), KeySize)
}

// ============================================================================
//                              距离排序测试
// ============================================================================

func TestSortClosestPeers_OrderIndependent(t *testing.T) {
	target := ConvertKey([]byte("target"))
	peers := make([]types.PeerInfo, 40)
	for i := range peers {
		peers[i] = testPeer(t, i)
	}

	expected := SortClosestPeers(peers, target)
	for i := 1; i < len(expected); i++ {
		assert.True(t, CompareDistance(ConvertPeerID(expected[i-1].ID), ConvertPeerID(expected[i].ID), target) <= 0)
	}

	r := rand.New(rand.NewSource(42))
	for round := 0; round < 10; round++ {
		shuffled := append([]types.PeerInfo(nil), peers...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, expected, SortClosestPeers(shuffled, target))
	}
	t.Log("✅ 排序结果与追加顺序无关")
}

func TestPeerDistanceSorter_FromBucket(t *testing.T) {
	b := NewBucket(10)
	for i := 0; i < 5; i++ {
		require.True(t, b.Add(testPeer(t, i), true))
	}
	target := ConvertKey([]byte("t"))
	sorter := peerDistanceSorter{target: target}
	sorter.appendPeersFromBucket(b)

	list := sorter.sortedList()
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.True(t, Closer(ConvertPeerID(list[i-1].ID), ConvertPeerID(list[i].ID), target))
	}
}

// ============================================================================
//                              Bucket 测试
// ============================================================================

func TestBucket_AddContains(t *testing.T) {
	b := NewBucket(2)
	p1, p2, p3 := testPeer(t, 1), testPeer(t, 2), testPeer(t, 3)

	assert.True(t, b.Add(p1, true))
	assert.False(t, b.Add(p1, false), "同一节点不能重复加入")
	assert.True(t, b.Add(p2, false))
	assert.False(t, b.Add(p3, true), "桶已满")

	assert.True(t, b.Contains(p1.ID))
	assert.False(t, b.Contains(p3.ID))
	assert.Equal(t, 2, b.Len())
	t.Log("✅ 桶不重复存储节点")
}

func TestBucket_RemoveOnlyReplaceable(t *testing.T) {
	b := NewBucket(5)
	confirmed, heard := testPeer(t, 1), testPeer(t, 2)
	b.Add(confirmed, false)
	b.Add(heard, true)

	assert.False(t, b.Remove(confirmed.ID), "已确认节点不能被移除")
	assert.True(t, b.Contains(confirmed.ID))

	assert.True(t, b.Remove(heard.ID))
	assert.False(t, b.Contains(heard.ID))
	assert.False(t, b.Remove(heard.ID))
	t.Log("✅ removePeer 只移除可替换节点")
}

func TestBucket_WeakestEmpty(t *testing.T) {
	b := NewBucket(5)
	_, ok := b.Weakest()
	assert.False(t, ok)

	b.Add(testPeer(t, 1), false)
	_, ok = b.Weakest()
	assert.False(t, ok, "只有不可替换节点时不返回")
	t.Log("✅ 空桶 weakest 无结果")
}

func TestBucket_WeakestHighestLatency(t *testing.T) {
	b := NewBucket(10)
	peers := []types.PeerInfo{testPeer(t, 1), testPeer(t, 2), testPeer(t, 3), testPeer(t, 4)}
	b.Add(peers[0], true)
	b.Add(peers[1], false)
	b.Add(peers[2], true)
	b.Add(peers[3], true)

	latencies := []time.Duration{10 * time.Millisecond, time.Hour, 30 * time.Millisecond, 30 * time.Millisecond}
	for i, e := range b.entries {
		e.Latency = latencies[i]
	}

	w, ok := b.Weakest()
	require.True(t, ok)
	assert.Equal(t, peers[2].ID, w.Info.ID, "非可替换节点被跳过，并列时取先出现者")
	assert.True(t, w.Replaceable)

	b.entries[3].Latency = MaxLatency
	w, ok = b.Weakest()
	require.True(t, ok)
	assert.Equal(t, peers[3].ID, w.Info.ID)
	t.Log("✅ weakest 返回延迟最高的可替换节点")
}

func TestBucket_WeakestNeverConfirmed(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		b := NewBucket(20)
		for i := 0; i < 20; i++ {
			b.Add(testPeer(t, round*100+i), r.Intn(2) == 0)
		}
		for _, e := range b.entries {
			e.Latency = time.Duration(r.Intn(1000)) * time.Millisecond
		}
		if w, ok := b.Weakest(); ok {
			assert.True(t, w.Replaceable)
		}
	}
}

// ============================================================================
//                              RoutingTable 测试
// ============================================================================

func TestRoutingTable_PeerFound(t *testing.T) {
	local := testPeerID(t, "local")
	rt, err := NewRoutingTable(local, 20)
	require.NoError(t, err)
	assert.True(t, rt.IsEmpty())

	var added []types.PeerID
	rt.PeerAdded = func(id types.PeerID) { added = append(added, id) }

	p := testPeer(t, 1)
	ok, err := rt.PeerFound(p, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rt.PeerFound(p, true)
	require.NoError(t, err)
	assert.False(t, ok, "重复加入不新增条目")

	ok, err = rt.PeerFound(types.PeerInfo{ID: local}, true)
	require.NoError(t, err)
	assert.False(t, ok, "不加入本地节点")

	assert.Equal(t, 1, rt.Size())
	assert.Equal(t, []types.PeerID{p.ID}, added)
	t.Log("✅ PeerFound 基本行为正确")
}

func TestRoutingTable_Promotion(t *testing.T) {
	rt, err := NewRoutingTable(testPeerID(t, "local"), 20)
	require.NoError(t, err)

	p := testPeer(t, 1)
	_, err = rt.PeerFound(p, true)
	require.NoError(t, err)

	_, err = rt.PeerFound(p, false)
	require.NoError(t, err)

	e, ok := rt.Entry(p.ID)
	require.True(t, ok)
	assert.False(t, e.Replaceable)

	assert.False(t, rt.RemovePeer(p.ID), "提升后不能被移除")

	_, err = rt.PeerFound(p, true)
	require.NoError(t, err)
	e, _ = rt.Entry(p.ID)
	assert.False(t, e.Replaceable, "已确认节点不会降级")
	t.Log("✅ 成功往返后节点被提升")
}

func TestRoutingTable_EvictWeakest(t *testing.T) {
	local := testPeerID(t, "local")
	rt, err := NewRoutingTable(local, 2)
	require.NoError(t, err)

	var removed []types.PeerID
	rt.PeerRemoved = func(id types.PeerID) { removed = append(removed, id) }

	peers := peersInBucket(t, local, 0, 4)

	_, err = rt.PeerFound(peers[0], false)
	require.NoError(t, err)
	_, err = rt.PeerFound(peers[1], true)
	require.NoError(t, err)

	ok, err := rt.PeerFound(peers[2], true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []types.PeerID{peers[1].ID}, removed)

	_, found := rt.Find(peers[1].ID)
	assert.False(t, found)
	_, found = rt.Find(peers[0].ID)
	assert.True(t, found, "已确认节点保留")

	// 两个节点都已确认时拒绝新节点
	_, err = rt.PeerFound(peers[2], false)
	require.NoError(t, err)
	ok, err = rt.PeerFound(peers[3], true)
	assert.ErrorIs(t, err, ErrPeerRejectedNoCapacity)
	assert.False(t, ok)
	assert.Equal(t, 2, rt.Size())
	t.Log("✅ 桶满时淘汰最弱可替换节点")
}

func TestRoutingTable_RemoveOnConnectFailure(t *testing.T) {
	rt, err := NewRoutingTable(testPeerID(t, "local"), 20)
	require.NoError(t, err)

	p := testPeer(t, 3)
	rt.PeerFound(p, true)
	assert.True(t, rt.RemovePeer(p.ID))
	assert.True(t, rt.IsEmpty())
}

func TestRoutingTable_NearestPeers(t *testing.T) {
	rt, err := NewRoutingTable(testPeerID(t, "local"), 20)
	require.NoError(t, err)

	var all []types.PeerInfo
	for i := 0; i < 60; i++ {
		p := testPeer(t, i)
		if ok, _ := rt.PeerFound(p, true); ok {
			all = append(all, p)
		}
	}

	target := ConvertKey([]byte("target"))
	nearest := rt.NearestPeers(target, 10)
	require.Len(t, nearest, 10)
	assert.Equal(t, SortClosestPeers(all, target)[:10], nearest)

	assert.Len(t, rt.NearestPeers(target, 1000), len(all))
	assert.Empty(t, rt.NearestPeers(target, 0))
	t.Log("✅ NearestPeers 按距离升序返回")
}

func TestRoutingTable_UpdateLatency(t *testing.T) {
	rt, err := NewRoutingTable(testPeerID(t, "local"), 20)
	require.NoError(t, err)

	p := testPeer(t, 1)
	assert.False(t, rt.UpdateLatency(p.ID, time.Millisecond))

	rt.PeerFound(p, true)
	e, _ := rt.Entry(p.ID)
	assert.Equal(t, MaxLatency, e.Latency)

	assert.True(t, rt.UpdateLatency(p.ID, 15*time.Millisecond))
	e, _ = rt.Entry(p.ID)
	assert.Equal(t, 15*time.Millisecond, e.Latency)
	assert.False(t, e.LastSuccess.IsZero())
}

func TestRoutingTable_Close(t *testing.T) {
	rt, err := NewRoutingTable(testPeerID(t, "local"), 20)
	require.NoError(t, err)
	rt.PeerFound(testPeer(t, 1), true)

	require.NoError(t, rt.Close())
	assert.True(t, rt.IsEmpty())

	_, err = rt.PeerFound(testPeer(t, 2), true)
	assert.ErrorIs(t, err, ErrTableClosed)
	assert.NoError(t, rt.Close())
}

func TestRoutingTable_InvalidBucketSize(t *testing.T) {
	_, err := NewRoutingTable(testPeerID(t, "local"), 0)
	assert.ErrorIs(t, err, ErrInvalidBucketSize)
}

func TestRoutingTable_Concurrent(t *testing.T) {
	rt, err := NewRoutingTable(testPeerID(t, "local"), 20)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p := testPeer(t, g*1000+i)
				rt.PeerFound(p, i%2 == 0)
				rt.NearestPeers(ConvertPeerID(p.ID), 5)
				if i%3 == 0 {
					rt.RemovePeer(p.ID)
				}
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[types.PeerID]bool)
	for _, p := range rt.ListPeers() {
		assert.False(t, seen[p.ID], "同一节点在路由表中至多出现一次")
		seen[p.ID] = true
	}
	assert.Equal(t, len(seen), rt.Size())
	t.Log("✅ 并发访问安全")
}
