package dht

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-dep2p-kad/internal/core/storage/engine"
	"github.com/dep2p/go-dep2p-kad/internal/core/storage/engine/badger"
	"github.com/dep2p/go-dep2p-kad/internal/core/storage/kv"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/record"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// ============================================================================
//                              节点构造
// ============================================================================

func testPeerID(t testing.TB, seed string) types.PeerID {
	t.Helper()
	h, err := mh.Sum([]byte(seed), mh.SHA2_256, -1)
	require.NoError(t, err)
	return types.PeerID(h)
}

func testAddr(t testing.TB, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

// testPeer 生成带公网地址的节点
func testPeer(t testing.TB, i int) types.PeerInfo {
	return types.PeerInfo{
		ID:    testPeerID(t, fmt.Sprintf("peer-%d", i)),
		Addrs: []ma.Multiaddr{testAddr(t, fmt.Sprintf("/ip4/8.8.%d.%d/udp/4001/quic-v1", i/250, i%250+1))},
	}
}

type mockHost struct {
	id    types.PeerID
	addrs []ma.Multiaddr
}

func (h *mockHost) ID() types.PeerID      { return h.id }
func (h *mockHost) Addrs() []ma.Multiaddr { return h.addrs }

func newMockHost(t testing.TB, seed string) *mockHost {
	return &mockHost{
		id:    testPeerID(t, seed),
		addrs: []ma.Multiaddr{testAddr(t, "/ip4/8.8.200.1/udp/4001/quic-v1")},
	}
}

// ============================================================================
//                              测试验证器
// ============================================================================

// testValidator 处理 /test/ 命名空间，值格式为 "seq:<n>"
type testValidator struct{}

func (testValidator) Validate(key string, value []byte) (*record.Entry, error) {
	s := string(value)
	if !strings.HasPrefix(s, "seq:") {
		return nil, record.ErrInvalidRecord
	}
	seq, err := strconv.ParseUint(strings.TrimPrefix(s, "seq:"), 10, 64)
	if err != nil {
		return nil, record.ErrInvalidRecord
	}
	return &record.Entry{Key: key, Value: value, Sequence: seq, Raw: value}, nil
}

func (testValidator) Compare(a, b *record.Entry) record.Comparison {
	switch {
	case a.Sequence > b.Sequence:
		return record.Better
	case a.Sequence < b.Sequence:
		return record.Worse
	default:
		return record.Equal
	}
}

func testValidatorOption() ConfigOption {
	return WithValidator(record.NamespacedValidator{"test": testValidator{}})
}

func newTestDHT(t testing.TB, host Host, tr Transport, opts ...ConfigOption) *KadDHT {
	t.Helper()
	opts = append([]ConfigOption{WithRefreshInterval(0), testValidatorOption()}, opts...)
	d, err := New(host, tr, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// ============================================================================
//                              脚本化传输
// ============================================================================

// mockPeer 模拟的远端节点
type mockPeer struct {
	unreachable bool
	fail        bool

	// delay 应答前的等待时间
	delay time.Duration

	closer    []types.PeerInfo
	providers []types.PeerInfo
	record    *message.Record

	// echo 不为 nil 时 PUT_VALUE 回显该值
	echo []byte
}

type sentRequest struct {
	to  types.PeerID
	req *message.Message
}

// mockTransport 按脚本应答的传输
type mockTransport struct {
	mu    sync.Mutex
	peers map[types.PeerID]*mockPeer
	sent  []sentRequest
	dials int
}

func newMockTransport() *mockTransport {
	return &mockTransport{peers: make(map[types.PeerID]*mockPeer)}
}

func (m *mockTransport) set(id types.PeerID, p *mockPeer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[id] = p
}

func (m *mockTransport) Connect(ctx context.Context, p types.PeerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dials++
	if err := ctx.Err(); err != nil {
		return err
	}
	mp, ok := m.peers[p.ID]
	if !ok || mp.unreachable {
		return fmt.Errorf("%w: dial %s", ErrPeerUnreachable, p.ID.ShortString())
	}
	return nil
}

func (m *mockTransport) SendRequest(ctx context.Context, p types.PeerInfo, req *message.Message) (*message.Message, error) {
	m.mu.Lock()
	m.sent = append(m.sent, sentRequest{to: p.ID, req: req})
	mp, ok := m.peers[p.ID]
	m.mu.Unlock()

	if ok && mp.delay > 0 {
		select {
		case <-time.After(mp.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case !ok || mp.unreachable:
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, p.ID.ShortString())
	case mp.fail:
		return nil, errors.New("stream reset")
	}

	resp := &message.Message{Type: req.Type, Key: req.Key}
	switch req.Type {
	case message.MessageTypeFindNode:
		resp.CloserPeers = message.FromPeerInfos(mp.closer)
	case message.MessageTypeGetValue:
		resp.CloserPeers = message.FromPeerInfos(mp.closer)
		resp.Record = mp.record
	case message.MessageTypePutValue:
		resp.Record = req.Record
		if mp.echo != nil {
			resp.Record = &message.Record{Key: req.Key, Value: mp.echo}
		}
	case message.MessageTypeGetProviders:
		resp.CloserPeers = message.FromPeerInfos(mp.closer)
		resp.Providers = message.FromPeerInfos(mp.providers)
	}
	return resp, nil
}

// requests 返回发给 id 的指定类型请求数
func (m *mockTransport) requests(id types.PeerID, typ message.MessageType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.to == id && s.req.Type == typ {
			n++
		}
	}
	return n
}

// networkCalls 返回所有网络调用次数
func (m *mockTransport) networkCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials + len(m.sent)
}

// ============================================================================
//                              进程内网络
// ============================================================================

// memNetwork 把请求直接路由到对端 KadDHT 的 HandleRequest
type memNetwork struct {
	mu    sync.RWMutex
	nodes map[types.PeerID]*KadDHT
	down  map[types.PeerID]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes: make(map[types.PeerID]*KadDHT),
		down:  make(map[types.PeerID]bool),
	}
}

type memTransport struct {
	net  *memNetwork
	self *mockHost
}

func (t *memTransport) target(p types.PeerID) (*KadDHT, error) {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	d, ok := t.net.nodes[p]
	if !ok || t.net.down[p] {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, p.ShortString())
	}
	return d, nil
}

func (t *memTransport) Connect(ctx context.Context, p types.PeerInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.target(p.ID)
	return err
}

func (t *memTransport) SendRequest(ctx context.Context, p types.PeerInfo, req *message.Message) (*message.Message, error) {
	d, err := t.target(p.ID)
	if err != nil {
		return nil, err
	}
	from := types.PeerInfo{ID: t.self.id, Addrs: t.self.addrs}
	return d.HandleRequest(ctx, from, req), nil
}

// newMemNodes 创建 n 个共享同一个内存存储引擎的节点，全部以节点 0 为引导
func newMemNodes(t *testing.T, n int, opts ...ConfigOption) (*memNetwork, []*KadDHT) {
	t.Helper()
	eng, err := badger.New(engine.InMemoryConfig())
	require.NoError(t, err)
	require.NoError(t, eng.Start())
	t.Cleanup(func() { _ = eng.Close() })

	network := newMemNetwork()
	nodes := make([]*KadDHT, n)
	var boot types.PeerInfo
	for i := 0; i < n; i++ {
		host := &mockHost{
			id:    testPeerID(t, fmt.Sprintf("node-%d", i)),
			addrs: []ma.Multiaddr{testAddr(t, fmt.Sprintf("/ip4/9.9.%d.%d/udp/4001/quic-v1", i/250, i%250+1))},
		}
		nodeOpts := append([]ConfigOption{WithRefreshInterval(0), testValidatorOption()}, opts...)
		if i > 0 {
			nodeOpts = append(nodeOpts, WithBootstrapPeers([]types.PeerInfo{boot}))
		}
		store := kv.New(eng, []byte(fmt.Sprintf("n%d/d/", i)))
		d, err := New(host, &memTransport{net: network, self: host}, store, nodeOpts...)
		require.NoError(t, err)
		t.Cleanup(func() { _ = d.Close() })

		network.mu.Lock()
		network.nodes[host.id] = d
		network.mu.Unlock()
		nodes[i] = d
		if i == 0 {
			boot = types.PeerInfo{ID: host.id, Addrs: host.addrs}
		}
	}
	return network, nodes
}
