package kad

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"

	"github.com/dep2p/go-dep2p-kad/internal/core/identity"
	"github.com/dep2p/go-dep2p-kad/internal/core/introspect"
	"github.com/dep2p/go-dep2p-kad/internal/core/transport/quic"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/record"
	"github.com/dep2p/go-dep2p-kad/pkg/lib/log"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

var logger = log.Logger("kad")

const (
	// startTimeout fx 应用启动超时
	startTimeout = 30 * time.Second

	// stopTimeout fx 应用停止超时
	stopTimeout = 15 * time.Second
)

// Node Kademlia DHT 节点
type Node struct {
	app      *fx.App
	registry *prometheus.Registry

	identity   *identity.Identity
	transport  *quic.Transport
	dht        *dht.KadDHT
	introspect *introspect.Server

	// publishSeq 本节点已发布记录的最大序号
	publishSeq uint64

	mu      sync.Mutex
	started bool
	closed  bool
}

// New 创建节点但不启动
func New(_ context.Context, opts ...Option) (*Node, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	node := &Node{}
	if o.registerer == nil {
		node.registry = prometheus.NewRegistry()
		node.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		o.registerer = node.registry
		o.gatherer = node.registry
	}

	app, err := buildFxApp(o, node)
	if err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	if err := app.Err(); err != nil {
		return nil, fmt.Errorf("build fx app: %w", err)
	}
	node.app = app
	return node, nil
}

// Start 创建并启动节点
func Start(ctx context.Context, opts ...Option) (*Node, error) {
	node, err := New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if err := node.Start(ctx); err != nil {
		return nil, fmt.Errorf("start node: %w", err)
	}
	return node, nil
}

// Start 启动监听与 DHT，初始引导在后台进行
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if n.started {
		return ErrAlreadyStarted
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := n.app.Start(startCtx); err != nil {
		logger.Error("节点启动失败", "err", err)
		return fmt.Errorf("initialize failed: %w", err)
	}
	n.started = true

	logger.Info("节点已启动", "peer", n.ID().ShortString(), "addrs", n.Addrs())
	return nil
}

// Close 停止节点并释放资源
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if !n.started {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := n.app.Stop(ctx); err != nil {
		return fmt.Errorf("stop node: %w", err)
	}
	logger.Info("节点已关闭")
	return nil
}

func (n *Node) ready() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.closed:
		return ErrNodeClosed
	case !n.started:
		return ErrNotStarted
	}
	return nil
}

// ============================================================================
//                              基本信息
// ============================================================================

// ID 返回节点 ID
func (n *Node) ID() types.PeerID {
	if n.identity == nil {
		return ""
	}
	return n.identity.PeerID()
}

// Addrs 返回监听地址
func (n *Node) Addrs() []ma.Multiaddr {
	if n.transport == nil {
		return nil
	}
	return n.transport.Addrs()
}

// AddrInfo 返回本节点的 PeerInfo
func (n *Node) AddrInfo() types.PeerInfo {
	return types.PeerInfo{ID: n.ID(), Addrs: n.Addrs()}
}

// P2PAddrs 返回携带 /p2p/<id> 的完整地址，可作为其他节点的引导地址
func (n *Node) P2PAddrs() ([]ma.Multiaddr, error) {
	return n.AddrInfo().P2PAddrs()
}

// RoutingTableSize 返回路由表中的节点数
func (n *Node) RoutingTableSize() int {
	if n.dht == nil {
		return 0
	}
	return n.dht.RoutingTable().Size()
}

// IntrospectAddr 返回自省 HTTP 服务的监听地址，未启用时为空
func (n *Node) IntrospectAddr() string {
	if n.introspect == nil {
		return ""
	}
	return n.introspect.Addr()
}

// Gatherer 返回节点自有的指标注册表，使用 WithRegisterer 时为 nil
func (n *Node) Gatherer() prometheus.Gatherer {
	if n.registry == nil {
		return nil
	}
	return n.registry
}

// ============================================================================
//                              DHT 操作
// ============================================================================

// Bootstrap 连接引导节点并刷新路由表
func (n *Node) Bootstrap(ctx context.Context) error {
	if err := n.ready(); err != nil {
		return err
	}
	return n.dht.Bootstrap(ctx)
}

// AddPeer 把已知节点固定加入路由表
func (n *Node) AddPeer(p types.PeerInfo) bool {
	if n.ready() != nil {
		return false
	}
	return n.dht.AddPeer(p, false)
}

// ClosestPeers 返回距离 key 最近的节点
func (n *Node) ClosestPeers(ctx context.Context, key []byte) ([]types.PeerInfo, error) {
	if err := n.ready(); err != nil {
		return nil, err
	}
	return n.dht.GetClosestPeers(ctx, key)
}

// FindPeer 查找节点地址
func (n *Node) FindPeer(ctx context.Context, id types.PeerID) (types.PeerInfo, error) {
	if err := n.ready(); err != nil {
		return types.PeerInfo{}, err
	}
	return n.dht.FindPeerInfo(ctx, id)
}

// FindProviders 查找内容提供者，最多返回 limit 个（limit <= 0 不限制）
func (n *Node) FindProviders(ctx context.Context, c cid.Cid, limit int, acceptLocalAddress bool) ([]types.PeerInfo, error) {
	if err := n.ready(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		found []types.PeerInfo
	)
	err := n.dht.FindProviders(ctx, c, func(p types.PeerInfo) {
		mu.Lock()
		defer mu.Unlock()
		if limit > 0 && len(found) >= limit {
			return
		}
		found = append(found, p)
		if limit > 0 && len(found) >= limit {
			cancel()
		}
	}, acceptLocalAddress)

	mu.Lock()
	defer mu.Unlock()
	return found, err
}

// Provide 宣告本节点提供内容 c
func (n *Node) Provide(ctx context.Context, c cid.Cid) error {
	if err := n.ready(); err != nil {
		return err
	}
	return n.dht.Provide(ctx, c)
}

// PutValue 发布任意命名空间的记录，记录须通过对应验证器
func (n *Node) PutValue(ctx context.Context, key string, value []byte) error {
	if err := n.ready(); err != nil {
		return err
	}
	return n.dht.PutValue(ctx, key, value)
}

// GetValue 返回 key 的最佳记录的原始字节
func (n *Node) GetValue(ctx context.Context, key string) ([]byte, error) {
	if err := n.ready(); err != nil {
		return nil, err
	}
	return n.dht.GetValue(ctx, key)
}

// Publish 以本节点身份签名并发布 /ipns/<self> 记录
//
// 序号取当前 Unix 纳秒时间，保证同一节点的后续发布更新。
func (n *Node) Publish(ctx context.Context, value []byte) error {
	if err := n.ready(); err != nil {
		return err
	}

	n.mu.Lock()
	seq := uint64(time.Now().UnixNano())
	if seq <= n.publishSeq {
		seq = n.publishSeq + 1
	}
	n.publishSeq = seq
	n.mu.Unlock()

	validity := time.Now().Add(n.dht.Config().RecordTTL)
	raw, err := record.NewIPNSRecord(n.identity.PrivateKey(), value, seq, validity)
	if err != nil {
		return err
	}
	return n.dht.PutValue(ctx, record.IPNSKey(n.ID()), raw)
}

// Resolve 查找节点 id 发布的最新记录值
func (n *Node) Resolve(ctx context.Context, id types.PeerID) ([]byte, error) {
	if err := n.ready(); err != nil {
		return nil, err
	}

	var best *record.Entry
	err := n.dht.SearchValue(ctx, record.IPNSKey(id), func(e *record.Entry) {
		best = e
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, dht.ErrNotFound
	}
	return best.Value, nil
}

// IsNotFound 检查是否为查找无结果
func IsNotFound(err error) bool {
	return errors.Is(err, dht.ErrNotFound)
}
