package dht

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/multierr"

	"github.com/dep2p/go-dep2p-kad/internal/core/storage/engine"
	"github.com/dep2p/go-dep2p-kad/internal/core/storage/engine/badger"
	"github.com/dep2p/go-dep2p-kad/internal/core/storage/kv"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/kbucket"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/pkg/lib/log"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

var logger = log.Logger("discovery/dht")

// KadDHT Kademlia DHT
//
// 路由表在整个生命周期内共享，所有公开操作都可以并发调用。
type KadDHT struct {
	// host 本地身份与监听地址
	host Host

	// transport 请求/响应传输
	transport Transport

	config *Config
	self   types.PeerID

	// routingTable 路由表，唯一的写入路径是 peerFound
	routingTable *kbucket.RoutingTable

	// values 本地值记录
	values *ValueStore

	// providers 本地 provider 记录
	providers *ProviderStore

	// ownedEngine 未传入存储时自建的内存引擎，Close 时一并关闭
	ownedEngine engine.Engine

	handler *Handler
	metrics metrics

	bootstrapMu sync.Mutex

	// 生命周期
	ctx       context.Context
	ctxCancel context.CancelFunc
	started   atomic.Bool
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// New 创建 DHT 实例
//
// ds 为 nil 时值记录保存在内存引擎中。
func New(host Host, transport Transport, ds *kv.Store, opts ...ConfigOption) (*KadDHT, error) {
	if host == nil {
		return nil, ErrNilHost
	}
	if transport == nil {
		return nil, ErrNilTransport
	}

	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	self := host.ID()
	rt, err := kbucket.NewRoutingTable(self, config.BucketSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var owned engine.Engine
	if ds == nil {
		eng, err := badger.New(engine.InMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("create value store: %w", err)
		}
		if err := eng.Start(); err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("start value store: %w", err)
		}
		owned = eng
		ds = kv.New(eng, []byte("d/"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	dht := &KadDHT{
		host:         host,
		transport:    transport,
		config:       config,
		self:         self,
		routingTable: rt,
		values:       NewValueStore(ds, config.RecordTTL),
		providers:    NewProviderStore(config.MaxProviderKeys, config.ProviderTTL, config.Clock),
		ownedEngine:  owned,
		metrics:      newMetrics(),
		ctx:          ctx,
		ctxCancel:    cancel,
	}
	dht.handler = NewHandler(dht)

	rt.PeerAdded = func(p types.PeerID) {
		logger.Debug("节点加入路由表", "peer", p.ShortString())
		dht.metrics.RoutingTableSize.Inc()
	}
	rt.PeerRemoved = func(p types.PeerID) {
		logger.Debug("节点移出路由表", "peer", p.ShortString())
		dht.metrics.RoutingTableSize.Dec()
	}

	return dht, nil
}

// Start 启动后台刷新循环
func (dht *KadDHT) Start() error {
	if dht.closed.Load() {
		return ErrClosed
	}
	if !dht.started.CompareAndSwap(false, true) {
		return nil
	}

	logger.Info("DHT 启动", "self", dht.self.ShortString(), "bucketSize", dht.config.BucketSize,
		"alpha", dht.config.Alpha, "bootstrapPeers", len(dht.config.BootstrapPeers))

	if dht.config.RefreshInterval > 0 {
		dht.wg.Add(1)
		go dht.refreshLoop()
	}
	return nil
}

// Close 停止后台任务并释放资源
func (dht *KadDHT) Close() error {
	if !dht.closed.CompareAndSwap(false, true) {
		return nil
	}
	logger.Info("正在关闭 DHT")

	dht.ctxCancel()
	dht.wg.Wait()

	err := dht.routingTable.Close()
	dht.providers.Purge()
	if dht.ownedEngine != nil {
		err = multierr.Append(err, dht.ownedEngine.Close())
	}
	return err
}

// Self 返回本地节点 ID
func (dht *KadDHT) Self() types.PeerID {
	return dht.self
}

// RoutingTable 返回路由表
func (dht *KadDHT) RoutingTable() *kbucket.RoutingTable {
	return dht.routingTable
}

// Config 返回当前配置
func (dht *KadDHT) Config() *Config {
	return dht.config
}

// ============================================================================
//                              引导
// ============================================================================

// Bootstrap 用引导节点填充路由表，随后查找自身以发现邻居
func (dht *KadDHT) Bootstrap(ctx context.Context) error {
	if dht.closed.Load() {
		return ErrClosed
	}
	dht.seedBootstrapPeers()
	dht.resolveBootstrapDNSAddrs(ctx)

	if dht.routingTable.IsEmpty() {
		logger.Warn("DHT 引导: 路由表为空且没有可用的引导节点")
		return nil
	}

	peers, err := dht.GetClosestPeers(ctx, []byte(dht.self))
	logger.Info("DHT 引导完成", "closest", len(peers), "routingTableSize", dht.routingTable.Size())
	return err
}

// maybeBootstrap 路由表为空时加入静态引导节点，不发起网络请求
func (dht *KadDHT) maybeBootstrap(_ context.Context) {
	if !dht.routingTable.IsEmpty() {
		return
	}
	dht.seedBootstrapPeers()
}

func (dht *KadDHT) seedBootstrapPeers() {
	dht.bootstrapMu.Lock()
	defer dht.bootstrapMu.Unlock()

	added := 0
	for _, p := range dht.config.BootstrapPeers {
		if dht.peerFound(p, true) {
			added++
		}
	}
	if added > 0 {
		logger.Debug("DHT 引导节点加入路由表", "added", added, "configured", len(dht.config.BootstrapPeers))
	}
}

// resolveBootstrapDNSAddrs 解析 /dnsaddr 引导地址并加入路由表
func (dht *KadDHT) resolveBootstrapDNSAddrs(ctx context.Context) {
	if dht.config.Resolver == nil || len(dht.config.BootstrapDNSAddrs) == 0 {
		return
	}

	added := 0
	for _, addr := range dht.config.BootstrapDNSAddrs {
		peers, err := dht.config.Resolver.ResolveDNSAddr(ctx, addr)
		if err != nil {
			logger.Warn("解析 dnsaddr 引导地址失败", "addr", addr, "err", err)
			continue
		}
		for _, p := range peers {
			if dht.peerFound(p, true) {
				added++
			}
		}
	}
	logger.Debug("dnsaddr 引导节点加入路由表", "added", added, "addrs", len(dht.config.BootstrapDNSAddrs))
}

// refreshLoop 周期性查找自身，保持近邻桶新鲜
func (dht *KadDHT) refreshLoop() {
	defer dht.wg.Done()

	ticker := dht.config.Clock.Ticker(dht.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(dht.ctx, dht.config.RefreshInterval)
			if err := dht.Bootstrap(ctx); err != nil && dht.ctx.Err() == nil {
				logger.Debug("路由表刷新失败", "err", err)
			}
			cancel()
		case <-dht.ctx.Done():
			return
		}
	}
}

// ============================================================================
//                              路由表写入
// ============================================================================

// AddPeer 手动加入节点，replaceable=false 的节点不会被淘汰
func (dht *KadDHT) AddPeer(p types.PeerInfo, replaceable bool) bool {
	return dht.peerFound(p, replaceable)
}

// peerFound 路由表的唯一写入入口
func (dht *KadDHT) peerFound(p types.PeerInfo, replaceable bool) bool {
	if p.ID == "" || p.ID == dht.self {
		return false
	}
	added, err := dht.routingTable.PeerFound(p, replaceable)
	if err != nil {
		logger.Debug("节点未加入路由表", "peer", p.ID.ShortString(), "err", err)
		return false
	}
	return added
}

// peerResponded 成功往返后把节点提升为不可替换并记录延迟
func (dht *KadDHT) peerResponded(p types.PeerInfo, latency time.Duration) {
	dht.peerFound(p, false)
	dht.routingTable.UpdateLatency(p.ID, latency)
}

// peerUnreachable 从路由表移除不可达节点
func (dht *KadDHT) peerUnreachable(p types.PeerInfo) {
	if dht.routingTable.RemovePeer(p.ID) {
		logger.Debug("移除不可达节点", "peer", p.ID.ShortString())
	}
}

// ============================================================================
//                              请求辅助
// ============================================================================

// sendRequest 连接并发送一次请求，整个往返受 RequestTimeout 约束
func (dht *KadDHT) sendRequest(ctx context.Context, p types.PeerInfo, req *message.Message) (*message.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, dht.config.RequestTimeout)
	defer cancel()

	if err := dht.transport.Connect(rctx, p); err != nil {
		return nil, err
	}
	resp, err := dht.transport.SendRequest(rctx, p, req)
	if err != nil {
		return nil, err
	}
	// 调用方已结束时丢弃迟到的应答
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s from %s: %s", req.Type, p.ID.ShortString(), resp.Error)
	}
	if resp.Type != req.Type {
		return nil, fmt.Errorf("%w: sent %s, got %s", ErrUnexpectedResponse, req.Type, resp.Type)
	}
	return resp, nil
}

// filterPeers 去掉自身与空 ID；acceptLocal 为 false 时剔除回环与私有地址，
// 原本有地址但全部被剔除的节点一并丢弃
func (dht *KadDHT) filterPeers(peers []types.PeerInfo, acceptLocal bool) []types.PeerInfo {
	out := make([]types.PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.ID == "" || p.ID == dht.self {
			continue
		}
		if !acceptLocal && len(p.Addrs) > 0 {
			p.Addrs = publicAddrs(p.Addrs)
			if len(p.Addrs) == 0 {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func publicAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, a := range addrs {
		if manet.IsIPLoopback(a) || manet.IsPrivateAddr(a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// selfInfo 本地节点信息（当前监听地址）
func (dht *KadDHT) selfInfo() types.PeerInfo {
	return types.PeerInfo{ID: dht.self, Addrs: dht.host.Addrs()}
}
