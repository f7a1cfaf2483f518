package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"github.com/dep2p/go-dep2p-kad/config"
	"github.com/dep2p/go-dep2p-kad/internal/core/identity"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht"
	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/pkg/lib/log"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

var logger = log.Logger("core/transport/quic")

// streamTimeout 入站流读请求写响应的总时限
const streamTimeout = 30 * time.Second

// RequestHandler 入站请求处理器
type RequestHandler interface {
	HandleRequest(ctx context.Context, from types.PeerInfo, req *message.Message) *message.Message
}

// socket 一个监听地址对应的共享 UDP socket
type socket struct {
	udpConn   *net.UDPConn
	transport *quic.Transport
	listener  *quic.Listener
	addr      ma.Multiaddr
}

// Transport QUIC 请求/响应传输，同时提供本地节点的身份与地址
//
// 监听和拨号使用同一个 quic.Transport，对端看到的源端口即监听端口。
type Transport struct {
	identity  *identity.Identity
	config    config.TransportConfig
	quicConf  *quic.Config
	serverTLS *tls.Config
	clientTLS *tls.Config

	mu      sync.RWMutex
	sockets []*socket
	addrs   []ma.Multiaddr
	conns   map[types.PeerID]quic.Connection
	handler RequestHandler
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

var (
	_ dht.Host      = (*Transport)(nil)
	_ dht.Transport = (*Transport)(nil)
)

// New 创建 QUIC 传输，调用 Listen 之后才能接受入站连接
func New(id *identity.Identity, cfg config.TransportConfig) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	serverTLS, clientTLS, err := NewTLSConfig(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		identity:  id,
		config:    cfg,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf: &quic.Config{
			HandshakeIdleTimeout:  cfg.DialTimeout.Duration(),
			MaxIdleTimeout:        cfg.MaxIdleTimeout.Duration(),
			KeepAlivePeriod:       cfg.KeepAlivePeriod.Duration(),
			MaxIncomingStreams:    int64(cfg.MaxStreams),
			MaxIncomingUniStreams: -1,
		},
		conns:  make(map[types.PeerID]quic.Connection),
		ctx:    ctx,
		cancel: cancel,
	}
	t.metrics = newMetrics(t)
	return t, nil
}

// ID 返回本地 PeerID
func (t *Transport) ID() types.PeerID {
	return t.identity.PeerID()
}

// Addrs 返回本地可宣告的监听地址
func (t *Transport) Addrs() []ma.Multiaddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]ma.Multiaddr(nil), t.addrs...)
}

// NumConns 返回当前缓存的连接数
func (t *Transport) NumConns() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Metrics 返回传输层指标收集器，供调用方注册
func (t *Transport) Metrics() []prometheus.Collector {
	return t.metrics.Collectors()
}

// SetHandler 设置入站请求处理器
func (t *Transport) SetHandler(h RequestHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Listen 在配置的地址上监听
func (t *Transport) Listen() error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	var bound []ma.Multiaddr
	for _, s := range t.config.ListenAddrs {
		laddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		sock, err := t.listen(laddr)
		if err != nil {
			return err
		}

		t.mu.Lock()
		t.sockets = append(t.sockets, sock)
		t.mu.Unlock()
		bound = append(bound, sock.addr)

		t.wg.Add(1)
		go t.acceptLoop(sock.listener)
	}

	resolved := resolveListenAddrs(bound)
	t.mu.Lock()
	t.addrs = resolved
	t.mu.Unlock()

	logger.Info("QUIC 传输开始监听", "peer", t.ID().ShortString(), "addrs", resolved)
	return nil
}

func (t *Transport) listen(laddr ma.Multiaddr) (*socket, error) {
	udpAddr, err := ToUDPAddr(laddr)
	if err != nil {
		return nil, err
	}
	network := "udp4"
	if udpAddr.IP.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	tr := &quic.Transport{Conn: conn}
	ln, err := tr.Listen(t.serverTLS, t.quicConf)
	if err != nil {
		_ = tr.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("listen quic: %w", err)
	}

	actual, err := FromUDPAddr(conn.LocalAddr())
	if err != nil {
		_ = ln.Close()
		_ = tr.Close()
		_ = conn.Close()
		return nil, err
	}
	return &socket{udpConn: conn, transport: tr, listener: ln, addr: actual}, nil
}

// socketFor 选择与远端地址族相同的 socket
func (t *Transport) socketFor(raddr *net.UDPAddr) (*socket, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.sockets) == 0 {
		return nil, ErrNotListening
	}
	want4 := raddr.IP.To4() != nil
	for _, s := range t.sockets {
		local, ok := s.udpConn.LocalAddr().(*net.UDPAddr)
		if ok && (local.IP.To4() != nil) == want4 {
			return s, nil
		}
	}
	return t.sockets[0], nil
}

// ============================================================================
//                              出站
// ============================================================================

// Connect 确保与 p 之间存在已验证身份的连接
func (t *Transport) Connect(ctx context.Context, p types.PeerInfo) error {
	_, err := t.connection(ctx, p)
	return err
}

// SendRequest 在新流上发送请求并等待响应
func (t *Transport) SendRequest(ctx context.Context, p types.PeerInfo, req *message.Message) (*message.Message, error) {
	conn, err := t.connection(ctx, p)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, t.streamError(ctx, p.ID, conn, err)
	}
	defer stream.CancelRead(0)
	t.metrics.streams.WithLabelValues("out").Inc()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	// ctx 取消时中断阻塞的读写
	stop := context.AfterFunc(ctx, func() {
		_ = stream.SetDeadline(time.Now())
	})
	defer stop()

	if err := message.WriteMsg(t.metrics.writer(stream), req); err != nil {
		stream.CancelWrite(0)
		return nil, t.streamError(ctx, p.ID, conn, err)
	}
	if err := stream.Close(); err != nil {
		return nil, t.streamError(ctx, p.ID, conn, err)
	}

	resp, err := message.ReadMsg(t.metrics.reader(stream))
	if err != nil {
		return nil, t.streamError(ctx, p.ID, conn, err)
	}
	return resp, nil
}

// connection 返回到 p 的连接，必要时依次拨号其地址
func (t *Transport) connection(ctx context.Context, p types.PeerInfo) (quic.Connection, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if p.ID == t.ID() {
		return nil, fmt.Errorf("%w: dial self", dht.ErrPeerUnreachable)
	}

	t.mu.RLock()
	conn, ok := t.conns[p.ID]
	t.mu.RUnlock()
	if ok && conn.Context().Err() == nil {
		return conn, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.config.DialTimeout.Duration())
	defer cancel()

	var errs error
	for _, addr := range p.Addrs {
		if !CanDial(addr) {
			continue
		}
		conn, err := t.dial(dialCtx, addr, p.ID)
		t.metrics.dialResult(err)
		if err == nil {
			kept := t.addConn(p.ID, conn, true)
			if kept == conn {
				t.wg.Add(1)
				go t.serveConn(conn, p.ID)
			}
			return kept, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		errs = ErrNoDialableAddr
	}
	return nil, fmt.Errorf("%w: %s: %w", dht.ErrPeerUnreachable, p.ID.ShortString(), errs)
}

func (t *Transport) dial(ctx context.Context, addr ma.Multiaddr, expected types.PeerID) (quic.Connection, error) {
	raddr, err := ToUDPAddr(addr)
	if err != nil {
		return nil, err
	}
	sock, err := t.socketFor(raddr)
	if err != nil {
		return nil, err
	}

	conn, err := sock.transport.Dial(ctx, raddr, t.clientTLS, t.quicConf)
	if err != nil {
		return nil, err
	}
	remote, err := ExtractPeerID(conn.ConnectionState().TLS)
	if err == nil && remote != expected {
		err = fmt.Errorf("%w: want %s, got %s", ErrPeerIDMismatch, expected.ShortString(), remote.ShortString())
	}
	if err != nil {
		_ = conn.CloseWithError(0, "peer id mismatch")
		return nil, err
	}
	return conn, nil
}

// addConn 缓存连接，已有存活连接时保留旧连接
//
// 重复的出站连接立即关闭；入站连接由对端决定去留。
func (t *Transport) addConn(id types.PeerID, conn quic.Connection, outbound bool) quic.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[id]; ok && existing != conn && existing.Context().Err() == nil {
		if outbound {
			_ = conn.CloseWithError(0, "duplicate connection")
		}
		return existing
	}
	t.conns[id] = conn
	return conn
}

func (t *Transport) removeConn(id types.PeerID, conn quic.Connection) {
	t.mu.Lock()
	if t.conns[id] == conn {
		delete(t.conns, id)
	}
	t.mu.Unlock()
}

// streamError 分类流错误：连接已断或超时视为不可达
func (t *Transport) streamError(ctx context.Context, id types.PeerID, conn quic.Connection, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var nerr net.Error
	if conn.Context().Err() != nil || (errors.As(err, &nerr) && nerr.Timeout()) {
		t.removeConn(id, conn)
		return fmt.Errorf("%w: %s: %v", dht.ErrPeerUnreachable, id.ShortString(), err)
	}
	return err
}

// ============================================================================
//                              入站
// ============================================================================

func (t *Transport) acceptLoop(ln *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept(t.ctx)
		if err != nil {
			if !t.closed.Load() {
				logger.Warn("接受连接失败", "err", err)
			}
			return
		}

		remote, err := ExtractPeerID(conn.ConnectionState().TLS)
		if err != nil {
			logger.Debug("拒绝无身份连接", "remote", conn.RemoteAddr(), "err", err)
			_ = conn.CloseWithError(0, "no identity")
			continue
		}
		t.addConn(remote, conn, false)
		t.wg.Add(1)
		go t.serveConn(conn, remote)
	}
}

// serveConn 处理连接上对端发起的所有流，出站与入站连接都可承载对端请求
func (t *Transport) serveConn(conn quic.Connection, remote types.PeerID) {
	defer t.wg.Done()
	defer t.removeConn(remote, conn)

	from := types.PeerInfo{ID: remote}
	if addr, err := FromUDPAddr(conn.RemoteAddr()); err == nil {
		from.Addrs = []ma.Multiaddr{addr}
	}

	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.serveStream(stream, from)
	}
}

func (t *Transport) serveStream(stream quic.Stream, from types.PeerInfo) {
	defer t.wg.Done()
	defer stream.Close()

	t.metrics.streams.WithLabelValues("in").Inc()
	_ = stream.SetDeadline(time.Now().Add(streamTimeout))
	req, err := message.ReadMsg(t.metrics.reader(stream))
	if err != nil {
		logger.Debug("读取请求失败", "peer", from.ID.ShortString(), "err", err)
		stream.CancelRead(0)
		stream.CancelWrite(0)
		return
	}

	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()

	var resp *message.Message
	if h == nil {
		resp = &message.Message{Type: req.Type, Error: "no handler"}
	} else {
		ctx, cancel := context.WithTimeout(t.ctx, streamTimeout)
		resp = h.HandleRequest(ctx, from, req)
		cancel()
	}
	if err := message.WriteMsg(t.metrics.writer(stream), resp); err != nil {
		logger.Debug("写入响应失败", "peer", from.ID.ShortString(), "err", err)
	}
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 关闭所有连接与 socket
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[types.PeerID]quic.Connection)
	sockets := t.sockets
	t.sockets = nil
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithError(0, "closing")
	}

	var errs error
	for _, s := range sockets {
		errs = multierr.Append(errs, s.listener.Close())
		errs = multierr.Append(errs, s.transport.Close())
		if err := s.udpConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	t.wg.Wait()
	return errs
}
