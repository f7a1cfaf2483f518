// Package introspect 提供本地自省 HTTP 服务
//
// 默认绑定到 127.0.0.1，不暴露到网络。
//
// 端点：
//   - GET /metrics                    - Prometheus 指标
//   - GET /debug/introspect           - 完整诊断报告 (JSON)
//   - GET /debug/introspect/node      - 节点信息
//   - GET /debug/introspect/routing   - 路由表
//   - GET /debug/pprof/*              - Go pprof 端点
//   - GET /health                     - 健康检查
package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/kbucket"
	"github.com/dep2p/go-dep2p-kad/pkg/lib/log"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

var logger = log.Logger("core/introspect")

// DefaultAddr 默认监听地址
const DefaultAddr = "127.0.0.1:9090"

// Host 本地身份与地址
type Host interface {
	ID() types.PeerID
	Addrs() []ma.Multiaddr
}

// Routing 路由表来源
type Routing interface {
	RoutingTable() *kbucket.RoutingTable
}

// Config 服务配置
type Config struct {
	// Addr 监听地址
	Addr string

	Host    Host
	Routing Routing

	// Gatherer 为 nil 时不提供 /metrics
	Gatherer prometheus.Gatherer
}

// Server 本地自省 HTTP 服务
type Server struct {
	host     Host
	routing  Routing
	gatherer prometheus.Gatherer
	addr     string
	started  time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New 创建自省服务
func New(cfg Config) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		host:     cfg.Host,
		routing:  cfg.Routing,
		gatherer: cfg.Gatherer,
		addr:     addr,
	}
}

// Handler 返回全部路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/debug/introspect", s.handleIntrospect)
	mux.HandleFunc("/debug/introspect/node", s.handleNode)
	mux.HandleFunc("/debug/introspect/routing", s.handleRouting)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start 启动服务
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.started = time.Now()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("自省服务异常退出", "err", err)
		}
	}(s.server)

	logger.Info("自省服务已启动", "addr", ln.Addr().String())
	return nil
}

// Stop 停止服务
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}

	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		logger.Error("关闭自省服务失败", "err", err)
		return err
	}
	logger.Info("自省服务已停止")
	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ============================================================================
//                              报告
// ============================================================================

// NodeInfo 节点信息
type NodeInfo struct {
	ID     string   `json:"id"`
	Addrs  []string `json:"addrs"`
	Uptime string   `json:"uptime,omitempty"`
}

// RoutingPeer 路由表中的一个节点
type RoutingPeer struct {
	ID          string    `json:"id"`
	Addrs       []string  `json:"addrs"`
	CPL         int       `json:"cpl"`
	Replaceable bool      `json:"replaceable"`
	LatencyMs   float64   `json:"latency_ms,omitempty"`
	AddedAt     time.Time `json:"added_at"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// RoutingInfo 路由表信息
type RoutingInfo struct {
	Size       int           `json:"size"`
	BucketSize int           `json:"bucket_size"`
	Peers      []RoutingPeer `json:"peers"`
}

// Report 完整诊断报告
type Report struct {
	Node      NodeInfo    `json:"node"`
	Routing   RoutingInfo `json:"routing"`
	Timestamp time.Time   `json:"timestamp"`
}

func (s *Server) nodeInfo() NodeInfo {
	info := NodeInfo{ID: s.host.ID().String()}
	for _, a := range s.host.Addrs() {
		info.Addrs = append(info.Addrs, a.String())
	}
	if !s.started.IsZero() {
		info.Uptime = time.Since(s.started).Round(time.Second).String()
	}
	return info
}

func (s *Server) routingInfo() RoutingInfo {
	rt := s.routing.RoutingTable()
	local := rt.LocalID()

	entries := rt.Entries()
	info := RoutingInfo{
		Size:       len(entries),
		BucketSize: rt.BucketSize(),
		Peers:      make([]RoutingPeer, 0, len(entries)),
	}
	for _, e := range entries {
		p := RoutingPeer{
			ID:          e.Info.ID.String(),
			CPL:         kbucket.CommonPrefixLen(local, e.KadID),
			Replaceable: e.Replaceable,
			LatencyMs:   float64(e.Latency) / float64(time.Millisecond),
			AddedAt:     e.AddedAt,
			LastSuccess: e.LastSuccess,
		}
		for _, a := range e.Info.Addrs {
			p.Addrs = append(p.Addrs, a.String())
		}
		info.Peers = append(info.Peers, p)
	}
	return info
}

// ============================================================================
//                              HTTP 处理器
// ============================================================================

func (s *Server) handleIntrospect(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, Report{
		Node:      s.nodeInfo(),
		Routing:   s.routingInfo(),
		Timestamp: time.Now(),
	})
}

func (s *Server) handleNode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.nodeInfo())
}

func (s *Server) handleRouting(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.routingInfo())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}{"ok", time.Now()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Debug("写入自省响应失败", "err", err)
	}
}
