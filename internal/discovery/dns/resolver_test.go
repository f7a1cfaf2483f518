package dns

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-dep2p-kad/config"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// txtServer 本地 DNS 服务器，按名称返回 TXT 记录
type txtServer struct {
	mu      sync.Mutex
	records map[string][]string
	queries atomic.Int32
	addr    string
}

func startTXTServer(t *testing.T, records map[string][]string) *txtServer {
	t.Helper()
	s := &txtServer{records: make(map[string][]string)}
	for name, txts := range records {
		s.records[dns.Fqdn(name)] = txts
	}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	s.addr = pc.LocalAddr().String()

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		Handler:           dns.HandlerFunc(s.serve),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return s
}

func (s *txtServer) serve(w dns.ResponseWriter, req *dns.Msg) {
	s.queries.Add(1)
	resp := new(dns.Msg)
	resp.SetReply(req)

	name := req.Question[0].Name
	s.mu.Lock()
	txts, ok := s.records[name]
	s.mu.Unlock()
	if !ok {
		resp.Rcode = dns.RcodeNameError
	}
	for _, txt := range txts {
		resp.Answer = append(resp.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
			Txt: []string{txt},
		})
	}
	_ = w.WriteMsg(resp)
}

func testResolver(t *testing.T, server string, cacheTTL time.Duration) *Resolver {
	t.Helper()
	cfg := config.DefaultDNSConfig()
	cfg.Server = server
	cfg.Timeout = config.Duration(2 * time.Second)
	cfg.CacheTTL = config.Duration(cacheTTL)
	r, err := NewResolver(cfg)
	require.NoError(t, err)
	return r
}

func randomID(t *testing.T) types.PeerID {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id, err := types.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}

// ============================================================================
//                              解析测试
// ============================================================================

func TestResolver_NestedAndMerged(t *testing.T) {
	a, b := randomID(t), randomID(t)
	srv := startTXTServer(t, map[string][]string{
		"_dnsaddr.boot.test": {
			"dnsaddr=/ip4/10.0.0.1/udp/4001/quic-v1/p2p/" + a.String(),
			"dnsaddr=/dnsaddr/eu.boot.test",
			"garbage",
		},
		"_dnsaddr.eu.boot.test": {
			"dnsaddr=/ip4/10.0.0.2/udp/4001/quic-v1/p2p/" + b.String(),
			"dnsaddr=/ip4/10.0.0.3/udp/4001/quic-v1/p2p/" + a.String(),
		},
	})
	r := testResolver(t, srv.addr, 0)

	peers, err := r.Resolve(context.Background(), "boot.test")
	require.NoError(t, err)
	require.Len(t, peers, 2)

	byID := make(map[types.PeerID]types.PeerInfo)
	for _, p := range peers {
		byID[p.ID] = p
	}
	assert.Len(t, byID[a].Addrs, 2, "同一节点的地址合并")
	assert.Len(t, byID[b].Addrs, 1)
	t.Log("✅ 嵌套解析并合并")
}

func TestResolver_DNSAddrWithPeerID(t *testing.T) {
	a, b := randomID(t), randomID(t)
	srv := startTXTServer(t, map[string][]string{
		"_dnsaddr.boot.test": {
			"dnsaddr=/ip4/10.0.0.1/udp/4001/quic-v1/p2p/" + a.String(),
			"dnsaddr=/ip4/10.0.0.2/udp/4001/quic-v1/p2p/" + b.String(),
		},
	})
	r := testResolver(t, srv.addr, 0)

	addr, err := ma.NewMultiaddr("/dnsaddr/boot.test/p2p/" + b.String())
	require.NoError(t, err)
	peers, err := r.ResolveDNSAddr(context.Background(), addr)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, b, peers[0].ID)

	notDNS, err := ma.NewMultiaddr("/ip4/10.0.0.1/udp/4001/quic-v1")
	require.NoError(t, err)
	_, err = r.ResolveDNSAddr(context.Background(), notDNS)
	assert.ErrorIs(t, err, ErrNotDNSAddr)
}

func TestResolver_MissingDomain(t *testing.T) {
	srv := startTXTServer(t, nil)
	r := testResolver(t, srv.addr, 0)

	_, err := r.Resolve(context.Background(), "nowhere.test")
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestResolver_MaxDepth(t *testing.T) {
	srv := startTXTServer(t, map[string][]string{
		"_dnsaddr.loop.test": {"dnsaddr=/dnsaddr/loop.test"},
	})
	r := testResolver(t, srv.addr, 0)

	_, err := r.Resolve(context.Background(), "loop.test")
	assert.ErrorIs(t, err, ErrNoRecords)
	assert.EqualValues(t, config.DefaultDNSConfig().MaxDepth+1, srv.queries.Load())
}

func TestResolver_Cache(t *testing.T) {
	a := randomID(t)
	srv := startTXTServer(t, map[string][]string{
		"_dnsaddr.boot.test": {"dnsaddr=/ip4/10.0.0.1/udp/4001/quic-v1/p2p/" + a.String()},
	})
	r := testResolver(t, srv.addr, time.Minute)

	for i := 0; i < 3; i++ {
		peers, err := r.Resolve(context.Background(), "boot.test.")
		require.NoError(t, err)
		require.Len(t, peers, 1)
	}
	assert.EqualValues(t, 1, srv.queries.Load())
	t.Log("✅ 结果缓存")
}

// ============================================================================
//                              记录格式
// ============================================================================

func TestParseDNSAddr(t *testing.T) {
	id := randomID(t)

	pi, nested, err := ParseDNSAddr("dnsaddr=/ip4/1.2.3.4/udp/4001/quic-v1/p2p/" + id.String())
	require.NoError(t, err)
	assert.Empty(t, nested)
	assert.Equal(t, id, pi.ID)

	_, nested, err = ParseDNSAddr("dnsaddr=/dnsaddr/sub.example.com")
	require.NoError(t, err)
	assert.Equal(t, "sub.example.com", nested)

	for _, bad := range []string{"", "dnsaddr=", "v=spf1", "dnsaddr=/ip4/1.2.3.4/udp/4001/quic-v1"} {
		_, _, err := ParseDNSAddr(bad)
		assert.ErrorIs(t, err, ErrInvalidRecord, bad)
	}
}

func TestNewResolver_InvalidConfig(t *testing.T) {
	cfg := config.DefaultDNSConfig()
	cfg.Server = "no-port"
	_, err := NewResolver(cfg)
	assert.Error(t, err)
}
