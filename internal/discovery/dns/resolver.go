// Package dns 解析 /dnsaddr 引导地址
//
// 域名 D 的节点列表发布在 _dnsaddr.D 的 TXT 记录中，每条记录形如：
//
//	dnsaddr=/ip4/1.2.3.4/udp/4001/quic-v1/p2p/<peerID>
//	dnsaddr=/dnsaddr/<nested-domain>
//
// 嵌套域名递归解析，深度受 MaxDepth 限制。
package dns

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-dep2p-kad/config"
	"github.com/dep2p/go-dep2p-kad/pkg/lib/log"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

var logger = log.Logger("discovery/dns")

const (
	// txtPrefix TXT 记录前缀
	txtPrefix = "dnsaddr="

	// domainPrefix TXT 记录所在的子域
	domainPrefix = "_dnsaddr."

	resolvConf = "/etc/resolv.conf"
	cacheSize  = 256
)

// Resolver dnsaddr 解析器
type Resolver struct {
	client *dns.Client
	server string
	config config.DNSConfig

	// cache 为 nil 时不缓存
	cache *expirable.LRU[string, []types.PeerInfo]
}

// NewResolver 创建解析器
//
// cfg.Server 为空时使用 /etc/resolv.conf 中的第一个服务器。
func NewResolver(cfg config.DNSConfig) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	server := cfg.Server
	if server == "" {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil || len(cc.Servers) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrNoServer, err)
		}
		server = net.JoinHostPort(cc.Servers[0], cc.Port)
	}

	r := &Resolver{
		client: &dns.Client{Net: "udp", Timeout: cfg.Timeout.Duration()},
		server: server,
		config: cfg,
	}
	if ttl := cfg.CacheTTL.Duration(); ttl > 0 {
		r.cache = expirable.NewLRU[string, []types.PeerInfo](cacheSize, nil, ttl)
	}
	return r, nil
}

// Server 返回使用的 DNS 服务器
func (r *Resolver) Server() string {
	return r.server
}

// ResolveDNSAddr 解析 /dnsaddr/<domain>[/p2p/<id>]
//
// 地址包含 /p2p/ 时只返回该节点。
func (r *Resolver) ResolveDNSAddr(ctx context.Context, addr ma.Multiaddr) ([]types.PeerInfo, error) {
	domain, err := addr.ValueForProtocol(ma.P_DNSADDR)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotDNSAddr, addr)
	}
	peers, err := r.Resolve(ctx, domain)
	if err != nil {
		return nil, err
	}

	want, err := addr.ValueForProtocol(ma.P_P2P)
	if err != nil {
		return peers, nil
	}
	for _, p := range peers {
		if p.ID.String() == want {
			return []types.PeerInfo{p}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s not listed under %s", ErrNoRecords, want, domain)
}

// Resolve 解析域名下发布的全部节点，同一节点的地址合并
func (r *Resolver) Resolve(ctx context.Context, domain string) ([]types.PeerInfo, error) {
	return r.resolve(ctx, normalizeDomain(domain), r.config.MaxDepth)
}

func (r *Resolver) resolve(ctx context.Context, domain string, depth int) ([]types.PeerInfo, error) {
	if depth < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMaxDepthExceeded, domain)
	}
	if r.cache != nil {
		if peers, ok := r.cache.Get(domain); ok {
			return peers, nil
		}
	}

	records, err := r.lookupTXT(ctx, domain)
	if err != nil {
		return nil, err
	}

	var peers []types.PeerInfo
	for _, rec := range records {
		pi, nested, err := ParseDNSAddr(rec)
		if err != nil {
			logger.Debug("忽略无效 dnsaddr 记录", "domain", domain, "record", rec, "err", err)
			continue
		}
		if nested == "" {
			peers = append(peers, pi)
			continue
		}
		sub, err := r.resolve(ctx, normalizeDomain(nested), depth-1)
		if err != nil {
			logger.Debug("嵌套 dnsaddr 解析失败", "domain", nested, "err", err)
			continue
		}
		peers = append(peers, sub...)
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, domain)
	}

	peers = types.MergePeerInfos(peers)
	if r.cache != nil {
		r.cache.Add(domain, peers)
	}
	return peers, nil
}

// lookupTXT 查询 TXT 记录，多段字符串拼接为一条
func (r *Resolver) lookupTXT(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout.Duration())
	defer cancel()

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	req.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, req, r.server)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, name)
	default:
		return nil, fmt.Errorf("%w: %s: %s", ErrQueryFailed, name, dns.RcodeToString[resp.Rcode])
	}

	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// ParseDNSAddr 解析一条 TXT 记录
//
// 返回具体节点，或者需要继续解析的嵌套域名。
func ParseDNSAddr(record string) (types.PeerInfo, string, error) {
	s, ok := strings.CutPrefix(record, txtPrefix)
	if !ok || s == "" {
		return types.PeerInfo{}, "", fmt.Errorf("%w: %q", ErrInvalidRecord, record)
	}
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return types.PeerInfo{}, "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if nested, err := addr.ValueForProtocol(ma.P_DNSADDR); err == nil {
		return types.PeerInfo{}, nested, nil
	}
	pi, err := types.PeerInfoFromMultiaddr(addr)
	if err != nil {
		return types.PeerInfo{}, "", fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return pi, "", nil
}

func normalizeDomain(domain string) string {
	domain = strings.TrimSuffix(domain, ".")
	if !strings.HasPrefix(domain, domainPrefix) {
		domain = domainPrefix + domain
	}
	return domain
}
