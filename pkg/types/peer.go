// Package types 定义 Kad DHT 的基础类型
//
// 这是整个系统的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	ma "github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerID 节点唯一标识符
//
// 内部为公钥 SHA2-256 多重哈希的原始字节，外部表示为 Base58 编码，
// 可直接用于 /p2p/<PeerID> 多地址组件。
type PeerID string

var (
	// ErrEmptyPeerID 空节点 ID
	ErrEmptyPeerID = errors.New("empty peer ID")

	// ErrInvalidPeerID 无效的节点 ID
	ErrInvalidPeerID = errors.New("invalid peer ID: must be a base58 multihash")

	// ErrNoPeerComponent 地址缺少 /p2p 组件
	ErrNoPeerComponent = errors.New("address has no /p2p component")
)

// IDFromPublicKey 从 ed25519 公钥派生 PeerID
func IDFromPublicKey(pub ed25519.PublicKey) (PeerID, error) {
	h, err := mh.Sum(pub, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return PeerID(h), nil
}

// PeerIDFromBytes 从原始多重哈希字节创建 PeerID
func PeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) == 0 {
		return "", ErrEmptyPeerID
	}
	if _, err := mh.Cast(b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerID(b), nil
}

// DecodePeerID 解析 Base58 编码的 PeerID
func DecodePeerID(s string) (PeerID, error) {
	if s == "" {
		return "", ErrEmptyPeerID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerIDFromBytes(b)
}

// String 返回 Base58 字符串表示
func (id PeerID) String() string {
	if id == "" {
		return ""
	}
	return base58.Encode([]byte(id))
}

// ShortString 返回用于日志的短标识（Base58 末尾 8 个字符）
//
// SHA2-256 多重哈希的 Base58 形式都以 "Qm" 开头，取末尾更有区分度。
func (id PeerID) ShortString() string {
	s := id.String()
	if len(s) <= 8 {
		return s
	}
	return s[len(s)-8:]
}

// Bytes 返回原始字节
func (id PeerID) Bytes() []byte {
	return []byte(id)
}

// Validate 检查 PeerID 是否为合法多重哈希
func (id PeerID) Validate() error {
	_, err := PeerIDFromBytes([]byte(id))
	return err
}

// MatchesPublicKey 检查 PeerID 是否由给定公钥派生
func (id PeerID) MatchesPublicKey(pub ed25519.PublicKey) bool {
	derived, err := IDFromPublicKey(pub)
	if err != nil {
		return false
	}
	return derived == id
}

// ============================================================================
//                              PeerInfo - 节点信息
// ============================================================================

// PeerInfo 节点身份与候选网络地址
type PeerInfo struct {
	ID    PeerID
	Addrs []ma.Multiaddr
}

// String 返回可读表示
func (pi PeerInfo) String() string {
	return fmt.Sprintf("{%s: %v}", pi.ID.ShortString(), pi.Addrs)
}

// P2PAddrs 返回附带 /p2p/<id> 组件的完整地址
func (pi PeerInfo) P2PAddrs() ([]ma.Multiaddr, error) {
	p2p, err := ma.NewComponent("p2p", pi.ID.String())
	if err != nil {
		return nil, err
	}
	out := make([]ma.Multiaddr, 0, len(pi.Addrs))
	for _, a := range pi.Addrs {
		out = append(out, a.Encapsulate(p2p))
	}
	return out, nil
}

// ParsePeerInfo 解析形如 /ip4/1.2.3.4/udp/4001/quic-v1/p2p/<id> 的地址
func ParsePeerInfo(s string) (PeerInfo, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("parse multiaddr %q: %w", s, err)
	}
	return PeerInfoFromMultiaddr(addr)
}

// PeerInfoFromMultiaddr 从携带 /p2p 组件的多地址提取 PeerInfo
func PeerInfoFromMultiaddr(addr ma.Multiaddr) (PeerInfo, error) {
	transport, last := ma.SplitLast(addr)
	if last == nil || last.Protocol().Code != ma.P_P2P {
		return PeerInfo{}, ErrNoPeerComponent
	}
	id, err := PeerIDFromBytes(last.RawValue())
	if err != nil {
		return PeerInfo{}, err
	}
	info := PeerInfo{ID: id}
	if transport != nil {
		info.Addrs = []ma.Multiaddr{transport}
	}
	return info, nil
}

// MergePeerInfos 按 PeerID 合并地址，保持首次出现的顺序
func MergePeerInfos(infos []PeerInfo) []PeerInfo {
	index := make(map[PeerID]int, len(infos))
	out := make([]PeerInfo, 0, len(infos))
	for _, pi := range infos {
		i, ok := index[pi.ID]
		if !ok {
			index[pi.ID] = len(out)
			out = append(out, PeerInfo{ID: pi.ID, Addrs: append([]ma.Multiaddr(nil), pi.Addrs...)})
			continue
		}
		out[i].Addrs = mergeAddrs(out[i].Addrs, pi.Addrs)
	}
	return out
}

func mergeAddrs(have, more []ma.Multiaddr) []ma.Multiaddr {
next:
	for _, a := range more {
		for _, h := range have {
			if h.Equal(a) {
				continue next
			}
		}
		have = append(have, a)
	}
	return have
}
