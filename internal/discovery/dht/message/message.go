// Package message 定义 DHT 请求/响应消息及其流式编解码
//
// 每条消息编码为 JSON，前缀 unsigned varint 长度：
//
//	<uvarint len><json bytes>
package message

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// ProtocolID DHT 协议标识（QUIC ALPN）
const ProtocolID = "/dep2p/kad/1.0.0"

// ============================================================================
//                              消息类型
// ============================================================================

// MessageType 消息类型
type MessageType uint8

const (
	// MessageTypePing PING
	MessageTypePing MessageType = iota + 1
	// MessageTypeFindNode FIND_NODE
	MessageTypeFindNode
	// MessageTypeGetValue GET_VALUE
	MessageTypeGetValue
	// MessageTypePutValue PUT_VALUE
	MessageTypePutValue
	// MessageTypeAddProvider ADD_PROVIDER
	MessageTypeAddProvider
	// MessageTypeGetProviders GET_PROVIDERS
	MessageTypeGetProviders
)

// String 返回消息类型的字符串表示
func (m MessageType) String() string {
	switch m {
	case MessageTypePing:
		return "PING"
	case MessageTypeFindNode:
		return "FIND_NODE"
	case MessageTypeGetValue:
		return "GET_VALUE"
	case MessageTypePutValue:
		return "PUT_VALUE"
	case MessageTypeAddProvider:
		return "ADD_PROVIDER"
	case MessageTypeGetProviders:
		return "GET_PROVIDERS"
	default:
		return "UNKNOWN"
	}
}

// ============================================================================
//                              消息结构
// ============================================================================

// Message DHT 消息，请求与响应共用
type Message struct {
	// Type 消息类型（响应与请求相同）
	Type MessageType `json:"type"`

	// Key FIND_NODE 目标 / 记录键 / 内容多重哈希
	Key []byte `json:"key,omitempty"`

	// Record PUT_VALUE 请求及 GET_VALUE/PUT_VALUE 响应携带的记录
	Record *Record `json:"record,omitempty"`

	// CloserPeers 更近的节点
	CloserPeers []PeerRecord `json:"closer_peers,omitempty"`

	// Providers ADD_PROVIDER 请求中的自身记录，GET_PROVIDERS 响应中的提供者
	Providers []PeerRecord `json:"providers,omitempty"`

	// Error 服务端错误信息
	Error string `json:"error,omitempty"`
}

// Record 带时间戳的键值记录
type Record struct {
	Key          []byte `json:"key"`
	Value        []byte `json:"value"`
	TimeReceived string `json:"time_received,omitempty"`
}

// NewRecord 创建带当前时间戳的记录
func NewRecord(key string, value []byte) *Record {
	return &Record{
		Key:          []byte(key),
		Value:        value,
		TimeReceived: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// PeerRecord 节点记录（用于消息传输）
type PeerRecord struct {
	// ID Base58 节点 ID
	ID string `json:"id"`

	// Addrs 多地址字符串
	Addrs []string `json:"addrs,omitempty"`
}

// ============================================================================
//                              转换
// ============================================================================

// FromPeerInfo 转换为消息中的节点记录
func FromPeerInfo(pi types.PeerInfo) PeerRecord {
	rec := PeerRecord{ID: pi.ID.String()}
	for _, a := range pi.Addrs {
		rec.Addrs = append(rec.Addrs, a.String())
	}
	return rec
}

// FromPeerInfos 批量转换
func FromPeerInfos(infos []types.PeerInfo) []PeerRecord {
	out := make([]PeerRecord, 0, len(infos))
	for _, pi := range infos {
		out = append(out, FromPeerInfo(pi))
	}
	return out
}

// ToPeerInfo 解析节点记录，无法解析的地址被丢弃
func (r PeerRecord) ToPeerInfo() (types.PeerInfo, error) {
	id, err := types.DecodePeerID(r.ID)
	if err != nil {
		return types.PeerInfo{}, err
	}
	pi := types.PeerInfo{ID: id}
	for _, s := range r.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		pi.Addrs = append(pi.Addrs, a)
	}
	return pi, nil
}

// ToPeerInfos 批量解析，跳过非法记录
func ToPeerInfos(recs []PeerRecord) []types.PeerInfo {
	out := make([]types.PeerInfo, 0, len(recs))
	for _, r := range recs {
		pi, err := r.ToPeerInfo()
		if err != nil {
			continue
		}
		out = append(out, pi)
	}
	return out
}
