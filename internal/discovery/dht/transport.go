package dht

import (
	"context"
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-dep2p-kad/internal/discovery/dht/message"
	"github.com/dep2p/go-dep2p-kad/pkg/types"
)

// ============================================================================
//                              外部协作者
// ============================================================================

// Host 本地节点身份与监听地址
type Host interface {
	ID() types.PeerID
	Addrs() []ma.Multiaddr
}

// Transport 请求/响应传输
//
// 连接或超时失败应返回包装了 ErrPeerUnreachable 的错误；
// ctx 取消时返回 ctx.Err()。
type Transport interface {
	Connect(ctx context.Context, p types.PeerInfo) error
	SendRequest(ctx context.Context, p types.PeerInfo, req *message.Message) (*message.Message, error)
}

// BootstrapResolver 把 /dnsaddr 引导地址解析为具体节点
type BootstrapResolver interface {
	ResolveDNSAddr(ctx context.Context, addr ma.Multiaddr) ([]types.PeerInfo, error)
}

// ============================================================================
//                              查询结果
// ============================================================================

// Outcome 单次节点查询的结果分类
type Outcome int

const (
	// OutcomeOK 成功往返
	OutcomeOK Outcome = iota
	// OutcomeUnreachable 连接或超时失败
	OutcomeUnreachable
	// OutcomeFailed 其他失败，按不可达处理
	OutcomeFailed
	// OutcomeCancelled 调用方取消
	OutcomeCancelled
)

// String 返回结果名称
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// queryResult 查询函数的返回值
type queryResult struct {
	outcome Outcome

	// peers 对端告知的节点
	peers []types.PeerInfo

	err error
}

func okResult(peers []types.PeerInfo) queryResult {
	return queryResult{outcome: OutcomeOK, peers: peers}
}

// failedResult 按 ctx 与错误类型分类失败
func failedResult(ctx context.Context, err error) queryResult {
	return queryResult{outcome: classifyError(ctx, err), err: err}
}

// classifyError 把传输错误映射到 Outcome
//
// ctx 已结束时一律视为取消；单次请求超时视为不可达。
func classifyError(ctx context.Context, err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case ctx.Err() != nil:
		return OutcomeCancelled
	case errors.Is(err, ErrPeerUnreachable), errors.Is(err, context.DeadlineExceeded):
		return OutcomeUnreachable
	default:
		return OutcomeFailed
	}
}
