package dht

import (
	"errors"
	"fmt"
)

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrPeerUnreachable 无法连接到节点（传输层用于标记连接/超时失败）
	ErrPeerUnreachable = errors.New("dht: peer unreachable")

	// ErrNoListenAddrs 本地没有可宣告的监听地址
	ErrNoListenAddrs = errors.New("dht: no listen addresses to announce")

	// ErrInvalidRecord 本地记录未通过验证
	ErrInvalidRecord = errors.New("dht: invalid record")

	// ErrNotFound 未找到
	ErrNotFound = errors.New("dht: not found")

	// ErrClosed DHT 已关闭
	ErrClosed = errors.New("dht: closed")

	// ErrNilHost Host 为空
	ErrNilHost = errors.New("dht: host is nil")

	// ErrNilTransport Transport 为空
	ErrNilTransport = errors.New("dht: transport is nil")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("dht: invalid config")

	// ErrUndefinedCid 内容 ID 未定义
	ErrUndefinedCid = errors.New("dht: undefined cid")

	// ErrUnexpectedResponse 响应类型不匹配
	ErrUnexpectedResponse = errors.New("dht: unexpected response")
)

// DHTError DHT 操作错误
type DHTError struct {
	// Op 操作名称
	Op string

	// Err 原始错误
	Err error

	// Message 额外信息
	Message string
}

// Error 实现 error 接口
func (e *DHTError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dht %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("dht %s: %v", e.Op, e.Err)
}

// Unwrap 返回原始错误
func (e *DHTError) Unwrap() error {
	return e.Err
}

// NewDHTError 创建 DHT 错误
func NewDHTError(op string, err error, message string) *DHTError {
	return &DHTError{
		Op:      op,
		Err:     err,
		Message: message,
	}
}
