package dns

import "errors"

var (
	// ErrNoServer 没有可用的 DNS 服务器
	ErrNoServer = errors.New("dns: no server configured")

	// ErrNotDNSAddr 地址不含 /dnsaddr 组件
	ErrNotDNSAddr = errors.New("dns: not a dnsaddr multiaddr")

	// ErrNoRecords 域名下没有可用的 dnsaddr 记录
	ErrNoRecords = errors.New("dns: no dnsaddr records")

	// ErrInvalidRecord TXT 记录格式错误
	ErrInvalidRecord = errors.New("dns: invalid dnsaddr record")

	// ErrMaxDepthExceeded 嵌套过深
	ErrMaxDepthExceeded = errors.New("dns: max recursion depth exceeded")

	// ErrQueryFailed 服务器返回错误码
	ErrQueryFailed = errors.New("dns: query failed")
)
