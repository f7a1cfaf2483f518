// Package quic 实现 DHT 使用的 QUIC 请求/响应传输
//
// 每个节点用 Ed25519 身份私钥签发自签名证书，双向 TLS 1.3 握手后
// 从对端证书公钥派生 PeerID，无需 CA。每条 DHT 请求占用一个双向流：
//
//	dialer                         listener
//	  | -- open stream ------------> |
//	  | -- <uvarint len><request> -> |
//	  | <- <uvarint len><response> - |
//	  | <------------- FIN --------- |
//
// 监听与拨号共享同一个 UDP socket，因此对端观测到的源地址就是本节点
// 的监听地址，服务端据此把请求方加入路由表。
//
// # 地址格式
//
//	/ip4/1.2.3.4/udp/4001/quic-v1
//	/ip6/::1/udp/4001/quic-v1
package quic
