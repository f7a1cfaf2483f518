package quic

import "errors"

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = errors.New("quic: transport closed")

	// ErrNotListening 尚未监听
	ErrNotListening = errors.New("quic: not listening")

	// ErrInvalidAddress 无效地址
	ErrInvalidAddress = errors.New("quic: invalid address")

	// ErrNoDialableAddr 对端没有可拨号的 QUIC 地址
	ErrNoDialableAddr = errors.New("quic: no dialable address")

	// ErrNoCertificate 对端没有提供证书
	ErrNoCertificate = errors.New("quic: no TLS certificate")

	// ErrPeerIDMismatch 对端证书与期望的 PeerID 不符
	ErrPeerIDMismatch = errors.New("quic: peer ID mismatch")
)
