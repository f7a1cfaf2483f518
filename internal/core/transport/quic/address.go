package quic

import (
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var quicV1 = ma.StringCast("/quic-v1")

// ToUDPAddr 把 /ip{4,6}/.../udp/<port>/quic-v1 地址转换为 UDP 地址
func ToUDPAddr(addr ma.Multiaddr) (*net.UDPAddr, error) {
	if addr == nil {
		return nil, ErrInvalidAddress
	}
	if _, err := addr.ValueForProtocol(ma.P_QUIC_V1); err != nil {
		return nil, fmt.Errorf("%w: %s is not quic-v1", ErrInvalidAddress, addr)
	}
	udp := addr.Decapsulate(quicV1)
	na, err := manet.ToNetAddr(udp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	u, ok := na.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not udp", ErrInvalidAddress, addr)
	}
	return u, nil
}

// FromUDPAddr 把 UDP 地址转换为 quic-v1 多地址
func FromUDPAddr(addr net.Addr) (ma.Multiaddr, error) {
	m, err := manet.FromNetAddr(addr)
	if err != nil {
		return nil, err
	}
	return m.Encapsulate(quicV1), nil
}

// CanDial 检查地址是否为可拨号的 QUIC 地址
func CanDial(addr ma.Multiaddr) bool {
	u, err := ToUDPAddr(addr)
	return err == nil && !u.IP.IsUnspecified() && u.Port != 0
}

// resolveListenAddrs 把 0.0.0.0 / :: 监听地址展开为各网卡地址
func resolveListenAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	ifaceAddrs, err := manet.InterfaceMultiaddrs()
	if err != nil {
		logger.Debug("获取网卡地址失败", "err", err)
		return addrs
	}
	resolved, err := manet.ResolveUnspecifiedAddresses(addrs, ifaceAddrs)
	if err != nil {
		logger.Debug("展开监听地址失败", "err", err)
		return addrs
	}
	return resolved
}
