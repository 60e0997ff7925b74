//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/mpsocks/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr and enables IP_TRANSPARENT so the
// socket can accept redirected connections (typical TPROXY setup).
//
// Note: you still need appropriate iptables/nft rules.
func ListenTransparentTCP(ctx context.Context, addr string, cfg proxy.Config) (net.Listener, error) {
	cfg.Control = func(network, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if network == "tcp6" {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
			} else {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("tproxy: %w", err)
	}
	return ln, nil
}

// OriginalDst returns the original destination for a TCP connection
// redirected to this listener.
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	if addr, ok := natOriginalDst(c); ok {
		return addr, true
	}
	// TPROXY leaves the destination as the local address.
	return localDst(c)
}

// natOriginalDst asks conntrack for the pre-NAT IPv4 destination.
func natOriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return nil, false
	}

	var (
		addr  *net.TCPAddr
		okRet bool
	)
	_ = rc.Control(func(fd uintptr) {
		// The kernel returns a sockaddr_in, which fits in an IPv6Mreq.
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
		if err != nil {
			return
		}
		raw := mreq.Multiaddr
		if binary.NativeEndian.Uint16(raw[0:2]) != unix.AF_INET {
			return
		}
		addr = &net.TCPAddr{
			IP:   net.IPv4(raw[4], raw[5], raw[6], raw[7]),
			Port: int(binary.BigEndian.Uint16(raw[2:4])),
		}
		okRet = true
	})
	return addr, okRet
}
