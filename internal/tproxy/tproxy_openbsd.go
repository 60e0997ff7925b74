//go:build openbsd

package tproxy

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/mpsocks/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr with SO_BINDANY enabled so the socket
// can accept connections redirected by PF rdr-to rules.
//
// This requires root privileges.
//
// Note: callers still need appropriate PF rules to redirect traffic to the
// listener, and outgoing rules with divert-reply for return traffic.
func ListenTransparentTCP(ctx context.Context, addr string, cfg proxy.Config) (net.Listener, error) {
	cfg.Control = func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			// Enable SO_BINDANY to accept connections on any IP address.
			// OpenBSD uses socket-level option (SOL_SOCKET) unlike FreeBSD's
			// protocol-level option (IPPROTO_IP).
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BINDANY, 1)
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

// OriginalDst returns the original destination for a TCP connection redirected
// to this listener.
//
// On OpenBSD with PF rdr-to rules, the local address of the accepted connection
// IS the original destination address (PF preserves it during redirection).
func OriginalDst(c net.Conn) (*net.TCPAddr, bool) {
	return localDst(c)
}
