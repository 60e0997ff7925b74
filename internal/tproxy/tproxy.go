package tproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNoOriginalDst is returned for connections whose original destination
// cannot be recovered.
var ErrNoOriginalDst = errors.New("original destination unavailable")

// Negotiator yields the original destination of a redirected connection.
type Negotiator struct {
	// Listen is the listener's own address. A connection whose destination
	// is the listener was not redirected, and relaying it would dial the
	// listener again.
	Listen net.Addr
}

func (n Negotiator) Negotiate(_ context.Context, conn net.Conn) (string, int, error) {
	dst, ok := OriginalDst(conn)
	if !ok {
		return "", 0, ErrNoOriginalDst
	}
	if addressesListener(n.Listen, dst) {
		return "", 0, fmt.Errorf("%w: %s is the listener itself", ErrNoOriginalDst, dst)
	}
	return dst.IP.String(), dst.Port, nil
}

// Reply does nothing: the client believes it is already talking to the
// destination, and a failed connect is reported by closing the connection.
func (Negotiator) Reply(net.Conn, net.Addr, error) error {
	return nil
}

// localDst returns the local address of c, which redirect rules that
// preserve the destination leave in place.
func localDst(c net.Conn) (*net.TCPAddr, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, false
	}
	addr, ok := tc.LocalAddr().(*net.TCPAddr)
	return addr, ok
}

// addressesListener reports whether dst is the listener at listen. A wildcard
// listener owns its port on every local address.
func addressesListener(listen net.Addr, dst *net.TCPAddr) bool {
	la, ok := listen.(*net.TCPAddr)
	if !ok || la.Port != dst.Port {
		return false
	}
	if len(la.IP) != 0 && !la.IP.IsUnspecified() {
		return la.IP.Equal(dst.IP)
	}
	return isLocalIP(dst.IP)
}

func isLocalIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
			return true
		}
	}
	return false
}
