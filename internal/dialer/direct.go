package dialer

import (
	"context"
	"fmt"
	"net"
)

type directDialer struct {
	d net.Dialer
}

// NewDirectDialer returns a Dialer that connects straight to the destination,
// requesting MPTCP when cfg.Multipath is set.
func NewDirectDialer(cfg Config) Dialer {
	dd := &directDialer{d: net.Dialer{
		Timeout:         cfg.DialTimeout,
		KeepAliveConfig: cfg.KeepAlive,
	}}
	dd.d.SetMultipathTCP(cfg.Multipath)
	return dd
}

func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := f.d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return conn, nil
}

// UsesMultipath reports whether conn actually negotiated MPTCP with its peer.
func UsesMultipath(conn net.Conn) bool {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return false
	}
	mp, err := tc.MultipathTCP()
	return err == nil && mp
}
