package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/die-net/mpsocks/internal/socks5"
)

// SOCKS5ProxyDialer reaches destinations through an upstream SOCKS5 server.
// The hop to the upstream server uses the direct dialer, so it is multipath
// when Config.Multipath is set.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	direct    Dialer
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{cfg: cfg, proxyAddr: proxyAddr, direct: NewDirectDialer(cfg)}
}

func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	conn, err := d.direct.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	if d.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}

	// Cancellation interrupts the handshake by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	err = socks5.ClientDial(conn, address)
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, fmt.Errorf("socks5 proxy dial %s via %s: %w", address, d.proxyAddr, err)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
