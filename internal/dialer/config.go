package dialer

import (
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds DNS lookup plus TCP connect for one attempt.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the handshake with an upstream proxy.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	// Multipath requests MPTCP on outbound sockets.
	Multipath bool
}
