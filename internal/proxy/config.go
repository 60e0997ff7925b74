package proxy

import (
	"net"
	"syscall"
)

// Config configures listeners created by ListenTCP.
type Config struct {
	KeepAlive net.KeepAliveConfig

	// Multipath accepts MPTCP connections as well as plain TCP.
	Multipath bool

	// Control, if set, is run on the listening socket before bind.
	Control func(network, address string, c syscall.RawConn) error
}
