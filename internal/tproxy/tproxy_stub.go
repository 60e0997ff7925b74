//go:build !linux && !freebsd && !openbsd

package tproxy

import (
	"context"
	"errors"
	"net"

	"github.com/die-net/mpsocks/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = false

func ListenTransparentTCP(context.Context, string, proxy.Config) (net.Listener, error) {
	return nil, errors.New("transparent proxy is not supported on this platform")
}

func OriginalDst(net.Conn) (*net.TCPAddr, bool) {
	return nil, false
}
