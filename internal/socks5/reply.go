package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect
)

// ReplyCode maps an outbound dial error to a SOCKS5 reply code.
func ReplyCode(err error) byte {
	var (
		dnsErr   *net.DNSError
		replyErr *ReplyError
	)
	switch {
	case errors.As(err, &replyErr):
		return replyErr.Rep
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return txsocks5.RepTTLExpired
	case errors.As(err, &dnsErr):
		return txsocks5.RepHostUnreachable
	case errors.Is(err, syscall.ECONNREFUSED):
		return txsocks5.RepConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		return txsocks5.RepHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH):
		return txsocks5.RepNetworkUnreachable
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return txsocks5.RepTTLExpired
	}
	return txsocks5.RepServerFailure
}

// WriteFailureReply writes a SOCKS5 reply with code rep and a zero bound
// address of type atyp. Write errors are ignored; the connection is about to
// be closed.
func WriteFailureReply(conn net.Conn, rep, atyp byte) {
	_, _ = newZeroAddrReply(rep, atyp).WriteTo(conn)
}

// WriteSuccessReply writes a SOCKS5 success reply using localAddr as the bound
// address.
func WriteSuccessReply(conn net.Conn, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}
