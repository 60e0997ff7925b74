package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrProtocol marks a malformed or unsupported client handshake. It is
// permanent for the connection.
var ErrProtocol = errors.New("socks5 protocol error")

// Negotiator performs the server side of the SOCKS5 handshake.
type Negotiator struct{}

// Negotiate runs method selection and reads the CONNECT request, returning
// the requested destination. Any failure that the client caused has already
// been answered with a SOCKS5 failure reply when Negotiate returns.
func (Negotiator) Negotiate(_ context.Context, conn net.Conn) (string, int, error) {
	if err := ServerNegotiate(conn); err != nil {
		return "", 0, err
	}

	req, err := ServerReadRequest(conn)
	if err != nil {
		return "", 0, err
	}

	if req.Cmd != CmdConnect {
		WriteFailureReply(conn, txsocks5.RepCommandNotSupported, req.Atyp)
		return "", 0, fmt.Errorf("%w: unsupported command %#x", ErrProtocol, req.Cmd)
	}

	host, port := requestTarget(req)
	if host == "" {
		WriteFailureReply(conn, txsocks5.RepAddressNotSupported, req.Atyp)
		return "", 0, fmt.Errorf("%w: empty destination address", ErrProtocol)
	}
	if port == 0 {
		WriteFailureReply(conn, txsocks5.RepServerFailure, req.Atyp)
		return "", 0, fmt.Errorf("%w: destination port is zero", ErrProtocol)
	}

	return host, port, nil
}

// Reply completes a CONNECT: a success reply carrying bound as the bound
// address, or a failure reply derived from dialErr.
func (Negotiator) Reply(conn net.Conn, bound net.Addr, dialErr error) error {
	if dialErr != nil {
		WriteFailureReply(conn, ReplyCode(dialErr), txsocks5.ATYPIPv4)
		return nil
	}
	return WriteSuccessReply(conn, bound)
}

// ServerNegotiate reads the client's method selection and accepts "no
// authentication". Clients that don't offer it get "no acceptable methods".
func ServerNegotiate(conn net.Conn) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		if errors.Is(err, txsocks5.ErrVersion) || errors.Is(err, txsocks5.ErrBadRequest) {
			writeNoAcceptableMethods(conn)
			return fmt.Errorf("%w: negotiation request: %v", ErrProtocol, err)
		}
		return fmt.Errorf("negotiation request: %w", err)
	}

	if !containsMethod(neg.Methods, txsocks5.MethodNone) {
		writeNoAcceptableMethods(conn)
		return fmt.Errorf("%w: client does not support no-auth (offered %v)", ErrProtocol, neg.Methods)
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads the client's request. Version and address type
// errors are answered with a failure reply.
func ServerReadRequest(conn net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		switch {
		case errors.Is(err, txsocks5.ErrBadRequest):
			WriteFailureReply(conn, txsocks5.RepAddressNotSupported, txsocks5.ATYPIPv4)
			return nil, fmt.Errorf("%w: request: %v", ErrProtocol, err)
		case errors.Is(err, txsocks5.ErrVersion):
			WriteFailureReply(conn, txsocks5.RepServerFailure, txsocks5.ATYPIPv4)
			return nil, fmt.Errorf("%w: request: %v", ErrProtocol, err)
		}
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

func requestTarget(req *txsocks5.Request) (string, int) {
	var host string
	if req.Atyp == txsocks5.ATYPDomain {
		host = string(req.DstAddr[1:])
	} else {
		host = net.IP(req.DstAddr).String()
	}
	return host, int(binary.BigEndian.Uint16(req.DstPort))
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
