// Package socks5 implements the SOCKS5 handshake used by mpsocks.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 and
// keeps mpsocks-specific policy in one place: only the "no authentication"
// method and the CONNECT command are accepted, malformed or unsupported
// requests get a failure reply before the connection is closed, and dial
// errors are mapped onto the closest SOCKS5 reply code.
//
// The client half (ClientDial) is used to chain through an upstream SOCKS5
// server.
package socks5
