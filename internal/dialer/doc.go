// Package dialer opens the outbound leg of a relayed session.
//
// The direct dialer requests Multipath TCP from the operating system so that
// a connection can outlive the loss of one network path; when the kernel has
// no MPTCP support the standard library falls back to plain TCP without
// reporting an error. Connections may instead be chained through an upstream
// SOCKS5 server, itself reached over a multipath socket.
package dialer
