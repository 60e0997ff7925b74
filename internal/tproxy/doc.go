// Package tproxy implements transparent proxy listeners for Linux, FreeBSD,
// and OpenBSD.
//
// Connections accepted from a transparent listener already carry their
// destination, so the Negotiator here reads it from the socket instead of
// speaking a protocol, and sessions then run exactly like SOCKS5 ones.
//
// On Linux, it listens with IP_TRANSPARENT. The original destination is read
// with SO_ORIGINAL_DST for NAT REDIRECT rules, and is the socket's local
// address for TPROXY rules.
//
// On FreeBSD, it listens with IP_BINDANY (protocol-level) and retrieves the
// original destination from the socket's local address (which IPFW fwd and
// PF rdr-to preserve).
//
// On OpenBSD, it listens with SO_BINDANY (socket-level) and retrieves the
// original destination from the socket's local address (which PF rdr-to
// preserves).
//
// On other platforms, the listener and original-destination lookup are stubbed
// out and return errors.
package tproxy
