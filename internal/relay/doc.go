// Package relay copies bytes between a client connection and its upstream
// connection.
//
// Copy runs one goroutine per direction and keeps going across transient
// socket errors: with a multipath transport the kernel can reroute traffic
// over a surviving subflow while the socket handle stays valid, so the relay
// retries on the same handle instead of tearing the session down. Only a
// reset, a closed socket, cancellation, or a stall longer than the configured
// ceiling end a relay with an error.
package relay
