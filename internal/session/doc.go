// Package session supervises one client connection from accept to its
// terminal state.
//
// A Supervisor drives each session through negotiation, upstream connect and
// relay, and makes exactly one Finalize call to the session sink however the
// session ends. The sink's Create runs in the background so that a slow store
// never holds up the relay; Finalize waits for it.
package session
