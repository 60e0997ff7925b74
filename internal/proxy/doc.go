// Package proxy implements the listener side of mpsocks.
//
// It accepts client connections, optionally over MPTCP, and runs each one as
// a supervised session. Shutdown closes the listener and waits for every
// session to be finalized.
package proxy
