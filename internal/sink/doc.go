// Package sink persists per-session metrics records.
//
// A Sink receives one Create call when a session's destination is known and
// exactly one Finalize call when the session ends. Sinks that can update a
// record in place may also implement Progresser to receive periodic byte
// counter snapshots while a session is relaying.
//
// Implementations must be safe for concurrent use by many sessions. Sink
// errors are reported to the caller but never influence a session's outcome.
package sink
