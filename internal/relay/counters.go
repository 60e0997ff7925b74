package relay

import "sync/atomic"

// Counters holds a session's byte totals. Both directions of a relay update
// them concurrently; readers may take snapshots at any time.
type Counters struct {
	sent     atomic.Int64
	received atomic.Int64
}

// Sent returns the bytes written to the upstream connection.
func (c *Counters) Sent() int64 {
	return c.sent.Load()
}

// Received returns the bytes read from the upstream connection.
func (c *Counters) Received() int64 {
	return c.received.Load()
}

// Total returns Sent plus Received.
func (c *Counters) Total() int64 {
	return c.Sent() + c.Received()
}
