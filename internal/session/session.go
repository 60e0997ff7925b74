package session

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/die-net/mpsocks/internal/relay"
	"github.com/die-net/mpsocks/internal/sink"
)

// State is a step in a session's lifecycle.
type State int

const (
	StateAccepted State = iota
	StateNegotiating
	StateConnecting
	StateRelaying
	StateClosed
	StateError
)

var stateNames = [...]string{
	StateAccepted:    "accepted",
	StateNegotiating: "negotiating",
	StateConnecting:  "connecting",
	StateRelaying:    "relaying",
	StateClosed:      "closed",
	StateError:       "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s ends the session.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// legal lists the states reachable from each state.
var legal = map[State][]State{
	StateAccepted:    {StateNegotiating},
	StateNegotiating: {StateConnecting, StateError},
	StateConnecting:  {StateRelaying, StateError},
	StateRelaying:    {StateClosed, StateError},
}

// CanTransition reports whether a session in state from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one client connection from accept to its terminal state. Its
// fields are owned by the goroutine running it; only Counters may be read
// concurrently.
type Session struct {
	ID         string
	ClientAddr string
	DestAddr   string
	DestPort   int
	StartTime  time.Time
	EndTime    time.Time

	// Counters is updated by the relay while the session is relaying.
	Counters relay.Counters

	state    State
	errMsg   string
	sent     int64
	received int64
	duration time.Duration
	kbps     float64
}

// New starts a session for a connection from client, accepted now.
func New(client net.Addr) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
	}
	if client != nil {
		s.ClientAddr = client.String()
	}
	return s
}

func (s *Session) State() State {
	return s.state
}

// Status is the persisted form of the current state.
func (s *Session) Status() sink.Status {
	switch s.state {
	case StateClosed:
		return sink.StatusClosed
	case StateError:
		return sink.StatusError
	default:
		return sink.StatusActive
	}
}

// ErrorMessage is non-empty only for sessions that ended in StateError.
func (s *Session) ErrorMessage() string {
	return s.errMsg
}

// Duration is fixed when the session ends.
func (s *Session) Duration() time.Duration {
	return s.duration
}

// ThroughputKbps is fixed when the session ends.
func (s *Session) ThroughputKbps() float64 {
	return s.kbps
}

// BytesSent returns the final total once the session has ended, and the
// live counter before that.
func (s *Session) BytesSent() int64 {
	if s.state.Terminal() {
		return s.sent
	}
	return s.Counters.Sent()
}

// BytesReceived is like BytesSent for the upstream-to-client direction.
func (s *Session) BytesReceived() int64 {
	if s.state.Terminal() {
		return s.received
	}
	return s.Counters.Received()
}

// transition moves the session to state to. An illegal move is a bug in the
// caller and panics.
func (s *Session) transition(to State) {
	if !CanTransition(s.state, to) {
		panic(fmt.Sprintf("session %s: illegal transition %s -> %s", s.ID, s.state, to))
	}
	s.state = to
}

// close ends a relay that finished cleanly.
func (s *Session) close() {
	s.transition(StateClosed)
	s.finish()
}

// fail ends the session with msg.
func (s *Session) fail(msg string) {
	s.transition(StateError)
	s.errMsg = msg
	s.finish()
}

// finish captures end time, totals and derived figures. It runs once, from
// the single transition into a terminal state.
func (s *Session) finish() {
	s.EndTime = time.Now()
	s.duration = s.EndTime.Sub(s.StartTime)
	s.sent = s.Counters.Sent()
	s.received = s.Counters.Received()
	s.kbps = Throughput(s.sent+s.received, s.duration)
}

// Throughput is total bytes in KiB divided by seconds elapsed, or 0 for a
// zero duration.
func Throughput(total int64, d time.Duration) float64 {
	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return (float64(total) / 1024) / secs
}

// Record returns the persisted form of the session.
func (s *Session) Record() sink.Record {
	r := sink.Record{
		SessionID:          s.ID,
		ClientAddress:      s.ClientAddr,
		DestinationAddress: s.DestAddr,
		DestinationPort:    s.DestPort,
		StartTime:          s.StartTime,
		BytesSent:          s.BytesSent(),
		BytesReceived:      s.BytesReceived(),
		Status:             s.Status(),
	}
	if s.state.Terminal() {
		r.EndTime = s.EndTime
		r.ConnectionDurationMs = s.duration.Milliseconds()
		r.ThroughputKbps = s.kbps
		r.ErrorMessage = s.errMsg
	}
	return r
}
