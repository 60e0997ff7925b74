package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/die-net/mpsocks/internal/sink"
)

// Snapshot is one Progress call.
type Snapshot struct {
	Sent, Received int64
}

// RecordingSink keeps every record it is given in memory.
type RecordingSink struct {
	// CreateErr and FinalizeErr, when set, are returned after the call is
	// recorded.
	CreateErr   error
	FinalizeErr error
	// CreateDelay stalls Create, simulating a slow store.
	CreateDelay time.Duration

	mu        sync.Mutex
	created   map[string]sink.Record
	finalized []sink.Record
	progress  map[string][]Snapshot
	changed   chan struct{}
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{
		created:  make(map[string]sink.Record),
		progress: make(map[string][]Snapshot),
		changed:  make(chan struct{}),
	}
}

func (s *RecordingSink) Create(ctx context.Context, r sink.Record) error {
	if s.CreateDelay > 0 {
		select {
		case <-time.After(s.CreateDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.created[r.SessionID] = r
	return s.CreateErr
}

func (s *RecordingSink) Progress(_ context.Context, sessionID string, sent, received int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[sessionID] = append(s.progress[sessionID], Snapshot{Sent: sent, Received: received})
	return nil
}

func (s *RecordingSink) Finalize(_ context.Context, r sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, r)
	close(s.changed)
	s.changed = make(chan struct{})
	return s.FinalizeErr
}

func (s *RecordingSink) Close() error {
	return nil
}

// Created returns the record passed to Create for id.
func (s *RecordingSink) Created(id string) (sink.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.created[id]
	return r, ok
}

// Finalized returns every finalized record in call order.
func (s *RecordingSink) Finalized() []sink.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sink.Record(nil), s.finalized...)
}

// ProgressFor returns the snapshots recorded for id.
func (s *RecordingSink) ProgressFor(id string) []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.progress[id]...)
}

// WaitFinalized waits until at least n records have been finalized.
func (s *RecordingSink) WaitFinalized(t *testing.T, n int, timeout time.Duration) []sink.Record {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		got := len(s.finalized)
		changed := s.changed
		s.mu.Unlock()

		if got >= n {
			return s.Finalized()
		}
		select {
		case <-changed:
		case <-deadline.C:
			t.Fatalf("timed out waiting for %d finalized records, have %d", n, got)
			return nil
		}
	}
}
