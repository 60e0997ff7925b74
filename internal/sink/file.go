package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// File appends records as JSON lines. Each session produces an active line
// on Create and a terminal line on Finalize; readers keep the last line per
// session_id.
type File struct {
	mu  sync.Mutex
	w   io.Writer
	f   *os.File
	enc *json.Encoder
}

// NewFile opens path for appending, creating it if needed.
func NewFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}
	s := NewWriter(f)
	s.f = f
	return s, nil
}

// NewWriter returns a File sink that writes to w. Close does not close w.
func NewWriter(w io.Writer) *File {
	return &File{w: w, enc: json.NewEncoder(w)}
}

func (s *File) Create(_ context.Context, r Record) error {
	r.Status = StatusActive
	return s.write(r)
}

func (s *File) Finalize(_ context.Context, r Record) error {
	return s.write(r)
}

func (s *File) write(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(&r); err != nil {
		return fmt.Errorf("write sink record %s: %w", r.SessionID, err)
	}
	if s.f != nil {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("sync sink file: %w", err)
		}
	}
	return nil
}

func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
