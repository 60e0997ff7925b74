package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/mpsocks/internal/session"
)

// ErrShutdown is the cancellation cause for sessions interrupted by process
// shutdown. Its message is what such sessions record.
var ErrShutdown = errors.New("proxy shutting down")

const maxAcceptDelay = time.Second

// Server runs a session for every connection accepted from a listener.
type Server struct {
	supervisor *session.Supervisor
	log        zerolog.Logger
}

func NewServer(supervisor *session.Supervisor, logger zerolog.Logger) *Server {
	return &Server{supervisor: supervisor, log: logger}
}

// Serve accepts connections from ln until ctx is done or ln fails. Sessions
// inherit ctx, so canceling it with ErrShutdown ends them with that cause.
// Serve closes ln and waits for every session it started to be finalized
// before returning. It returns nil when stopped through ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTemporary(err) {
				delay = min(max(2*delay, 5*time.Millisecond), maxAcceptDelay)
				s.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept")
				if !sleep(ctx, delay) {
					return nil
				}
				continue
			}
			_ = ln.Close()
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0

		wg.Go(func() {
			s.supervisor.Serve(ctx, c)
		})
	}
}

// isTemporary matches accept errors worth retrying, such as running out of
// file descriptors.
func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
