package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/mpsocks/internal/dialer"
	"github.com/die-net/mpsocks/internal/metrics"
	"github.com/die-net/mpsocks/internal/relay"
	"github.com/die-net/mpsocks/internal/sink"
)

// Negotiator learns where an accepted connection wants to go.
type Negotiator interface {
	// Negotiate returns the requested destination. Failures the client
	// caused have already been answered when it returns.
	Negotiate(ctx context.Context, conn net.Conn) (host string, port int, err error)
	// Reply tells the client the outcome of the upstream connect. bound is
	// the upstream's local address on success.
	Reply(conn net.Conn, bound net.Addr, dialErr error) error
}

// Default tunables for a Supervisor.
const (
	DefaultConnectTimeout     = 10 * time.Second
	DefaultNegotiationTimeout = 10 * time.Second
	DefaultProgressInterval   = 5 * time.Second
	DefaultSinkTimeout        = 5 * time.Second
)

// Supervisor runs sessions. A single Supervisor is shared by every
// connection from a listener.
type Supervisor struct {
	Negotiator Negotiator
	Dialer     dialer.Dialer
	Sink       sink.Sink

	// ConnectTimeout bounds each upstream connect attempt.
	ConnectTimeout time.Duration
	Retry          dialer.RetryPolicy

	// NegotiationTimeout bounds the client handshake. Zero disables it.
	NegotiationTimeout time.Duration

	Relay relay.Options

	// ProgressInterval is how often live counters are pushed to sinks that
	// implement sink.Progresser. Zero disables progress updates.
	ProgressInterval time.Duration

	// SinkTimeout bounds each sink call. Zero means DefaultSinkTimeout.
	SinkTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Serve runs one session on conn until it ends, and returns it in its
// terminal state. conn is closed when Serve returns. Exactly one Finalize
// call is made to the sink per Serve call.
func (s *Supervisor) Serve(ctx context.Context, conn net.Conn) *Session {
	sess := New(conn.RemoteAddr())
	r := &run{
		s:    s,
		sess: sess,
		conn: conn,
		log:  s.Logger.With().Str("session_id", sess.ID).Str("client", sess.ClientAddr).Logger(),
	}

	s.Metrics.SessionStarted()
	sess.transition(StateNegotiating)

	err := r.run(ctx)
	_ = conn.Close()

	if err != nil {
		sess.fail(errorMessage(ctx, err))
		r.log.Debug().Err(err).Str("state", "error").Msg("session failed")
	} else {
		sess.close()
		r.log.Debug().Str("state", "closed").Msg("session closed")
	}

	r.finalize(ctx)
	s.Metrics.SessionFinished(string(sess.Status()), sess.BytesSent(), sess.BytesReceived(), sess.Duration())

	return sess
}

// errorMessage attributes a failure to its cancellation cause when the
// session was canceled, so shutdown is reported as shutdown rather than as
// whichever socket error it provoked.
func errorMessage(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause.Error()
		}
	}
	return err.Error()
}

type run struct {
	s    *Supervisor
	sess *Session
	conn net.Conn
	log  zerolog.Logger

	// created is closed once Create has returned. Nil until Create is
	// issued.
	created chan struct{}
}

// run advances the session through negotiation, connect and relay. It
// returns nil only for a graceful relay.
func (r *run) run(ctx context.Context) error {
	s, sess := r.s, r.sess

	if s.NegotiationTimeout > 0 {
		_ = r.conn.SetDeadline(time.Now().Add(s.NegotiationTimeout))
	}
	// Expiring the deadline interrupts a handshake blocked on the client.
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	host, port, err := s.Negotiator.Negotiate(ctx, r.conn)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}

	sess.DestAddr, sess.DestPort = host, port
	r.log = r.log.With().Str("target", net.JoinHostPort(host, strconv.Itoa(port))).Logger()
	sess.transition(StateConnecting)
	r.create()

	start := time.Now()
	up, err := dialer.ConnectWithRetry(ctx, s.Dialer, host, port, s.connectTimeout(), s.Retry)
	if err != nil {
		_ = s.Negotiator.Reply(r.conn, nil, err)
		return fmt.Errorf("connect: %w", err)
	}

	multipath := dialer.UsesMultipath(up)
	s.Metrics.UpstreamConnected(multipath, time.Since(start))
	r.log.Debug().Bool("multipath", multipath).Msg("upstream connected")

	if err := s.Negotiator.Reply(r.conn, up.LocalAddr(), nil); err != nil {
		_ = up.Close()
		return fmt.Errorf("reply: %w", err)
	}

	stop()
	_ = r.conn.SetDeadline(time.Time{})
	sess.transition(StateRelaying)

	progressDone := r.startProgress(ctx)
	err = relay.Copy(ctx, r.conn, up, &sess.Counters, s.Relay)
	progressDone()

	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

func (s *Supervisor) connectTimeout() time.Duration {
	if s.ConnectTimeout > 0 {
		return s.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// sinkContext detaches sink calls from session cancellation so that a
// canceled session is still recorded.
func (r *run) sinkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.s.SinkTimeout
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// create issues Create in the background so a slow store never delays the
// connect or the relay.
func (r *run) create() {
	rec := r.sess.Record()
	r.created = make(chan struct{})
	go func() {
		defer close(r.created)

		ctx, cancel := r.sinkContext(context.Background())
		defer cancel()
		if err := r.s.Sink.Create(ctx, rec); err != nil {
			r.sinkError("create", err)
		}
	}()
}

// finalize writes the terminal record once Create has returned.
func (r *run) finalize(ctx context.Context) {
	if r.created == nil {
		r.create()
	}
	<-r.created

	sctx, cancel := r.sinkContext(ctx)
	defer cancel()
	if err := r.s.Sink.Finalize(sctx, r.sess.Record()); err != nil {
		r.sinkError("finalize", err)
	}
}

// startProgress pushes live counters to the sink until the returned func is
// called. The func waits for the pusher to exit.
func (r *run) startProgress(ctx context.Context) func() {
	p, ok := r.s.Sink.(sink.Progresser)
	if !ok || r.s.ProgressInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		// No point updating a row that may not exist yet.
		select {
		case <-r.created:
		case <-done:
			return
		}

		t := time.NewTicker(r.s.ProgressInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
			}

			sctx, cancel := r.sinkContext(ctx)
			err := p.Progress(sctx, r.sess.ID, r.sess.Counters.Sent(), r.sess.Counters.Received())
			cancel()
			if err != nil {
				r.sinkError("progress", err)
			}
		}
	})

	return func() {
		close(done)
		wg.Wait()
	}
}

func (r *run) sinkError(op string, err error) {
	r.s.Metrics.SinkError(op)
	ev := r.log.Warn()
	if errors.Is(err, context.DeadlineExceeded) {
		ev = ev.Bool("timeout", true)
	}
	ev.Err(err).Str("op", op).Msg("session sink")
}
