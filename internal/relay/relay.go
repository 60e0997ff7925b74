package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrStalled is returned when a read or write stayed stuck for longer than
// Options.StallTimeout.
var ErrStalled = errors.New("relay stalled")

// DefaultRetryBackoff is the pause before re-issuing a read or write that
// failed with a transient error.
const DefaultRetryBackoff = 250 * time.Millisecond

// errNoHalfClose ends a relay whose destination side cannot be half-closed.
var errNoHalfClose = errors.New("half-close unsupported")

// Options tunes Copy.
type Options struct {
	// StallTimeout bounds how long a write may stay pending, or a read may
	// keep failing with transient errors, while neither direction moves a
	// byte. An idle session is not stalled. Zero disables the ceiling. The
	// right value depends on how quickly the platform's multipath transport
	// reroutes around a dead path.
	StallTimeout time.Duration

	// RetryBackoff is the pause before retrying after a transient socket
	// error. Zero means DefaultRetryBackoff.
	RetryBackoff time.Duration

	// BufferSize is the copy buffer size per direction. Zero means
	// DefaultBufferSize.
	BufferSize int
}

// Copy relays between client and upstream until both directions reach EOF,
// either side fails, or ctx is canceled. Byte totals are added to counters as
// they cross the relay. Both connections are closed when Copy returns.
//
// A nil error means a graceful close. On cancellation the returned error is
// context.Cause(ctx).
func Copy(ctx context.Context, client, upstream net.Conn, counters *Counters, opts Options) error {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}

	r := &relay{opts: opts, pool: poolFor(opts.BufferSize)}
	r.touch()

	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	// Closing the sockets is what unblocks reads and writes on cancellation.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		return r.pipe(gctx, upstream, client, &counters.sent, nil)
	})
	g.Go(func() error {
		return r.pipe(gctx, client, upstream, nil, &counters.received)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if errors.Is(err, errNoHalfClose) {
		if r.eofs.Load() == 2 {
			return nil
		}
		return fmt.Errorf("closed with the other direction still open: %w", err)
	}
	return err
}

type relay struct {
	opts Options
	pool *bufferPool

	// lastActivity is the UnixNano time either direction last moved bytes.
	lastActivity atomic.Int64
	// troubledSince is the UnixNano time of the first transient error since
	// lastActivity, or zero.
	troubledSince atomic.Int64
	// eofs counts directions that read EOF.
	eofs atomic.Int32
}

// pipe copies src to dst. written counts bytes accepted by dst, read counts
// bytes taken from src; either may be nil.
func (r *relay) pipe(ctx context.Context, dst, src net.Conn, written, read *atomic.Int64) error {
	bufp := r.pool.Get()
	defer r.pool.Put(bufp)
	buf := *bufp

	var armed bool
	for {
		r.armRead(src, &armed)
		n, rerr := src.Read(buf)
		if n > 0 {
			if read != nil {
				read.Add(int64(n))
			}
			r.touch()
			if err := r.write(ctx, dst, buf[:n], written); err != nil {
				return err
			}
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			r.eofs.Add(1)
			return closeWrite(dst)
		}
		if err := r.retry(ctx, rerr, r.readStalledSince); err != nil {
			return fmt.Errorf("read %s: %w", src.RemoteAddr(), err)
		}
	}
}

// write writes all of p, resuming after partial writes so that no byte is
// counted or sent twice.
func (r *relay) write(ctx context.Context, c net.Conn, p []byte, written *atomic.Int64) error {
	pending := time.Now()
	stalledSince := func() time.Time {
		return r.writeStalledSince(pending)
	}

	for len(p) > 0 {
		if r.opts.StallTimeout > 0 {
			_ = c.SetWriteDeadline(stalledSince().Add(r.opts.StallTimeout))
		}
		n, err := c.Write(p)
		if n > 0 {
			if written != nil {
				written.Add(int64(n))
			}
			r.touch()
			p = p[n:]
		}
		if err == nil {
			continue
		}
		if rerr := r.retry(ctx, err, stalledSince); rerr != nil {
			return fmt.Errorf("write %s: %w", c.RemoteAddr(), rerr)
		}
	}
	return nil
}

// retry decides whether a failed operation should be re-issued on the same
// socket. It returns nil to retry, or the error that ends this direction.
// stalledSince reports when the operation stopped making progress.
func (r *relay) retry(ctx context.Context, err error, stalledSince func() time.Time) error {
	if ctx.Err() != nil {
		return err
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		// Another direction may have moved bytes since the deadline was armed.
		if r.stalled(stalledSince()) {
			return fmt.Errorf("%w: no progress for %s", ErrStalled, r.opts.StallTimeout)
		}
		return nil
	}

	if !isTransient(err) {
		return err
	}
	r.troubledSince.CompareAndSwap(0, time.Now().UnixNano())
	if r.stalled(stalledSince()) {
		return fmt.Errorf("%w: %w", ErrStalled, err)
	}

	t := time.NewTimer(r.opts.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-t.C:
		return nil
	}
}

func (r *relay) touch() {
	r.lastActivity.Store(time.Now().UnixNano())
	r.troubledSince.Store(0)
}

// readStalledSince is when reads started failing without progress, or zero
// while they are healthy. A read that simply waits for data is idle, not
// stalled.
func (r *relay) readStalledSince() time.Time {
	if ns := r.troubledSince.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// writeStalledSince is when a write pending since pending last saw progress
// in either direction.
func (r *relay) writeStalledSince(pending time.Time) time.Time {
	if last := time.Unix(0, r.lastActivity.Load()); last.After(pending) {
		return last
	}
	return pending
}

func (r *relay) stalled(since time.Time) bool {
	if r.opts.StallTimeout <= 0 || since.IsZero() {
		return false
	}
	return time.Since(since) >= r.opts.StallTimeout
}

// armRead bounds the next read by the stall ceiling while reads are failing,
// and clears the bound once they recover.
func (r *relay) armRead(c net.Conn, armed *bool) {
	if r.opts.StallTimeout <= 0 {
		return
	}
	since := r.readStalledSince()
	if since.IsZero() {
		if *armed {
			_ = c.SetReadDeadline(time.Time{})
			*armed = false
		}
		return
	}
	_ = c.SetReadDeadline(since.Add(r.opts.StallTimeout))
	*armed = true
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite propagates EOF to c. Connections without half-close support end
// the whole relay instead.
func closeWrite(c net.Conn) error {
	cw, ok := c.(closeWriter)
	if !ok {
		return errNoHalfClose
	}
	_ = cw.CloseWrite()
	return nil
}
