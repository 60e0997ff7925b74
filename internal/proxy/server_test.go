package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/txthinking/socks5"

	"github.com/die-net/mpsocks/internal/dialer"
	"github.com/die-net/mpsocks/internal/relay"
	"github.com/die-net/mpsocks/internal/session"
	"github.com/die-net/mpsocks/internal/sink"
	mpsocks5 "github.com/die-net/mpsocks/internal/socks5"
	"github.com/die-net/mpsocks/internal/testutil"
)

// startServer listens on loopback and serves sessions into a recording sink
// until the returned cancel func is called. wait returns Serve's error.
func startServer(t *testing.T, cfg Config) (net.Listener, *testutil.RecordingSink, context.CancelCauseFunc, func() error) {
	t.Helper()

	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatal(err)
	}

	rs := testutil.NewRecordingSink()
	sup := &session.Supervisor{
		Negotiator:         mpsocks5.Negotiator{},
		Dialer:             dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second, Multipath: true}),
		Sink:               rs,
		ConnectTimeout:     2 * time.Second,
		NegotiationTimeout: 2 * time.Second,
		Relay:              relay.Options{StallTimeout: 5 * time.Second},
		SinkTimeout:        time.Second,
		Logger:             zerolog.Nop(),
	}
	srv := NewServer(sup, zerolog.Nop())

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, ln)
	}()

	wait := func() error {
		select {
		case err := <-served:
			return err
		case <-time.After(3 * time.Second):
			t.Fatal("Serve did not return")
			return nil
		}
	}
	return ln, rs, cancel, wait
}

func TestSOCKS5ConnectDirect(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "tcp", cfg: Config{KeepAlive: net.KeepAliveConfig{Enable: false}}},
		{name: "multipath listener", cfg: Config{KeepAlive: net.KeepAliveConfig{Enable: true}, Multipath: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			ln, rs, _, _ := startServer(t, tt.cfg)

			client, err := socks5.NewClient(ln.Addr().String(), "", "", 2, 0)
			if err != nil {
				t.Fatal(err)
			}

			c, err := client.Dial("tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEcho(t, c, c, []byte("hello"))
			_ = c.Close()

			recs := rs.WaitFinalized(t, 1, 3*time.Second)
			rec := recs[0]
			if rec.BytesSent != 5 || rec.BytesReceived != 5 {
				t.Fatalf("bytes=%d/%d want 5/5", rec.BytesSent, rec.BytesReceived)
			}
			if rec.EndTime.Before(rec.StartTime) {
				t.Fatal("end_time before start_time")
			}
		})
	}
}

func TestSOCKS5UnsupportedMethod(t *testing.T) {
	ln, rs, _, _ := startServer(t, Config{})

	d := net.Dialer{Timeout: 2 * time.Second}
	c, err := d.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// GSSAPI only.
	if _, err := c.Write([]byte{0x05, 0x01, 0x01}); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply, []byte{0x05, 0xff}) {
		t.Fatalf("reply=%x want 05ff", reply)
	}

	rec := rs.WaitFinalized(t, 1, 3*time.Second)[0]
	if rec.Status != sink.StatusError {
		t.Fatalf("status=%q want error", rec.Status)
	}
	if rec.DestinationAddress != "" {
		t.Fatalf("destination recorded for failed handshake: %q", rec.DestinationAddress)
	}
}

func TestSOCKS5ConnectRefused(t *testing.T) {
	ln, rs, _, _ := startServer(t, Config{})

	client, err := socks5.NewClient(ln.Addr().String(), "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c, err := client.Dial("tcp", testutil.ClosedPort(t)); err == nil {
		_ = c.Close()
		t.Fatal("expected dial through proxy to fail")
	}

	rec := rs.WaitFinalized(t, 1, 3*time.Second)[0]
	if rec.Status != sink.StatusError {
		t.Fatalf("status=%q want error", rec.Status)
	}
	if rec.BytesSent != 0 || rec.BytesReceived != 0 {
		t.Fatalf("bytes=%d/%d want zero", rec.BytesSent, rec.BytesReceived)
	}
}

func TestSOCKS5IndependentSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	ln, rs, _, _ := startServer(t, Config{})

	client, err := socks5.NewClient(ln.Addr().String(), "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	var conns []net.Conn
	for range 2 {
		c, err := client.Dial("tcp", echoLn.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	for i, c := range conns {
		testutil.AssertEcho(t, c, c, bytes.Repeat([]byte("s"), i+1))
		_ = c.Close()
	}

	recs := rs.WaitFinalized(t, 2, 3*time.Second)
	if recs[0].SessionID == recs[1].SessionID {
		t.Fatal("sessions share an id")
	}
	if recs[0].BytesSent+recs[1].BytesSent != 3 {
		t.Fatalf("bytes sent %d + %d want 3", recs[0].BytesSent, recs[1].BytesSent)
	}
}

func TestServeShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	ln, rs, shutdown, wait := startServer(t, Config{})

	client, err := socks5.NewClient(ln.Addr().String(), "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("ping"))

	shutdown(ErrShutdown)
	if err := wait(); err != nil {
		t.Fatalf("Serve returned %v", err)
	}

	// Serve only returns once every session is finalized.
	recs := rs.Finalized()
	if len(recs) != 1 {
		t.Fatalf("finalized %d want 1", len(recs))
	}
	if recs[0].Status != sink.StatusError || recs[0].ErrorMessage != ErrShutdown.Error() {
		t.Fatalf("status=%q error=%q", recs[0].Status, recs[0].ErrorMessage)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("client connection still open after shutdown: %v", err)
	}

	d := net.Dialer{Timeout: time.Second}
	if c2, err := d.Dial("tcp", ln.Addr().String()); err == nil {
		_ = c2.Close()
		t.Fatal("listener still accepting after shutdown")
	}
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "too many open files" }
func (temporaryError) Timeout() bool   { return false }
func (temporaryError) Temporary() bool { return true }

// flakyListener fails its first Accept calls with a temporary error.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, temporaryError{}
	}
	return l.Listener.Accept()
}

func TestServeRetriesTemporaryAcceptErrors(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	inner, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", Config{})
	if err != nil {
		t.Fatal(err)
	}
	ln := &flakyListener{Listener: inner}
	ln.failures.Store(3)

	rs := testutil.NewRecordingSink()
	sup := &session.Supervisor{
		Negotiator:         mpsocks5.Negotiator{},
		Dialer:             dialer.NewDirectDialer(dialer.Config{}),
		Sink:               rs,
		NegotiationTimeout: time.Second,
		Logger:             zerolog.Nop(),
	}

	served := make(chan error, 1)
	go func() {
		served <- NewServer(sup, zerolog.Nop()).Serve(ctx, ln)
	}()

	d := net.Dialer{Timeout: 2 * time.Second}
	c, err := d.Dial("tcp", inner.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	rs.WaitFinalized(t, 1, 3*time.Second)

	cancel(ErrShutdown)
	select {
	case err := <-served:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServePermanentAcceptError(t *testing.T) {
	inner, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", Config{})
	if err != nil {
		t.Fatal(err)
	}
	_ = inner.Close()

	srv := NewServer(&session.Supervisor{Logger: zerolog.Nop()}, zerolog.Nop())
	if err := srv.Serve(context.Background(), inner); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed got %v", err)
	}
}
