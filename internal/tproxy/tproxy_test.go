package tproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/mpsocks/internal/dialer"
	"github.com/die-net/mpsocks/internal/proxy"
	"github.com/die-net/mpsocks/internal/relay"
	"github.com/die-net/mpsocks/internal/session"
	"github.com/die-net/mpsocks/internal/sink"
	"github.com/die-net/mpsocks/internal/testutil"
)

func TestNegotiatorLocalDestination(t *testing.T) {
	if !IsSupported {
		t.Skip("transparent proxy unsupported on this platform")
	}

	ln, err := proxy.ListenTCP(context.Background(), "tcp", "127.0.0.1:0", proxy.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	d := net.Dialer{Timeout: 2 * time.Second}
	client, err := d.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	server := <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	defer server.Close()

	// Without a redirect rule the original destination is the address the
	// client dialed.
	host, port, err := Negotiator{}.Negotiate(context.Background(), server)
	if err != nil {
		t.Fatal(err)
	}
	want := ln.Addr().(*net.TCPAddr)
	if host != want.IP.String() || port != want.Port {
		t.Fatalf("got %s:%d want %s", host, port, want)
	}

	if err := (Negotiator{}).Reply(server, nil, errors.New("refused")); err != nil {
		t.Fatalf("Reply=%v", err)
	}
}

func TestNegotiatorNonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if _, _, err := (Negotiator{}).Negotiate(context.Background(), a); !errors.Is(err, ErrNoOriginalDst) {
		t.Fatalf("expected ErrNoOriginalDst got %v", err)
	}
}

func TestListenTransparentTCP(t *testing.T) {
	ln, err := ListenTransparentTCP(context.Background(), "127.0.0.1:0", proxy.Config{})
	if !IsSupported {
		if err == nil {
			_ = ln.Close()
			t.Fatal("expected error on unsupported platform")
		}
		return
	}
	if errors.Is(err, os.ErrPermission) {
		t.Skip("transparent sockets need elevated privileges")
	}
	if err != nil {
		t.Fatal(err)
	}
	_ = ln.Close()
}

func TestAddressesListener(t *testing.T) {
	t.Parallel()

	loopback := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}

	tests := []struct {
		name   string
		listen net.Addr
		dst    *net.TCPAddr
		want   bool
	}{
		{name: "no listener", listen: nil, dst: loopback, want: false},
		{name: "same address", listen: loopback, dst: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}, want: true},
		{name: "mapped address", listen: loopback, dst: &net.TCPAddr{IP: net.ParseIP("::ffff:127.0.0.1"), Port: 1234}, want: true},
		{name: "other port", listen: loopback, dst: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1235}, want: false},
		{name: "other host", listen: loopback, dst: &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 1234}, want: false},
		{name: "wildcard local", listen: &net.TCPAddr{IP: net.IPv6unspecified, Port: 1234}, dst: loopback, want: true},
		{name: "wildcard without ip", listen: &net.TCPAddr{Port: 1234}, dst: loopback, want: true},
		{name: "wildcard remote", listen: &net.TCPAddr{IP: net.IPv4zero, Port: 1234}, dst: &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 1234}, want: false},
		{name: "not tcp", listen: &net.UnixAddr{Name: "/tmp/x", Net: "unix"}, dst: loopback, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := addressesListener(tt.listen, tt.dst); got != tt.want {
				t.Fatalf("addressesListener(%v, %v)=%v want %v", tt.listen, tt.dst, got, tt.want)
			}
		})
	}
}

// A client that connects straight to the transparent listener must end in a
// single failed session, not in the relay dialing itself.
func TestDirectConnectionToListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := proxy.ListenTCP(ctx, "tcp", "127.0.0.1:0", proxy.Config{})
	if err != nil {
		t.Fatal(err)
	}

	rs := testutil.NewRecordingSink()
	sup := &session.Supervisor{
		Negotiator:         Negotiator{Listen: ln.Addr()},
		Dialer:             dialer.NewDirectDialer(dialer.Config{DialTimeout: time.Second}),
		Sink:               rs,
		ConnectTimeout:     time.Second,
		NegotiationTimeout: time.Second,
		Relay:              relay.Options{StallTimeout: time.Second},
		SinkTimeout:        time.Second,
		Logger:             zerolog.Nop(),
	}
	srv := proxy.NewServer(sup, zerolog.Nop())

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, ln)
	}()

	d := net.Dialer{Timeout: 2 * time.Second}
	c, err := d.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(c); err != nil {
		t.Fatalf("expected the relay to close the connection, got %v", err)
	}

	recs := rs.WaitFinalized(t, 1, 2*time.Second)
	// Give a looping relay time to show itself.
	time.Sleep(200 * time.Millisecond)

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}

	if recs = rs.Finalized(); len(recs) != 1 {
		t.Fatalf("finalized %d sessions want 1", len(recs))
	}
	if recs[0].Status != sink.StatusError || !strings.Contains(recs[0].ErrorMessage, ErrNoOriginalDst.Error()) {
		t.Fatalf("status=%q error=%q", recs[0].Status, recs[0].ErrorMessage)
	}
}
