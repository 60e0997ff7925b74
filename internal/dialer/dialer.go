package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - socks5://host:port
//
// For socks5 a default port of 1080 is applied if the URL host is missing a
// port.
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "direct":
		return NewDirectDialer(cfg), nil
	case "socks5":
		if u.Hostname() == "" {
			return nil, errors.New("invalid url: missing host")
		}
		if u.User != nil {
			return nil, errors.New("invalid url: upstream authentication is not supported")
		}
		if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), "1080")
		}
		return NewSOCKS5ProxyDialer(cfg, u.Host), nil
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

// RetryPolicy bounds repeated connect attempts to one destination. The zero
// value makes a single attempt.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Connect opens a TCP stream to host:port through d. timeout bounds the
// attempt; zero leaves it to d and ctx.
func Connect(ctx context.Context, d Dialer, host string, port int, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// ConnectWithRetry calls Connect up to policy.Attempts times, each attempt
// with its own timeout, pausing policy.Backoff in between. It stops early
// when ctx is done.
func ConnectWithRetry(ctx context.Context, d Dialer, host string, port int, timeout time.Duration, policy RetryPolicy) (net.Conn, error) {
	attempts := max(policy.Attempts, 1)

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(policy.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, fmt.Errorf("connect %s: %w (last error: %w)", net.JoinHostPort(host, strconv.Itoa(port)), context.Cause(ctx), err)
			case <-t.C:
			}
		}

		var conn net.Conn
		conn, err = Connect(ctx, d, host, port, timeout)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	if attempts > 1 {
		return nil, fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return nil, err
}
