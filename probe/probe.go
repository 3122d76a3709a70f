// Package probe waits for network dependencies to become reachable before the
// service starts using them.
package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const defaultInterval = 500 * time.Millisecond

// WaitTCP blocks until a TCP connection to addr succeeds or ctx is done.
func WaitTCP(ctx context.Context, addr string, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultInterval
	}
	dialer := net.Dialer{Timeout: interval}

	var lastErr error
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not reachable: %w (last error: %v)", addr, ctx.Err(), lastErr)
		case <-time.After(interval):
		}
	}
}

// WaitHTTP blocks until a GET to url draws any HTTP response or ctx is done.
// Any status code counts as ready; the probe asks whether the server answers,
// not whether it is happy.
func WaitHTTP(ctx context.Context, client *http.Client, url string, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultInterval
	}
	if client == nil {
		client = http.DefaultClient
	}

	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("%s not probeable: %w", url, err)
		}
		resp, err := client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not reachable: %w (last error: %v)", url, ctx.Err(), lastErr)
		case <-time.After(interval):
		}
	}
}
