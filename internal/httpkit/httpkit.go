// Package httpkit provides shared HTTP client construction for all
// outbound calls in Ember. Every client built here rides on one shared
// connection-pooled transport, so repeated model-backend calls reuse
// connections instead of paying dial and TLS costs per request.
package httpkit

import (
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ember-chat/ember/internal/buildinfo"
)

// Default timeouts and connection pool limits for the shared transport.
const (
	// DefaultDialTimeout is the maximum time to establish a TCP connection.
	DefaultDialTimeout = 10 * time.Second

	// DefaultKeepAlive is the interval between TCP keep-alive probes.
	DefaultKeepAlive = 30 * time.Second

	// DefaultTLSHandshakeTimeout is the maximum time for the TLS handshake.
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultIdleConnTimeout is how long idle connections stay in the pool.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultMaxIdleConns is the total idle connection budget across hosts.
	DefaultMaxIdleConns = 20

	// DefaultMaxIdleConnsPerHost is the per-host idle connection limit.
	DefaultMaxIdleConnsPerHost = 5
)

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once

	// clientConstructions counts how many times NewClient has run.
	// Tests use this to verify callers hold on to one client instead
	// of constructing a fresh one per request.
	clientConstructions atomic.Int64
)

// SharedTransport returns the process-wide pooled transport. It is
// created once and reused by every client from NewClient.
func SharedTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DefaultDialTimeout,
				KeepAlive: DefaultKeepAlive,
			}).DialContext,
			TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
			IdleConnTimeout:     DefaultIdleConnTimeout,
			MaxIdleConns:        DefaultMaxIdleConns,
			MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
			ForceAttemptHTTP2:   true,
		}
	})
	return sharedTransport
}

// ClientConstructions reports the number of NewClient calls so far.
func ClientConstructions() int64 {
	return clientConstructions.Load()
}

// NewClient builds an *http.Client on the shared transport with a
// default User-Agent. A zero timeout disables the overall request
// timeout (useful when callers manage deadlines via context).
func NewClient(timeout time.Duration) *http.Client {
	clientConstructions.Add(1)
	return &http.Client{
		Timeout: timeout,
		Transport: &userAgentTransport{
			base: SharedTransport(),
			ua:   buildinfo.UserAgent(),
		},
	}
}

// userAgentTransport injects the User-Agent header on every request
// unless one is already set.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// Clone per the RoundTripper contract: never mutate the original.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it.
// Use to ensure HTTP connections are returned to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for error messages,
// then drains and closes the remainder to allow connection reuse.
// Returns an empty string if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, _ := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 4096)
	return string(body)
}
