package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novaos/core/internal/circuitbreaker"
	"github.com/novaos/core/internal/config"
	"github.com/novaos/core/internal/nova"
	"github.com/novaos/core/internal/ssrf"
)

// localFetcher wires a guard that allows the loopback test server, which is
// the only way to exercise the pinned dial path without real DNS.
func localFetcher(t *testing.T, srv *httptest.Server, maxBytes int64) *Fetcher {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.Default().SSRF
	cfg.AllowLocalhost = true
	cfg.AllowedPorts = []int{80, 443, port}
	if maxBytes > 0 {
		cfg.MaxResponseBytes = maxBytes
	}
	return NewFetcher(ssrf.NewGuard(cfg))
}

func TestFetcher_PinnedFetch(t *testing.T) {
	var gotHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		fmt.Fprint(w, `{"symbol":"AAPL","price":178.50}`)
	}))
	defer srv.Close()

	f := localFetcher(t, srv, 0)
	resp, err := f.Fetch(context.Background(), srv.URL+"/v1/quote", "u1", "1.2.3.4", "req-1")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "178.50")
	require.NotNil(t, resp.Evidence)
	assert.Equal(t, "127.0.0.1", resp.Evidence.ConnectedIP)
	assert.False(t, resp.Evidence.Truncated)
	assert.Empty(t, resp.Evidence.Redirects)
	// Host header carries the hostname from the URL, not the dial target.
	assert.True(t, strings.HasPrefix(gotHost, "127.0.0.1:"))
}

func TestFetcher_TruncatesAtByteCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 1000))
	}))
	defer srv.Close()

	f := localFetcher(t, srv, 64)
	resp, err := f.Fetch(context.Background(), srv.URL+"/", "u1", "1.2.3.4", "req-1")
	require.NoError(t, err)

	assert.Len(t, resp.Body, 64)
	assert.True(t, resp.Evidence.Truncated)
	assert.Equal(t, int64(64), resp.Evidence.BytesRead)
}

func TestFetcher_RedirectsReguarded(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "final")
	})

	f := localFetcher(t, srv, 0)
	resp, err := f.Fetch(context.Background(), srv.URL+"/a", "u1", "1.2.3.4", "req-1")
	require.NoError(t, err)

	assert.Equal(t, "final", string(resp.Body))
	assert.Equal(t, srv.URL+"/b", resp.FinalURL)
	require.Len(t, resp.Evidence.Redirects, 1)
	hop := resp.Evidence.Redirects[0]
	assert.Equal(t, srv.URL+"/a", hop.FromURL)
	assert.Equal(t, srv.URL+"/b", hop.ToURL)
	assert.Equal(t, http.StatusFound, hop.Status)
	require.NotNil(t, hop.Decision)
	assert.True(t, hop.Decision.Allowed)
}

func TestFetcher_RedirectLoop(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/a", http.StatusFound)
	})

	f := localFetcher(t, srv, 0)
	_, err := f.Fetch(context.Background(), srv.URL+"/a", "u1", "1.2.3.4", "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, nova.ErrSSRFDenied))
	assert.Contains(t, err.Error(), ssrf.ReasonRedirectLoop)
}

func TestFetcher_RedirectLimit(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	for i := 0; i < 10; i++ {
		from, to := fmt.Sprintf("/hop%d", i), fmt.Sprintf("/hop%d", i+1)
		mux.HandleFunc(from, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, to, http.StatusFound)
		})
	}

	f := localFetcher(t, srv, 0)
	_, err := f.Fetch(context.Background(), srv.URL+"/hop0", "u1", "1.2.3.4", "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, nova.ErrSSRFDenied))
	assert.Contains(t, err.Error(), ssrf.ReasonRedirectLimit)
}

func TestFetcher_RedirectToBlockedTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusFound)
	}))
	defer srv.Close()

	f := localFetcher(t, srv, 0)
	_, err := f.Fetch(context.Background(), srv.URL+"/", "u1", "1.2.3.4", "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, nova.ErrSSRFDenied))
	assert.Contains(t, err.Error(), ssrf.ReasonMetadataIP)
}

func TestFetcher_BreakerOpensAfterUpstreamFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close() // dropped mid-response, a transport failure
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.Default().SSRF
	cfg.AllowLocalhost = true
	cfg.AllowedPorts = []int{80, 443, port}

	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "transport",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	})
	f := NewFetcher(ssrf.NewGuard(cfg), WithBreaker(cb))

	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), srv.URL+"/", "u1", "1.2.3.4", "req-1")
		require.Error(t, err)
	}
	require.Equal(t, 2, hits)

	// Open breaker rejects before any network attempt.
	_, err = f.Fetch(context.Background(), srv.URL+"/", "u1", "1.2.3.4", "req-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, hits)
}

func TestFetcher_DeniedURLNeverDials(t *testing.T) {
	f := NewFetcher(ssrf.NewGuard(config.Default().SSRF))
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:80/", "u1", "1.2.3.4", "req-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, nova.ErrSSRFDenied))
}
