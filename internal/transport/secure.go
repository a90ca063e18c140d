// Package transport performs the outbound fetches the SSRF guard has allowed.
// It dials the decision's pinned IP directly, so DNS rebinding between guard
// evaluation and connect cannot change where the bytes come from.
package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/novaos/core/internal/circuitbreaker"
	"github.com/novaos/core/internal/nova"
	"github.com/novaos/core/internal/ssrf"
)

// Evidence proves what the transport actually did: the socket it opened, the
// bytes it accepted, and whether certificate pins verified. It is stored
// alongside any data produced from the response.
type Evidence struct {
	ConnectedIP  string             `json:"connected_ip"`
	Port         int                `json:"port"`
	TLS          bool               `json:"tls"`
	PinsChecked  bool               `json:"pins_checked"`
	PinsVerified bool               `json:"pins_verified"`
	StatusCode   int                `json:"status_code"`
	BytesRead    int64              `json:"bytes_read"`
	Truncated    bool               `json:"truncated"`
	DurationMs   int64              `json:"duration_ms"`
	Redirects    []ssrf.RedirectHop `json:"redirects,omitempty"`
}

// Response is the outcome of one guarded fetch, after any redirects.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	FinalURL   string
	Evidence   *Evidence
}

// Fetcher executes guarded GETs. Redirects are never followed by the HTTP
// client; each Location goes back through the guard for a fresh decision.
type Fetcher struct {
	guard   *ssrf.Guard
	breaker *circuitbreaker.CircuitBreaker
	logger  *log.Logger
	nowFunc func() time.Time
}

type Option func(*Fetcher)

// WithBreaker guards every network attempt with the circuit breaker. Guard
// denials bypass it: they are decisions, not upstream failures.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(f *Fetcher) { f.breaker = cb }
}

func NewFetcher(guard *ssrf.Guard, opts ...Option) *Fetcher {
	f := &Fetcher{
		guard:   guard,
		logger:  log.New(log.Writer(), "[TRANSPORT] ", log.LstdFlags),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch evaluates rawURL through the guard and, if allowed, performs the
// pinned fetch. Redirect responses trigger a new guard evaluation for the
// Location, bounded by the decision's redirect cap and a visited-URL set.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, userID, clientIP, requestID string) (*Response, error) {
	start := f.nowFunc()

	decision := f.guard.Evaluate(ctx, rawURL, userID, clientIP, requestID)
	if !decision.Allowed {
		return nil, fmt.Errorf("egress denied (%s): %s: %w", decision.Reason, decision.Message, nova.ErrSSRFDenied)
	}

	currentURL := rawURL
	req := decision.Transport
	visited := map[string]bool{rawURL: true}
	var hops []ssrf.RedirectHop

	for {
		resp, evidence, err := f.attempt(ctx, req)
		if err != nil {
			return nil, err
		}

		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			evidence.DurationMs = time.Since(start).Milliseconds()
			evidence.Redirects = hops
			f.logger.Printf("fetch complete url=%q status=%d bytes=%d redirects=%d",
				currentURL, evidence.StatusCode, evidence.BytesRead, len(hops))
			return &Response{
				StatusCode: resp.StatusCode,
				Headers:    resp.Header,
				Body:       resp.Body,
				FinalURL:   currentURL,
				Evidence:   evidence,
			}, nil
		}

		if !req.AllowRedirects || len(hops) >= req.MaxRedirects {
			return nil, fmt.Errorf("egress denied (%s): %d redirects: %w",
				ssrf.ReasonRedirectLimit, len(hops), nova.ErrSSRFDenied)
		}

		nextURL, err := resolveLocation(currentURL, location)
		if err != nil {
			return nil, fmt.Errorf("egress denied (%s): bad location %q: %w",
				ssrf.ReasonInvalidURL, location, nova.ErrSSRFDenied)
		}
		if visited[nextURL] {
			return nil, fmt.Errorf("egress denied (%s): %q revisited: %w",
				ssrf.ReasonRedirectLoop, nextURL, nova.ErrSSRFDenied)
		}
		visited[nextURL] = true

		nextDecision := f.guard.Evaluate(ctx, nextURL, userID, clientIP, requestID)
		hops = append(hops, ssrf.RedirectHop{
			FromURL:  currentURL,
			ToURL:    nextURL,
			Status:   resp.StatusCode,
			Decision: nextDecision,
		})
		if !nextDecision.Allowed {
			return nil, fmt.Errorf("egress denied (%s): redirect target blocked: %w",
				nextDecision.Reason, nova.ErrSSRFDenied)
		}

		currentURL = nextURL
		req = nextDecision.Transport
	}
}

type rawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// doOnce performs one HTTP exchange against the pinned address. The request
// URL carries the hostname so Host header and SNI come out right, while the
// dialer ignores the address the URL implies and connects to the pinned IP.
// attempt runs one network try, counted by the breaker when one is wired.
func (f *Fetcher) attempt(ctx context.Context, req *ssrf.TransportRequirements) (*rawResponse, *Evidence, error) {
	if f.breaker == nil {
		return f.doOnce(ctx, req)
	}
	type outcome struct {
		resp     *rawResponse
		evidence *Evidence
	}
	v, err := f.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		resp, evidence, err := f.doOnce(ctx, req)
		if err != nil {
			return nil, err
		}
		return &outcome{resp: resp, evidence: evidence}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	o := v.(*outcome)
	return o.resp, o.evidence, nil
}

func (f *Fetcher) doOnce(ctx context.Context, req *ssrf.TransportRequirements) (*rawResponse, *Evidence, error) {
	pinned := net.JoinHostPort(req.ConnectToIP, strconv.Itoa(req.Port))
	evidence := &Evidence{
		ConnectedIP: req.ConnectToIP,
		Port:        req.Port,
		TLS:         req.UseTLS,
		PinsChecked: len(req.CertificatePins) > 0,
	}

	dialer := &net.Dialer{Timeout: time.Duration(req.ConnectTimeoutMs) * time.Millisecond}
	tlsConfig := &tls.Config{ServerName: req.Hostname}
	if len(req.CertificatePins) > 0 {
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					continue
				}
				if pinMatches(cert, req.CertificatePins) {
					evidence.PinsVerified = true
					return nil
				}
			}
			return fmt.Errorf("no presented certificate matches the configured pins")
		}
	}

	httpTransport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		},
		TLSClientConfig:   tlsConfig,
		DisableKeepAlives: true,
	}
	client := &http.Client{
		Transport: httpTransport,
		Timeout:   time.Duration(req.ConnectTimeoutMs+req.ReadTimeoutMs) * time.Millisecond,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	defer httpTransport.CloseIdleConnections()

	scheme := "http"
	if req.UseTLS {
		scheme = "https"
	}
	target := scheme + "://" + hostWithPort(req) + req.RequestPath

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", nova.ErrTransportFailure)
	}
	httpReq.Header.Set("User-Agent", req.UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %v: %w", req.Hostname, err, nova.ErrTransportFailure)
	}
	defer resp.Body.Close()

	// Read one byte past the cap to distinguish "exactly at cap" from
	// "truncated".
	body, err := io.ReadAll(io.LimitReader(resp.Body, req.MaxResponseBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %v: %w", req.Hostname, err, nova.ErrTransportFailure)
	}
	if int64(len(body)) > req.MaxResponseBytes {
		body = body[:req.MaxResponseBytes]
		evidence.Truncated = true
	}

	evidence.StatusCode = resp.StatusCode
	evidence.BytesRead = int64(len(body))

	return &rawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, evidence, nil
}

func hostWithPort(req *ssrf.TransportRequirements) string {
	if (req.UseTLS && req.Port == 443) || (!req.UseTLS && req.Port == 80) {
		return req.Hostname
	}
	return net.JoinHostPort(req.Hostname, strconv.Itoa(req.Port))
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveLocation(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func pinMatches(cert *x509.Certificate, pins []string) bool {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	spki := base64.StdEncoding.EncodeToString(sum[:])
	for _, pin := range pins {
		if pin == spki {
			return true
		}
	}
	return false
}
