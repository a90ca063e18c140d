package ssrf

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/novaos/core/internal/config"
	"github.com/novaos/core/internal/ratelimit"
)

const userAgent = "NovaOS-LiveData/1.0"

var defaultResolver Resolver = net.DefaultResolver

// Resolver is the DNS dependency; *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard evaluates URLs into Decisions. It is stateless apart from a
// TTL-bounded DNS memo, so one Guard serves all requests concurrently.
type Guard struct {
	cfg       config.SSRFConfig
	limiter   *ratelimit.Limiter
	limitRule config.RateLimitRule
	resolver  Resolver
	pins      map[string][]string // hostname -> SPKI pins

	mu       sync.Mutex
	dnsCache map[string]dnsEntry

	logger  *log.Logger
	nowFunc func() time.Time
}

type dnsEntry struct {
	addrs     []netip.Addr
	expiresAt time.Time
}

const dnsCacheTTL = 30 * time.Second

// Option configures optional Guard collaborators.
type Option func(*Guard)

// WithRateLimiter attaches the egress rate limit (check #1).
func WithRateLimiter(l *ratelimit.Limiter, rule config.RateLimitRule) Option {
	return func(g *Guard) {
		g.limiter = l
		g.limitRule = rule
	}
}

// WithResolver substitutes the DNS resolver (tests use a fixture).
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// WithCertificatePins sets per-host SPKI pins attached to allowed decisions.
func WithCertificatePins(pins map[string][]string) Option {
	return func(g *Guard) { g.pins = pins }
}

// NewGuard builds a guard from the egress config.
func NewGuard(cfg config.SSRFConfig, opts ...Option) *Guard {
	g := &Guard{
		cfg:      cfg,
		dnsCache: make(map[string]dnsEntry),
		logger:   log.New(log.Writer(), "[SSRF] ", log.LstdFlags),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the ordered checks against rawURL. The first failing check
// short-circuits to a denied decision carrying that check's reason; an
// allowed decision carries the pinned transport requirements.
func (g *Guard) Evaluate(ctx context.Context, rawURL, userID, clientIP, requestID string) *Decision {
	start := g.nowFunc()
	var checks []Check

	deny := func(reason, detail string) *Decision {
		checks = append(checks, Check{Type: reason, Passed: false, Details: detail})
		g.logger.Printf("denied url=%q reason=%s detail=%s", rawURL, reason, detail)
		decisions.WithLabelValues("denied", reason).Inc()
		return &Decision{
			Allowed:    false,
			Reason:     reason,
			Message:    detail,
			Checks:     checks,
			DurationMs: time.Since(start).Milliseconds(),
			Timestamp:  start,
			RequestID:  requestID,
		}
	}
	pass := func(checkType, detail string) {
		checks = append(checks, Check{Type: checkType, Passed: true, Details: detail})
	}

	// 1. Egress rate limit per user+ip.
	if g.limiter != nil {
		res, err := g.limiter.Consume(ctx, ratelimit.Key(userID, clientIP, "egress"), g.limitRule)
		if err == nil && !res.Allowed {
			return deny(ReasonRateLimited, "egress rate limit exceeded")
		}
		pass("rate_limit", "")
	}

	// 2. URL structure.
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return deny(ReasonInvalidURL, fmt.Sprintf("unparseable url: %v", err))
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return deny(ReasonSchemeNotAllowed, "scheme "+scheme)
	}
	if u.User != nil {
		return deny(ReasonUserinfoPresent, "userinfo component present")
	}
	port := defaultPort(scheme)
	if p := u.Port(); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}
	if !g.portAllowed(port) {
		return deny(ReasonPortNotAllowed, fmt.Sprintf("port %d", port))
	}
	pass("url_structure", scheme)

	// 3. Hostname normalization and alternate IP encodings. Literal IPs skip
	// the IDNA pass, which rejects colons.
	host := strings.ToLower(u.Hostname())
	if enc, found := detectAlternateIPEncoding(host); found {
		return deny(ReasonIPEncoding, "alternate ip encoding: "+enc)
	}
	if _, ipErr := netip.ParseAddr(host); ipErr != nil {
		host, err = toASCIIHostname(host)
		if err != nil {
			return deny(ReasonInvalidURL, "hostname not convertible to ASCII")
		}
	}
	pass("hostname", host)

	// 4. Domain blocklist and metadata hostnames.
	if isMetadataHostname(host) {
		return deny(ReasonMetadataHostname, host)
	}
	for _, blocked := range g.cfg.BlockedDomains {
		b := strings.ToLower(blocked)
		if host == b || strings.HasSuffix(host, "."+b) {
			return deny(ReasonBlockedDomain, host)
		}
	}
	pass("domain_policy", "")

	// 5. DNS resolution (skipped for literal IPs).
	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		addrs = []netip.Addr{addr}
		pass("dns", "literal ip")
	} else {
		addrs, err = g.resolve(ctx, host)
		if err != nil {
			return deny(ReasonDNSFailure, err.Error())
		}
		pass("dns", fmt.Sprintf("%d records", len(addrs)))
	}

	// 6. Every resolved address must be public.
	for _, addr := range addrs {
		if reason := g.classify(addr); reason != "" {
			return deny(reason, addr.String())
		}
	}
	pass("ip_classification", "all public")

	// 7+8. Pin one IP and build the transport contract.
	chosen := addrs[0]
	transport := &TransportRequirements{
		ConnectToIP:      chosen.Unmap().String(),
		Port:             port,
		UseTLS:           scheme == "https",
		Hostname:         host,
		RequestPath:      requestPath(u),
		MaxResponseBytes: g.cfg.MaxResponseBytes,
		ConnectTimeoutMs: g.cfg.ConnectTimeoutMs,
		ReadTimeoutMs:    g.cfg.ReadTimeoutMs,
		AllowRedirects:   g.cfg.MaxRedirects > 0,
		MaxRedirects:     g.cfg.MaxRedirects,
		CertificatePins:  g.pins[host],
		UserAgent:        userAgent,
	}
	pass("transport", transport.ConnectToIP)

	decisions.WithLabelValues("allowed", "").Inc()
	return &Decision{
		Allowed:    true,
		Message:    "egress permitted",
		Checks:     checks,
		Transport:  transport,
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  start,
		RequestID:  requestID,
	}
}

// classify applies the config escape hatches (dev only) before the range
// classification.
func (g *Guard) classify(addr netip.Addr) string {
	reason := ClassifyIP(addr)
	switch reason {
	case ReasonLoopbackIP:
		if g.cfg.AllowLocalhost {
			return ""
		}
	case ReasonPrivateIP:
		if g.cfg.AllowPrivate {
			return ""
		}
	}
	return reason
}

func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	now := g.nowFunc()

	g.mu.Lock()
	if e, ok := g.dnsCache[host]; ok && now.Before(e.expiresAt) {
		addrs := e.addrs
		g.mu.Unlock()
		return addrs, nil
	}
	g.mu.Unlock()

	resolver := g.resolver
	if resolver == nil {
		resolver = defaultResolver
	}

	dnsCtx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.DNSTimeoutMs)*time.Millisecond)
	defer cancel()

	addrs, err := resolver.LookupNetIP(dnsCtx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("dns lookup %s: no records", host)
	}

	g.mu.Lock()
	g.dnsCache[host] = dnsEntry{addrs: addrs, expiresAt: now.Add(dnsCacheTTL)}
	g.mu.Unlock()

	return addrs, nil
}

func (g *Guard) portAllowed(port int) bool {
	for _, p := range g.cfg.AllowedPorts {
		if p == port {
			return true
		}
	}
	return false
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

func requestPath(u *url.URL) string {
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}
