// Package ssrf produces the single-source-of-truth egress decision. Nothing
// in NovaOS dials out except through a Decision this guard has allowed, and
// the decision pins the exact IP the transport must connect to.
package ssrf

import "time"

// Reason codes for denied decisions. Every denial carries exactly one.
const (
	ReasonRateLimited      = "RATE_LIMITED"
	ReasonInvalidURL       = "INVALID_URL"
	ReasonSchemeNotAllowed = "SCHEME_NOT_ALLOWED"
	ReasonUserinfoPresent  = "USERINFO_PRESENT"
	ReasonPortNotAllowed   = "PORT_NOT_ALLOWED"
	ReasonIPEncoding       = "IP_ENCODING"
	ReasonBlockedDomain    = "BLOCKED_DOMAIN"
	ReasonMetadataHostname = "METADATA_HOSTNAME"
	ReasonDNSFailure       = "DNS_FAILURE"
	ReasonPrivateIP        = "PRIVATE_IP"
	ReasonLoopbackIP       = "LOOPBACK_IP"
	ReasonLinkLocalIP      = "LINK_LOCAL_IP"
	ReasonMetadataIP       = "METADATA_IP"
	ReasonReservedIP       = "RESERVED_IP"
	ReasonMulticastIP      = "MULTICAST_IP"
	ReasonBroadcastIP      = "BROADCAST_IP"
	ReasonCGNATIP          = "CGNAT_IP"
	ReasonDocumentationIP  = "DOCUMENTATION_IP"
	ReasonRedirectLimit    = "REDIRECT_LIMIT"
	ReasonRedirectLoop     = "REDIRECT_LOOP"
)

// Check records one step of the guard's evaluation, in order.
type Check struct {
	Type    string `json:"type"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// TransportRequirements is the contract the secure transport must honor.
// connectToIP is authoritative: the transport dials it and never re-resolves.
type TransportRequirements struct {
	ConnectToIP      string            `json:"connect_to_ip"`
	Port             int               `json:"port"`
	UseTLS           bool              `json:"use_tls"`
	Hostname         string            `json:"hostname"` // for SNI and the Host header
	RequestPath      string            `json:"request_path"`
	MaxResponseBytes int64             `json:"max_response_bytes"`
	ConnectTimeoutMs int               `json:"connect_timeout_ms"`
	ReadTimeoutMs    int               `json:"read_timeout_ms"`
	AllowRedirects   bool              `json:"allow_redirects"`
	MaxRedirects     int               `json:"max_redirects"`
	CertificatePins  []string          `json:"certificate_pins,omitempty"` // base64 SPKI SHA-256
	Headers          map[string]string `json:"headers,omitempty"`
	UserAgent        string            `json:"user_agent"`
}

// Decision is the immutable output of one guard evaluation.
// Invariant: Allowed == (Transport != nil).
type Decision struct {
	Allowed    bool                   `json:"allowed"`
	Reason     string                 `json:"reason,omitempty"`
	Message    string                 `json:"message"`
	Checks     []Check                `json:"checks"`
	Transport  *TransportRequirements `json:"transport,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	Timestamp  time.Time              `json:"timestamp"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// RedirectHop records one guard-approved redirect in a chain.
type RedirectHop struct {
	FromURL  string    `json:"from_url"`
	ToURL    string    `json:"to_url"`
	Status   int       `json:"status"`
	Decision *Decision `json:"decision"`
}
