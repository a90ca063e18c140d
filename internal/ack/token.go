// Package ack implements the acknowledgment-token protocol. A soft safety
// veto issues a signed, single-use token; the user re-submits the same
// message together with the token and the required phrase to proceed.
package ack

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/novaos/core/internal/kvs"
)

// MaxTTL caps the lifetime of an issued token.
const MaxTTL = 30 * time.Minute

// Distinct validation failure modes. Callers report these verbatim so the
// audit trail can tell a replay from a tampered MAC.
var (
	ErrInvalidMAC      = errors.New("ack: invalid_mac")
	ErrExpired         = errors.New("ack: expired")
	ErrMessageMismatch = errors.New("ack: message_mismatch")
	ErrPhraseMismatch  = errors.New("ack: phrase_mismatch")
	ErrNonceReused     = errors.New("ack: nonce_reused")
	ErrMalformed       = errors.New("ack: malformed token")
)

// Token is the signed acknowledgment credential.
type Token struct {
	RequestID   string `json:"request_id"`
	UserID      string `json:"user_id"`
	MessageHash string `json:"message_hash"` // SHA-256 of the vetoed message, hex
	Reason      string `json:"reason"`
	AuditID     string `json:"audit_id"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
	Nonce       string `json:"nonce"` // 128-bit random, hex
	MAC         string `json:"mac"`   // HMAC-SHA256 over the canonical fields, hex
}

// Issued is what the caller returns to the user after a soft veto.
type Issued struct {
	Token        string    `json:"ack_token"`
	RequiredText string    `json:"required_text"`
	ExpiresAt    time.Time `json:"expires_at"`
	AuditID      string    `json:"audit_id"`
}

// Protocol issues and validates tokens. The previous secret stays valid so a
// key rotation does not strand tokens that were issued moments earlier.
type Protocol struct {
	secret     []byte
	prevSecret []byte
	store      kvs.Store
	ttl        time.Duration
	logger     *log.Logger
	nowFunc    func() time.Time
}

// New creates the protocol. prevSecret may be nil when no rotation is in
// flight. ttl is clamped to MaxTTL.
func New(secret, prevSecret []byte, store kvs.Store, ttl time.Duration) *Protocol {
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Protocol{
		secret:     secret,
		prevSecret: prevSecret,
		store:      store,
		ttl:        ttl,
		logger:     log.New(log.Writer(), "[ACK] ", log.LstdFlags),
		nowFunc:    time.Now,
	}
}

// HashMessage returns the full 64-hex SHA-256 of a message.
func HashMessage(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}

// NormalizePhrase applies NFKC, case folding and trimming so that visually
// equivalent acknowledgment phrases compare equal.
func NormalizePhrase(s string) string {
	folded := cases.Fold().String(norm.NFKC.String(s))
	return strings.TrimSpace(folded)
}

// Issue mints a token for a soft-vetoed message.
func (p *Protocol) Issue(requestID, userID, message, reason, auditID, requiredText string) (*Issued, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("ack: nonce generation: %w", err)
	}

	now := p.nowFunc()
	tok := Token{
		RequestID:   requestID,
		UserID:      userID,
		MessageHash: HashMessage(message),
		Reason:      reason,
		AuditID:     auditID,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(p.ttl).Unix(),
		Nonce:       hex.EncodeToString(nonce),
	}
	tok.MAC = p.mac(p.secret, &tok)

	encoded, err := encode(&tok)
	if err != nil {
		return nil, err
	}

	p.logger.Printf("issued token: request=%s reason=%s expires=%s", requestID, reason, time.Unix(tok.ExpiresAt, 0).Format(time.RFC3339))

	return &Issued{
		Token:        encoded,
		RequiredText: requiredText,
		ExpiresAt:    time.Unix(tok.ExpiresAt, 0),
		AuditID:      auditID,
	}, nil
}

// Validate checks an encoded token against the re-submitted message and the
// user's typed acknowledgment. On success the nonce is burned in the nonce
// store with a TTL covering the token's remaining life.
func (p *Protocol) Validate(ctx context.Context, encoded, currentMessage, ackText, requiredText string) (*Token, error) {
	tok, err := decode(encoded)
	if err != nil {
		return nil, err
	}

	// MAC first: nothing else in the token is trustworthy before this check.
	// Both secrets are tried in constant time each.
	if !p.verifyMAC(tok) {
		return nil, ErrInvalidMAC
	}

	now := p.nowFunc()
	if now.Unix() > tok.ExpiresAt {
		return nil, ErrExpired
	}

	if HashMessage(currentMessage) != tok.MessageHash {
		return nil, ErrMessageMismatch
	}

	if NormalizePhrase(ackText) != NormalizePhrase(requiredText) {
		return nil, ErrPhraseMismatch
	}

	// Single use: reserve the nonce atomically. Losing the SetNX means the
	// token was already spent.
	remaining := time.Until(time.Unix(tok.ExpiresAt, 0))
	if remaining < time.Minute {
		remaining = time.Minute
	}
	fresh, err := p.store.SetNX(ctx, "ack:nonce:"+tok.Nonce, tok.RequestID, remaining)
	if err != nil {
		return nil, fmt.Errorf("ack: nonce store: %w", err)
	}
	if !fresh {
		return nil, ErrNonceReused
	}

	return tok, nil
}

func (p *Protocol) verifyMAC(tok *Token) bool {
	expected := p.mac(p.secret, tok)
	if hmac.Equal([]byte(expected), []byte(tok.MAC)) {
		return true
	}
	if len(p.prevSecret) > 0 {
		prev := p.mac(p.prevSecret, tok)
		return hmac.Equal([]byte(prev), []byte(tok.MAC))
	}
	return false
}

// mac computes HMAC-SHA256 over the canonical field concatenation. Fields
// are joined with an unambiguous separator so no two tokens share input.
func (p *Protocol) mac(secret []byte, tok *Token) string {
	h := hmac.New(sha256.New, secret)
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%d|%s",
		tok.RequestID, tok.UserID, tok.MessageHash, tok.Reason,
		tok.AuditID, tok.IssuedAt, tok.ExpiresAt, tok.Nonce)
	return hex.EncodeToString(h.Sum(nil))
}

func encode(tok *Token) (string, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("ack: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decode(encoded string) (*Token, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrMalformed
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, ErrMalformed
	}
	if tok.Nonce == "" || tok.MAC == "" || tok.MessageHash == "" {
		return nil, ErrMalformed
	}
	return &tok, nil
}
