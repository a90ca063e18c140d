// Package audit writes the per-request audit trail: a queryable record with
// full-length content hashes, and an envelope-encrypted snapshot of the
// redacted input/output for investigations.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/novaos/core/internal/crypto"
	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/nova"
)

// ResponseAudit is the per-request record stored at audit:response:{requestId}.
type ResponseAudit struct {
	RequestID          string              `json:"request_id"`
	UserID             string              `json:"user_id"`
	Timestamp          time.Time           `json:"timestamp"`
	PolicyVersions     nova.PolicyVersions `json:"policy_versions"`
	InputHash          string              `json:"input_hash"`  // full 64-hex SHA-256
	OutputHash         string              `json:"output_hash"` // full 64-hex SHA-256
	SnapshotRef        string              `json:"snapshot_ref,omitempty"`
	SnapshotKeyVersion uint32              `json:"snapshot_key_version,omitempty"`
	RedactionApplied   bool                `json:"redaction_applied"`
	RedactedPatterns   []string            `json:"redacted_patterns,omitempty"`
	GatesExecuted      []string            `json:"gates_executed"`
	Stance             string              `json:"stance,omitempty"`
	Model              string              `json:"model,omitempty"`
	InterventionLevel  string              `json:"intervention_level,omitempty"`
	AckOverrideApplied bool                `json:"ack_override_applied"`
	ResponseGenerated  bool                `json:"response_generated"`
	RegenerationCount  int                 `json:"regeneration_count"`
	StoppedAt          string              `json:"stopped_at,omitempty"`
	StoppedReason      string              `json:"stopped_reason,omitempty"`
	TrustViolations    []string            `json:"trust_violations,omitempty"`
	LinguisticViolations []string          `json:"linguistic_violations,omitempty"`
}

// snapshot is the encrypted payload stored alongside the record.
type snapshot struct {
	InputRedacted  string      `json:"input_redacted"`
	OutputRedacted string      `json:"output_redacted"`
	Constraints    interface{} `json:"constraints,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Logger assembles and persists audit records.
type Logger struct {
	store        kvs.Store
	crypto       *crypto.Service
	recordTTL    time.Duration
	snapshotTTL  time.Duration
	logger       *log.Logger
	nowFunc      func() time.Time
}

func NewLogger(store kvs.Store, cryptoSvc *crypto.Service, recordTTL, snapshotTTL time.Duration) *Logger {
	return &Logger{
		store:       store,
		crypto:      cryptoSvc,
		recordTTL:   recordTTL,
		snapshotTTL: snapshotTTL,
		logger:      log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
		nowFunc:     time.Now,
	}
}

func responseKey(requestID string) string { return "audit:response:" + requestID }
func snapshotKey(requestID string) string { return "audit:snapshot:" + requestID }

// Hash returns the full 64-hex SHA-256 of the text. Never truncated.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Record finalizes and stores the audit record for one request: hashes the
// raw input/output, redacts both, seals the snapshot, then writes the record.
// The raw texts are not retained anywhere.
func (l *Logger) Record(ctx context.Context, rec *ResponseAudit, inputText, outputText string, constraints interface{}) error {
	if rec.RequestID == "" {
		return fmt.Errorf("audit record needs a request id: %w", nova.ErrInvalidInput)
	}
	now := l.nowFunc()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}

	rec.InputHash = Hash(inputText)
	rec.OutputHash = Hash(outputText)

	inputRedacted, inPatterns := Redact(inputText)
	outputRedacted, outPatterns := Redact(outputText)
	rec.RedactedPatterns = mergePatterns(inPatterns, outPatterns)
	rec.RedactionApplied = len(rec.RedactedPatterns) > 0

	snapData, err := json.Marshal(snapshot{
		InputRedacted:  inputRedacted,
		OutputRedacted: outputRedacted,
		Constraints:    constraints,
		Timestamp:      now,
	})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	env, err := l.crypto.Encrypt(snapData)
	if err != nil {
		return fmt.Errorf("seal snapshot: %v: %w", err, nova.ErrEncryptionFailure)
	}
	envData, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := l.store.Set(ctx, snapshotKey(rec.RequestID), string(envData), l.snapshotTTL); err != nil {
		return fmt.Errorf("store snapshot: %v: %w", err, nova.ErrStorageFailure)
	}
	rec.SnapshotRef = snapshotKey(rec.RequestID)
	rec.SnapshotKeyVersion = env.Version

	recData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := l.store.Set(ctx, responseKey(rec.RequestID), string(recData), l.recordTTL); err != nil {
		return fmt.Errorf("store audit record: %v: %w", err, nova.ErrStorageFailure)
	}

	l.logger.Printf("recorded request=%s stance=%s stopped_at=%q regenerations=%d",
		rec.RequestID, rec.Stance, rec.StoppedAt, rec.RegenerationCount)
	return nil
}

// Get loads the audit record for a request.
func (l *Logger) Get(ctx context.Context, requestID string) (*ResponseAudit, error) {
	data, err := l.store.Get(ctx, responseKey(requestID))
	if err != nil {
		if errors.Is(err, kvs.ErrNotFound) {
			return nil, fmt.Errorf("audit record %s: %w", requestID, nova.ErrNotFound)
		}
		return nil, err
	}
	var rec ResponseAudit
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode audit record %s: %w", requestID, err)
	}
	return &rec, nil
}

// Snapshot decrypts and returns the redacted snapshot for a request.
func (l *Logger) Snapshot(ctx context.Context, requestID string) (input, output string, err error) {
	data, err := l.store.Get(ctx, snapshotKey(requestID))
	if err != nil {
		if errors.Is(err, kvs.ErrNotFound) {
			return "", "", fmt.Errorf("snapshot %s: %w", requestID, nova.ErrNotFound)
		}
		return "", "", err
	}
	env, err := crypto.UnmarshalEnvelope([]byte(data))
	if err != nil {
		return "", "", err
	}
	plain, err := l.crypto.Decrypt(env)
	if err != nil {
		return "", "", fmt.Errorf("open snapshot %s: %v: %w", requestID, err, nova.ErrEncryptionFailure)
	}
	var snap snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return "", "", fmt.Errorf("decode snapshot %s: %w", requestID, err)
	}
	return snap.InputRedacted, snap.OutputRedacted, nil
}

func mergePatterns(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var merged []string
	for _, list := range [][]string{a, b} {
		for _, name := range list {
			if !seen[name] {
				seen[name] = true
				merged = append(merged, name)
			}
		}
	}
	return merged
}
