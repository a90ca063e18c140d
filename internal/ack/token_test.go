package ack

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novaos/core/internal/kvs"
)

const (
	testMessage  = "I want to put all my savings into this new cryptocurrency"
	testPhrase   = "I understand the risk and want to proceed"
	testSecret   = "ack-protocol-test-secret-0123456789abcdef"
	testRequest  = "req-1"
	testUser     = "user-1"
	testReasonID = "reckless_decision"
)

func newProtocol(t *testing.T) (*Protocol, *kvs.MemoryStore) {
	t.Helper()
	store := kvs.NewMemoryStore()
	return New([]byte(testSecret), nil, store, 30*time.Minute), store
}

func issue(t *testing.T, p *Protocol) *Issued {
	t.Helper()
	issued, err := p.Issue(testRequest, testUser, testMessage, testReasonID, "audit-1", testPhrase)
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)
	require.Equal(t, testPhrase, issued.RequiredText)
	return issued
}

func TestValidate_HappyPath(t *testing.T) {
	p, _ := newProtocol(t)
	issued := issue(t, p)

	tok, err := p.Validate(context.Background(), issued.Token, testMessage, testPhrase, testPhrase)
	require.NoError(t, err)
	assert.Equal(t, testRequest, tok.RequestID)
	assert.Equal(t, HashMessage(testMessage), tok.MessageHash)
}

func TestValidate_PhraseNormalization(t *testing.T) {
	p, _ := newProtocol(t)
	issued := issue(t, p)

	// Different case, surrounding whitespace and fullwidth characters must
	// still match after NFKC + casefold + trim.
	typed := "  I UNDERSTAND THE RISK AND WANT TO PROCEED  "
	_, err := p.Validate(context.Background(), issued.Token, testMessage, typed, testPhrase)
	assert.NoError(t, err)
}

func TestValidate_Replay(t *testing.T) {
	p, _ := newProtocol(t)
	issued := issue(t, p)
	ctx := context.Background()

	_, err := p.Validate(ctx, issued.Token, testMessage, testPhrase, testPhrase)
	require.NoError(t, err)

	_, err = p.Validate(ctx, issued.Token, testMessage, testPhrase, testPhrase)
	assert.ErrorIs(t, err, ErrNonceReused)
}

func TestValidate_AlteredMessage(t *testing.T) {
	p, _ := newProtocol(t)
	issued := issue(t, p)

	_, err := p.Validate(context.Background(), issued.Token, testMessage+" now", testPhrase, testPhrase)
	assert.ErrorIs(t, err, ErrMessageMismatch)
}

func TestValidate_AlteredPhrase(t *testing.T) {
	p, _ := newProtocol(t)
	issued := issue(t, p)

	_, err := p.Validate(context.Background(), issued.Token, testMessage, "sure, whatever", testPhrase)
	assert.ErrorIs(t, err, ErrPhraseMismatch)
}

func TestValidate_Expired(t *testing.T) {
	p, _ := newProtocol(t)

	now := time.Now()
	p.nowFunc = func() time.Time { return now }
	issued := issue(t, p)

	now = now.Add(31 * time.Minute)
	_, err := p.Validate(context.Background(), issued.Token, testMessage, testPhrase, testPhrase)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidate_TamperedMAC(t *testing.T) {
	p, _ := newProtocol(t)
	other := New([]byte("a-completely-different-secret-0123456789"), nil, kvs.NewMemoryStore(), 30*time.Minute)

	issued, err := other.Issue(testRequest, testUser, testMessage, testReasonID, "audit-1", testPhrase)
	require.NoError(t, err)

	_, err = p.Validate(context.Background(), issued.Token, testMessage, testPhrase, testPhrase)
	assert.ErrorIs(t, err, ErrInvalidMAC)
}

func TestValidate_PreviousSecretDuringRotation(t *testing.T) {
	store := kvs.NewMemoryStore()
	oldProto := New([]byte(testSecret), nil, store, 30*time.Minute)
	issued, err := oldProto.Issue(testRequest, testUser, testMessage, testReasonID, "audit-1", testPhrase)
	require.NoError(t, err)

	rotated := New([]byte("rotated-secret-fedcba9876543210fedcba98"), []byte(testSecret), store, 30*time.Minute)
	_, err = rotated.Validate(context.Background(), issued.Token, testMessage, testPhrase, testPhrase)
	assert.NoError(t, err, "tokens signed with the previous secret stay valid")
}

func TestValidate_Malformed(t *testing.T) {
	p, _ := newProtocol(t)

	for _, bad := range []string{"", "!!!", "bm90LWpzb24"} {
		_, err := p.Validate(context.Background(), bad, testMessage, testPhrase, testPhrase)
		assert.ErrorIs(t, err, ErrMalformed)
	}
}
