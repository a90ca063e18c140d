package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMaster = []byte("0123456789abcdef0123456789abcdef") // 32 bytes

func TestEnvelope_RoundTrip(t *testing.T) {
	svc, err := NewService(testMaster, 1)
	require.NoError(t, err)

	plaintext := []byte(`{"input":"hello","output":"world"}`)
	env, err := svc.Encrypt(plaintext)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), env.Version)

	got, err := svc.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEnvelope_KeyRotationReadsOldVersions(t *testing.T) {
	v1, err := NewService(testMaster, 1)
	require.NoError(t, err)

	env, err := v1.Encrypt([]byte("sealed before rotation"))
	require.NoError(t, err)

	// After rotation the service holds versions 1 and 2.
	v2, err := NewService(testMaster, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), v2.CurrentVersion())

	got, err := v2.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed before rotation"), got)

	// New envelopes carry the new version.
	env2, err := v2.Encrypt([]byte("sealed after rotation"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), env2.Version)

	// A v1-only service cannot open v2 envelopes.
	_, err = v1.Decrypt(env2)
	assert.ErrorIs(t, err, ErrUnknownKeyVersion)
}

func TestEnvelope_TamperDetection(t *testing.T) {
	svc, err := NewService(testMaster, 1)
	require.NoError(t, err)

	env, err := svc.Encrypt([]byte("integrity matters"))
	require.NoError(t, err)

	tampered := *env
	tampered.Ciphertext = env.AuthTag + env.Ciphertext[min(8, len(env.Ciphertext)):]
	_, err = svc.Decrypt(&tampered)
	assert.Error(t, err)
}

func TestEnvelope_MarshalRoundTrip(t *testing.T) {
	svc, err := NewService(testMaster, 1)
	require.NoError(t, err)

	env, err := svc.Encrypt([]byte("wire format"))
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := UnmarshalEnvelope(data)
	require.NoError(t, err)

	got, err := svc.Decrypt(parsed)
	require.NoError(t, err)
	assert.Equal(t, []byte("wire format"), got)
}

func TestUnmarshalEnvelope_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"version":1,"iv":"","auth_tag":"x","ciphertext":"y"}`,
	}
	for _, c := range cases {
		_, err := UnmarshalEnvelope([]byte(c))
		assert.ErrorIs(t, err, ErrMalformedEnvelope, c)
	}
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService([]byte("short"), 1)
	assert.Error(t, err)

	_, err = NewService(testMaster, 0)
	assert.Error(t, err)
}
