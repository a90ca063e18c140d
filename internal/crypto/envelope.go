// Package crypto implements the envelope encryption service used for audit
// snapshots. Payloads are sealed with AES-256-GCM under a versioned data key;
// the envelope records the key version so old snapshots stay readable after
// rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // 96-bit GCM IV
	tagSize   = 16
)

var (
	ErrUnknownKeyVersion = errors.New("crypto: unknown key version")
	ErrMalformedEnvelope = errors.New("crypto: malformed envelope")
)

// Envelope is the wire format of an encrypted blob.
type Envelope struct {
	Version    uint32 `json:"version"`
	IV         string `json:"iv"`       // base64, 96 bits
	AuthTag    string `json:"auth_tag"` // base64, 128 bits
	Ciphertext string `json:"ciphertext"`
}

// Service seals and opens envelopes. Keys are derived from a master secret
// with HKDF-SHA256, salted by the key version, so rotating means bumping the
// current version, and no key material is stored.
type Service struct {
	mu      sync.RWMutex
	keys    map[uint32][]byte
	current uint32
}

// NewService derives data keys for versions 1..currentVersion from the master
// secret. The master secret must be at least 32 bytes.
func NewService(masterSecret []byte, currentVersion uint32) (*Service, error) {
	if len(masterSecret) < keySize {
		return nil, fmt.Errorf("crypto: master secret must be >= %d bytes, got %d", keySize, len(masterSecret))
	}
	if currentVersion == 0 {
		return nil, errors.New("crypto: key version must start at 1")
	}

	keys := make(map[uint32][]byte, currentVersion)
	for v := uint32(1); v <= currentVersion; v++ {
		key, err := deriveKey(masterSecret, v)
		if err != nil {
			return nil, err
		}
		keys[v] = key
	}

	return &Service{keys: keys, current: currentVersion}, nil
}

func deriveKey(master []byte, version uint32) ([]byte, error) {
	salt := []byte(fmt.Sprintf("novaos-envelope-v%d", version))
	r := hkdf.New(sha256.New, master, salt, []byte("snapshot-encryption"))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: key derivation: %w", err)
	}
	return key, nil
}

// CurrentVersion reports the version new envelopes are sealed with.
func (s *Service) CurrentVersion() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Encrypt seals plaintext under the current key version.
func (s *Service) Encrypt(plaintext []byte) (*Envelope, error) {
	s.mu.RLock()
	version := s.current
	key := s.keys[version]
	s.mu.RUnlock()

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: iv generation: %w", err)
	}

	// Seal appends the auth tag; the envelope keeps it as a separate field.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &Envelope{
		Version:    version,
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Decrypt opens an envelope, looking the key up by the recorded version.
// Authentication failure and malformed fields are reported distinctly.
func (s *Service) Decrypt(env *Envelope) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[env.Version]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, env.Version)
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != nonceSize {
		return nil, ErrMalformedEnvelope
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil || len(tag) != tagSize {
		return nil, ErrMalformedEnvelope
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrMalformedEnvelope
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open envelope: %w", err)
	}
	return plaintext, nil
}

// Marshal renders the envelope as the canonical JSON wire format.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses the canonical JSON wire format.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformedEnvelope
	}
	if env.Version == 0 || env.IV == "" || env.AuthTag == "" {
		return nil, ErrMalformedEnvelope
	}
	return &env, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	return cipher.NewGCM(block)
}
