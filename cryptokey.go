package strongbox

import (
	"time"

	"github.com/nimbusware/strongbox/internal/secret"
	"github.com/nimbusware/strongbox/securemem"
)

// CryptoKey represents a decrypted SK, IK, or DRK held in protected memory.
// It is the C4 "secret-memory key handle" of spec §3.
type CryptoKey = secret.CryptoKey

// NewCryptoKey wraps key (already decrypted) in protected memory using
// factory. key is wiped by the factory before this returns.
func NewCryptoKey(factory securemem.SecretFactory, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	return secret.New(factory, created, revoked, key)
}

// GenerateCryptoKey returns a new CryptoKey containing size bytes of fresh
// random key material.
func GenerateCryptoKey(factory securemem.SecretFactory, created int64, size int) (*CryptoKey, error) {
	return secret.Generate(factory, created, size)
}

// WithKey unprotects key's bytes for the duration of action. A reference to
// the slice MUST NOT outlive the call.
func WithKey(key *CryptoKey, action func([]byte) error) error {
	return key.WithBytes(action)
}

// WithKeyFunc is WithKey for actions that produce a new byte slice.
func WithKeyFunc(key *CryptoKey, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}

// isKeyExpired reports whether created is older than expireAfter, measured
// against the current time.
func isKeyExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}

// isKeyExpiredOrRevoked implements spec's "expired-or-revoked" predicate for
// an in-memory CryptoKey.
func isKeyExpiredOrRevoked(key *CryptoKey, expireAfter time.Duration) bool {
	return key.Revoked() || isKeyExpired(key.Created(), expireAfter)
}

// isEnvelopeExpiredOrRevoked implements the same predicate for a persisted
// EnvelopeKeyRecord, ahead of decryption.
func isEnvelopeExpiredOrRevoked(ekr *EnvelopeKeyRecord, expireAfter time.Duration) bool {
	return ekr.IsRevoked() || isKeyExpired(ekr.Created, expireAfter)
}
