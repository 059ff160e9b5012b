// Package secret holds the in-memory representation of a decrypted SK, IK,
// or DRK: a CryptoKey pairs a creation timestamp and revocation flag with
// key material stored in a securemem.Secret.
package secret

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nimbusware/strongbox/securemem"
)

// CryptoKey represents an unencrypted key held in protected memory.
type CryptoKey struct {
	created int64
	secret  securemem.Secret
	once    sync.Once
	revoked uint32
}

// New wraps key in a Secret created via factory. key is wiped by the
// factory before New returns.
func New(factory securemem.SecretFactory, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	sec, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{created: created, revoked: boolToUint32(revoked), secret: sec}, nil
}

// Generate returns a new CryptoKey containing size bytes of fresh random
// key material.
func Generate(factory securemem.SecretFactory, created int64, size int) (*CryptoKey, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{created: created, secret: sec}, nil
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}

// Created returns the key's creation time as Unix seconds.
func (k *CryptoKey) Created() int64 { return k.created }

// Revoked reports whether the key has been marked revoked.
func (k *CryptoKey) Revoked() bool { return atomic.LoadUint32(&k.revoked) == 1 }

// SetRevoked atomically updates the revoked flag.
func (k *CryptoKey) SetRevoked(revoked bool) {
	atomic.StoreUint32(&k.revoked, boolToUint32(revoked))
}

// Close destroys the underlying secret. Safe to call more than once.
func (k *CryptoKey) Close() {
	k.once.Do(func() {
		if k.secret != nil {
			k.secret.Close()
		}
	})
}

// IsClosed reports whether Close has run and released the backing secret.
func (k *CryptoKey) IsClosed() bool {
	return k.secret == nil || k.secret.IsClosed()
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey(%p){created=%d revoked=%t}", k, k.created, k.Revoked())
}

// WithBytes unprotects the key's bytes for the duration of action. A
// reference to the slice MUST NOT outlive the call.
func (k *CryptoKey) WithBytes(action func([]byte) error) error {
	return k.secret.WithBytes(action)
}

// WithBytesFunc is WithBytes for actions producing a new byte slice.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.secret.WithBytesFunc(action)
}
