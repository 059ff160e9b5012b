// Package kms implements strongbox.KeyManagementService backends.
package kms

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nimbusware/strongbox"
	"github.com/nimbusware/strongbox/securemem"
	memguardsecret "github.com/nimbusware/strongbox/securemem/memguard"
)

const staticKeySize = strongbox.AES256KeySize

// Static is an in-memory KeyManagementService for tests and local
// development. It MUST NOT be used in production: the "master key" it
// wraps with is just another CryptoKey, held in the same process.
type Static struct {
	aead    strongbox.AEAD
	key     *strongbox.CryptoKey
	factory securemem.SecretFactory
}

var _ strongbox.KeyManagementService = (*Static)(nil)

// NewStatic builds a Static KMS. key must be exactly AES256KeySize bytes.
func NewStatic(key []byte, aead strongbox.AEAD) (*Static, error) {
	if len(key) != staticKeySize {
		return nil, errors.Errorf("kms: static master key must be %d bytes, got %d", staticKeySize, len(key))
	}

	factory := securemem.SecretFactory(&memguardsecret.SecretFactory{})

	ck, err := strongbox.NewCryptoKey(factory, 0, false, append([]byte(nil), key...))
	if err != nil {
		return nil, err
	}

	return &Static{aead: aead, key: ck, factory: factory}, nil
}

// EncryptKey wraps keyBytes with the static master key.
func (s *Static) EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error) {
	wrapped, err := strongbox.NewCryptoKey(s.factory, 0, false, append([]byte(nil), keyBytes...))
	if err != nil {
		return nil, err
	}
	defer wrapped.Close()

	return s.aead.EncryptKey(ctx, wrapped, s.key)
}

// DecryptKey unwraps encryptedKeyBytes with the static master key.
func (s *Static) DecryptKey(ctx context.Context, encryptedKeyBytes []byte, created int64, revoked bool) (*strongbox.CryptoKey, error) {
	return s.aead.DecryptKey(ctx, encryptedKeyBytes, created, s.key, revoked)
}

// Close frees the memory locked by the master key. It should be called
// once this KMS is no longer in use.
func (s *Static) Close() error {
	if s.key != nil {
		s.key.Close()
	}

	return nil
}
