// Package aead implements the strongbox.AEAD contract on top of Go's
// standard AES-256/GCM primitives.
package aead

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/nimbusware/strongbox"
	"github.com/nimbusware/strongbox/securemem"
)

const (
	gcmNonceSize = 12
	// gcmMaxDataSize caps the plaintext length, in bytes, accepted by a
	// single seal at 2^39 bits, the order of the NIST SP 800-38D limit on
	// GCM plaintext length.
	gcmMaxDataSize = (1 << 39) / 8
)

// AES256GCM implements strongbox.AEAD. Every CryptoKey it produces is
// protected via factory.
type AES256GCM struct {
	factory securemem.SecretFactory
}

var _ strongbox.AEAD = (*AES256GCM)(nil)

// New returns an AES256GCM that allocates generated key material through
// factory.
func New(factory securemem.SecretFactory) *AES256GCM {
	return &AES256GCM{factory: factory}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// GenerateKey returns a fresh AES-256 key, protected in memory, timestamped
// at created.
func (a *AES256GCM) GenerateKey(created int64) (*strongbox.CryptoKey, error) {
	return strongbox.GenerateCryptoKey(a.factory, created, strongbox.AES256KeySize)
}

// EncryptKey wraps innerKey's bytes with wrappingKey, producing a
// nonce||ciphertext||tag blob.
func (a *AES256GCM) EncryptKey(_ context.Context, innerKey, wrappingKey *strongbox.CryptoKey) ([]byte, error) {
	var out []byte

	err := strongbox.WithKey(innerKey, func(plain []byte) error {
		return strongbox.WithKey(wrappingKey, func(wrapKey []byte) error {
			ct, err := seal(plain, wrapKey)
			if err != nil {
				return err
			}

			out = ct

			return nil
		})
	})

	return out, err
}

// DecryptKey unwraps ciphertext with wrappingKey and returns the resulting
// CryptoKey, timestamped at created with the given revoked flag.
func (a *AES256GCM) DecryptKey(_ context.Context, ciphertext []byte, created int64, wrappingKey *strongbox.CryptoKey, revoked bool) (*strongbox.CryptoKey, error) {
	var plain []byte

	err := strongbox.WithKey(wrappingKey, func(wrapKey []byte) error {
		p, err := open(ciphertext, wrapKey)
		if err != nil {
			return err
		}

		plain = p

		return nil
	})
	if err != nil {
		return nil, err
	}

	return strongbox.NewCryptoKey(a.factory, created, revoked, plain)
}

// EnvelopeEncrypt generates a fresh data row key, encrypts payload with it,
// wraps the data row key with wrappingKey, and returns both.
func (a *AES256GCM) EnvelopeEncrypt(ctx context.Context, payload []byte, wrappingKey *strongbox.CryptoKey) ([]byte, []byte, error) {
	drk, err := strongbox.GenerateCryptoKey(a.factory, 0, strongbox.AES256KeySize)
	if err != nil {
		return nil, nil, err
	}
	defer drk.Close()

	var cipherText []byte

	err = strongbox.WithKey(drk, func(drkBytes []byte) error {
		ct, err := seal(payload, drkBytes)
		if err != nil {
			return err
		}

		cipherText = ct

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	encryptedDRK, err := a.EncryptKey(ctx, drk, wrappingKey)
	if err != nil {
		return nil, nil, err
	}

	return cipherText, encryptedDRK, nil
}

// EnvelopeDecrypt unwraps the data row key with wrappingKey and decrypts
// payloadCipherText with it.
func (a *AES256GCM) EnvelopeDecrypt(ctx context.Context, payloadCipherText, encryptedKey []byte, created int64, wrappingKey *strongbox.CryptoKey) ([]byte, error) {
	drk, err := a.DecryptKey(ctx, encryptedKey, created, wrappingKey, false)
	if err != nil {
		return nil, err
	}
	defer drk.Close()

	var plain []byte

	err = strongbox.WithKey(drk, func(drkBytes []byte) error {
		p, err := open(payloadCipherText, drkBytes)
		if err != nil {
			return err
		}

		plain = p

		return nil
	})

	return plain, err
}

func seal(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, errors.Wrap(err, "aead: cipher init failed")
	}

	if len(data) > gcmMaxDataSize {
		return nil, errors.New("aead: data too large for GCM")
	}

	out := make([]byte, gcmNonceSize, gcmNonceSize+len(data)+gcm.Overhead())
	if _, err := rand.Read(out[:gcmNonceSize]); err != nil {
		return nil, errors.Wrap(err, "aead: nonce generation failed")
	}

	return gcm.Seal(out, out[:gcmNonceSize], data, nil), nil
}

func open(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, errors.Wrap(err, "aead: cipher init failed")
	}

	if len(data) < gcmNonceSize {
		return nil, errors.New("aead: ciphertext shorter than nonce")
	}

	nonce, ct := data[:gcmNonceSize], data[gcmNonceSize:]

	plain, err := gcm.Open(nil, nonce, ct, nil)

	return plain, errors.Wrap(err, "aead: decryption failed")
}
