package secret_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusware/strongbox/internal/secret"
	"github.com/nimbusware/strongbox/securemem/plaintext"
)

func TestNewAndWithBytes(t *testing.T) {
	var factory plaintext.SecretFactory

	k, err := secret.New(factory, 100, false, []byte("key-material"))
	require.NoError(t, err)
	defer k.Close()

	assert.Equal(t, int64(100), k.Created())
	assert.False(t, k.Revoked())

	err = k.WithBytes(func(b []byte) error {
		assert.Equal(t, []byte("key-material"), b)
		return nil
	})
	require.NoError(t, err)
}

func TestGenerateProducesRequestedSize(t *testing.T) {
	var factory plaintext.SecretFactory

	k, err := secret.Generate(factory, 0, 32)
	require.NoError(t, err)
	defer k.Close()

	_, err = k.WithBytesFunc(func(b []byte) ([]byte, error) {
		assert.Len(t, b, 32)
		return nil, nil
	})
	require.NoError(t, err)
}

func TestSetRevoked(t *testing.T) {
	var factory plaintext.SecretFactory

	k, err := secret.New(factory, 0, false, []byte("k"))
	require.NoError(t, err)
	defer k.Close()

	assert.False(t, k.Revoked())

	k.SetRevoked(true)
	assert.True(t, k.Revoked())

	k.SetRevoked(false)
	assert.False(t, k.Revoked())
}

func TestCloseIsIdempotent(t *testing.T) {
	var factory plaintext.SecretFactory

	k, err := secret.New(factory, 0, false, []byte("k"))
	require.NoError(t, err)

	assert.False(t, k.IsClosed())
	k.Close()
	assert.True(t, k.IsClosed())

	// second close must not panic
	k.Close()
}

func TestString(t *testing.T) {
	var factory plaintext.SecretFactory

	k, err := secret.New(factory, 42, true, []byte("k"))
	require.NoError(t, err)
	defer k.Close()

	s := k.String()
	assert.Contains(t, s, "created=42")
	assert.Contains(t, s, "revoked=true")
}
