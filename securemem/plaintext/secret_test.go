package plaintext_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusware/strongbox/securemem/plaintext"
)

func TestNewWipesCallersCopy(t *testing.T) {
	var factory plaintext.SecretFactory

	b := []byte("top secret")
	orig := append([]byte(nil), b...)

	s, err := factory.New(b)
	require.NoError(t, err)
	defer s.Close()

	for _, c := range b {
		assert.Zero(t, c)
	}

	err = s.WithBytes(func(got []byte) error {
		assert.Equal(t, orig, got)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateRandomLength(t *testing.T) {
	var factory plaintext.SecretFactory

	s, err := factory.CreateRandom(32)
	require.NoError(t, err)
	defer s.Close()

	err = s.WithBytes(func(got []byte) error {
		assert.Len(t, got, 32)
		return nil
	})
	require.NoError(t, err)
}

func TestWithBytesFuncReturnsResult(t *testing.T) {
	var factory plaintext.SecretFactory

	s, err := factory.New([]byte("hello"))
	require.NoError(t, err)
	defer s.Close()

	out, err := s.WithBytesFunc(func(b []byte) ([]byte, error) {
		return append([]byte(nil), b...), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestCloseIsIdempotentAndWipes(t *testing.T) {
	var factory plaintext.SecretFactory

	s, err := factory.New([]byte("hello"))
	require.NoError(t, err)

	assert.False(t, s.IsClosed())
	require.NoError(t, s.Close())
	assert.True(t, s.IsClosed())
	require.NoError(t, s.Close())

	err = s.WithBytes(func([]byte) error { return nil })
	assert.Error(t, err)
}

func TestNewReader(t *testing.T) {
	var factory plaintext.SecretFactory

	s, err := factory.New([]byte("hello"))
	require.NoError(t, err)
	defer s.Close()

	b, err := io.ReadAll(s.NewReader())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)
}
