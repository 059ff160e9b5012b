package strongbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageWithAndWithoutCause(t *testing.T) {
	plain := ErrAppEncryption("double store with no record")
	assert.Equal(t, "app_encryption: double store with no record", plain.Error())

	cause := errors.New("connection refused")
	wrapped := ErrKMS("generate data key failed", cause)
	assert.Equal(t, "kms: generate data key failed: connection refused", wrapped.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	wrapped := ErrCrypto("seal failed", cause)

	assert.True(t, errors.Is(wrapped, cause))
}

func TestIsKind(t *testing.T) {
	err := ErrResourceClosed("session already closed")

	assert.True(t, IsKind(err, KindResourceClosed))
	assert.False(t, IsKind(err, KindKMS))
	assert.False(t, IsKind(errors.New("plain"), KindResourceClosed))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "metadata_missing", KindMetadataMissing.String())
	assert.Equal(t, "app_encryption", KindAppEncryption.String())
	assert.Equal(t, "kms", KindKMS.String())
	assert.Equal(t, "metastore", KindMetastore.String())
	assert.Equal(t, "crypto", KindCrypto.String())
	assert.Equal(t, "cancelled", KindCancelled.String())
	assert.Equal(t, "resource_closed", KindResourceClosed.String())
}

func TestErrMetastoreWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrMetastore("failed to load system key", cause)

	assert.True(t, IsKind(err, KindMetastore))
	assert.False(t, IsKind(err, KindKMS))
	assert.True(t, errors.Is(err, cause))
}
