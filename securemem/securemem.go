// Package securemem defines the seam between the envelope-encryption engine
// and the protected-memory primitive that holds decrypted key material.
// Concrete backends (memguard-based locked pages, or a plain in-memory
// stand-in for tests) implement Secret and SecretFactory.
package securemem

import (
	"io"

	"github.com/rcrowley/go-metrics"
)

var (
	// AllocCounter tracks cumulative secret allocations; it never decreases.
	AllocCounter = metrics.GetOrRegisterCounter("secret.allocated", nil)

	// InUseCounter tracks the number of secrets currently allocated and not
	// yet closed.
	InUseCounter = metrics.GetOrRegisterCounter("secret.inuse", nil)
)

// Secret holds sensitive byte material in protected memory. Callers MUST
// Close a Secret once it is no longer needed to avoid holding locked pages.
type Secret interface {
	// WithBytes unprotects the underlying buffer for the duration of action
	// and reprotects it on every exit path, including a panic unwinding
	// through action. A reference to the slice MUST NOT outlive the call.
	WithBytes(action func([]byte) error) error

	// WithBytesFunc is WithBytes for actions that produce a new byte slice
	// (e.g. the result of an encrypt/decrypt call).
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)

	// IsClosed reports whether Close has already run.
	IsClosed() bool

	// Close wipes and releases the protected memory. Repeated calls are a
	// no-op.
	Close() error

	// NewReader returns an io.Reader over the secret's bytes. A protecting
	// backend unprotects the buffer only for the duration of each Read
	// call, not for the reader's lifetime.
	NewReader() io.Reader
}

// SecretFactory constructs Secrets from existing bytes or from freshly
// generated random bytes.
type SecretFactory interface {
	// New takes ownership of b, copying it into protected storage and
	// wiping the caller's copy.
	New(b []byte) (Secret, error)

	// CreateRandom returns a Secret containing size cryptographically
	// random bytes.
	CreateRandom(size int) (Secret, error)
}
