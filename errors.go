package strongbox

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies the taxonomy a strongbox error belongs to (see spec §7).
type Kind int

const (
	// KindMetadataMissing indicates an expected EnvelopeKeyRecord was not found
	// or lacked its parent key meta.
	KindMetadataMissing Kind = iota
	// KindAppEncryption indicates a logic-level failure that should never
	// happen in a correctly behaving metastore/KMS (e.g. a double-store
	// conflict with no record to show for it).
	KindAppEncryption
	// KindKMS indicates a failure from the master-key service.
	KindKMS
	// KindMetastore indicates a failure from the metastore collaborator
	// itself (connectivity, timeout, driver error), as distinct from a
	// metastore row being absent or malformed (KindMetadataMissing).
	KindMetastore
	// KindCrypto indicates an AEAD or key-generation failure.
	KindCrypto
	// KindCancelled indicates the caller's context was cancelled or timed out.
	KindCancelled
	// KindResourceClosed indicates an operation was attempted after the
	// owning engine, cache, or session was closed.
	KindResourceClosed
)

func (k Kind) String() string {
	switch k {
	case KindMetadataMissing:
		return "metadata_missing"
	case KindAppEncryption:
		return "app_encryption"
	case KindKMS:
		return "kms"
	case KindMetastore:
		return "metastore"
	case KindCrypto:
		return "crypto"
	case KindCancelled:
		return "cancelled"
	case KindResourceClosed:
		return "resource_closed"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned from strongbox operations. Use
// errors.As to recover the Kind, or the Is* helpers below.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.err
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func wrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, err: cause}
}

// ErrMetadataMissing constructs a KindMetadataMissing error.
func ErrMetadataMissing(msg string) error { return newError(KindMetadataMissing, msg) }

// ErrAppEncryption constructs a KindAppEncryption error.
func ErrAppEncryption(msg string) error { return newError(KindAppEncryption, msg) }

// ErrKMS wraps cause as a KindKMS error.
func ErrKMS(msg string, cause error) error { return wrapError(KindKMS, msg, cause) }

// ErrMetastore wraps cause as a KindMetastore error.
func ErrMetastore(msg string, cause error) error { return wrapError(KindMetastore, msg, cause) }

// ErrCrypto wraps cause as a KindCrypto error.
func ErrCrypto(msg string, cause error) error { return wrapError(KindCrypto, msg, cause) }

// ErrResourceClosed constructs a KindResourceClosed error.
func ErrResourceClosed(msg string) error { return newError(KindResourceClosed, msg) }

// IsKind reports whether err (or something it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var se *Error

	if errors.As(err, &se) {
		return se.Kind == k
	}

	return false
}
