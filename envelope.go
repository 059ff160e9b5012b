// Package strongbox implements an application-level envelope-encryption
// engine: a three-tier key hierarchy (master key in an external KMS, system
// and intermediate keys in an external metastore, ephemeral data row keys
// per payload) with rotation, caching, and partition-isolation semantics.
//
// Callers obtain a Session scoped to a partition (shopper, tenant, etc.) via
// a SessionFactory and use it to encrypt and decrypt opaque byte payloads.
// The metastore, KMS, and AEAD primitive are supplied by the caller.
package strongbox

import (
	"context"
	"fmt"
)

// AES256KeySize is the size in bytes of the AES-256 keys generated by this
// package for SKs, IKs, and DRKs.
const AES256KeySize = 32

// KeyMeta identifies a persisted key by id and creation timestamp. A
// Created of zero is reserved to mean "the latest key for this id" and is
// never itself persisted.
type KeyMeta struct {
	ID      string `json:"KeyId"`
	Created int64  `json:"Created"`
}

// IsLatest reports whether m refers to the latest key for its ID rather
// than a specific, fully-qualified creation timestamp.
func (m KeyMeta) IsLatest() bool {
	return m.Created == 0
}

func (m KeyMeta) String() string {
	return fmt.Sprintf("KeyMeta{id=%s created=%d}", m.ID, m.Created)
}

// EnvelopeKeyRecord is the persisted representation of a system or
// intermediate key. System key records have a nil ParentKeyMeta and an
// EncryptedKey wrapped by the master key; intermediate key records always
// carry a ParentKeyMeta pointing at the system key that wraps them.
type EnvelopeKeyRecord struct {
	ID            string   `json:"-"`
	Created       int64    `json:"Created"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
	EncryptedKey  []byte   `json:"Key"`
	Revoked       *bool    `json:"Revoked,omitempty"`
}

// IsRevoked returns the Revoked flag collapsed to bool: a missing value is
// read as false, per spec §3.
func (e *EnvelopeKeyRecord) IsRevoked() bool {
	return e != nil && e.Revoked != nil && *e.Revoked
}

// DataRowRecord is the per-payload envelope persisted by callers alongside
// their ciphertext. It binds the encrypted data row key, the intermediate
// key meta that wraps it, and the encrypted payload together.
type DataRowRecord struct {
	Key  *EnvelopeKeyRecord
	Data []byte
}

// Encryption is the contract the engine fulfills for a Session.
type Encryption interface {
	EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error)
	DecryptDataRowRecord(ctx context.Context, drr DataRowRecord) ([]byte, error)
	Close() error
}

// KeyManagementService wraps and unwraps system keys using a master key
// held externally (e.g. a cloud KMS). Implementations are external
// collaborators; only this narrow interface is consumed by the core.
type KeyManagementService interface {
	EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error)
	DecryptKey(ctx context.Context, encryptedKeyBytes []byte, created int64, revoked bool) (*CryptoKey, error)
}

// RegionSuffixed is an optional capability a Metastore may implement to
// advertise a region suffix to append to partition identifiers, enabling
// safe writes against multi-region (e.g. DynamoDB global table) backends.
type RegionSuffixed interface {
	RegionSuffix() string
}

// Metastore persists and retrieves EnvelopeKeyRecords keyed by (id, created).
type Metastore interface {
	// Load retrieves the record for the exact (id, created) pair, or nil if absent.
	Load(ctx context.Context, id string, created int64) (*EnvelopeKeyRecord, error)
	// LoadLatest retrieves the highest-Created record for id, or nil if absent.
	LoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error)
	// Store inserts record if no row exists yet for (id, created). It returns
	// true if the row was inserted, false on a genuine duplicate-key
	// conflict. Any other failure (connectivity, etc.) MUST be returned as
	// a non-nil error rather than collapsed into a false return, so callers
	// can retry a create exactly once on true conflicts (spec §9 Open
	// Question).
	Store(ctx context.Context, id string, created int64, record *EnvelopeKeyRecord) (bool, error)
}

// AEAD is the symmetric primitive consumed by the engine. Key generation,
// key wrapping, and envelope payload encryption are all routed through it so
// a caller can swap ciphers without touching the engine.
type AEAD interface {
	GenerateKey(created int64) (*CryptoKey, error)
	EncryptKey(ctx context.Context, innerKey, wrappingKey *CryptoKey) ([]byte, error)
	DecryptKey(ctx context.Context, ciphertext []byte, created int64, wrappingKey *CryptoKey, revoked bool) (*CryptoKey, error)
	EnvelopeEncrypt(ctx context.Context, payload []byte, wrappingKey *CryptoKey) (cipherText, encryptedKey []byte, err error)
	EnvelopeDecrypt(ctx context.Context, payloadCipherText, encryptedKey []byte, created int64, wrappingKey *CryptoKey) ([]byte, error)
}

// Loader retrieves a DataRowRecord from a caller-supplied persistence store.
type Loader interface {
	Load(ctx context.Context, key interface{}) (*DataRowRecord, error)
}

// Storer persists a DataRowRecord into a caller-supplied persistence store
// and returns an opaque key for later retrieval.
type Storer interface {
	Store(ctx context.Context, drr DataRowRecord) (interface{}, error)
}
