package strongbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
)

// MetricsPrefix namespaces every metric this package registers.
const MetricsPrefix = "strongbox"

var (
	encryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.encrypt", MetricsPrefix), nil)
	decryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.decrypt", MetricsPrefix), nil)
)

// engine is the C7 envelope-encryption engine: it resolves, creates,
// rotates, and uses SKs and IKs to encrypt/decrypt payloads for one
// partition.
type engine struct {
	partition partition
	metastore Metastore
	kms       KeyManagementService
	aead      AEAD
	policy    *CryptoPolicy

	systemKeys       keyCacher
	intermediateKeys keyCacher
}

var _ Encryption = (*engine)(nil)

// EncryptPayload implements spec §4.3.1.
func (e *engine) EncryptPayload(ctx context.Context, payload []byte) (*DataRowRecord, error) {
	defer encryptTimer.UpdateSince(time.Now())

	var drr *DataRowRecord

	err := e.withIKForWrite(ctx, func(ik *CryptoKey) error {
		cipherText, encryptedDRK, err := e.aead.EnvelopeEncrypt(ctx, payload, ik)
		if err != nil {
			return ErrCrypto("envelope encrypt failed", err)
		}

		drr = &DataRowRecord{
			Key: &EnvelopeKeyRecord{
				Created:      time.Now().Unix(),
				EncryptedKey: encryptedDRK,
				ParentKeyMeta: &KeyMeta{
					ID:      e.partition.IntermediateKeyID(),
					Created: ik.Created(),
				},
			},
			Data: cipherText,
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return drr, nil
}

// DecryptDataRowRecord implements spec §4.3.2.
func (e *engine) DecryptDataRowRecord(ctx context.Context, drr DataRowRecord) ([]byte, error) {
	defer decryptTimer.UpdateSince(time.Now())

	if drr.Key == nil || drr.Key.ParentKeyMeta == nil {
		return nil, ErrMetadataMissing("data row record is missing its parent key meta")
	}

	if !e.partition.IsValidIntermediateKeyID(drr.Key.ParentKeyMeta.ID) {
		return nil, ErrMetadataMissing("data row record references an intermediate key outside this partition")
	}

	ikMeta := *drr.Key.ParentKeyMeta

	var plainText []byte

	err := e.withIKForRead(ctx, ikMeta, func(ik *CryptoKey) error {
		pt, err := e.aead.EnvelopeDecrypt(ctx, drr.Data, drr.Key.EncryptedKey, drr.Key.Created, ik)
		if err != nil {
			return ErrCrypto("envelope decrypt failed", err)
		}

		plainText = pt

		return nil
	})
	if err != nil {
		return nil, err
	}

	return plainText, nil
}

// withIKForWrite implements spec §4.3.3.
func (e *engine) withIKForWrite(ctx context.Context, fn func(*CryptoKey) error) error {
	ck, err := e.intermediateKeys.GetOrLoadLatest(e.partition.IntermediateKeyID(), func(meta KeyMeta) (*CryptoKey, error) {
		return e.getLatestOrCreateIntermediateKey(ctx)
	})
	if err != nil {
		return err
	}

	defer ck.release()

	return fn(ck.CryptoKey)
}

// withIKForRead implements spec §4.3.4.
func (e *engine) withIKForRead(ctx context.Context, meta KeyMeta, fn func(*CryptoKey) error) error {
	ck, err := e.intermediateKeys.GetOrLoad(meta, func(meta KeyMeta) (*CryptoKey, error) {
		return e.getIntermediateKey(ctx, meta)
	})
	if err != nil {
		return err
	}

	defer ck.release()

	if e.policy.NotifyExpiredIntermediateKeyOnRead && isKeyExpiredOrRevoked(ck.CryptoKey, e.policy.ExpireKeyAfter) {
		if e.policy.OnExpiredIntermediateKeyRead != nil {
			e.policy.OnExpiredIntermediateKeyRead(meta)
		}
	}

	return fn(ck.CryptoKey)
}

// withSystemKeyForWrite implements spec §4.3.6.
func (e *engine) withSystemKeyForWrite(ctx context.Context, fn func(*CryptoKey) (KeyMeta, error)) (KeyMeta, error) {
	ck, err := e.systemKeys.GetOrLoadLatest(e.partition.SystemKeyID(), func(meta KeyMeta) (*CryptoKey, error) {
		return e.getLatestOrCreateSystemKey(ctx)
	})
	if err != nil {
		return KeyMeta{}, err
	}

	defer ck.release()

	return fn(ck.CryptoKey)
}

// withExistingSystemKey implements spec §4.3.5.
func (e *engine) withExistingSystemKey(ctx context.Context, meta KeyMeta, treatExpiredAsMissing bool, fn func(*CryptoKey) error) error {
	ck, err := e.systemKeys.GetOrLoad(meta, func(meta KeyMeta) (*CryptoKey, error) {
		return e.getSystemKey(ctx, meta)
	})
	if err != nil {
		return err
	}

	defer ck.release()

	if treatExpiredAsMissing && isKeyExpiredOrRevoked(ck.CryptoKey, e.policy.ExpireKeyAfter) {
		return ErrMetadataMissing("system key is expired or revoked")
	}

	if e.policy.NotifyExpiredSystemKeyOnRead && isKeyExpiredOrRevoked(ck.CryptoKey, e.policy.ExpireKeyAfter) {
		if e.policy.OnExpiredSystemKeyRead != nil {
			e.policy.OnExpiredSystemKeyRead(meta)
		}
	}

	return fn(ck.CryptoKey)
}

// getLatestOrCreateIntermediateKey implements spec §4.3.7 for IKs.
func (e *engine) getLatestOrCreateIntermediateKey(ctx context.Context) (*CryptoKey, error) {
	latest, err := e.metastore.LoadLatest(ctx, e.partition.IntermediateKeyID())
	if err != nil {
		return nil, ErrMetastore("failed to load latest intermediate key", err)
	}

	if ik, ok, err := e.tryReuseLatestIK(ctx, latest); ok {
		return ik, err
	}

	return e.createIntermediateKey(ctx)
}

// tryReuseLatestIK attempts to decrypt and reuse an existing latest IK
// record, per spec §4.3.7 steps 2-3. ok is false when the caller should
// fall through to key creation.
func (e *engine) tryReuseLatestIK(ctx context.Context, latest *EnvelopeKeyRecord) (ik *CryptoKey, ok bool, err error) {
	if latest == nil || latest.ParentKeyMeta == nil {
		return nil, false, nil
	}

	usable := !isEnvelopeExpiredOrRevoked(latest, e.policy.ExpireKeyAfter)

	if !usable && e.policy.IsQueuedKeyRotation {
		if e.policy.OnQueuedKeyRotation != nil {
			e.policy.OnQueuedKeyRotation(KeyMeta{ID: e.partition.IntermediateKeyID(), Created: latest.Created})
		}
		// queue rotation for later; attempt to reuse the current latest in
		// the meantime, exactly as the non-queued path would.
		usable = true
	}

	if !usable {
		return nil, false, nil
	}

	var decrypted *CryptoKey

	reuseErr := e.withExistingSystemKey(ctx, *latest.ParentKeyMeta, true, func(sk *CryptoKey) error {
		d, err := e.decryptKey(ctx, latest, sk)
		if err != nil {
			return err
		}

		decrypted = d

		return nil
	})

	if reuseErr != nil {
		if IsKind(reuseErr, KindMetadataMissing) {
			return nil, false, nil
		}

		return nil, true, reuseErr
	}

	return decrypted, true, nil
}

// createIntermediateKey implements spec §4.3.7 step 4.
func (e *engine) createIntermediateKey(ctx context.Context) (*CryptoKey, error) {
	ts := e.policy.TruncateCreateDate(time.Now())

	ik, err := e.aead.GenerateKey(ts)
	if err != nil {
		return nil, ErrCrypto("failed to generate intermediate key", err)
	}

	var skMeta KeyMeta

	encIK, err := e.withSystemKeyForWriteEncrypt(ctx, ik, &skMeta)
	if err != nil {
		ik.Close()
		return nil, err
	}

	revoked := false
	record := &EnvelopeKeyRecord{
		ID:            e.partition.IntermediateKeyID(),
		Created:       ts,
		ParentKeyMeta: &skMeta,
		EncryptedKey:  encIK,
		Revoked:       &revoked,
	}

	stored, err := e.metastore.Store(ctx, record.ID, record.Created, record)
	if err != nil {
		ik.Close()
		return nil, ErrMetastore("failed to store intermediate key", err)
	}

	if stored {
		return ik, nil
	}

	// conflict: someone else created the same (id, truncated-ts) key first.
	ik.Close()

	return e.reloadIntermediateKeyAfterConflict(ctx)
}

// withSystemKeyForWriteEncrypt wraps an SK borrow to encrypt ik, recording
// the SK's meta into skMeta.
func (e *engine) withSystemKeyForWriteEncrypt(ctx context.Context, ik *CryptoKey, skMeta *KeyMeta) ([]byte, error) {
	var encIK []byte

	_, err := e.withSystemKeyForWrite(ctx, func(sk *CryptoKey) (KeyMeta, error) {
		bytes, err := e.aead.EncryptKey(ctx, ik, sk)
		if err != nil {
			return KeyMeta{}, ErrCrypto("failed to encrypt intermediate key", err)
		}

		encIK = bytes
		*skMeta = KeyMeta{ID: e.partition.SystemKeyID(), Created: sk.Created()}

		return *skMeta, nil
	})

	return encIK, err
}

// reloadIntermediateKeyAfterConflict implements the single retry allowed by
// spec §4.3.11 after a create-time store conflict.
func (e *engine) reloadIntermediateKeyAfterConflict(ctx context.Context) (*CryptoKey, error) {
	latest, err := e.metastore.LoadLatest(ctx, e.partition.IntermediateKeyID())
	if err != nil {
		return nil, ErrMetastore("failed to reload intermediate key after conflict", err)
	}

	if latest == nil {
		return nil, ErrAppEncryption("intermediate key store conflict but no record found on reload")
	}

	if latest.ParentKeyMeta == nil {
		return nil, ErrMetadataMissing("intermediate key record is missing its parent key meta")
	}

	var decrypted *CryptoKey

	err = e.withExistingSystemKey(ctx, *latest.ParentKeyMeta, false, func(sk *CryptoKey) error {
		d, err := e.decryptKey(ctx, latest, sk)
		if err != nil {
			return err
		}

		decrypted = d

		return nil
	})
	if err != nil {
		return nil, err
	}

	return decrypted, nil
}

// getIntermediateKey implements spec §4.3.8.
func (e *engine) getIntermediateKey(ctx context.Context, meta KeyMeta) (*CryptoKey, error) {
	record, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, ErrMetastore("failed to load intermediate key", err)
	}

	if record == nil {
		return nil, ErrMetadataMissing("intermediate key record not found")
	}

	if record.ParentKeyMeta == nil {
		return nil, ErrMetadataMissing("intermediate key record is missing its parent key meta")
	}

	var decrypted *CryptoKey

	err = e.withExistingSystemKey(ctx, *record.ParentKeyMeta, false, func(sk *CryptoKey) error {
		d, err := e.decryptKey(ctx, record, sk)
		if err != nil {
			return err
		}

		decrypted = d

		return nil
	})
	if err != nil {
		return nil, err
	}

	return decrypted, nil
}

// getLatestOrCreateSystemKey implements spec §4.3.7 for SKs.
func (e *engine) getLatestOrCreateSystemKey(ctx context.Context) (*CryptoKey, error) {
	latest, err := e.metastore.LoadLatest(ctx, e.partition.SystemKeyID())
	if err != nil {
		return nil, ErrMetastore("failed to load latest system key", err)
	}

	if latest != nil {
		usable := !isKeyExpired(latest.Created, e.policy.ExpireKeyAfter)

		if !usable && e.policy.IsQueuedKeyRotation {
			// revocation of an unexpired SK triggers inline re-use; only a
			// genuinely expired SK is a candidate for queued rotation, and
			// even then we reuse it inline below per spec §4.3.7.
			if e.policy.OnQueuedKeyRotation != nil {
				e.policy.OnQueuedKeyRotation(KeyMeta{ID: e.partition.SystemKeyID(), Created: latest.Created})
			}

			usable = true
		}

		if usable {
			return e.systemKeyFromRecord(ctx, latest)
		}
	}

	return e.createSystemKey(ctx)
}

func (e *engine) systemKeyFromRecord(ctx context.Context, record *EnvelopeKeyRecord) (*CryptoKey, error) {
	return e.kms.DecryptKey(ctx, record.EncryptedKey, record.Created, record.IsRevoked())
}

func (e *engine) createSystemKey(ctx context.Context) (*CryptoKey, error) {
	ts := e.policy.TruncateCreateDate(time.Now())

	sk, err := e.aead.GenerateKey(ts)
	if err != nil {
		return nil, ErrCrypto("failed to generate system key", err)
	}

	encSK, err := e.kms.EncryptKey(ctx, mustWithKeyFunc(sk))
	if err != nil {
		sk.Close()
		return nil, wrapError(KindKMS, "failed to encrypt system key with master key", err)
	}

	revoked := false
	record := &EnvelopeKeyRecord{
		ID:           e.partition.SystemKeyID(),
		Created:      ts,
		EncryptedKey: encSK,
		Revoked:      &revoked,
	}

	stored, err := e.metastore.Store(ctx, record.ID, record.Created, record)
	if err != nil {
		sk.Close()
		return nil, ErrMetastore("failed to store system key", err)
	}

	if stored {
		return sk, nil
	}

	sk.Close()

	latest, err := e.metastore.LoadLatest(ctx, e.partition.SystemKeyID())
	if err != nil {
		return nil, ErrMetastore("failed to reload system key after conflict", err)
	}

	if latest == nil {
		return nil, ErrAppEncryption("system key store conflict but no record found on reload")
	}

	return e.systemKeyFromRecord(ctx, latest)
}

// getSystemKey implements spec §4.3.9.
func (e *engine) getSystemKey(ctx context.Context, meta KeyMeta) (*CryptoKey, error) {
	record, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, ErrMetastore("failed to load system key", err)
	}

	if record == nil {
		return nil, ErrMetadataMissing("system key record not found")
	}

	return e.systemKeyFromRecord(ctx, record)
}

// decryptKey implements spec §4.3.10.
func (e *engine) decryptKey(ctx context.Context, record *EnvelopeKeyRecord, parent *CryptoKey) (*CryptoKey, error) {
	k, err := e.aead.DecryptKey(ctx, record.EncryptedKey, record.Created, parent, record.IsRevoked())
	if err != nil {
		return nil, ErrCrypto("failed to decrypt key", err)
	}

	return k, nil
}

// Close implements spec §4.3.12: closes the IK cache only. The SK cache is
// owned by the SessionFactory and closed there.
func (e *engine) Close() error {
	return e.intermediateKeys.Close()
}

// mustWithKeyFunc extracts sk's raw bytes for a single KMS call. The bytes
// are a copy taken under the secret's protection and the original remains
// wiped on release; callers must not retain the returned slice beyond the
// immediate KMS call.
func mustWithKeyFunc(sk *CryptoKey) []byte {
	var out []byte

	_ = sk.WithBytes(func(b []byte) error {
		out = append(out, b...)
		return nil
	})

	return out
}
