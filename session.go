package strongbox

import (
	"context"
)

// Session encrypts and decrypts payloads for one partition. It is obtained
// from a SessionFactory and must be closed when no longer needed.
type Session struct {
	partitionID string
	engine      Encryption
	release     func()
}

// Encrypt encrypts payload and returns the DataRowRecord callers persist
// alongside their own data.
func (s *Session) Encrypt(ctx context.Context, payload []byte) (*DataRowRecord, error) {
	return s.engine.EncryptPayload(ctx, payload)
}

// Decrypt recovers the plaintext payload from drr.
func (s *Session) Decrypt(ctx context.Context, drr DataRowRecord) ([]byte, error) {
	return s.engine.DecryptDataRowRecord(ctx, drr)
}

// Store encrypts payload and persists the resulting DataRowRecord through
// storer, returning whatever opaque key storer uses to find it again.
func (s *Session) Store(ctx context.Context, payload []byte, storer Storer) (interface{}, error) {
	drr, err := s.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return storer.Store(ctx, *drr)
}

// Load retrieves a DataRowRecord through loader using key and decrypts it.
// It returns (nil, nil) if loader reports no record for key.
func (s *Session) Load(ctx context.Context, key interface{}, loader Loader) ([]byte, error) {
	drr, err := loader.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	if drr == nil {
		return nil, nil
	}

	return s.Decrypt(ctx, *drr)
}

// Close releases this session's hold on its underlying engine. When the
// session is shared (spec §4.4 session cache), this only decrements the
// borrow count; the engine itself is torn down once every borrower and the
// cache have released it.
func (s *Session) Close() error {
	if s.release != nil {
		s.release()
	}

	return nil
}

// SessionFactory creates partition-scoped Sessions sharing a metastore, KMS,
// AEAD, and (depending on CryptoPolicy) key/session caches.
type SessionFactory struct {
	service string
	product string

	metastore Metastore
	kms       KeyManagementService
	aead      AEAD
	policy    *CryptoPolicy

	systemKeys             keyCacher
	sharedIntermediateKeys keyCacher

	sessions *sessionCache
}

// SessionFactoryOption configures a SessionFactory at construction time.
type SessionFactoryOption func(*SessionFactory)

// NewSessionFactory wires a SessionFactory from the given identity,
// collaborators, and config.
func NewSessionFactory(service, product string, metastore Metastore, kms KeyManagementService, aead AEAD, cfg Config, opts ...SessionFactoryOption) *SessionFactory {
	policy := cfg.Policy
	if policy == nil {
		policy = NewCryptoPolicy()
	}

	sf := &SessionFactory{
		service:   service,
		product:   product,
		metastore: metastore,
		kms:       kms,
		aead:      aead,
		policy:    policy,
	}

	for _, opt := range opts {
		opt(sf)
	}

	if policy.CacheSystemKeys {
		sf.systemKeys = newKeyCache(policy.SystemKeyCacheMaxSize, policy.SystemKeyCacheEvictionPolicy, policy)
	} else {
		sf.systemKeys = neverCache{}
	}

	if policy.CacheIntermediateKeys && policy.SharedIntermediateKeyCache {
		sf.sharedIntermediateKeys = newKeyCache(policy.IntermediateKeyCacheMaxSize, policy.IntermediateKeyCacheEvictionPolicy, policy)
	}

	if policy.CacheSessions {
		sf.sessions = newSessionCache(policy.SessionCacheMaxSize, policy.SessionCacheEvictionPolicy, policy.SessionCacheDuration,
			func(id string) (*engine, error) { return sf.newEngine(sf.partitionFor(id)), nil })
	}

	return sf
}

// partitionFor builds the partition naming scheme for id, consulting
// metastore's optional RegionSuffixed capability.
func (sf *SessionFactory) partitionFor(id string) partition {
	if rs, ok := sf.metastore.(RegionSuffixed); ok {
		if suffix := rs.RegionSuffix(); suffix != "" {
			return newSuffixedPartition(id, sf.service, sf.product, suffix)
		}
	}

	return newPartition(id, sf.service, sf.product)
}

// newEngine builds the Encryption engine for p, using the shared
// intermediate-key cache if policy enables one, otherwise a fresh
// per-session cache.
func (sf *SessionFactory) newEngine(p partition) *engine {
	ikCache := sf.sharedIntermediateKeys
	if ikCache == nil {
		if sf.policy.CacheIntermediateKeys {
			ikCache = newKeyCache(sf.policy.IntermediateKeyCacheMaxSize, sf.policy.IntermediateKeyCacheEvictionPolicy, sf.policy)
		} else {
			ikCache = neverCache{}
		}
	}

	return &engine{
		partition:        p,
		metastore:        sf.metastore,
		kms:              sf.kms,
		aead:             sf.aead,
		policy:           sf.policy,
		systemKeys:       sf.systemKeys,
		intermediateKeys: ikCache,
	}
}

// GetSession returns a Session scoped to partitionID. If session caching is
// enabled, an existing entry is reused and its borrow count incremented;
// otherwise a fresh engine is created for this call alone.
func (sf *SessionFactory) GetSession(partitionID string) (*Session, error) {
	if partitionID == "" {
		return nil, ErrAppEncryption("partition id cannot be empty")
	}

	if sf.sessions == nil {
		p := sf.partitionFor(partitionID)
		e := sf.newEngine(p)

		return &Session{partitionID: partitionID, engine: e, release: func() { _ = e.Close() }}, nil
	}

	return sf.sessions.getOrCreate(partitionID)
}

// Close releases every collaborator owned by this factory: the session
// cache (if any), the shared intermediate-key cache (if any), and the
// system-key cache. Sessions already handed out and not yet Closed continue
// to work until their own Close call releases the underlying key caches.
// Every sub-close is attempted regardless of earlier failures; the first
// non-nil error is returned.
func (sf *SessionFactory) Close() error {
	var firstErr error

	if sf.sessions != nil {
		if err := sf.sessions.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if sf.sharedIntermediateKeys != nil {
		if err := sf.sharedIntermediateKeys.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := sf.systemKeys.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
