package strongbox

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusware/strongbox/cache"
	"github.com/nimbusware/strongbox/log"
)

// cachedCryptoKey wraps a CryptoKey with a reference count (spec §3/C5).
// It starts at 1, representing the cache's own reference; every hand-out
// via GetOrLoad/GetOrLoadLatest adds one more. The inner key is closed the
// moment the count reaches zero, and never again after.
type cachedCryptoKey struct {
	*CryptoKey

	refs atomic.Int64
}

func newCachedCryptoKey(k *CryptoKey) *cachedCryptoKey {
	c := &cachedCryptoKey{CryptoKey: k}
	c.refs.Store(1)

	return c
}

// increment adds one reference and returns the receiver, for use at
// hand-out sites.
func (c *cachedCryptoKey) increment() *cachedCryptoKey {
	c.refs.Add(1)
	return c
}

// release drops one reference. It closes the inner CryptoKey exactly once,
// the moment the count transitions to zero, and returns true iff this call
// performed that close. The transition is read directly off the atomic
// subtract; no secondary load occurs (spec §3/C5).
func (c *cachedCryptoKey) release() bool {
	if c.refs.Add(-1) > 0 {
		return false
	}

	c.CryptoKey.Close()

	return true
}

// keyCacheEntry pairs a cached key with the time it was loaded, used to
// determine freshness (spec §4.2).
type keyCacheEntry struct {
	loadedAt time.Time
	key      *cachedCryptoKey
}

func newKeyCacheEntry(k *CryptoKey) keyCacheEntry {
	return keyCacheEntry{loadedAt: time.Now(), key: newCachedCryptoKey(k)}
}

func cacheMapKey(id string, created int64) string {
	return fmt.Sprintf("%s-%d", id, created)
}

// keyLoaderFunc loads a key for the given (possibly ID-only) KeyMeta.
type keyLoaderFunc func(KeyMeta) (*CryptoKey, error)

// keyCacher is the C6 key cache contract consumed by the engine.
type keyCacher interface {
	// GetOrLoad returns a usable, ref-incremented key for meta, loading it
	// via loader on a cache miss or stale hit.
	GetOrLoad(meta KeyMeta, loader keyLoaderFunc) (*cachedCryptoKey, error)
	// GetOrLoadLatest is GetOrLoad for the latest key of id, reloading via
	// loader if the cached/loaded key is expired-or-revoked.
	GetOrLoadLatest(id string, loader keyLoaderFunc) (*cachedCryptoKey, error)
	Close() error
}

// keyCache is the default keyCacher: a reader-writer-locked map of
// keyCacheEntry, backed by a pluggable eviction cache.Interface.
type keyCache struct {
	policy *CryptoPolicy

	rw      sync.RWMutex
	entries cache.Interface[string, keyCacheEntry]
	latest  map[string]KeyMeta

	closeOnce sync.Once
}

// newKeyCache constructs a keyCache using maxSize/evictionPolicy from
// policy, keyed by the role the cache serves (system or intermediate).
func newKeyCache(maxSize int, evictionPolicy string, policy *CryptoPolicy) *keyCache {
	c := &keyCache{policy: policy, latest: make(map[string]KeyMeta)}

	onEvict := func(_ string, e keyCacheEntry) {
		e.key.release()
	}

	b := cache.New[string, keyCacheEntry](maxSize).
		WithPolicy(cache.Policy(evictionPolicy)).
		WithEvictFunc(onEvict)

	// Spec §4.2: caches under 100 entries evict synchronously for
	// deterministic tests.
	if maxSize > 0 && maxSize < 100 {
		b = b.Synchronous()
	}

	c.entries = b.Build()

	return c
}

// isFresh reports whether an entry is still within RevokeCheckInterval of
// its load time. A revoked key is always considered fresh since there is
// nothing further to learn by reloading it.
func (c *keyCache) isFresh(e keyCacheEntry) bool {
	if e.key.Revoked() {
		return true
	}

	return time.Since(e.loadedAt) < c.policy.RevokeCheckInterval
}

// GetOrLoad implements keyCacher.
func (c *keyCache) GetOrLoad(meta KeyMeta, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	c.rw.RLock()
	if e, ok := c.read(meta); ok && c.isFresh(e) {
		k := e.key.increment()
		c.rw.RUnlock()

		return k, nil
	}
	c.rw.RUnlock()

	c.rw.Lock()
	defer c.rw.Unlock()

	// double-check: another goroutine may have loaded it while we waited
	// for the exclusive lock.
	if e, ok := c.read(meta); ok && c.isFresh(e) {
		return e.key.increment(), nil
	}

	e, err := c.load(meta, loader)
	if err != nil {
		return nil, err
	}

	return e.key.increment(), nil
}

// read looks up meta, resolving an ID-only (latest) lookup through the
// latest map first.
func (c *keyCache) read(meta KeyMeta) (keyCacheEntry, bool) {
	key := cacheMapKey(meta.ID, meta.Created)

	if meta.IsLatest() {
		if l, ok := c.latest[meta.ID]; ok {
			key = cacheMapKey(l.ID, l.Created)
		}
	}

	e, ok := c.entries.Get(key)
	if !ok {
		log.Debugf("keyCache miss -- key: %s", key)
	}

	return e, ok
}

// load calls loader and merges or inserts the result into the cache,
// maintaining the latest-map indirection (spec §4.2 step 4-5).
func (c *keyCache) load(meta KeyMeta, loader keyLoaderFunc) (keyCacheEntry, error) {
	k, err := loader(meta)
	if err != nil {
		return keyCacheEntry{}, err
	}

	mapKey := cacheMapKey(meta.ID, k.Created())

	var e keyCacheEntry
	if existing, ok := c.entries.Get(mapKey); ok && existing.key.Created() == k.Created() {
		existing.key.SetRevoked(k.Revoked())
		existing.loadedAt = time.Now()
		e = existing

		// the freshly loaded handle is redundant; we already have one
		// cached for this (id, created).
		k.Close()
	} else {
		e = newKeyCacheEntry(k)
	}

	c.entries.Set(mapKey, e)

	if latest, ok := c.latest[meta.ID]; meta.IsLatest() || !ok || latest.Created < k.Created() {
		c.latest[meta.ID] = KeyMeta{ID: meta.ID, Created: k.Created()}
	}

	return e, nil
}

// GetOrLoadLatest implements keyCacher.
func (c *keyCache) GetOrLoadLatest(id string, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	c.rw.Lock()
	defer c.rw.Unlock()

	meta := KeyMeta{ID: id}

	e, ok := c.read(meta)
	if !ok {
		var err error

		e, err = c.load(meta, loader)
		if err != nil {
			return nil, err
		}
	}

	if c.policy.IsKeyExpiredOrRevoked(e.key.Created(), e.key.Revoked()) {
		e, err := c.load(meta, loader)
		if err != nil {
			return nil, err
		}

		return e.key.increment(), nil
	}

	return e.key.increment(), nil
}

// Close releases the cache's own reference on every entry. Entries still
// held by borrowers are not closed until those borrowers release them
// (spec §4.2's Close semantics).
func (c *keyCache) Close() error {
	c.closeOnce.Do(func() {
		_ = c.entries.Close()
	})

	return nil
}

func (c *keyCache) String() string {
	return fmt.Sprintf("keyCache(%p){size=%d,cap=%d}", c, c.entries.Len(), c.entries.Capacity())
}

// neverCache is the keyCacher used when a policy disables caching for a key
// type entirely: it always loads fresh and never retains a reference.
type neverCache struct{}

func (neverCache) GetOrLoad(meta KeyMeta, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	k, err := loader(meta)
	if err != nil {
		return nil, err
	}

	return newCachedCryptoKey(k), nil
}

func (neverCache) GetOrLoadLatest(id string, loader keyLoaderFunc) (*cachedCryptoKey, error) {
	k, err := loader(KeyMeta{ID: id})
	if err != nil {
		return nil, err
	}

	return newCachedCryptoKey(k), nil
}

func (neverCache) Close() error { return nil }
