package strongbox

import "time"

// Default CryptoPolicy values (spec §4.1).
const (
	DefaultExpireKeyAfter        = 90 * 24 * time.Hour
	DefaultRevokeCheckInterval   = 60 * time.Minute
	DefaultCreateDatePrecision   = time.Minute
	DefaultKeyCacheMaxSize       = 1000
	DefaultKeyCacheEvictionPolicy = "lru"

	DefaultSessionCacheMaxSize        = 1000
	DefaultSessionCacheDuration       = 2 * time.Hour
	DefaultSessionCacheEvictionPolicy = "slru"
)

// CryptoPolicy configures the knobs enumerated in spec §4.1.
type CryptoPolicy struct {
	// ExpireKeyAfter is the age at which a key is considered expired
	// (regular rotation).
	ExpireKeyAfter time.Duration
	// RevokeCheckInterval is the TTL after which a cached entry is no
	// longer considered fresh and must be reloaded.
	RevokeCheckInterval time.Duration
	// CreateDatePrecision is the unit newly created key timestamps are
	// truncated to, coalescing concurrent creates.
	CreateDatePrecision time.Duration

	CacheSystemKeys              bool
	SystemKeyCacheMaxSize        int
	SystemKeyCacheEvictionPolicy string

	CacheIntermediateKeys              bool
	IntermediateKeyCacheMaxSize        int
	IntermediateKeyCacheEvictionPolicy string
	// SharedIntermediateKeyCache selects one IK cache shared by every
	// session from a factory, instead of one per session.
	SharedIntermediateKeyCache bool

	CacheSessions              bool
	SessionCacheMaxSize        int
	SessionCacheDuration       time.Duration
	SessionCacheEvictionPolicy string

	// NotifyExpiredSystemKeyOnRead and NotifyExpiredIntermediateKeyOnRead
	// enable the (hook-only) hot-path notification when a read uses a
	// cached key found to be expired-or-revoked. No behavior beyond
	// invoking the hook is defined (spec §9 Open Question).
	NotifyExpiredSystemKeyOnRead       bool
	NotifyExpiredIntermediateKeyOnRead bool

	// IsQueuedKeyRotation enables the (hook-only) rotation-queueing path
	// taken when the latest key for a partition is expired-or-revoked.
	IsQueuedKeyRotation bool

	// OnExpiredSystemKeyRead and OnExpiredIntermediateKeyRead are invoked
	// (if non-nil and the matching Notify flag is set) whenever a read
	// serves an expired-or-revoked cached key. meta identifies the key.
	OnExpiredSystemKeyRead       func(meta KeyMeta)
	OnExpiredIntermediateKeyRead func(meta KeyMeta)

	// OnQueuedKeyRotation is invoked (if non-nil and IsQueuedKeyRotation is
	// set) when rotation of an expired-or-revoked latest key is queued
	// rather than performed inline.
	OnQueuedKeyRotation func(meta KeyMeta)
}

// IsKeyExpiredOrRevoked reports whether a key created at created, with the
// given revoked flag, is expired-or-revoked under this policy (spec §4.1).
func (p *CryptoPolicy) IsKeyExpiredOrRevoked(created int64, revoked bool) bool {
	return revoked || isKeyExpired(created, p.ExpireKeyAfter)
}

// TruncateCreateDate truncates t to CreateDatePrecision and returns Unix
// seconds, or t's own seconds if precision is non-positive.
func (p *CryptoPolicy) TruncateCreateDate(t time.Time) int64 {
	if p.CreateDatePrecision > 0 {
		return t.Truncate(p.CreateDatePrecision).Unix()
	}

	return t.Unix()
}

// PolicyOption configures a CryptoPolicy via NewCryptoPolicy.
type PolicyOption func(*CryptoPolicy)

// WithExpireAfterDuration sets how long a key remains valid after creation.
func WithExpireAfterDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.ExpireKeyAfter = d }
}

// WithRevokeCheckInterval sets the cache freshness TTL.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.RevokeCheckInterval = d }
}

// WithCreateDatePrecision sets the truncation unit for new key timestamps.
func WithCreateDatePrecision(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.CreateDatePrecision = d }
}

// WithNoCache disables both system and intermediate key caching.
func WithNoCache() PolicyOption {
	return func(p *CryptoPolicy) {
		p.CacheSystemKeys = false
		p.CacheIntermediateKeys = false
	}
}

// WithSharedIntermediateKeyCache enables a single IK cache shared across all
// sessions from a factory, with the given capacity.
func WithSharedIntermediateKeyCache(capacity int) PolicyOption {
	return func(p *CryptoPolicy) {
		p.SharedIntermediateKeyCache = true
		p.IntermediateKeyCacheMaxSize = capacity
	}
}

// WithSystemKeyCacheEvictionPolicy sets the eviction policy name used for
// the system key cache: "simple", "lru", "lfu", "slru", or "tinylfu".
func WithSystemKeyCacheEvictionPolicy(policy string) PolicyOption {
	return func(p *CryptoPolicy) { p.SystemKeyCacheEvictionPolicy = policy }
}

// WithIntermediateKeyCacheEvictionPolicy sets the eviction policy name used
// for the intermediate key cache.
func WithIntermediateKeyCacheEvictionPolicy(policy string) PolicyOption {
	return func(p *CryptoPolicy) { p.IntermediateKeyCacheEvictionPolicy = policy }
}

// WithSessionCache enables session caching.
func WithSessionCache() PolicyOption {
	return func(p *CryptoPolicy) { p.CacheSessions = true }
}

// WithSessionCacheMaxSize sets the session cache's max size.
func WithSessionCacheMaxSize(size int) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheMaxSize = size }
}

// WithSessionCacheDuration sets the session cache's idle TTL.
func WithSessionCacheDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheDuration = d }
}

// WithExpiredKeyReadNotifications enables the hook-only expired-key-on-read
// notifications for system and/or intermediate keys.
func WithExpiredKeyReadNotifications(system, intermediate bool) PolicyOption {
	return func(p *CryptoPolicy) {
		p.NotifyExpiredSystemKeyOnRead = system
		p.NotifyExpiredIntermediateKeyOnRead = intermediate
	}
}

// WithQueuedKeyRotation enables the hook-only queued-rotation path.
func WithQueuedKeyRotation(enabled bool) PolicyOption {
	return func(p *CryptoPolicy) { p.IsQueuedKeyRotation = enabled }
}

// NewCryptoPolicy returns a CryptoPolicy with spec-mandated defaults, then
// applies opts in order.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	p := &CryptoPolicy{
		ExpireKeyAfter:                     DefaultExpireKeyAfter,
		RevokeCheckInterval:                DefaultRevokeCheckInterval,
		CreateDatePrecision:                DefaultCreateDatePrecision,
		CacheSystemKeys:                    true,
		SystemKeyCacheMaxSize:              DefaultKeyCacheMaxSize,
		SystemKeyCacheEvictionPolicy:       DefaultKeyCacheEvictionPolicy,
		CacheIntermediateKeys:              true,
		IntermediateKeyCacheMaxSize:        DefaultKeyCacheMaxSize,
		IntermediateKeyCacheEvictionPolicy: DefaultKeyCacheEvictionPolicy,
		CacheSessions:                      false,
		SessionCacheMaxSize:                DefaultSessionCacheMaxSize,
		SessionCacheDuration:               DefaultSessionCacheDuration,
		SessionCacheEvictionPolicy:         DefaultSessionCacheEvictionPolicy,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Config bundles the service/product identity and policy required to create
// a SessionFactory.
type Config struct {
	// Service identifies the calling service.
	Service string
	// Product identifies the team or group that owns the calling service.
	Product string
	// Policy controls key lifetime, caching, and related behavior. A
	// default policy is used if nil.
	Policy *CryptoPolicy
}
