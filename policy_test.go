package strongbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewCryptoPolicyDefaults(t *testing.T) {
	p := NewCryptoPolicy()

	assert.Equal(t, DefaultExpireKeyAfter, p.ExpireKeyAfter)
	assert.Equal(t, DefaultRevokeCheckInterval, p.RevokeCheckInterval)
	assert.True(t, p.CacheSystemKeys)
	assert.True(t, p.CacheIntermediateKeys)
	assert.False(t, p.CacheSessions)
	assert.False(t, p.SharedIntermediateKeyCache)
}

func TestPolicyOptionsApplyInOrder(t *testing.T) {
	p := NewCryptoPolicy(
		WithExpireAfterDuration(time.Hour),
		WithRevokeCheckInterval(5*time.Minute),
		WithNoCache(),
		WithSessionCache(),
		WithSessionCacheMaxSize(10),
		WithSessionCacheDuration(time.Minute),
	)

	assert.Equal(t, time.Hour, p.ExpireKeyAfter)
	assert.Equal(t, 5*time.Minute, p.RevokeCheckInterval)
	assert.False(t, p.CacheSystemKeys)
	assert.False(t, p.CacheIntermediateKeys)
	assert.True(t, p.CacheSessions)
	assert.Equal(t, 10, p.SessionCacheMaxSize)
	assert.Equal(t, time.Minute, p.SessionCacheDuration)
}

func TestWithSharedIntermediateKeyCache(t *testing.T) {
	p := NewCryptoPolicy(WithSharedIntermediateKeyCache(500))

	assert.True(t, p.SharedIntermediateKeyCache)
	assert.Equal(t, 500, p.IntermediateKeyCacheMaxSize)
}

func TestIsKeyExpiredOrRevokedPolicy(t *testing.T) {
	p := NewCryptoPolicy(WithExpireAfterDuration(time.Hour))

	assert.False(t, p.IsKeyExpiredOrRevoked(time.Now().Unix(), false))
	assert.True(t, p.IsKeyExpiredOrRevoked(time.Now().Unix(), true))
	assert.True(t, p.IsKeyExpiredOrRevoked(time.Now().Add(-2*time.Hour).Unix(), false))
}

func TestTruncateCreateDate(t *testing.T) {
	p := NewCryptoPolicy(WithCreateDatePrecision(time.Minute))

	now := time.Now()
	truncated := p.TruncateCreateDate(now)

	assert.Equal(t, now.Truncate(time.Minute).Unix(), truncated)
}

func TestTruncateCreateDateZeroPrecision(t *testing.T) {
	p := NewCryptoPolicy(WithCreateDatePrecision(0))

	now := time.Now()
	assert.Equal(t, now.Unix(), p.TruncateCreateDate(now))
}

func TestExpiredKeyReadNotificationHooks(t *testing.T) {
	p := NewCryptoPolicy(WithExpiredKeyReadNotifications(true, false))

	assert.True(t, p.NotifyExpiredSystemKeyOnRead)
	assert.False(t, p.NotifyExpiredIntermediateKeyOnRead)

	var called KeyMeta
	p.OnExpiredSystemKeyRead = func(m KeyMeta) { called = m }

	meta := KeyMeta{ID: "ik", Created: 1}
	p.OnExpiredSystemKeyRead(meta)

	assert.Equal(t, meta, called)
}

func TestQueuedKeyRotationHook(t *testing.T) {
	p := NewCryptoPolicy(WithQueuedKeyRotation(true))

	assert.True(t, p.IsQueuedKeyRotation)
}
