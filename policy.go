package envelope

import "time"

// Default values for CryptoPolicy fields left unset by the caller.
const (
	DefaultExpireAfter                = time.Hour * 24 * 90 // 90 days
	DefaultRevokeCheckInterval        = time.Minute * 60
	DefaultCreateDatePrecision        = time.Minute
	DefaultKeyCacheMaxSize            = 1000
	DefaultKeyCacheEvictionPolicy     = "lru"
	DefaultSessionCacheMaxSize        = 1000
	DefaultSessionCacheDuration       = time.Hour * 2
	DefaultSessionCacheEngine         = "default"
	DefaultSessionCacheEvictionPolicy = "slru"
)

// KeyRotationStrategy controls how an expired system or intermediate key is
// replaced.
type KeyRotationStrategy string

const (
	// InlineRotation creates and persists the replacement key synchronously,
	// as part of the call that discovered the expired key. This is the
	// historical behavior: the caller absorbs the extra KMS/metastore
	// round trip on whichever request happens to find the stale key.
	InlineRotation KeyRotationStrategy = "inline"
	// QueuedRotation returns the expired key immediately (so the caller's
	// request isn't delayed) and submits the rotation to a background
	// worker. Callers that want to know when a key they used was stale can
	// observe it via NotifyExpiredSystemKeyOnRead/NotifyExpiredIntermediateKeyOnRead.
	QueuedRotation KeyRotationStrategy = "queued"
)

// CryptoPolicy configures key lifetime, caching, and rotation behavior.
type CryptoPolicy struct {
	// ExpireKeyAfter is how long a key remains valid after its creation
	// time (regularly scheduled rotation).
	ExpireKeyAfter time.Duration
	// RevokeCheckInterval controls how often a cached key is re-checked
	// against the metastore for out-of-band revocation.
	RevokeCheckInterval time.Duration
	// CreateDatePrecision truncates a new key's creation timestamp, so
	// concurrent callers racing to create the same key are more likely to
	// converge on one creation time (and thus one metastore row).
	CreateDatePrecision time.Duration

	// KeyRotationStrategy controls how an expired key is replaced. The
	// default, InlineRotation, matches historical behavior.
	KeyRotationStrategy KeyRotationStrategy

	// NotifyExpiredSystemKeyOnRead, if set, is invoked whenever a read
	// encounters an expired system key, before a replacement is created.
	// Intended for metrics/alerting; it runs synchronously and must not
	// block.
	NotifyExpiredSystemKeyOnRead func(meta KeyMeta)
	// NotifyExpiredIntermediateKeyOnRead is the intermediate-key analog of
	// NotifyExpiredSystemKeyOnRead.
	NotifyExpiredIntermediateKeyOnRead func(meta KeyMeta)

	// CacheSystemKeys determines whether system keys are cached.
	CacheSystemKeys bool
	// SystemKeyCacheMaxSize bounds the system key cache. Ignored when
	// SystemKeyCacheEvictionPolicy is "simple".
	SystemKeyCacheMaxSize int
	// SystemKeyCacheEvictionPolicy selects the eviction policy for the
	// system key cache: "simple" (unbounded map, no eviction), "lru",
	// "lfu", "slru", or "tinylfu". Default is "lru".
	SystemKeyCacheEvictionPolicy string

	// CacheIntermediateKeys determines whether intermediate keys are
	// cached.
	CacheIntermediateKeys bool
	// IntermediateKeyCacheMaxSize bounds the intermediate key cache.
	// Ignored when IntermediateKeyCacheEvictionPolicy is "simple".
	IntermediateKeyCacheMaxSize int
	// IntermediateKeyCacheEvictionPolicy is the IntermediateKey analog of
	// SystemKeyCacheEvictionPolicy.
	IntermediateKeyCacheEvictionPolicy string
	// SharedIntermediateKeyCache, if true, uses a single intermediate key
	// cache across every session obtained from a factory rather than one
	// per session. Ignored if CacheIntermediateKeys is false.
	SharedIntermediateKeyCache bool

	// CacheSessions determines whether Sessions themselves (not just their
	// keys) are cached and shared across callers requesting the same
	// partition ID.
	CacheSessions bool
	// SessionCacheMaxSize bounds the session cache.
	SessionCacheMaxSize int
	// SessionCacheDuration expires a cached session after this long
	// without being accessed.
	SessionCacheDuration time.Duration
	// SessionCacheEvictionPolicy is the underlying cache engine: "default"
	// (goburrow/cache-backed LRU with access-time expiry) or "ristretto".
	SessionCacheEvictionPolicy string
}

// PolicyOption configures a CryptoPolicy.
type PolicyOption func(*CryptoPolicy)

// WithRevokeCheckInterval sets how often a cached key is checked for
// out-of-band revocation.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.RevokeCheckInterval = d }
}

// WithExpireAfterDuration sets how long a key remains valid after creation.
func WithExpireAfterDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.ExpireKeyAfter = d }
}

// WithNoCache disables caching of both system and intermediate keys.
func WithNoCache() PolicyOption {
	return func(p *CryptoPolicy) {
		p.CacheSystemKeys = false
		p.CacheIntermediateKeys = false
	}
}

// WithSharedIntermediateKeyCache enables a single intermediate key cache of
// the given capacity, shared across every session from the same factory.
func WithSharedIntermediateKeyCache(capacity int) PolicyOption {
	return func(p *CryptoPolicy) {
		p.SharedIntermediateKeyCache = true
		p.IntermediateKeyCacheMaxSize = capacity
	}
}

// WithSessionCache enables session caching.
func WithSessionCache() PolicyOption {
	return func(p *CryptoPolicy) { p.CacheSessions = true }
}

// WithSessionCacheMaxSize sets the session cache capacity.
func WithSessionCacheMaxSize(size int) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheMaxSize = size }
}

// WithSessionCacheDuration sets how long an idle session stays cached.
func WithSessionCacheDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheDuration = d }
}

// WithQueuedKeyRotation switches key rotation to QueuedRotation: expired
// keys are returned as-is and replaced on a background worker instead of
// inline with the caller's request.
func WithQueuedKeyRotation() PolicyOption {
	return func(p *CryptoPolicy) { p.KeyRotationStrategy = QueuedRotation }
}

// WithNotifyExpiredSystemKeyOnRead installs a callback invoked whenever a
// read encounters an expired system key.
func WithNotifyExpiredSystemKeyOnRead(fn func(meta KeyMeta)) PolicyOption {
	return func(p *CryptoPolicy) { p.NotifyExpiredSystemKeyOnRead = fn }
}

// WithNotifyExpiredIntermediateKeyOnRead installs a callback invoked
// whenever a read encounters an expired intermediate key.
func WithNotifyExpiredIntermediateKeyOnRead(fn func(meta KeyMeta)) PolicyOption {
	return func(p *CryptoPolicy) { p.NotifyExpiredIntermediateKeyOnRead = fn }
}

// NewCryptoPolicy returns a CryptoPolicy with sane defaults, as modified by
// opts.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	policy := &CryptoPolicy{
		ExpireKeyAfter:      DefaultExpireAfter,
		RevokeCheckInterval: DefaultRevokeCheckInterval,
		CreateDatePrecision: DefaultCreateDatePrecision,
		KeyRotationStrategy: InlineRotation,

		CacheSystemKeys:                    true,
		SystemKeyCacheMaxSize:              DefaultKeyCacheMaxSize,
		SystemKeyCacheEvictionPolicy:       DefaultKeyCacheEvictionPolicy,
		CacheIntermediateKeys:              true,
		IntermediateKeyCacheMaxSize:        DefaultKeyCacheMaxSize,
		IntermediateKeyCacheEvictionPolicy: DefaultKeyCacheEvictionPolicy,
		SharedIntermediateKeyCache:         false,

		CacheSessions:              false,
		SessionCacheMaxSize:        DefaultSessionCacheMaxSize,
		SessionCacheDuration:       DefaultSessionCacheDuration,
		SessionCacheEvictionPolicy: DefaultSessionCacheEngine,
	}

	for _, opt := range opts {
		opt(policy)
	}

	return policy
}

// newKeyTimestamp returns the current unix timestamp, truncated to the
// given precision to reduce racing key creation.
func newKeyTimestamp(truncate time.Duration) int64 {
	if truncate > 0 {
		return time.Now().Truncate(truncate).Unix()
	}

	return time.Now().Unix()
}

// Config holds everything a SessionFactory needs to identify and scope the
// keys it manages.
type Config struct {
	// Service identifies the calling service.
	Service string
	// Product identifies the team or product line that owns Service.
	Product string
	// Policy controls key lifetime, caching, and rotation. A default
	// policy (90-day rotation) is used if nil.
	Policy *CryptoPolicy
}
