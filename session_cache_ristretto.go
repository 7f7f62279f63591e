package envelope

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ristrettoCache is a sessionCache backed by dgraph-io/ristretto, an
// alternative to the default goburrow/cache engine for workloads that
// prefer ristretto's admission-aware eviction.
type ristrettoCache struct {
	inner   *ristretto.Cache
	loader  sessionLoaderFunc
	ttl     time.Duration
	maxSize int64
}

func newRistrettoCache(loader sessionLoaderFunc, policy *CryptoPolicy) *ristrettoCache {
	capacity := int64(DefaultSessionCacheMaxSize)
	if policy.SessionCacheMaxSize > 0 {
		capacity = int64(policy.SessionCacheMaxSize)
	}

	conf := &ristretto.Config{
		NumCounters: 10 * capacity,
		MaxCost:     capacity,
		BufferItems: 64,
		Metrics:     true,
		OnEvict:     ristrettoOnEvict,
	}

	inner, err := ristretto.NewCache(conf)
	if err != nil {
		panic(fmt.Sprintf("envelope: unable to initialize ristretto session cache: %s", err))
	}

	return &ristrettoCache{
		inner:   inner,
		loader:  loader,
		ttl:     policy.SessionCacheDuration,
		maxSize: capacity,
	}
}

func (r *ristrettoCache) Get(id string) (*Session, error) {
	sess, err := r.getOrAdd(id)
	if err != nil {
		return nil, err
	}

	incrementSharedSessionUsage(sess)

	return sess, nil
}

func (r *ristrettoCache) getOrAdd(id string) (*Session, error) {
	if val, found := r.inner.Get(id); found {
		return val.(*Session), nil
	}

	sess, err := r.loader(id)
	if err != nil {
		return nil, err
	}

	r.inner.SetWithTTL(id, sess, 1, r.ttl)

	return sess, nil
}

func (r *ristrettoCache) Count() int {
	return int(r.inner.Metrics.KeysAdded() - r.inner.Metrics.KeysEvicted())
}

// Close inserts a placeholder entry whose cost is the cache's whole
// capacity; making room for it evicts the remaining entries, triggering
// ristrettoOnEvict for each.
func (r *ristrettoCache) Close() {
	r.inner.Set(-1, 0, r.maxSize)
}

func ristrettoOnEvict(_, _ uint64, value interface{}, _ int64) {
	if s, ok := value.(*Session); ok {
		go s.encryption.(*sharedEncryption).remove()
	}
}
