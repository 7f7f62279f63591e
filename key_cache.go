package envelope

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shieldcrypt/envelope/cache"
	"github.com/shieldcrypt/envelope/internal"
	"github.com/shieldcrypt/envelope/log"
)

// cachedCryptoKey wraps a CryptoKey with a reference count so the cache can
// safely evict a key that's still being used by an in-flight request: the
// cache's own reference (held from insertion) is counted alongside every
// caller's reference, and the underlying key is only closed once the count
// reaches zero.
type cachedCryptoKey struct {
	*internal.CryptoKey

	refs *atomic.Int64
}

// newCachedCryptoKey wraps k with an initial reference count of 1,
// representing the reference held by the cache itself.
func newCachedCryptoKey(k *internal.CryptoKey) *cachedCryptoKey {
	refs := &atomic.Int64{}
	refs.Add(1)

	return &cachedCryptoKey{CryptoKey: k, refs: refs}
}

// Close drops one reference. It returns true if that was the last
// reference, in which case the underlying key was actually closed.
func (c *cachedCryptoKey) Close() bool {
	if c.refs.Add(-1) > 0 {
		return false
	}

	log.Debugf("closing cached key: %s, final ref count reached zero", c.CryptoKey)
	c.CryptoKey.Close()

	return true
}

// tracked increments key's reference count on behalf of a new caller and
// returns it.
func tracked(key *cachedCryptoKey) *cachedCryptoKey {
	key.refs.Add(1)
	return key
}

// cacheEntry pairs a cached key with the time it was loaded, used to decide
// when a fresh revocation check against the metastore is due.
type cacheEntry struct {
	loadedAt time.Time
	key      *cachedCryptoKey
}

func newCacheEntry(k *internal.CryptoKey) cacheEntry {
	return cacheEntry{loadedAt: time.Now(), key: newCachedCryptoKey(k)}
}

// cacheKey formats an id and creation timestamp into a single lookup key.
func cacheKey(id string, created int64) string {
	return id + "-" + strconv.FormatInt(created, 10)
}

// keyLoaderFunc adapts a plain function to keyLoader.
type keyLoaderFunc func() (*internal.CryptoKey, error)

func (f keyLoaderFunc) Load() (*internal.CryptoKey, error) { return f() }

// keyLoader retrieves a key on demand, e.g. from a Metastore/KMS round
// trip.
type keyLoader interface {
	Load() (*internal.CryptoKey, error)
}

// keyReloader extends keyLoader with the ability to judge whether a
// previously loaded key is still valid.
type keyReloader interface {
	keyLoader

	IsInvalid(key *internal.CryptoKey) bool
}

// keyCacher caches CryptoKeys keyed by KeyMeta, loading on demand.
// Implementations must be safe for concurrent use.
type keyCacher interface {
	GetOrLoad(id KeyMeta, loader func(KeyMeta) (*internal.CryptoKey, error)) (*cachedCryptoKey, error)
	GetOrLoadLatest(id string, loader func(KeyMeta) (*internal.CryptoKey, error)) (*cachedCryptoKey, error)
	Close() error
}

// simpleCache is an unbounded, non-evicting keyCacher backend. It trades
// memory growth (one entry per distinct key ever seen) for never reloading
// a key that's still in use, and is selected by the "simple" eviction
// policy for deployments with few, long-lived keys where that tradeoff is
// favorable.
//
// simpleCache itself is not safe for concurrent use; keyCache provides the
// locking.
type simpleCache struct {
	m map[string]cacheEntry
}

func newSimpleCache() *simpleCache {
	return &simpleCache{m: make(map[string]cacheEntry)}
}

func (s *simpleCache) Get(key string) (cacheEntry, bool) {
	v, ok := s.m[key]
	return v, ok
}

func (s *simpleCache) GetOrPanic(key string) cacheEntry {
	v, ok := s.m[key]
	if !ok {
		panic(fmt.Sprintf("key %s not found in cache", key))
	}

	return v
}

func (s *simpleCache) Set(key string, value cacheEntry) { s.m[key] = value }

func (s *simpleCache) Delete(key string) bool {
	_, ok := s.m[key]
	delete(s.m, key)

	return ok
}

func (s *simpleCache) Len() int      { return len(s.m) }
func (s *simpleCache) Capacity() int { return -1 }

func (s *simpleCache) Close() error {
	for k, entry := range s.m {
		if !entry.key.Close() {
			log.Debugf("simpleCache.Close: key still referenced, leaking until refs drain -- id: %s, refs: %d\n",
				k, entry.key.refs.Load())
		}
	}

	return nil
}

var _ cache.Interface[string, cacheEntry] = (*simpleCache)(nil)

// cacheKeyType distinguishes the system key cache from the intermediate
// key cache, each of which takes its capacity and eviction policy from its
// own CryptoPolicy fields.
type cacheKeyType int

const (
	cacheTypeSystemKeys cacheKeyType = iota
	cacheTypeIntermediateKeys
)

func (t cacheKeyType) String() string {
	switch t {
	case cacheTypeSystemKeys:
		return "system"
	case cacheTypeIntermediateKeys:
		return "intermediate"
	default:
		return "unknown"
	}
}

// keyCache is the production keyCacher: a generic eviction cache of
// cachedCryptoKeys, with reference counting ensuring a key evicted while
// still in use isn't actually closed (and its locked memory freed) until
// every holder releases it. Keys that can't be closed at eviction time are
// tracked on an orphan list and retried by a background sweep, so an
// in-use-at-eviction key never leaks permanently once its last reference
// drops.
type keyCache struct {
	policy *CryptoPolicy

	keys cache.Interface[string, cacheEntry]
	rw   sync.RWMutex

	latest map[string]KeyMeta

	cacheType cacheKeyType

	orphaned   []*cachedCryptoKey
	orphanedMu sync.Mutex

	cleanupStop chan struct{}
	cleanupDone sync.WaitGroup
	cleanupOnce sync.Once
}

var _ keyCacher = (*keyCache)(nil)

// orphanSweepInterval is how often keyCache retries closing keys that
// outlived their cache eviction because a caller still held a reference.
const orphanSweepInterval = 30 * time.Second

// newKeyCache constructs a keyCache configured per policy for the given
// cache type (system vs intermediate keys).
func newKeyCache(t cacheKeyType, policy *CryptoPolicy) *keyCache {
	maxSize := DefaultKeyCacheMaxSize
	evictionPolicy := ""

	switch t {
	case cacheTypeSystemKeys:
		maxSize = policy.SystemKeyCacheMaxSize
		evictionPolicy = policy.SystemKeyCacheEvictionPolicy
	case cacheTypeIntermediateKeys:
		maxSize = policy.IntermediateKeyCacheMaxSize
		evictionPolicy = policy.IntermediateKeyCacheEvictionPolicy
	}

	c := &keyCache{
		policy:    policy,
		latest:    make(map[string]KeyMeta),
		cacheType: t,
		orphaned:  make([]*cachedCryptoKey, 0),
	}

	onEvict := func(key string, value cacheEntry) {
		log.Debugf("%s evicting -- id: %s\n", c, key)

		if !value.key.Close() {
			c.orphanedMu.Lock()
			c.orphaned = append(c.orphaned, value.key)
			c.orphanedMu.Unlock()

			log.Debugf("%s key still referenced at eviction, orphaned -- id: %s, refs: %d\n",
				c, key, value.key.refs.Load())
		}
	}

	if evictionPolicy == "" || evictionPolicy == "simple" {
		c.keys = newSimpleCache()
	} else {
		b := cache.New[string, cacheEntry](maxSize).WithPolicy(cache.Policy(evictionPolicy))

		if maxSize < 100 {
			// small caches evict often enough that handing each eviction
			// to the cache's background event goroutine isn't worth the
			// overhead.
			b.Synchronous()
		}

		c.keys = b.WithEvictFunc(onEvict).Build()
	}

	c.startOrphanSweep()

	return c
}

func (c *keyCache) startOrphanSweep() {
	c.cleanupStop = make(chan struct{})
	c.cleanupDone.Add(1)

	go func() {
		defer c.cleanupDone.Done()

		ticker := time.NewTicker(orphanSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.sweepOrphaned()
			case <-c.cleanupStop:
				return
			}
		}
	}()
}

// sweepOrphaned retries closing every orphaned key, keeping only the ones
// still referenced.
func (c *keyCache) sweepOrphaned() {
	c.orphanedMu.Lock()
	toSweep := c.orphaned
	c.orphaned = make([]*cachedCryptoKey, 0)
	c.orphanedMu.Unlock()

	remaining := make([]*cachedCryptoKey, 0, len(toSweep))

	for _, key := range toSweep {
		if !key.Close() {
			remaining = append(remaining, key)
		}
	}

	if len(toSweep) > len(remaining) {
		log.Debugf("%s orphan sweep closed %d key(s), %d still referenced\n", c, len(toSweep)-len(remaining), len(remaining))
	}

	if len(remaining) > 0 {
		c.orphanedMu.Lock()
		c.orphaned = append(c.orphaned, remaining...)
		c.orphanedMu.Unlock()
	}
}

// isReloadRequired reports whether entry is due for a revocation check. A
// key already marked revoked never needs re-checking.
func isReloadRequired(entry cacheEntry, checkInterval time.Duration) bool {
	if entry.key.Revoked() {
		return false
	}

	return entry.loadedAt.Add(checkInterval).Before(time.Now())
}

// GetOrLoad returns the key matching id, loading it via loader if absent or
// stale.
func (c *keyCache) GetOrLoad(id KeyMeta, loader func(KeyMeta) (*internal.CryptoKey, error)) (*cachedCryptoKey, error) {
	c.rw.RLock()
	k, ok := c.getFresh(id)
	c.rw.RUnlock()

	if ok {
		return tracked(k), nil
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	if k, ok := c.getFresh(id); ok {
		return tracked(k), nil
	}

	k, err := c.load(id, keyLoaderFunc(func() (*internal.CryptoKey, error) { return loader(id) }))
	if err != nil {
		return nil, err
	}

	return tracked(k), nil
}

// getFresh returns the cached key for meta if present and not due for a
// revocation re-check. The second return is true only when the key is both
// present and fresh; a stale-but-present key is still returned, with
// false, so the caller knows to reload it.
func (c *keyCache) getFresh(meta KeyMeta) (*cachedCryptoKey, bool) {
	e, ok := c.read(meta)
	if !ok {
		return nil, false
	}

	if isReloadRequired(e, c.policy.RevokeCheckInterval) {
		log.Debugf("%s stale -- id: %s-%d\n", c, meta.ID, e.key.Created())
		return e.key, false
	}

	return e.key, true
}

func (c *keyCache) load(meta KeyMeta, loader keyLoader) (*cachedCryptoKey, error) {
	k, err := loader.Load()
	if err != nil {
		return nil, err
	}

	e, ok := c.read(meta)

	switch {
	case ok && e.key.Created() >= k.Created():
		e.key.SetRevoked(k.Revoked())
		e.loadedAt = time.Now()

		k.Close()
	default:
		e = newCacheEntry(k)
	}

	c.write(meta, e)

	return e.key, nil
}

func (c *keyCache) read(meta KeyMeta) (cacheEntry, bool) {
	id := cacheKey(meta.ID, meta.Created)

	if meta.IsLatest() {
		if latest, ok := c.getLatestKeyMeta(meta.ID); ok {
			id = cacheKey(latest.ID, latest.Created)
		}
	}

	e, ok := c.keys.Get(id)
	if !ok {
		log.Debugf("%s miss -- id: %s\n", c, id)
	}

	return e, ok
}

func (c *keyCache) getLatestKeyMeta(id string) (KeyMeta, bool) {
	latest, ok := c.latest[cacheKey(id, 0)]
	return latest, ok
}

func (c *keyCache) mapLatestKeyMeta(id string, latest KeyMeta) {
	c.latest[cacheKey(id, 0)] = latest
}

func (c *keyCache) write(meta KeyMeta, e cacheEntry) {
	if meta.IsLatest() {
		meta = KeyMeta{ID: meta.ID, Created: e.key.Created()}
		c.mapLatestKeyMeta(meta.ID, meta)
	} else if latest, ok := c.getLatestKeyMeta(meta.ID); !ok || latest.Created < e.key.Created() {
		c.mapLatestKeyMeta(meta.ID, meta)
	}

	id := cacheKey(meta.ID, meta.Created)

	log.Debugf("%s write -> key: %s, id: %s\n", c, e.key, id)
	c.keys.Set(id, e)
}

// GetOrLoadLatest returns the newest key for id, loading or reloading via
// loader as needed. If the cached (or just-loaded) key is expired or
// revoked, a fresh one is requested from loader and installed as the new
// latest.
//
// Under QueuedRotation this second check is skipped: loader there
// (getOrLoadLatestSystemKey / getOrLoadLatestIntermediateKey) already makes
// the rotation-strategy decision and may intentionally hand back a still-
// expired key while it enqueues a background replacement, so re-deriving
// "invalid, reload" here would call loader a second time in the same
// request and enqueue that same rotation twice.
func (c *keyCache) GetOrLoadLatest(id string, loader func(KeyMeta) (*internal.CryptoKey, error)) (*cachedCryptoKey, error) {
	c.rw.Lock()
	defer c.rw.Unlock()

	meta := KeyMeta{ID: id}

	key, ok := c.getFresh(meta)
	if !ok {
		log.Debugf("%s.GetOrLoadLatest miss -- id: %s\n", c, id)

		var err error

		key, err = c.load(meta, keyLoaderFunc(func() (*internal.CryptoKey, error) { return loader(meta) }))
		if err != nil {
			return nil, err
		}
	}

	if c.policy.KeyRotationStrategy != QueuedRotation && c.IsInvalid(key.CryptoKey) {
		reloaded, err := loader(meta)
		if err != nil {
			return nil, err
		}

		log.Debugf("%s.GetOrLoadLatest reload -- invalid: %s, new: %s, id: %s\n", c, key, reloaded, id)

		e := newCacheEntry(reloaded)
		c.write(KeyMeta{ID: id, Created: reloaded.Created()}, e)

		return tracked(e.key), nil
	}

	return tracked(key), nil
}

// IsInvalid reports whether key is revoked or has passed its expiry.
func (c *keyCache) IsInvalid(key *internal.CryptoKey) bool {
	return internal.IsKeyInvalid(key, c.policy.ExpireKeyAfter)
}

// Close frees every key still held by this cache. It must be called once
// the cache is no longer needed to avoid exhausting the locked-memory
// (mlock) budget.
func (c *keyCache) Close() error {
	var closeErr error

	c.cleanupOnce.Do(func() {
		log.Debugf("%s closing\n", c)

		if c.cleanupStop != nil {
			close(c.cleanupStop)
			c.cleanupDone.Wait()
		}

		c.sweepOrphaned()

		closeErr = c.keys.Close()

		c.sweepOrphaned()

		if len(c.orphaned) > 0 {
			log.Debugf("%s closed with %d key(s) still referenced and leaked\n", c, len(c.orphaned))
		}
	})

	return closeErr
}

func (c *keyCache) String() string {
	return fmt.Sprintf("keyCache(%p){type=%s,size=%d,cap=%d}", c, c.cacheType, c.keys.Len(), c.keys.Capacity())
}

// sharedKeyCache wraps a keyCacher owned by a SessionFactory (rather than
// by an individual Session) so that a Session's Close doesn't tear down a
// cache other Sessions are still using. Only the factory itself, via the
// embedded keyCacher directly, actually closes the underlying cache.
type sharedKeyCache struct {
	keyCacher
}

// Close is a no-op: the underlying cache outlives any one Session and is
// closed by the owning SessionFactory instead.
func (sharedKeyCache) Close() error { return nil }

var _ keyCacher = sharedKeyCache{}

// neverCache is a no-op keyCacher used when a policy disables caching
// outright: every call loads straight from the backing loader and the
// returned key carries no cache-held reference.
type neverCache struct{}

var _ keyCacher = neverCache{}

func (neverCache) GetOrLoad(id KeyMeta, loader func(KeyMeta) (*internal.CryptoKey, error)) (*cachedCryptoKey, error) {
	k, err := loader(id)
	if err != nil {
		return nil, err
	}

	return newCachedCryptoKey(k), nil
}

func (neverCache) GetOrLoadLatest(id string, loader func(KeyMeta) (*internal.CryptoKey, error)) (*cachedCryptoKey, error) {
	k, err := loader(KeyMeta{ID: id})
	if err != nil {
		return nil, err
	}

	return newCachedCryptoKey(k), nil
}

func (neverCache) Close() error { return nil }
