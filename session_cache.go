package envelope

import (
	"sync"

	mango "github.com/goburrow/cache"
)

// sessionCache shares Sessions across callers requesting the same
// partition ID, so a hot partition doesn't pay the cost of a fresh
// intermediate-key load on every call.
type sessionCache interface {
	Get(id string) (*Session, error)
	Count() int
	Close()
}

// sessionLoaderFunc retrieves a Session for the given partition ID.
type sessionLoaderFunc func(id string) (*Session, error)

// newSessionCache returns a sessionCache backed by the engine named in
// policy.SessionCacheEvictionPolicy ("default"/"mango", the goburrow/cache
// LoadingCache, or "ristretto", dgraph-io/ristretto). Either way, the
// Session's Encryption is wrapped in a sharedEncryption so that a Session
// shared by N concurrent callers isn't actually closed until all N have
// released it.
func newSessionCache(loader sessionLoaderFunc, policy *CryptoPolicy) sessionCache {
	wrapper := func(id string) (*Session, error) {
		s, err := loader(id)
		if err != nil {
			return nil, err
		}

		if _, ok := s.encryption.(*sharedEncryption); !ok {
			injectSharedEncryption(s)
		}

		return s, nil
	}

	switch eng := policy.SessionCacheEvictionPolicy; eng {
	case "", "default", "mango":
		return newMangoCache(wrapper, policy)
	case "ristretto":
		return newRistrettoCache(wrapper, policy)
	default:
		panic("envelope: invalid session cache engine: " + eng)
	}
}

func injectSharedEncryption(s *Session) {
	mu := new(sync.Mutex)

	SessionInjectEncryption(s, &sharedEncryption{
		Encryption: s.encryption,
		mu:         mu,
		cond:       sync.NewCond(mu),
	})
}

// SessionInjectEncryption replaces s's Encryption with e. Exported for
// tests that need to observe or substitute a Session's underlying
// Encryption.
func SessionInjectEncryption(s *Session, e Encryption) {
	s.encryption = e
}

func incrementSharedSessionUsage(s *Session) {
	s.encryption.(*sharedEncryption).incrementUsage()
}

// mangoCache is a sessionCache backed by goburrow/cache's LoadingCache.
type mangoCache struct {
	inner  mango.LoadingCache
	loader sessionLoaderFunc
}

func newMangoCache(loader sessionLoaderFunc, policy *CryptoPolicy) *mangoCache {
	maxSize := policy.SessionCacheMaxSize
	if maxSize <= 0 {
		maxSize = DefaultSessionCacheMaxSize
	}

	return &mangoCache{
		loader: loader,
		inner: mango.NewLoadingCache(
			func(k mango.Key) (mango.Value, error) {
				return loader(k.(string))
			},
			mango.WithMaximumSize(maxSize),
			mango.WithExpireAfterAccess(policy.SessionCacheDuration),
			mango.WithRemovalListener(mangoRemovalListener),
		),
	}
}

func (m *mangoCache) Get(id string) (*Session, error) {
	val, err := m.inner.Get(id)
	if err != nil {
		return nil, err
	}

	sess, ok := val.(*Session)
	if !ok {
		panic("envelope: unexpected value in session cache")
	}

	incrementSharedSessionUsage(sess)

	return sess, nil
}

func (m *mangoCache) Count() int {
	stats := &mango.Stats{}
	m.inner.Stats(stats)

	return int(stats.LoadSuccessCount - stats.EvictionCount)
}

func (m *mangoCache) Close() {
	m.inner.Close()
}

func mangoRemovalListener(_ mango.Key, v mango.Value) {
	go v.(*Session).encryption.(*sharedEncryption).remove()
}

// sharedEncryption wraps an Encryption shared by a cached Session, tracking
// the number of concurrent users so the underlying Encryption is only
// closed once every user has released it - even though the cache itself
// may evict the Session well before that happens.
type sharedEncryption struct {
	Encryption

	accessCounter int
	mu            *sync.Mutex
	cond          *sync.Cond

	closed bool
}

func (s *sharedEncryption) incrementUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessCounter++
}

// Close records a release. It does not actually close the underlying
// Encryption until the cache itself evicts the Session and calls remove.
func (s *sharedEncryption) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.accessCounter--
	if s.accessCounter <= 0 {
		s.closed = true
	}

	return nil
}

// remove blocks until every caller has released its reference, then closes
// the underlying Encryption. Called by the cache's eviction listener.
func (s *sharedEncryption) remove() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.closed {
		s.cond.Wait()
	}

	s.Encryption.Close()
}
