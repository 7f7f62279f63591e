// Package cache provides a generic, concurrency-safe cache with a choice of
// eviction policies. It backs the envelope package's key caches: system and
// intermediate keys are wrapped for reference counting before being stored
// here, so eviction never races with an in-flight use of the evicted key.
//
// Supported eviction policies:
//   - LRU (least recently used)
//   - LFU (least frequently used)
//   - SLRU (segmented least recently used)
//   - TinyLFU (tiny least frequently used)
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/shieldcrypt/envelope/log"
)

// Interface is intended to be a generic interface for cache implementations.
type Interface[K comparable, V any] interface {
	Get(key K) (V, bool)
	GetOrPanic(key K) V
	Set(key K, value V)
	Delete(key K) bool
	Len() int
	Capacity() int
	Close() error
}

// Policy is an enum for the different eviction policies.
type Policy string

const (
	// LRU is the least recently used cache policy.
	LRU Policy = "lru"
	// LFU is the least frequently used cache policy.
	LFU Policy = "lfu"
	// SLRU is the segmented least recently used cache policy.
	SLRU Policy = "slru"
	// TinyLFU is the tiny least frequently used cache policy.
	TinyLFU Policy = "tinylfu"
	// DefaultPolicy is used when a builder's eviction policy is left unset.
	DefaultPolicy = LRU
)

// String returns the string representation of the eviction policy.
func (p Policy) String() string {
	return string(p)
}

// EvictFunc is called when an item is evicted from the cache.
type EvictFunc[K comparable, V any] func(key K, value V)

// NopEvict is a no-op EvictFunc.
func NopEvict[K comparable, V any](K, V) {}

type event int

const (
	evictItem event = iota
	closeCache
)

type cacheItem[K comparable, V any] struct {
	key   K
	value V

	parent *list.Element

	expiration time.Time
}

type cacheEvent[K comparable, V any] struct {
	event event
	item  *cacheItem[K, V]
}

// evictionPolicy is the generic interface implemented by each eviction
// algorithm (lru, lfu, slru, tinyLFU).
type evictionPolicy[K comparable, V any] interface {
	Init(capacity int)
	Capacity() int
	Close()
	Admit(item *cacheItem[K, V])
	Access(item *cacheItem[K, V])
	Victim() *cacheItem[K, V]
	Remove(item *cacheItem[K, V])
}

// Clock is an interface for getting the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (c *realClock) Now() time.Time { return time.Now() }

// Builder configures and constructs a Cache. Obtain one from New.
type Builder[K comparable, V any] struct {
	capacity  int
	policy    evictionPolicy[K, V]
	evictFunc EvictFunc[K, V]
	clock     Clock
	expiry    time.Duration
	isSync    bool
}

// New returns a new cache builder with the given capacity. Use the builder
// to set the eviction policy, eviction callback, and other options. Call
// Build to create the cache.
func New[K comparable, V any](capacity int) *Builder[K, V] {
	return &Builder[K, V]{
		capacity:  capacity,
		policy:    new(lru[K, V]),
		evictFunc: NopEvict[K, V],
		clock:     new(realClock),
	}
}

// WithEvictFunc sets the EvictFunc for the cache.
func (b *Builder[K, V]) WithEvictFunc(fn EvictFunc[K, V]) *Builder[K, V] {
	b.evictFunc = fn
	return b
}

// WithPolicy sets the eviction policy for the cache. The default is LRU.
func (b *Builder[K, V]) WithPolicy(policy Policy) *Builder[K, V] {
	switch policy {
	case LRU:
		b.policy = new(lru[K, V])
	case LFU:
		b.policy = new(lfu[K, V])
	case SLRU:
		b.policy = new(slru[K, V])
	case TinyLFU:
		b.policy = new(tinyLFU[K, V])
	default:
		panic(fmt.Sprintf("cache: unsupported policy %q", policy))
	}

	return b
}

// WithClock sets the Clock for the cache. Intended for tests.
func (b *Builder[K, V]) WithClock(clock Clock) *Builder[K, V] {
	b.clock = clock
	return b
}

// WithExpiry sets a per-item TTL. A zero duration (the default) disables
// expiry.
func (b *Builder[K, V]) WithExpiry(expiry time.Duration) *Builder[K, V] {
	b.expiry = expiry
	return b
}

// Synchronous runs the eviction callback inline, before Set returns, rather
// than on a background goroutine.
func (b *Builder[K, V]) Synchronous() *Builder[K, V] {
	b.isSync = true
	return b
}

// Build creates the cache.
func (b *Builder[K, V]) Build() Interface[K, V] {
	c := &cache[K, V]{
		byKey: make(map[K]*cacheItem[K, V]),

		policy:          b.policy,
		clock:           b.clock,
		expiry:          b.expiry,
		onEvictCallback: b.evictFunc,
		isSync:          b.isSync,
	}

	c.policy.Init(b.capacity)
	c.startup()

	return c
}

type cache[K comparable, V any] struct {
	byKey  map[K]*cacheItem[K, V]
	size   int
	events chan cacheEvent[K, V]
	policy evictionPolicy[K, V]

	mux sync.RWMutex

	closing bool
	closeWG sync.WaitGroup

	onEvictCallback EvictFunc[K, V]
	clock           Clock
	expiry          time.Duration
	isSync          bool
}

func (c *cache[K, V]) processEvents() {
	defer c.closeWG.Done()

	for ev := range c.events {
		switch ev.event {
		case evictItem:
			log.Debugf("%s executing evict callback for item: %v", c, ev.item.key)
			c.onEvictCallback(ev.item.key, ev.item.value)
		case closeCache:
			log.Debugf("%s closed, exiting event loop", c)
			return
		}
	}
}

// Close removes all items from the cache. The cache cannot be used after
// Close returns.
func (c *cache[K, V]) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return nil
	}

	c.closing = true

	for c.size > 0 {
		c.evict()
	}

	c.shutdown()

	c.byKey = nil
	c.policy.Close()

	return nil
}

func (c *cache[K, V]) startup() {
	if c.isSync {
		return
	}

	c.events = make(chan cacheEvent[K, V])

	c.closeWG.Add(1)

	go c.processEvents()
}

func (c *cache[K, V]) shutdown() {
	if c.isSync {
		return
	}

	c.events <- cacheEvent[K, V]{event: closeCache}

	c.closeWG.Wait()

	close(c.events)
	c.events = nil
}

// Len returns the number of items currently in the cache.
func (c *cache[K, V]) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()

	return c.size
}

// Capacity returns the maximum number of items the cache will hold.
func (c *cache[K, V]) Capacity() int {
	c.mux.RLock()
	defer c.mux.RUnlock()

	return c.policy.Capacity()
}

// Set adds or updates the value for key.
func (c *cache[K, V]) Set(key K, value V) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return
	}

	if item, ok := c.byKey[key]; ok {
		item.value = value

		if c.expiry > 0 {
			item.expiration = c.clock.Now().Add(c.expiry)
		}

		c.policy.Access(item)

		return
	}

	if c.size == c.policy.Capacity() {
		c.evict()
	}

	item := &cacheItem[K, V]{key: key, value: value}

	if c.expiry > 0 {
		item.expiration = c.clock.Now().Add(c.expiry)
	}

	c.byKey[key] = item
	c.size++

	c.policy.Admit(item)
}

// Get returns the value for key and whether it was present.
func (c *cache[K, V]) Get(key K) (V, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return c.zeroValue(), false
	}

	item, ok := c.byKey[key]
	if !ok {
		return c.zeroValue(), false
	}

	if c.expiry > 0 && item.expiration.Before(c.clock.Now()) {
		c.evictItem(item)
		return c.zeroValue(), false
	}

	c.policy.Access(item)

	return item.value, true
}

// GetOrPanic returns the value for key, panicking if it is absent.
func (c *cache[K, V]) GetOrPanic(key K) V {
	if item, ok := c.Get(key); ok {
		return item
	}

	panic(fmt.Sprintf("cache: key does not exist: %v", key))
}

// Delete removes key from the cache and reports whether it was present.
func (c *cache[K, V]) Delete(key K) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.closing {
		return false
	}

	item, ok := c.byKey[key]
	if !ok {
		return false
	}

	delete(c.byKey, key)
	c.size--

	c.policy.Remove(item)

	return true
}

func (c *cache[K, V]) zeroValue() V {
	var v V
	return v
}

func (c *cache[K, V]) evict() {
	item := c.policy.Victim()
	c.evictItem(item)
}

func (c *cache[K, V]) evictItem(item *cacheItem[K, V]) {
	delete(c.byKey, item.key)
	c.size--

	c.policy.Remove(item)

	if c.isSync {
		log.Debugf("%s executing evict callback for item (synchronous): %v", c, item.key)
		c.onEvictCallback(item.key, item.value)

		return
	}

	log.Debugf("%s sending evict event for item: %v", c, item.key)
	c.events <- cacheEvent[K, V]{event: evictItem, item: item}
}

func (c *cache[K, V]) String() string {
	return fmt.Sprintf("cache[%T, %T](%p)", *new(K), *new(V), c)
}
