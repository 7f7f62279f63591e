package cache

import "github.com/shieldcrypt/envelope/cache/internal"

const (
	samplesMultiplier        = 8
	insertionsMultiplier     = 2
	countersMultiplier       = 1
	falsePositiveProbability = 0.1
	admissionRatio           = 0.01
)

type tinyLFUEntry[K comparable, V any] struct {
	hash   uint64
	parent evictionPolicy[K, V]
}

// tinyLFU is derived from the algorithm described in
// ["TinyLFU: A Highly Efficient Cache Admission Policy"]
// (https://arxiv.org/pdf/1512.00727v2.pdf) by Gil Einziger, Roy Friedman,
// and Ben Manes: an admission window (LRU) feeding a main segment (SLRU),
// with a count-min sketch plus doorkeeper bloom filter deciding whether an
// incoming item is worth admitting over the current eviction candidate.
type tinyLFU[K comparable, V any] struct {
	cap int

	filter  internal.BloomFilter
	counter internal.CountMinSketch

	additions int
	samples   int

	lru  lru[K, V]
	slru slru[K, V]

	keys map[K]tinyLFUEntry[K, V]
}

func (c *tinyLFU[K, V]) Init(capacity int) {
	c.cap = capacity

	c.keys = make(map[K]tinyLFUEntry[K, V])

	c.samples = capacity * samplesMultiplier

	c.filter.Init(capacity*insertionsMultiplier, falsePositiveProbability)
	c.counter.Init(capacity * countersMultiplier)

	lruCap := int(float64(capacity) * admissionRatio)
	c.lru.Init(lruCap)

	slruCap := capacity - lruCap
	c.slru.Init(slruCap)
}

func (c *tinyLFU[K, V]) Capacity() int { return c.cap }

func (c *tinyLFU[K, V]) Access(item *cacheItem[K, V]) {
	c.increment(item)
	c.keys[item.key].parent.Access(item)
}

func (c *tinyLFU[K, V]) Admit(item *cacheItem[K, V]) {
	if c.bypassed() {
		c.admitTo(item, &c.slru)
		return
	}

	c.increment(item)

	if c.lru.len() < c.lru.cap {
		c.admitTo(item, &c.lru)
		return
	}

	victim := c.lru.Victim()

	c.lru.Remove(victim)
	c.admitTo(victim, &c.slru)

	c.admitTo(item, &c.lru)
}

func (c *tinyLFU[K, V]) bypassed() bool {
	return c.lru.cap == 0
}

func (c *tinyLFU[K, V]) admitTo(item *cacheItem[K, V], list evictionPolicy[K, V]) {
	list.Admit(item)

	c.keys[item.key] = tinyLFUEntry[K, V]{
		hash:   internal.ComputeHash(item.key),
		parent: list,
	}
}

// Victim lets the admission-window candidate and the main-segment victim
// compete on estimated frequency; the loser is evicted.
func (c *tinyLFU[K, V]) Victim() *cacheItem[K, V] {
	candidate := c.lru.Victim()

	if candidate == nil {
		return c.slru.Victim()
	}

	victim := c.slru.Victim()

	if victim == nil {
		return candidate
	}

	candidateFreq := c.estimate(c.keys[candidate.key].hash)
	victimFreq := c.estimate(c.keys[victim.key].hash)

	if candidateFreq > victimFreq {
		c.lru.Remove(candidate)
		c.admitTo(candidate, &c.slru)

		return victim
	}

	return candidate
}

func (c *tinyLFU[K, V]) estimate(h uint64) uint8 {
	freq := c.counter.Estimate(h)
	if c.filter.Contains(h) {
		freq++
	}

	return freq
}

func (c *tinyLFU[K, V]) Remove(item *cacheItem[K, V]) {
	c.keys[item.key].parent.Remove(item)
}

func (c *tinyLFU[K, V]) increment(item *cacheItem[K, V]) {
	if c.bypassed() {
		return
	}

	c.additions++

	if c.additions >= c.samples {
		c.filter.Reset()
		c.counter.Reset()

		c.additions = 0
	}

	k := c.keys[item.key]

	if c.filter.Put(k.hash) {
		c.counter.Add(k.hash)
	}
}

func (c *tinyLFU[K, V]) Close() {
	c.lru.Close()
	c.slru.Close()

	c.cap = 0
}
