//nolint:forcetypeassert // the list.Element.Value is always a *cacheItem or *slruItem here
package cache

import "container/list"

// lru is a least-recently-used eviction policy.
type lru[K comparable, V any] struct {
	cap       int
	evictList *list.List
}

func (c *lru[K, V]) Init(capacity int) {
	c.cap = capacity
	c.evictList = list.New()
}

func (c *lru[K, V]) Capacity() int { return c.cap }

func (c *lru[K, V]) len() int { return c.evictList.Len() }

// Access moves item to the front of the eviction list.
func (c *lru[K, V]) Access(item *cacheItem[K, V]) {
	c.evictList.MoveToFront(item.parent)
}

// Admit pushes item onto the front of the eviction list.
func (c *lru[K, V]) Admit(item *cacheItem[K, V]) {
	item.parent = c.evictList.PushFront(item)
}

// Remove drops item from the eviction list.
func (c *lru[K, V]) Remove(item *cacheItem[K, V]) {
	c.evictList.Remove(item.parent)
}

// Victim returns the least recently used item.
func (c *lru[K, V]) Victim() *cacheItem[K, V] {
	oldest := c.evictList.Back()
	if oldest == nil {
		return nil
	}

	return oldest.Value.(*cacheItem[K, V])
}

func (c *lru[K, V]) Close() {
	c.evictList = nil
	c.cap = 0
}

const protectedRatio = 0.8

type slruItem[K comparable, V any] struct {
	*cacheItem[K, V]
	protected bool
}

// slru is a segmented-LRU eviction policy: a probationary segment for newly
// admitted items and a protected segment for items accessed a second time.
type slru[K comparable, V any] struct {
	cap int

	protectedCapacity int
	protectedList     *list.List

	probationCapacity int
	probationList     *list.List
}

func (c *slru[K, V]) Init(capacity int) {
	c.cap = capacity

	c.protectedList = list.New()
	c.probationList = list.New()

	c.protectedCapacity = int(float64(capacity) * protectedRatio)
	c.probationCapacity = capacity - c.protectedCapacity
}

func (c *slru[K, V]) Capacity() int { return c.cap }

// Access promotes a probationary item to protected, demoting the oldest
// protected item back to probation if the protected segment overflows.
func (c *slru[K, V]) Access(item *cacheItem[K, V]) {
	sitem := item.parent.Value.(*slruItem[K, V])
	if sitem.protected {
		c.protectedList.MoveToFront(item.parent)
		return
	}

	sitem.protected = true

	c.probationList.Remove(item.parent)

	item.parent = c.protectedList.PushFront(sitem)

	if c.protectedList.Len() > c.protectedCapacity {
		b := c.protectedList.Back()
		c.protectedList.Remove(b)

		bitem := b.Value.(*slruItem[K, V])
		bitem.protected = false

		bitem.parent = c.probationList.PushFront(bitem)
	}
}

// Admit adds item to the front of the probation segment.
func (c *slru[K, V]) Admit(item *cacheItem[K, V]) {
	newItem := &slruItem[K, V]{cacheItem: item}
	item.parent = c.probationList.PushFront(newItem)
}

// Victim prefers evicting from probation; only once it is empty does
// eviction fall back to the protected segment.
func (c *slru[K, V]) Victim() *cacheItem[K, V] {
	if c.probationList.Len() > 0 {
		return c.probationList.Back().Value.(*slruItem[K, V]).cacheItem
	}

	if c.protectedList.Len() > 0 {
		return c.protectedList.Back().Value.(*slruItem[K, V]).cacheItem
	}

	return nil
}

func (c *slru[K, V]) Remove(item *cacheItem[K, V]) {
	sitem := item.parent.Value.(*slruItem[K, V])
	if sitem.protected {
		c.protectedList.Remove(item.parent)
		return
	}

	c.probationList.Remove(item.parent)
}

func (c *slru[K, V]) Close() {
	c.protectedList = nil
	c.probationList = nil
	c.cap = 0
}
