//nolint:forcetypeassert // the list.Element.Value is always a *frequencyParent or *cacheItem here
package cache

import "container/list"

type frequencyParent[K comparable, V any] struct {
	entries   map[*cacheItem[K, V]]*list.Element
	frequency int
	byAccess  *list.List
}

// lfu implements the O(1) LFU eviction scheme described in
// ["An O(1) algorithm for implementing the lfu cache eviction scheme"]
// (https://arxiv.org/pdf/2110.11602.pdf): a list of frequency buckets kept
// in ascending order, each holding the items currently at that access count.
type lfu[K comparable, V any] struct {
	cap         int
	frequencies *list.List
}

func (c *lfu[K, V]) Init(capacity int) {
	c.cap = capacity
	c.frequencies = list.New()
}

func (c *lfu[K, V]) Capacity() int { return c.cap }

// Access bumps item to the next frequency bucket.
func (c *lfu[K, V]) Access(item *cacheItem[K, V]) {
	c.increment(item)
}

// Admit places item in the first frequency bucket.
func (c *lfu[K, V]) Admit(item *cacheItem[K, V]) {
	c.increment(item)
}

func (c *lfu[K, V]) Remove(item *cacheItem[K, V]) {
	c.delete(item.parent, item)
}

// Victim returns the item in the lowest non-empty frequency bucket.
func (c *lfu[K, V]) Victim() *cacheItem[K, V] {
	if frequency := c.frequencies.Front(); frequency != nil {
		elem := frequency.Value.(*frequencyParent[K, V]).byAccess.Front()
		if elem != nil {
			return elem.Value.(*cacheItem[K, V])
		}
	}

	return nil
}

func (c *lfu[K, V]) increment(item *cacheItem[K, V]) {
	current := item.parent

	var next *list.Element

	var nextAmount int

	if current == nil {
		nextAmount = 1
		next = c.frequencies.Front()
	} else {
		nextAmount = current.Value.(*frequencyParent[K, V]).frequency + 1
		next = current.Next()
	}

	if next == nil || next.Value.(*frequencyParent[K, V]).frequency != nextAmount {
		newFrequencyParent := &frequencyParent[K, V]{
			entries:   make(map[*cacheItem[K, V]]*list.Element),
			frequency: nextAmount,
			byAccess:  list.New(),
		}

		if current == nil {
			next = c.frequencies.PushFront(newFrequencyParent)
		} else {
			next = c.frequencies.InsertAfter(newFrequencyParent, current)
		}
	}

	item.parent = next

	nextAccess := next.Value.(*frequencyParent[K, V]).byAccess.PushBack(item)
	next.Value.(*frequencyParent[K, V]).entries[item] = nextAccess

	if current != nil {
		c.delete(current, item)
	}
}

func (c *lfu[K, V]) delete(frequency *list.Element, item *cacheItem[K, V]) {
	fp := frequency.Value.(*frequencyParent[K, V])

	fp.byAccess.Remove(fp.entries[item])
	delete(fp.entries, item)

	if len(fp.entries) == 0 {
		fp.entries = nil
		fp.byAccess = nil

		c.frequencies.Remove(frequency)
	}
}

func (c *lfu[K, V]) Close() {
	c.frequencies = nil
	c.cap = 0
}
