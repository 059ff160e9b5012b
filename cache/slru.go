package cache

import "sync"

// slruCache implements a segmented-LRU: new entries enter the probationary
// segment; a hit on a probationary entry promotes it to the protected
// segment. Eviction from the protected segment (when full) demotes the
// coldest protected entry back to probationary instead of dropping it;
// eviction happens only out of the probationary segment.
type slruCache[K comparable, V any] struct {
	mu sync.Mutex

	probation *lruCache[K, V]
	protected *lruCache[K, V]

	evict EvictFunc[K, V]
	sync_ bool

	maxSize int
}

func newSLRU[K comparable, V any](maxSize int, evict EvictFunc[K, V], synchronous bool) *slruCache[K, V] {
	protectedCap := maxSize * 8 / 10
	if protectedCap < 1 {
		protectedCap = 1
	}

	probationCap := maxSize - protectedCap
	if probationCap < 1 {
		probationCap = 1
	}

	return &slruCache[K, V]{
		probation: newLRU[K, V](probationCap, NopEvict[K, V], true),
		protected: newLRU[K, V](protectedCap, NopEvict[K, V], true),
		evict:     evict,
		sync_:     synchronous,
		maxSize:   maxSize,
	}
}

func (c *slruCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.protected.Get(key); ok {
		return v, true
	}

	if v, ok := c.probation.Get(key); ok {
		// promote: move from probation to protected, demoting overflow
		// back into probation rather than discarding it.
		c.probation.Delete(key)
		c.demoteAndSet(v, key)

		return v, true
	}

	var zero V

	return zero, false
}

// demoteAndSet inserts key/value into the protected segment, catching any
// entry the protected LRU pushes out on overflow and reinserting it into
// probation.
func (c *slruCache[K, V]) demoteAndSet(value V, key K) {
	var demoted *lruEntry[K, V]

	c.protected.mu.Lock()
	if el, ok := c.protected.items[key]; ok {
		el.Value.(*lruEntry[K, V]).value = value
		c.protected.ll.MoveToFront(el)
	} else {
		el := c.protected.ll.PushFront(&lruEntry[K, V]{key: key, value: value})
		c.protected.items[key] = el

		if c.protected.maxSize > 0 && c.protected.ll.Len() > c.protected.maxSize {
			back := c.protected.ll.Back()
			if back != nil {
				be := back.Value.(*lruEntry[K, V])
				delete(c.protected.items, be.key)
				c.protected.ll.Remove(back)
				demoted = be
			}
		}
	}
	c.protected.mu.Unlock()

	if demoted != nil {
		c.probation.Set(demoted.key, demoted.value)
	}
}

func (c *slruCache[K, V]) Set(key K, value V) {
	c.mu.Lock()

	if _, ok := c.protected.Get(key); ok {
		c.demoteAndSet(value, key)
		c.mu.Unlock()

		return
	}

	var evictedKey K
	var evictedVal V
	evicted := false

	if _, ok := c.probation.items[key]; ok {
		c.probation.Set(key, value)
	} else {
		c.probation.mu.Lock()
		el := c.probation.ll.PushFront(&lruEntry[K, V]{key: key, value: value})
		c.probation.items[key] = el

		if c.probation.maxSize > 0 && c.probation.ll.Len() > c.probation.maxSize {
			back := c.probation.ll.Back()
			if back != nil {
				be := back.Value.(*lruEntry[K, V])
				delete(c.probation.items, be.key)
				c.probation.ll.Remove(back)
				evictedKey, evictedVal, evicted = be.key, be.value, true
			}
		}
		c.probation.mu.Unlock()
	}

	c.mu.Unlock()

	if evicted {
		runEvict(c.sync_, c.evict, evictedKey, evictedVal)
	}
}

func (c *slruCache[K, V]) Delete(key K) bool {
	c.mu.Lock()

	v, ok := c.protected.Get(key)
	if ok {
		c.protected.Delete(key)
	} else if v, ok = c.probation.Get(key); ok {
		c.probation.Delete(key)
	}

	c.mu.Unlock()

	if ok {
		c.evict(key, v)
	}

	return ok
}

func (c *slruCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.protected.Len() + c.probation.Len()
}

func (c *slruCache[K, V]) Capacity() int { return c.maxSize }

func (c *slruCache[K, V]) Close() error {
	c.mu.Lock()
	entries := make([]*lruEntry[K, V], 0, c.protected.Len()+c.probation.Len())
	for el := c.protected.ll.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*lruEntry[K, V]))
	}
	for el := c.probation.ll.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*lruEntry[K, V]))
	}
	c.protected = newLRU[K, V](c.protected.maxSize, NopEvict[K, V], true)
	c.probation = newLRU[K, V](c.probation.maxSize, NopEvict[K, V], true)
	c.mu.Unlock()

	for _, e := range entries {
		c.evict(e.key, e.value)
	}

	return nil
}
