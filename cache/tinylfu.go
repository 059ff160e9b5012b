package cache

import "sync"

// sketch is a tiny frequency estimator: a counting map capped at 8-bit
// saturation per key, halved whenever the total number of increments
// crosses a threshold proportional to capacity. This stands in for the
// count-min sketch a production TinyLFU uses; it is adequate at the key
// cache sizes this package targets.
type sketch[K comparable] struct {
	mu        sync.Mutex
	counts    map[K]uint8
	additions uint64
	resetAt   uint64
}

func newSketch[K comparable](capacity int) *sketch[K] {
	resetAt := uint64(capacity) * 10
	if resetAt < 256 {
		resetAt = 256
	}

	return &sketch[K]{counts: make(map[K]uint8), resetAt: resetAt}
}

func (s *sketch[K]) increment(key K) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[key] < 255 {
		s.counts[key]++
	}

	s.additions++
	if s.additions >= s.resetAt {
		for k, c := range s.counts {
			s.counts[k] = c / 2
		}

		s.additions = 0
	}

	return s.counts[key]
}

func (s *sketch[K]) estimate(key K) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.counts[key]
}

// tinyLFUCache is an admission-filtered cache: a small LRU "window" holds
// recently inserted entries; on window overflow the evicted candidate is
// admitted into the larger SLRU "main" segment only if its estimated
// access frequency is at least that of the entry main would otherwise
// evict, per the TinyLFU admission policy.
type tinyLFUCache[K comparable, V any] struct {
	mu sync.Mutex

	window *lruCache[K, V]
	main   *slruCache[K, V]
	freq   *sketch[K]

	evict   EvictFunc[K, V]
	sync_   bool
	maxSize int
}

func newTinyLFU[K comparable, V any](maxSize int, evict EvictFunc[K, V], synchronous bool) *tinyLFUCache[K, V] {
	windowCap := maxSize / 100
	if windowCap < 1 {
		windowCap = 1
	}

	mainCap := maxSize - windowCap
	if mainCap < 1 {
		mainCap = 1
	}

	c := &tinyLFUCache[K, V]{
		maxSize: maxSize,
		freq:    newSketch[K](maxSize),
		evict:   evict,
		sync_:   synchronous,
	}

	c.window = newLRU[K, V](windowCap, func(k K, v V) { c.onWindowEvict(k, v) }, true)
	c.main = newSLRU[K, V](mainCap, evict, synchronous)

	return c
}

func (c *tinyLFUCache[K, V]) onWindowEvict(key K, value V) {
	// admission: while probation has room the candidate is admitted; once
	// it is full, compare the window's evicted candidate against main's
	// current probationary-segment victim (the coldest entry main would
	// drop next).
	victimKey, victimVal, hasVictim := c.main.probation.peekBack()

	if !hasVictim || c.main.probation.Len() < c.main.probation.maxSize {
		c.main.Set(key, value)
		return
	}

	if c.freq.estimate(key) >= c.freq.estimate(victimKey) {
		c.main.Set(key, value)

		return
	}

	// candidate loses admission; it is simply dropped from the cache.
	runEvict(c.sync_, c.evict, key, value)
	_ = victimVal
}

func (c *tinyLFUCache[K, V]) Get(key K) (V, bool) {
	c.freq.increment(key)

	if v, ok := c.window.Get(key); ok {
		return v, true
	}

	return c.main.Get(key)
}

func (c *tinyLFUCache[K, V]) Set(key K, value V) {
	c.freq.increment(key)

	if _, ok := c.main.Get(key); ok {
		c.main.Set(key, value)
		return
	}

	c.window.Set(key, value)
}

func (c *tinyLFUCache[K, V]) Delete(key K) bool {
	// unlink from the window directly: window.Delete would hand the entry
	// to onWindowEvict, which admits it into main instead of removing it.
	c.window.mu.Lock()
	el, ok := c.window.items[key]
	if ok {
		delete(c.window.items, key)
		c.window.ll.Remove(el)
	}
	c.window.mu.Unlock()

	if ok {
		c.evict(key, el.Value.(*lruEntry[K, V]).value)
		return true
	}

	return c.main.Delete(key)
}

func (c *tinyLFUCache[K, V]) Len() int {
	return c.window.Len() + c.main.Len()
}

func (c *tinyLFUCache[K, V]) Capacity() int { return c.maxSize }

func (c *tinyLFUCache[K, V]) Close() error {
	_ = c.window.Close()
	_ = c.main.Close()

	return nil
}

// peekBack returns the coldest (least recently used) entry in an lruCache
// without promoting it, or ok=false if the cache is empty.
func (c *lruCache[K, V]) peekBack() (key K, value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	back := c.ll.Back()
	if back == nil {
		return key, value, false
	}

	e := back.Value.(*lruEntry[K, V])

	return e.key, e.value, true
}
