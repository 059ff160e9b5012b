package strongbox

import (
	"sync"
	"time"

	mango "github.com/goburrow/cache"

	"github.com/nimbusware/strongbox/log"
)

// cleanupQueueSize bounds the session cache's eviction-cleanup queue. The
// teacher's cache spawns one goroutine per eviction (mangoRemovalListener);
// spec requires a bounded queue instead, so a burst of evictions cannot
// spawn unbounded goroutines (spec §4.4 redesign).
const cleanupQueueSize = 256

// sharedSession wraps an engine borrowed by a possibly-unbounded number of
// concurrent Session holders plus the cache's own reference. The engine is
// closed exactly once, after every borrower and the cache itself have
// released it (spec §4.4, mirroring the teacher's SharedEncryption).
type sharedSession struct {
	*engine

	mu            sync.Mutex
	cond          *sync.Cond
	accessCounter int
	closed        bool
}

func newSharedSession(e *engine) *sharedSession {
	s := &sharedSession{engine: e, accessCounter: 1}
	s.cond = sync.NewCond(&s.mu)

	return s
}

func (s *sharedSession) acquire() {
	s.mu.Lock()
	s.accessCounter++
	s.mu.Unlock()
}

// release drops one reference. The last releaser marks the session closed
// and wakes removeWhenIdle, which performs the actual engine.Close().
func (s *sharedSession) release() {
	s.mu.Lock()
	s.accessCounter--
	if s.accessCounter == 0 {
		s.closed = true
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// removeWhenIdle drops the cache's own reference (taken at creation time)
// then blocks until every remaining borrower has released s, and finally
// closes the underlying engine. Called either from the bounded cleanup
// queue's consumer goroutine, or synchronously when that queue is
// saturated.
func (s *sharedSession) removeWhenIdle() {
	s.release()

	s.mu.Lock()
	for !s.closed {
		s.cond.Wait()
	}
	s.mu.Unlock()

	_ = s.engine.Close()
}

// sessionCache shares engines across GetSession calls for the same
// partition ID, backed by goburrow/cache's LoadingCache (the same library
// the teacher uses for its default session cache engine).
type sessionCache struct {
	inner mango.LoadingCache

	cleanup   chan *sharedSession
	closeOnce sync.Once
	done      chan struct{}
}

// newSessionCache builds a sessionCache whose loader calls newEngine for
// each miss. evictionPolicy is accepted for parity with the key caches'
// constructor shape and is not used: the LoadingCache is built with the
// library's default eviction policy whatever value is passed.
func newSessionCache(maxSize int, evictionPolicy string, ttl time.Duration, newEngine func(id string) (*engine, error)) *sessionCache {
	c := &sessionCache{
		cleanup: make(chan *sharedSession, cleanupQueueSize),
		done:    make(chan struct{}),
	}

	removalListener := func(_ mango.Key, v mango.Value) {
		s := v.(*sharedSession)

		select {
		case c.cleanup <- s:
		default:
			// queue saturated: fall back to closing inline rather than
			// spawning an unbounded goroutine (spec §4.4 redesign).
			log.Debugf("sessionCache cleanup queue saturated, closing synchronously")
			s.removeWhenIdle()
		}
	}

	opts := []mango.Option{
		mango.WithMaximumSize(maxSize),
		mango.WithRemovalListener(removalListener),
	}

	if ttl > 0 {
		opts = append(opts, mango.WithExpireAfterAccess(ttl))
	}

	c.inner = mango.NewLoadingCache(func(k mango.Key) (mango.Value, error) {
		e, err := newEngine(k.(string))
		if err != nil {
			return nil, err
		}

		return newSharedSession(e), nil
	}, opts...)

	go c.consumeCleanup()

	return c
}

func (c *sessionCache) consumeCleanup() {
	for {
		select {
		case s := <-c.cleanup:
			s.removeWhenIdle()
		case <-c.done:
			return
		}
	}
}

// getOrCreate returns a Session sharing the cached engine for id, building
// one via the cache's loader on a miss.
func (c *sessionCache) getOrCreate(id string) (*Session, error) {
	val, err := c.inner.Get(id)
	if err != nil {
		return nil, err
	}

	s := val.(*sharedSession)
	s.acquire()

	return &Session{partitionID: id, engine: s.engine, release: s.release}, nil
}

// Close shuts down the cleanup consumer and the inner cache, which evicts
// (and so releases the cache's own reference to) every remaining entry.
func (c *sessionCache) Close() error {
	c.closeOnce.Do(func() {
		c.inner.Close()
		close(c.done)
	})

	return nil
}
