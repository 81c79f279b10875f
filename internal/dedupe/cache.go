// ABOUTME: Bounded, expiring set of keys used to drop repeated deliveries
// ABOUTME: The router marks resolved execution results here so a replayed result is ignored

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type item struct {
	key     string
	expires time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSweepInterval sets how often expired keys are purged in the background.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// Cache remembers keys for ttl, holding at most maxSize of them. When full,
// the least recently marked key is dropped first.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	recency *list.List // front is least recently marked

	ttl        time.Duration
	maxSize    int
	sweepEvery time.Duration
	now        func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	c := &Cache{
		index:      make(map[string]*list.Element),
		recency:    list.New(),
		ttl:        ttl,
		maxSize:    max(maxSize, 1),
		sweepEvery: min(max(ttl, time.Second), time.Minute),
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Check reports whether key was marked and has not expired.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark marks key and reports whether it was already live. The check
// and the mark happen under one lock, so exactly one concurrent caller sees false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key, refreshing its expiry if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.recency.Remove(el)
		delete(c.index, key)
	}
}

// Len returns the number of stored keys, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) liveLocked(key string) bool {
	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Before(el.Value.(*item).expires)
}

func (c *Cache) markLocked(key string) {
	expires := c.now().Add(c.ttl)

	if el, ok := c.index[key]; ok {
		el.Value.(*item).expires = expires
		c.recency.MoveToBack(el)
		return
	}

	for len(c.index) >= c.maxSize {
		oldest := c.recency.Front()
		c.recency.Remove(oldest)
		delete(c.index, oldest.Value.(*item).key)
	}
	c.index[key] = c.recency.PushBack(&item{key: key, expires: expires})
}

// Sweep drops every expired key and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.recency.Front(); el != nil; {
		next := el.Next()
		it := el.Value.(*item)
		if !now.Before(it.expires) {
			c.recency.Remove(el)
			delete(c.index, it.key)
			removed++
		}
		el = next
	}
	return removed
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the background sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
