// ABOUTME: Tests for the dedupe cache
// ABOUTME: Uses an injected clock for expiry; covers capacity eviction and concurrent marking

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	c := New(ttl, size, WithClock(clock.Now), WithSweepInterval(time.Hour))
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_CheckAndMark(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.CheckAndMark("exec:c1:1"), "first sighting is new")
	assert.True(t, c.CheckAndMark("exec:c1:1"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndMark("exec:c2:1"))
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Mark("k")
	assert.True(t, c.Check("k"))

	clock.Advance(59 * time.Second)
	assert.True(t, c.Check("k"))

	clock.Advance(time.Second)
	assert.False(t, c.Check("k"))
	assert.False(t, c.CheckAndMark("k"), "expired key counts as new")
}

func TestCache_MarkRefreshesExpiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Mark("k")
	clock.Advance(45 * time.Second)
	c.Mark("k")
	clock.Advance(45 * time.Second)

	assert.True(t, c.Check("k"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsLeastRecentlyMarked(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 3)

	c.Mark("a")
	c.Mark("b")
	c.Mark("c")
	c.Mark("a")
	c.Mark("d")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Check("b"))
	assert.True(t, c.Check("a"))
	assert.True(t, c.Check("c"))
	assert.True(t, c.Check("d"))
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Mark("old")
	clock.Advance(30 * time.Second)
	c.Mark("new")
	clock.Advance(40 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Check("new"))
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Mark("k")
	c.Forget("k")
	c.Forget("missing")

	assert.False(t, c.Check("k"))
	assert.Zero(t, c.Len())
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 1000)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if !c.CheckAndMark("shared") {
				fresh.Add(1)
			}
			c.Mark(fmt.Sprintf("own-%d", i))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	assert.Equal(t, 51, c.Len())
}

func TestCache_BackgroundSweep(t *testing.T) {
	c := New(10*time.Millisecond, 10, WithSweepInterval(5*time.Millisecond))
	defer c.Close()

	c.Mark("k")
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
