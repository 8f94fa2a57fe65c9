// ABOUTME: Tests for the dedupe cache used to suppress redelivered events.
// ABOUTME: Validates the TTL window, empty ids, lazy purging, per-source sets and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestCache_CheckAndMark_Window(t *testing.T) {
	clock := newFakeClock()
	cache := New(WithClock(clock.Now))

	// First sighting is new, every later one inside the window is a duplicate
	assert.False(t, cache.CheckAndMark("evt-1"))
	assert.True(t, cache.CheckAndMark("evt-1"))

	clock.Advance(DefaultTTL - time.Second)
	assert.True(t, cache.CheckAndMark("evt-1"))

	// Once the window has elapsed the id is new again
	clock.Advance(2 * time.Second)
	assert.False(t, cache.CheckAndMark("evt-1"))
	assert.True(t, cache.CheckAndMark("evt-1"))
}

func TestCache_DuplicateLeavesTimestampUnchanged(t *testing.T) {
	clock := newFakeClock()
	cache := New(WithTTL(time.Minute), WithClock(clock.Now))

	assert.False(t, cache.CheckAndMark("evt-1"))
	clock.Advance(40 * time.Second)
	assert.True(t, cache.CheckAndMark("evt-1"))

	// The window counts from the first sighting, not the duplicate
	clock.Advance(30 * time.Second)
	assert.False(t, cache.CheckAndMark("evt-1"))
}

func TestCache_EmptyIDNeverDuplicate(t *testing.T) {
	cache := New()

	assert.False(t, cache.CheckAndMark(""))
	assert.False(t, cache.CheckAndMark(""))
	assert.False(t, cache.Check(""))
	assert.Equal(t, 0, cache.Len())
}

func TestCache_Check(t *testing.T) {
	clock := newFakeClock()
	cache := New(WithTTL(time.Minute), WithClock(clock.Now))

	assert.False(t, cache.Check("evt-1"))
	cache.CheckAndMark("evt-1")
	assert.True(t, cache.Check("evt-1"))

	clock.Advance(2 * time.Minute)
	assert.False(t, cache.Check("evt-1"))
}

func TestCache_PurgesExpiredWhenOverBound(t *testing.T) {
	clock := newFakeClock()
	cache := New(WithTTL(time.Minute), WithMaxSize(3), WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		cache.CheckAndMark(fmt.Sprintf("old-%d", i))
	}
	assert.Equal(t, 4, cache.Len())

	clock.Advance(2 * time.Minute)
	cache.CheckAndMark("fresh-1")
	cache.CheckAndMark("fresh-2")

	// Old ids were purged when fresh-1 was admitted
	assert.Equal(t, 2, cache.Len())
}

func TestCache_NeverEvictsUnexpired(t *testing.T) {
	clock := newFakeClock()
	cache := New(WithTTL(time.Minute), WithMaxSize(2), WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		assert.False(t, cache.CheckAndMark(fmt.Sprintf("evt-%d", i)))
	}

	// A genuinely new id is never reported as a duplicate, and old ids are still remembered
	assert.Equal(t, 10, cache.Len())
	assert.True(t, cache.CheckAndMark("evt-0"))
}

func TestCache_PurgeStopsAtFirstFreshEntry(t *testing.T) {
	clock := newFakeClock()
	cache := New(WithTTL(time.Minute), WithMaxSize(2), WithClock(clock.Now))

	cache.CheckAndMark("a")
	cache.CheckAndMark("b")
	clock.Advance(45 * time.Second)
	cache.CheckAndMark("c")
	clock.Advance(30 * time.Second)

	// a and b are expired, c is not
	cache.CheckAndMark("d")
	assert.Equal(t, 2, cache.Len())
	assert.True(t, cache.Check("c"))
	assert.True(t, cache.Check("d"))
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	cache := New()

	var wg sync.WaitGroup
	var newCount atomic.Int32

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("same-event") {
				newCount.Add(1)
			}
		}()
	}
	wg.Wait()

	// Exactly one goroutine sees the event as new
	assert.Equal(t, int32(1), newCount.Load())
}

func TestSet_ScopedBySource(t *testing.T) {
	set := NewSet()

	assert.False(t, set.IsDuplicate("freshchat", "msg-1"))
	assert.True(t, set.IsDuplicate("freshchat", "msg-1"))

	// The same id from another platform is a different event
	assert.False(t, set.IsDuplicate("zendesk", "msg-1"))
	assert.False(t, set.IsDuplicate("zendesk", ""))

	assert.Equal(t, map[string]int{"freshchat": 1, "zendesk": 1}, set.Stats())
}

func TestSet_AppliesOptions(t *testing.T) {
	clock := newFakeClock()
	set := NewSet(WithTTL(time.Second), WithClock(clock.Now))

	assert.False(t, set.IsDuplicate("matrix", "$evt"))
	clock.Advance(2 * time.Second)
	assert.False(t, set.IsDuplicate("matrix", "$evt"))
}
