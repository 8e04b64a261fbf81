package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eviction struct {
	key    string
	reason EvictionReason
}

type recordingObserver struct {
	mu        sync.Mutex
	hits      int
	misses    int
	inserts   int
	evictions []eviction
}

func (o *recordingObserver) Hit(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits++
}

func (o *recordingObserver) Miss(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.misses++
}

func (o *recordingObserver) Inserted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inserts++
}

func (o *recordingObserver) Evicted(key string, reason EvictionReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evictions = append(o.evictions, eviction{key, reason})
}

func newTestCache(opts ...Option) (*Cache, *testclock.Clock, *recordingObserver) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	obs := &recordingObserver{}
	c := New(append([]Option{WithClock(clk), WithObserver(obs)}, opts...)...)
	return c, clk, obs
}

func TestCache_GetInsert(t *testing.T) {
	c, _, obs := newTestCache()

	_, ok := c.Get("k")
	assert.False(t, ok)

	value := []byte("v1")
	c.Insert("k", value)
	value[0] = 'x'

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v1", string(got))

	got[0] = 'y'
	again, _ := c.Get("k")
	assert.Equal(t, "v1", string(again))

	c.Insert("k", []byte("v2"))
	got, _ = c.Get("k")
	assert.Equal(t, "v2", string(got))

	assert.Equal(t, 3, obs.hits)
	assert.Equal(t, 1, obs.misses)
	assert.Equal(t, 2, obs.inserts)
}

func TestCache_TimeToIdle(t *testing.T) {
	c, clk, obs := newTestCache()
	c.Insert("k", []byte("v"))

	clk.Advance(DefaultTTI - time.Second)
	_, ok := c.Get("k")
	require.True(t, ok, "read before idle deadline")

	clk.Advance(DefaultTTI - time.Second)
	_, ok = c.Get("k")
	require.True(t, ok, "read renews the idle deadline")

	clk.Advance(DefaultTTI)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, []eviction{{"k", ReasonIdle}}, obs.evictions)
}

func TestCache_TimeToLiveWinsOverReads(t *testing.T) {
	c, clk, obs := newTestCache()
	c.Insert("k", []byte("v"))

	// Read every 50s: the idle timer never runs out, the lifetime does.
	for elapsed := time.Duration(0); elapsed+50*time.Second < DefaultTTL; elapsed += 50 * time.Second {
		clk.Advance(50 * time.Second)
		_, ok := c.Get("k")
		require.True(t, ok, "hit at %s", elapsed+50*time.Second)
	}

	clk.Advance(50 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, []eviction{{"k", ReasonExpired}}, obs.evictions)
}

func TestCache_IdleDeadlineCappedByLifetime(t *testing.T) {
	c, clk, obs := newTestCache(WithTTL(90*time.Second), WithTTI(60*time.Second))
	c.Insert("k", []byte("v"))

	clk.Advance(50 * time.Second)
	_, ok := c.Get("k")
	require.True(t, ok)

	clk.Advance(40 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, ReasonExpired, obs.evictions[0].reason)
}

func TestCache_LifetimeShorterThanIdle(t *testing.T) {
	c, clk, obs := newTestCache(WithTTL(30*time.Second), WithTTI(60*time.Second))
	c.Insert("k", []byte("v"))

	clk.Advance(29 * time.Second)
	assert.Equal(t, 1, c.Len())

	clk.Advance(time.Second)
	assert.Zero(t, c.Len(), "gone at the TTL deadline without any read")
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, []eviction{{"k", ReasonExpired}}, obs.evictions)
}

func TestCache_InsertIf(t *testing.T) {
	c, _, _ := newTestCache()

	generation := c.Generation()
	assert.True(t, c.InsertIf("todos:1", []byte("a"), generation))

	stale := c.Generation()
	assert.Zero(t, c.InvalidatePrefix("sessions:"), "nothing removed")
	assert.NotEqual(t, stale, c.Generation(), "every invalidation call counts")

	assert.False(t, c.InsertIf("todos:2", []byte("b"), stale))
	_, ok := c.Get("todos:2")
	assert.False(t, ok)

	assert.True(t, c.InsertIf("todos:2", []byte("b"), c.Generation()))
}

func TestCache_DisabledTimers(t *testing.T) {
	c, clk, _ := newTestCache(WithTTL(0), WithTTI(0))
	c.Insert("k", []byte("v"))

	clk.Advance(24 * time.Hour)
	_, ok := c.Get("k")
	assert.True(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	c, _, obs := newTestCache()
	c.Insert("todos:1", []byte("a"))
	c.Insert("todos:2", []byte("b"))
	c.Insert("todos_archive:1", []byte("c"))
	c.Insert("sessions:1", []byte("d"))

	assert.True(t, c.Invalidate("sessions:1"))
	assert.False(t, c.Invalidate("sessions:1"))

	assert.Equal(t, 2, c.InvalidatePrefix("todos:"))
	assert.Equal(t, 1, c.Len())

	n := c.InvalidateWhere(func(key string) bool { return key == "todos_archive:1" })
	assert.Equal(t, 1, n)
	assert.Zero(t, c.Len())

	for _, ev := range obs.evictions {
		assert.Equal(t, ReasonInvalidated, ev.reason)
	}
	assert.Len(t, obs.evictions, 4)
}

func TestCache_LenAndPurge(t *testing.T) {
	c, clk, _ := newTestCache()
	c.Insert("old", []byte("a"))
	clk.Advance(DefaultTTI / 2)
	c.Insert("new", []byte("b"))

	clk.Advance(DefaultTTI / 2)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Purge())

	c.mu.Lock()
	_, stillThere := c.entries["old"]
	c.mu.Unlock()
	assert.False(t, stillThere)
}

func TestCache_Run(t *testing.T) {
	c, clk, obs := newTestCache()
	c.Insert("k", []byte("v"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	clk.Advance(DefaultTTI)
	require.NoError(t, clk.WaitAdvance(DefaultPurgeInterval, time.Second, 1))

	assert.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.evictions) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
