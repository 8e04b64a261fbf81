// Package cache provides a cache-aside layer for query results.
//
// The core Cache maps opaque string keys to opaque byte values and evicts
// an entry when either of two timers runs out: a time-to-live fixed at
// insertion and a time-to-idle renewed on every read. Typed wraps it with
// a Codec and computes missing values once per key. The Invalidator drops
// every entry whose prefix depends on an aggregate type as soon as the bus
// reports an event of that type.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
)

const (
	// DefaultTTL is the lifetime of an entry from insertion.
	DefaultTTL = 5 * time.Minute

	// DefaultTTI is the lifetime of an entry from its last read.
	DefaultTTI = 60 * time.Second

	// DefaultPurgeInterval is how often Run removes expired entries.
	DefaultPurgeInterval = 30 * time.Second
)

// EvictionReason tells why an entry left the cache.
type EvictionReason string

const (
	ReasonExpired     EvictionReason = "expired"
	ReasonIdle        EvictionReason = "idle"
	ReasonInvalidated EvictionReason = "invalidated"
)

// Observer is notified of cache activity. Implementations must be cheap
// and safe for concurrent use; they are called with the cache lock held.
type Observer interface {
	Hit(key string)
	Miss(key string)
	Inserted(key string)
	Evicted(key string, reason EvictionReason)
}

type nopObserver struct{}

func (nopObserver) Hit(string)                     {}
func (nopObserver) Miss(string)                    {}
func (nopObserver) Inserted(string)                {}
func (nopObserver) Evicted(string, EvictionReason) {}

type entry struct {
	value    []byte
	expires  time.Time
	idle     time.Time
	lifetime bool
	idles    bool
}

// expired reports whether either timer has run out at now, and which.
func (e *entry) expired(now time.Time) (EvictionReason, bool) {
	if e.lifetime && !now.Before(e.expires) {
		return ReasonExpired, true
	}
	if e.idles && !now.Before(e.idle) {
		return ReasonIdle, true
	}
	return "", false
}

// Cache is a byte cache with TTL and TTI eviction. It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	ttl      time.Duration
	tti      time.Duration
	interval time.Duration
	clock    clock.Clock
	observer Observer

	// generation counts invalidation calls. Values computed before an
	// invalidation are not inserted after it.
	generation uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the time-to-live. A non-positive value disables it.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		c.ttl = d
	}
}

// WithTTI sets the time-to-idle. A non-positive value disables it.
func WithTTI(d time.Duration) Option {
	return func(c *Cache) {
		c.tti = d
	}
}

// WithClock sets the clock used for expiry.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clk
	}
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(c *Cache) {
		c.observer = o
	}
}

// WithPurgeInterval sets how often Run purges expired entries.
func WithPurgeInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.interval = d
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]*entry),
		ttl:      DefaultTTL,
		tti:      DefaultTTI,
		interval: DefaultPurgeInterval,
		clock:    clock.WallClock,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the value stored under key and renews its idle timer.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e, ok := c.entries[key]
	if ok {
		if reason, gone := e.expired(now); gone {
			delete(c.entries, key)
			c.observer.Evicted(key, reason)
			ok = false
		}
	}
	if !ok {
		c.observer.Miss(key)
		return nil, false
	}

	c.touch(e, now)
	c.observer.Hit(key)
	return clone(e.value), true
}

// touch renews the idle deadline without letting it pass the TTL deadline.
func (c *Cache) touch(e *entry, now time.Time) {
	if !e.idles {
		return
	}
	e.idle = now.Add(c.tti)
	if e.lifetime && e.idle.After(e.expires) {
		e.idle = e.expires
	}
}

// Insert stores a copy of value under key, replacing any previous entry.
func (c *Cache) Insert(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(key, value)
}

// Generation returns a token that changes with every invalidation call,
// whether or not it removed anything.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// InsertIf stores value under key only if no invalidation happened since
// generation was read. It reports whether the value was stored.
func (c *Cache) InsertIf(key string, value []byte, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != generation {
		return false
	}
	c.insert(key, value)
	return true
}

func (c *Cache) insert(key string, value []byte) {
	now := c.clock.Now()
	e := &entry{
		value:    clone(value),
		lifetime: c.ttl > 0,
		idles:    c.tti > 0,
	}
	if e.lifetime {
		e.expires = now.Add(c.ttl)
	}
	c.touch(e, now)

	c.entries[key] = e
	c.observer.Inserted(key)
}

// Invalidate removes key. It reports whether an entry was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.observer.Evicted(key, ReasonInvalidated)
	return true
}

// InvalidateWhere removes every entry whose key satisfies pred and
// returns how many were removed.
func (c *Cache) InvalidateWhere(pred func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	n := 0
	for key := range c.entries {
		if pred(key) {
			delete(c.entries, key)
			c.observer.Evicted(key, ReasonInvalidated)
			n++
		}
	}
	return n
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(prefix string) int {
	return c.InvalidateWhere(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// Len returns the number of unexpired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	n := 0
	for _, e := range c.entries {
		if _, gone := e.expired(now); !gone {
			n++
		}
	}
	return n
}

// Purge removes expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	n := 0
	for key, e := range c.entries {
		if reason, gone := e.expired(now); gone {
			delete(c.entries, key)
			c.observer.Evicted(key, reason)
			n++
		}
	}
	return n
}

// Run purges expired entries periodically until ctx is done.
// Expired entries are never returned by Get even without Run; it only
// bounds memory.
func (c *Cache) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.interval):
			c.Purge()
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
