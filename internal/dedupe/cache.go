// ABOUTME: Thread-safe TTL cache for rejecting replayed inbound message IDs.
// ABOUTME: Consulted by gateway dispatch before a message reaches the binding resolver.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-control/internal/clock"
)

const (
	// DefaultTTL is how long a message ID is remembered.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxEntries caps how many IDs are remembered at once.
	DefaultMaxEntries = 100_000

	maxSweepInterval = time.Minute
)

// Options configures a Cache. Zero values fall back to defaults.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Clock      clock.Clock
}

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers recently seen message IDs for a bounded time and a
// bounded count. When full, the least recently seen ID is evicted.
type Cache struct {
	ttl        time.Duration
	maxEntries int
	clock      clock.Clock

	mu     sync.Mutex
	seen   map[string]*cacheEntry
	order  *list.List // oldest at front
	ticker *clock.Ticker
	done   chan struct{}
	closed bool
}

// New creates a Cache and starts its background sweeper. Call Close to
// stop it.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	c := &Cache{
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		clock:      opts.Clock,
		seen:       make(map[string]*cacheEntry),
		order:      list.New(),
		ticker:     opts.Clock.NewTicker(min(opts.TTL, maxSweepInterval)),
		done:       make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether id was observed within the TTL.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[id]
	return ok && c.liveLocked(e, c.clock.Now())
}

// Observe records id and reports whether it was already seen within the
// TTL. The check and the record happen under one lock, so concurrent
// callers with the same ID get exactly one false.
func (c *Cache) Observe(id string) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.seen[id]; ok && c.liveLocked(e, now) {
		return true
	}
	c.markLocked(id, now)
	return false
}

// Forget drops id so it may be observed again, for a message whose
// dispatch failed and should be retried by the sender.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[id]; ok {
		c.order.Remove(e.element)
		delete(c.seen, id)
	}
}

// Len returns the number of remembered IDs, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep removes expired IDs and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	// Entries are ordered by seenAt, so the expired ones form a prefix.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id, _ := front.Value.(string)
		if c.liveLocked(c.seen[id], now) {
			break
		}
		c.order.Remove(front)
		delete(c.seen, id)
		removed++
	}
	return removed
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.ticker.Stop()
		close(c.done)
	}
}

func (c *Cache) liveLocked(e *cacheEntry, now time.Time) bool {
	return now.Sub(e.seenAt) < c.ttl
}

func (c *Cache) markLocked(id string, now time.Time) {
	if e, ok := c.seen[id]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxEntries {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[id] = &cacheEntry{seenAt: now, element: c.order.PushBack(id)}
}

func (c *Cache) sweepLoop() {
	for {
		select {
		case <-c.ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
