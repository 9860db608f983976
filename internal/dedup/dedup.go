// Package dedup suppresses the echo of messages the client already inserted
// optimistically.
//
// When a message is sent, the UI shows it at once; moments later the backend
// broadcasts the same message back over the history stream. A [Cache] remembers
// recently accepted (content, role) pairs and rejects an identical pair seen
// again within a short window.
//
// A Cache is an owned value: construct one per consumer, pass it where it is
// needed, and [Cache.Reset] it on session boundaries.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/MrWong99/medscribe/internal/observe"
)

// Defaults for [New].
const (
	DefaultWindow   = 2 * time.Second
	DefaultCapacity = 512
)

type entry struct {
	key uint64
	at  time.Time
}

// Option configures a [Cache].
type Option func(*Cache)

// WithWindow sets the recency window. Default: 2s.
func WithWindow(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithCapacity bounds the number of remembered entries. The oldest entries
// are evicted first. Default: 512.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithMetrics counts rejections in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache is a bounded, time-windowed set of (content, role) pairs.
// All methods are safe for concurrent use.
type Cache struct {
	window   time.Duration
	capacity int
	metrics  *observe.Metrics

	mu      sync.Mutex
	entries []entry // insertion order
	newest  time.Time
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		window:   DefaultWindow,
		capacity: DefaultCapacity,
	}
	for _, o := range opts {
		o(c)
	}
	c.entries = make([]entry, 0, min(c.capacity, 64))
	return c
}

// Key hashes a (content, role) pair.
func Key(content, role string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(role)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(content)
	return d.Sum64()
}

// ShouldAccept reports whether a message with content and role stamped at ts
// is new. It is rejected if an equal pair was accepted less than the window
// before or after ts. Accepted messages are remembered.
func (c *Cache) ShouldAccept(content, role string, ts time.Time) bool {
	key := Key(content, role)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.key != key {
			continue
		}
		d := ts.Sub(e.at)
		if d < 0 {
			d = -d
		}
		if d < c.window {
			c.metrics.RecordDedupRejected(context.Background(), role)
			return false
		}
	}

	c.entries = append(c.entries, entry{key: key, at: ts})
	if ts.After(c.newest) {
		c.newest = ts
	}
	c.pruneLocked()
	return true
}

// pruneLocked drops entries that can no longer match anything newer than the
// newest timestamp seen, then enforces the capacity.
func (c *Cache) pruneLocked() {
	cutoff := c.newest.Add(-c.window)
	kept := c.entries[:0]
	for _, e := range c.entries {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
	if over := len(c.entries) - c.capacity; over > 0 {
		c.entries = append(c.entries[:0], c.entries[over:]...)
	}
}

// Len returns the number of remembered entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset forgets every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = c.entries[:0]
	c.newest = time.Time{}
}
