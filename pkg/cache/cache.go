// Package cache is a TTL cache of computed results keyed by canonical request signatures.
package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/datacore/pkg/core/failfast"
)

const (
	DefaultTTL           = 60 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Config configures a Cache
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	// Now is the clock (default time.Now)
	Now func() time.Time
	// OnSweep observes the number of entries removed by each sweep
	OnSweep func(removed int)
}

// Stats are cumulative counters
type Stats struct {
	Hits          uint64
	Misses        uint64
	Stores        uint64
	Evictions     uint64
	Invalidations uint64
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache stores values for TTL. Expired entries read as misses and are
// purged lazily, either on access or by a sweep that runs from Lookup/Store
// at most once per SweepInterval. There is no background goroutine.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]entry[V]
	ttl        time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time
	now        func() time.Time
	onSweep    func(int)
	stats      Stats
}

// New creates a cache; zero durations take the defaults
func New[V any](cfg Config) *Cache[V] {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	failfast.Positive(cfg.TTL, "TTL")
	failfast.Positive(cfg.SweepInterval, "SweepInterval")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache[V]{
		entries:    make(map[string]entry[V]),
		ttl:        cfg.TTL,
		sweepEvery: cfg.SweepInterval,
		lastSweep:  cfg.Now(),
		now:        cfg.Now,
		onSweep:    cfg.OnSweep,
	}
}

func (c *Cache[V]) expired(e entry[V], now time.Time) bool {
	return now.Sub(e.storedAt) >= c.ttl
}

// sweepLocked removes expired entries when the sweep window has elapsed
func (c *Cache[V]) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) <= c.sweepEvery {
		return
	}
	removed := 0
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
			removed++
		}
	}
	c.lastSweep = now
	c.stats.Evictions += uint64(removed)
	if c.onSweep != nil {
		c.onSweep(removed)
	}
}

// Lookup returns the value stored under key if it has not expired
func (c *Cache[V]) Lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	if c.expired(e, now) {
		delete(c.entries, key)
		c.stats.Evictions++
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Store saves value under key, replacing any previous entry
func (c *Cache[V]) Store(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)
	c.entries[key] = entry[V]{value: value, storedAt: now}
	c.stats.Stores++
}

// InvalidateAll removes every entry
func (c *Cache[V]) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]entry[V])
	c.stats.Invalidations++
	return n
}

// Len returns the number of stored entries, including expired ones not yet purged
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Signature returns a canonical encoding of v. Object keys are sorted at
// every depth, so two values that differ only in key order encode the same.
// Array order is preserved and numbers are kept as written, so integers
// beyond float64 precision stay distinct.
func Signature(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cache: signature: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("cache: signature: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("cache: signature: %w", err)
	}
	return string(out), nil
}
