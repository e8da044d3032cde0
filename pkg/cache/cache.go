// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the process-wide TTL cache backing hot reads of
// policies, component configs, and sessions.
//
// Entries carry an absolute expiry; reads purge expired entries on contact
// and a background sweeper removes the rest on a fixed cadence. Writers race
// on exact-key insertion with last-writer-wins, which is acceptable because
// every cached value has a durable read-from-of-record in the relational
// store.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL applies when Put is called without an explicit TTL.
const DefaultTTL = 60 * time.Second

// DefaultSweepInterval is how often the background sweeper runs.
const DefaultSweepInterval = 60 * time.Second

// Key identifies a cache entry: a kind (policy, component_config, session)
// plus the subject reference or token.
type Key struct {
	Kind string
	Ref  string
}

// PolicyKey builds the cache key for a component's policy.
func PolicyKey(ref string) Key {
	return Key{Kind: "policy", Ref: ref}
}

// ConfigKey builds the cache key for a component's config entries.
func ConfigKey(ref string) Key {
	return Key{Kind: "component_config", Ref: ref}
}

// SessionKey builds the cache key for a session token.
func SessionKey(token string) Key {
	return Key{Kind: "session", Ref: token}
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Stats provides cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// Cache is the TTL map plus its sweeper. Create with New, release with
// Stop.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]entry

	defaultTTL    time.Duration
	sweepInterval time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL overrides the TTL applied by Put.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// WithSweepInterval overrides the sweeper cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Cache) { c.sweepInterval = interval }
}

// New creates a cache and starts its sweeper goroutine.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[Key]entry),
		defaultTTL:    DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepRoutine()
	return c
}

func (c *Cache) sweepRoutine() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCh:
			return
		}
	}
}

// Stop terminates the sweeper. The cache remains usable afterwards but no
// longer self-cleans.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Get returns the live value for key. Expired entries are purged on read and
// reported as a miss.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a writer may have refreshed it.
		if cur, still := c.entries[key]; still && time.Now().After(cur.expiresAt) {
			delete(c.entries, key)
			c.evictions.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Put stores value under key with the default TTL.
func (c *Cache) Put(key Key, value any) {
	c.PutTTL(key, value, c.defaultTTL)
}

// PutTTL stores value under key with an explicit TTL.
func (c *Cache) PutTTL(key Key, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate removes the entry for key if present.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// MatchEntry is a live entry returned by Match.
type MatchEntry struct {
	Key   Key
	Value any
}

// Match enumerates live entries whose kind equals kind and whose ref matches
// refPattern. A pattern is an exact ref or a prefix followed by `*`.
func (c *Cache) Match(kind, refPattern string) []MatchEntry {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []MatchEntry
	for k, e := range c.entries {
		if k.Kind != kind || now.After(e.expiresAt) {
			continue
		}
		if matchRef(k.Ref, refPattern) {
			out = append(out, MatchEntry{Key: k, Value: e.value})
		}
	}
	return out
}

// DeleteMatch removes every live entry matching kind and refPattern,
// returning how many were removed.
func (c *Cache) DeleteMatch(kind, refPattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if k.Kind != kind {
			continue
		}
		if matchRef(k.Ref, refPattern) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func matchRef(ref, pattern string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(ref, prefix)
	}
	return ref == pattern
}

// Sweep removes every entry whose expiry is in the past and returns the
// number removed.
func (c *Cache) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	c.evictions.Add(int64(removed))
	return removed
}

// Len returns the number of entries currently held, live or not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}
