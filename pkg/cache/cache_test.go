// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	// A long sweep interval keeps the background sweeper out of the way;
	// tests drive Sweep directly.
	c := New(WithSweepInterval(time.Hour))
	t.Cleanup(c.Stop)
	return c
}

func TestPutGet(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	key := PolicyKey("catalyst:acme.http:1.0.0")

	c.Put(key, "policy-value")

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "policy-value", got)
}

func TestGetMiss(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)

	_, ok := c.Get(SessionKey("unknown"))
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)
}

func TestExpiredEntryPurgedOnRead(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	key := ConfigKey("r:local.math:1.0.0")

	c.PutTTL(key, "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entry should be purged by the read")
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	key := PolicyKey("c:acme.http:1.0.0")

	c.Put(key, "v")
	c.Invalidate(key)

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestMatchByKindAndPrefix(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	c.Put(PolicyKey("catalyst:acme.http:1.0.0"), 1)
	c.Put(PolicyKey("catalyst:acme.db:1.0.0"), 2)
	c.Put(PolicyKey("reagent:local.math:1.0.0"), 3)
	c.Put(ConfigKey("catalyst:acme.http:1.0.0"), 4)

	all := c.Match("policy", "*")
	assert.Len(t, all, 3)

	acme := c.Match("policy", "catalyst:acme.*")
	assert.Len(t, acme, 2)

	exact := c.Match("policy", "reagent:local.math:1.0.0")
	require.Len(t, exact, 1)
	assert.Equal(t, 3, exact[0].Value)
}

func TestMatchSkipsExpired(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	c.PutTTL(SessionKey("dead"), "x", time.Millisecond)
	c.Put(SessionKey("live"), "y")
	time.Sleep(5 * time.Millisecond)

	got := c.Match("session", "*")
	require.Len(t, got, 1)
	assert.Equal(t, "live", got[0].Key.Ref)
}

func TestDeleteMatch(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	c.Put(PolicyKey("catalyst:acme.http:1.0.0"), 1)
	c.Put(PolicyKey("catalyst:acme.db:1.0.0"), 2)
	c.Put(PolicyKey("reagent:local.math:1.0.0"), 3)

	removed := c.DeleteMatch("policy", "catalyst:acme.*")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
}

// After a sweep at time t, no entry with an expiry before t survives.
func TestSweepRemovesAllExpired(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	for i := 0; i < 10; i++ {
		c.PutTTL(Key{Kind: "policy", Ref: fmt.Sprintf("ref-%d", i)}, i, time.Millisecond)
	}
	c.Put(SessionKey("survivor"), "v")
	time.Sleep(5 * time.Millisecond)

	removed := c.Sweep()
	assert.Equal(t, 10, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get(SessionKey("survivor"))
	assert.True(t, ok)
}

func TestBackgroundSweeper(t *testing.T) {
	t.Parallel()

	c := New(WithSweepInterval(10 * time.Millisecond))
	t.Cleanup(c.Stop)

	c.PutTTL(PolicyKey("short"), "v", time.Millisecond)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := Key{Kind: "session", Ref: fmt.Sprintf("tok-%d", n%4)}
			for j := 0; j < 200; j++ {
				c.Put(key, j)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	// Last-writer-wins: each contended key holds one of the written
	// values.
	for i := 0; i < 4; i++ {
		_, ok := c.Get(Key{Kind: "session", Ref: fmt.Sprintf("tok-%d", i)})
		assert.True(t, ok)
	}
}

func TestStatsCounts(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	key := PolicyKey("x")

	c.Put(key, 1)
	c.Get(key)
	c.Get(SessionKey("missing"))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}
