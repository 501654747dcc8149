// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache provides a concurrent string-keyed cache with optional
// expiry and size bound.
package cache

import (
	"iter"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

type entry[V any] struct {
	value      V
	storedAt   int64
	lastAccess atomic.Int64
}

// Cache holds values for a limited time.
//
// Usage:
//
//	c := cache.New[*types.Session](
//	    cache.WithExpiry[*types.Session](time.Hour),
//	    cache.WithMaxSize[*types.Session](10000),
//	)
//	defer c.Stop()
type Cache[V any] struct {
	store *utils.ShardedMap[*entry[V]]

	// Max size (0 = unlimited). The least recently read entry is evicted.
	maxSize int

	// Entries expire this long after Set (0 = never).
	expiry time.Duration

	cleanupTimer *time.Timer
	stopped      atomic.Bool

	now func() time.Time
}

type Option[V any] func(*Cache[V])

func WithMaxSize[V any](maxSize int) Option[V] {
	return func(c *Cache[V]) {
		c.maxSize = maxSize
	}
}

// WithExpiry sets the entry TTL and starts a background sweep.
func WithExpiry[V any](expiry time.Duration) Option[V] {
	return func(c *Cache[V]) {
		c.expiry = expiry
	}
}

func New[V any](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		store: utils.NewShardedMap[*entry[V]](),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.expiry > 0 {
		c.cleanupTimer = time.AfterFunc(c.expiry, c.sweep)
	}
	return c
}

func (c *Cache[V]) sweep() {
	c.DeleteExpired()
	if !c.stopped.Load() {
		c.cleanupTimer.Reset(c.expiry)
	}
}

// DeleteExpired removes expired entries and returns how many were removed.
func (c *Cache[V]) DeleteExpired() int {
	if c.expiry == 0 {
		return 0
	}
	now := c.now().UnixNano()
	return c.store.DeleteIf(func(_ string, e *entry[V]) bool {
		return c.expired(e, now)
	})
}

func (c *Cache[V]) expired(e *entry[V], now int64) bool {
	return c.expiry > 0 && now-e.storedAt > c.expiry.Nanoseconds()
}

// Stop ends the background sweep.
func (c *Cache[V]) Stop() {
	if c.cleanupTimer != nil && c.stopped.CompareAndSwap(false, true) {
		c.cleanupTimer.Stop()
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	e, ok := c.store.Load(key)
	now := c.now().UnixNano()
	if !ok || c.expired(e, now) {
		var zero V
		return zero, false
	}
	e.lastAccess.Store(now)
	return e.value, true
}

func (c *Cache[V]) Set(key string, value V) {
	now := c.now().UnixNano()
	e := &entry[V]{value: value, storedAt: now}
	e.lastAccess.Store(now)

	if c.maxSize > 0 && c.store.Len() >= c.maxSize {
		if _, exists := c.store.Load(key); !exists {
			c.evictOldest()
		}
	}
	c.store.Store(key, e)
}

func (c *Cache[V]) evictOldest() {
	var (
		oldestKey  string
		oldestTime int64
		found      bool
	)
	c.store.Range(func(k string, e *entry[V]) bool {
		t := e.lastAccess.Load()
		if !found || t < oldestTime {
			oldestKey, oldestTime, found = k, t, true
		}
		return true
	})
	if found {
		c.store.Delete(oldestKey)
	}
}

func (c *Cache[V]) Delete(key string) {
	c.store.Delete(key)
}

func (c *Cache[V]) Size() int {
	return c.store.Len()
}

// All iterates over live entries.
func (c *Cache[V]) All() iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		now := c.now().UnixNano()
		c.store.Range(func(k string, e *entry[V]) bool {
			if c.expired(e, now) {
				return true
			}
			return yield(k, e.value)
		})
	}
}
