// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedMap_BasicOperations(t *testing.T) {
	t.Parallel()

	sm := NewShardedMap[int]()
	sm.Store("a", 1)
	sm.Store("b", 2)

	v, ok := sm.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = sm.Load("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, sm.Len())

	sm.Delete("a")
	_, ok = sm.Load("a")
	assert.False(t, ok)
	assert.Equal(t, 1, sm.Len())
}

func TestShardedMap_LoadOrStore(t *testing.T) {
	t.Parallel()

	sm := NewShardedMap[string]()
	v, loaded := sm.LoadOrStore("k", "first")
	assert.False(t, loaded)
	assert.Equal(t, "first", v)

	v, loaded = sm.LoadOrStore("k", "second")
	assert.True(t, loaded)
	assert.Equal(t, "first", v)
}

func TestShardedMap_Compute(t *testing.T) {
	t.Parallel()

	sm := NewShardedMap[int]()
	incr := func(old int, _ bool) (int, bool) { return old + 1, true }

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.Compute("counter", incr)
		}()
	}
	wg.Wait()

	v, _ := sm.Load("counter")
	assert.Equal(t, 50, v)

	_, kept := sm.Compute("counter", func(int, bool) (int, bool) { return 0, false })
	assert.False(t, kept)
	_, ok := sm.Load("counter")
	assert.False(t, ok)
}

func TestShardedMap_RangeAndDeleteIf(t *testing.T) {
	t.Parallel()

	sm := NewShardedMap[int]()
	for i := range 100 {
		sm.Store(fmt.Sprintf("key-%d", i), i)
	}

	seen := 0
	sm.Range(func(string, int) bool {
		seen++
		return true
	})
	assert.Equal(t, 100, seen)

	removed := sm.DeleteIf(func(_ string, v int) bool { return v%2 == 0 })
	assert.Equal(t, 50, removed)
	assert.Equal(t, 50, sm.Len())
}
