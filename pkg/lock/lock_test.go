// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupRedis(t *testing.T, cfg RedisConfig) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, NewRedis(client, cfg)
}

func lockers(t *testing.T) map[string]Locker {
	_, r := setupRedis(t, RedisConfig{
		TTL:            time.Second,
		RetryInterval:  2 * time.Millisecond,
		AcquireTimeout: 200 * time.Millisecond,
	})
	return map[string]Locker{
		"memory": NewMemory(200 * time.Millisecond),
		"redis":  r,
	}
}

func TestLocker_SerializesSameID(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var inside, maxInside atomic.Int32
			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := l.Lock(context.Background(), "upload-1")
					if !assert.NoError(t, err) {
						return
					}
					n := inside.Add(1)
					for {
						m := maxInside.Load()
						if n <= m || maxInside.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					unlock()
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside.Load())
		})
	}
}

func TestLocker_DifferentIDsDoNotBlock(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlockA, err := l.Lock(context.Background(), "a")
			require.NoError(t, err)
			defer unlockA()

			unlockB, err := l.Lock(context.Background(), "b")
			require.NoError(t, err)
			unlockB()
		})
	}
}

func TestLocker_TimeoutIsFileLocked(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "busy")
			require.NoError(t, err)
			defer unlock()

			_, err = l.Lock(context.Background(), "busy")
			require.Error(t, err)
			assert.True(t, uploaderr.HasCode(err, uploaderr.ErrFileLocked), err.Error())
		})
	}
}

func TestLocker_CancelledWait(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := l.Lock(context.Background(), "c")
			require.NoError(t, err)
			defer unlock()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err = l.Lock(ctx, "c")
			require.Error(t, err)
			assert.True(t, uploaderr.HasCode(err, uploaderr.ErrRequestAborted), err.Error())
		})
	}
}

func TestMemory_ReleasesEntries(t *testing.T) {
	l := NewMemory(time.Second)
	unlock, err := l.Lock(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Held())
	unlock()
	unlock()
	assert.Equal(t, 0, l.Held())
}

func TestRedis_UnlockOnlyOwnToken(t *testing.T) {
	s, l := setupRedis(t, RedisConfig{TTL: time.Second, AcquireTimeout: 50 * time.Millisecond})

	unlock, err := l.Lock(context.Background(), "owned")
	require.NoError(t, err)

	// Simulate the lease expiring and another server taking it.
	s.Set("zapload:lock:owned", "someone-else")
	unlock()

	v, err := s.Get("zapload:lock:owned")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRedis_LeaseRenewed(t *testing.T) {
	s, l := setupRedis(t, RedisConfig{TTL: 300 * time.Millisecond, AcquireTimeout: 50 * time.Millisecond})

	unlock, err := l.Lock(context.Background(), "long")
	require.NoError(t, err)
	defer unlock()

	s.FastForward(200 * time.Millisecond)
	require.LessOrEqual(t, s.TTL("zapload:lock:long"), 100*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Greater(t, s.TTL("zapload:lock:long"), 200*time.Millisecond)
}
