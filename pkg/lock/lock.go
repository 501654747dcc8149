// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package lock provides per-upload mutual exclusion.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

// DefaultAcquireTimeout bounds how long Lock waits before giving up with FileLocked.
const DefaultAcquireTimeout = 30 * time.Second

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker serializes access to a single upload id. Locks on different ids
// never block each other.
type Locker interface {
	Lock(ctx context.Context, id string) (Unlock, error)
}

// Memory is an in-process Locker.
type Memory struct {
	entries *utils.ShardedMap[*entry]
	timeout time.Duration
}

type entry struct {
	sem  chan struct{}
	refs int
}

// NewMemory returns an in-process Locker. A non-positive timeout selects
// DefaultAcquireTimeout.
func NewMemory(timeout time.Duration) *Memory {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	return &Memory{
		entries: utils.NewShardedMap[*entry](),
		timeout: timeout,
	}
}

func (m *Memory) acquireRef(id string) *entry {
	e, _ := m.entries.Compute(id, func(old *entry, ok bool) (*entry, bool) {
		if !ok {
			old = &entry{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, true
	})
	return e
}

func (m *Memory) releaseRef(id string) {
	m.entries.Compute(id, func(old *entry, ok bool) (*entry, bool) {
		if !ok {
			return nil, false
		}
		old.refs--
		return old, old.refs > 0
	})
}

func (m *Memory) Lock(ctx context.Context, id string) (Unlock, error) {
	e := m.acquireRef(id)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.releaseRef(id)
		return nil, acquireError(id, ctx.Err())
	case <-timer.C:
		m.releaseRef(id)
		return nil, uploaderr.Newf(uploaderr.ErrFileLocked, "upload %s is locked", id)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.releaseRef(id)
		})
	}, nil
}

// Held returns the number of ids that currently have a holder or waiter.
func (m *Memory) Held() int {
	return m.entries.Len()
}

func acquireError(id string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return uploaderr.Wrap(uploaderr.ErrFileLocked, err, "upload "+id+" is locked")
	}
	return uploaderr.Wrap(uploaderr.ErrRequestAborted, err, "lock wait aborted")
}
