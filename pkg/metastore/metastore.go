// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package metastore persists upload session records keyed by upload id.
package metastore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

// MetaStore is durable key/value storage for sessions. Get returns a
// FileNotFound error for unknown ids; Delete is a no-op for them.
type MetaStore interface {
	Get(ctx context.Context, id string) (*types.Session, error)
	Save(ctx context.Context, s *types.Session) error
	// Touch marks the record as recently used without rewriting it.
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// List returns all sessions whose id starts with prefix.
	List(ctx context.Context, prefix string) ([]*types.Session, error)
}

func notFound(id string) error {
	return uploaderr.Newf(uploaderr.ErrFileNotFound, "upload %s not found", id)
}

// Memory keeps sessions in process. Records are cloned on the way in and out.
type Memory struct {
	sessions *utils.ShardedMap[*types.Session]
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sessions: utils.NewShardedMap[*types.Session](), now: time.Now}
}

func (m *Memory) Get(_ context.Context, id string) (*types.Session, error) {
	s, ok := m.sessions.Load(id)
	if !ok {
		return nil, notFound(id)
	}
	return s.Clone(), nil
}

func (m *Memory) Save(_ context.Context, s *types.Session) error {
	m.sessions.Store(s.ID, s.Clone())
	return nil
}

func (m *Memory) Touch(_ context.Context, id string) error {
	_, ok := m.sessions.Compute(id, func(old *types.Session, ok bool) (*types.Session, bool) {
		if !ok {
			return nil, false
		}
		c := old.Clone()
		c.UpdatedAt = m.now()
		return c, true
	})
	if !ok {
		return notFound(id)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.sessions.Delete(id)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]*types.Session, error) {
	var out []*types.Session
	m.sessions.Range(func(id string, s *types.Session) bool {
		if strings.HasPrefix(id, prefix) {
			out = append(out, s.Clone())
		}
		return true
	})
	sortSessions(out)
	return out, nil
}

func sortSessions(s []*types.Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}
