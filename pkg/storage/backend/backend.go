// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend provides the storage backend variants an upload session
// can be bound to: object-store multipart, block blob and resumable session.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

// ErrNotFound is wrapped by object store adapters when the remote
// resource (object, blob, multipart upload or session) no longer exists.
var ErrNotFound = errors.New("remote resource not found")

// Backend is one storage variant. Implementations own the session's
// extension fields and never touch the counters the storage layer keeps.
type Backend interface {
	Kind() types.BackendKind
	Type() types.StorageType

	// Create opens the remote upload target and records it in s.Ext.
	Create(ctx context.Context, s *types.Session) error

	// Write commits the part body at offset s.BytesWritten and returns the
	// new authoritative byte count.
	Write(ctx context.Context, s *types.Session, part *types.Part) (int64, error)

	// Commit turns the written bytes into the final object and sets s.URL.
	Commit(ctx context.Context, s *types.Session) error

	// Abort releases uncommitted remote state. Already-gone state is not an error.
	Abort(ctx context.Context, s *types.Session) error

	Copy(ctx context.Context, name, dest string) error
	DeleteObject(ctx context.Context, name string) error

	// ChecksumAlgorithms lists the digests accepted on writes.
	ChecksumAlgorithms() []string

	Close() error
}

type PresignedPart = types.PresignedPart

// Syncer reads the persisted byte count back from the remote store,
// updating the session extension to match.
type Syncer interface {
	Sync(ctx context.Context, s *types.Session) (int64, error)
}

// DirectUploader is implemented by backends that let clients upload parts
// straight to the object store. Progress is then learned through Sync.
type DirectUploader interface {
	Syncer
	// Presign returns count part URLs starting at the next part number.
	Presign(ctx context.Context, s *types.Session, count int) ([]PresignedPart, error)
}

// ObjectOptions carries object attributes set at creation.
type ObjectOptions struct {
	ContentType string
	Metadata    map[string]string
}

func objectOptions(s *types.Session) ObjectOptions {
	return ObjectOptions{ContentType: s.ContentType, Metadata: s.Metadata}
}

// readPart drains the part body into a pooled buffer. The returned release
// function must be called once the bytes are no longer needed.
func readPart(part *types.Part, limit int64) ([]byte, func(), error) {
	if part.ContentLength >= 0 && limit >= 0 && part.ContentLength > limit {
		return nil, nil, uploaderr.Newf(uploaderr.ErrRequestEntityTooLarge,
			"part of %d bytes exceeds the %d remaining", part.ContentLength, limit)
	}

	if part.ContentLength >= 0 {
		buf := utils.GetBuffer(int(part.ContentLength))
		if _, err := io.ReadFull(part.Body, buf); err != nil {
			utils.PutBuffer(buf)
			return nil, nil, bodyError(err)
		}
		// Drain to EOF so a checksum pipe gets to verify the digest.
		if n, err := io.Copy(io.Discard, part.Body); err != nil {
			utils.PutBuffer(buf)
			return nil, nil, bodyError(err)
		} else if n > 0 {
			utils.PutBuffer(buf)
			return nil, nil, uploaderr.Newf(uploaderr.ErrBadRequest, "body longer than declared length %d", part.ContentLength)
		}
		return buf, func() { utils.PutBuffer(buf) }, nil
	}

	r := part.Body
	if limit >= 0 {
		r = io.LimitReader(part.Body, limit+1)
	}
	b := utils.GetBytesBuffer()
	if _, err := b.ReadFrom(r); err != nil {
		utils.PutBytesBuffer(b)
		return nil, nil, bodyError(err)
	}
	if limit >= 0 && int64(b.Len()) > limit {
		utils.PutBytesBuffer(b)
		return nil, nil, uploaderr.Newf(uploaderr.ErrRequestEntityTooLarge, "body exceeds the %d bytes remaining", limit)
	}
	return b.Bytes(), func() { utils.PutBytesBuffer(b) }, nil
}

func bodyError(err error) error {
	var ue *uploaderr.Error
	if errors.As(err, &ue) {
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return uploaderr.Wrap(uploaderr.ErrRequestAborted, err, "body shorter than declared length")
	}
	return uploaderr.Wrap(uploaderr.ErrRequestAborted, err, "read request body")
}

// remaining returns the bytes still allowed for s, or -1 when unbounded.
func remaining(s *types.Session) int64 {
	if !s.SizeKnown() {
		return -1
	}
	return s.Remaining()
}

// Factory creates a Backend from config.
type Factory func(cfg types.BackendConfig) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[types.StorageType]Factory)
)

// Register adds a factory for a storage type.
func Register(t types.StorageType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = f
}

// New creates a Backend from config.
func New(cfg types.BackendConfig) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
	return f(cfg)
}

// Types returns the registered storage types.
func Types() []types.StorageType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]types.StorageType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Manager tracks the configured backends by id.
type Manager struct {
	mu       sync.RWMutex
	backends map[string]Backend
	configs  map[string]types.BackendConfig
}

func NewManager() *Manager {
	return &Manager{
		backends: make(map[string]Backend),
		configs:  make(map[string]types.BackendConfig),
	}
}

// Add creates and registers a backend, closing any previous one with the same id.
func (m *Manager) Add(id string, cfg types.BackendConfig) error {
	b, err := New(cfg)
	if err != nil {
		return fmt.Errorf("create backend %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.backends[id]; exists {
		old.Close()
	}
	m.backends[id] = b
	m.configs[id] = cfg
	return nil
}

func (m *Manager) Get(id string) (Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[id]
	return b, ok
}

// Config returns the configuration a backend was created with.
func (m *Manager) Config(id string) (types.BackendConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.configs[id]
	return c, ok
}

func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.backends[id]; ok {
		b.Close()
		delete(m.backends, id)
		delete(m.configs, id)
	}
	return nil
}

// List returns all backend ids in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.backends {
		b.Close()
	}
	m.backends = make(map[string]Backend)
	m.configs = make(map[string]types.BackendConfig)
	return nil
}
