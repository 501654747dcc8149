// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"time"

	"github.com/LeeDigitalWorks/zapload/pkg/lock"
	"github.com/LeeDigitalWorks/zapload/pkg/metastore"
	"github.com/LeeDigitalWorks/zapload/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

const (
	// DefaultCompletedTTL is how long completed sessions stay answerable
	// after their persisted record is removed.
	DefaultCompletedTTL = time.Hour

	// DefaultCompletedCacheSize bounds the completed-session cache.
	DefaultCompletedCacheSize = 10000

	// DefaultPurgeConcurrency is the number of expired sessions deleted in parallel.
	DefaultPurgeConcurrency = 5
)

// Hook is called after a lifecycle transition with a copy of the session.
type Hook func(ctx context.Context, s *types.Session)

// Expiration controls when sessions stop accepting writes.
type Expiration struct {
	// MaxAge is the session lifetime. Zero disables expiration.
	MaxAge time.Duration `mapstructure:"max_age"`
	// Rolling extends ExpiredAt by MaxAge on every write.
	Rolling bool `mapstructure:"rolling"`
	// PurgeInterval is how often expired sessions are deleted. Zero disables the sweep.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// Config holds the collaborators and policy of a Service.
type Config struct {
	Backend   backend.Backend
	MetaStore metastore.MetaStore
	Locker    lock.Locker

	// Naming resolves the storage key of a new session. Defaults to DefaultNaming.
	Naming NamingFunc
	// Validators run after the built-in checks; the first error wins.
	Validators []Validator

	// MaxUploadSize rejects larger declared sizes. Zero means unlimited.
	MaxUploadSize int64
	// AllowedTypes restricts content types. Entries may be "type/*".
	AllowedTypes []string

	Expiration Expiration

	// ErrorTable normalizes backend faults for logs and metrics.
	ErrorTable *uploaderr.Table

	CompletedTTL       time.Duration
	CompletedCacheSize int
	PurgeConcurrency   int

	OnCreate   Hook
	OnComplete Hook
	OnDelete   Hook

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// DefaultConfig returns an in-process configuration over the memory backend.
func DefaultConfig() Config {
	return Config{
		Backend:            backend.NewMultipart(backend.NewMemoryStore(""), types.BackendConfig{Type: types.StorageTypeMemory, MinPartSize: -1}),
		MetaStore:          metastore.NewMemory(),
		Locker:             lock.NewMemory(lock.DefaultAcquireTimeout),
		Naming:             DefaultNaming,
		ErrorTable:         uploaderr.DefaultTable(),
		CompletedTTL:       DefaultCompletedTTL,
		CompletedCacheSize: DefaultCompletedCacheSize,
		PurgeConcurrency:   DefaultPurgeConcurrency,
		Now:                time.Now,
	}
}
