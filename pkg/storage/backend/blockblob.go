// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

// ErrPositionMismatch is wrapped when the remote blob length differs from
// the append offset.
var ErrPositionMismatch = errors.New("append position mismatch")

// AppendBlobStore is a single-stream blob API.
type AppendBlobStore interface {
	CreateAppendBlob(ctx context.Context, name string, opts ObjectOptions) (url string, err error)
	// AppendBlock appends data only if the blob is exactly position bytes long.
	AppendBlock(ctx context.Context, name string, data []byte, position int64, sum *types.Checksum) error
	BlobSize(ctx context.Context, name string) (int64, error)
	DeleteBlob(ctx context.Context, name string) error
	CopyBlob(ctx context.Context, src, dst string) error
	ChecksumAlgorithms() []string
}

// BlockBlob streams each write into one blob; there are no discrete parts
// and completion is only a matter of having written the declared size.
type BlockBlob struct {
	store       AppendBlobStore
	storageType types.StorageType
}

func NewBlockBlob(store AppendBlobStore, cfg types.BackendConfig) *BlockBlob {
	return &BlockBlob{store: store, storageType: cfg.Type}
}

func (b *BlockBlob) Kind() types.BackendKind      { return types.BackendBlockBlob }
func (b *BlockBlob) Type() types.StorageType      { return b.storageType }
func (b *BlockBlob) ChecksumAlgorithms() []string { return b.store.ChecksumAlgorithms() }

func (b *BlockBlob) Create(ctx context.Context, s *types.Session) error {
	url, err := b.store.CreateAppendBlob(ctx, s.Name, objectOptions(s))
	if err != nil {
		return uploaderr.Wrap(uploaderr.ErrFileError, err, "create blob")
	}
	s.Ext = types.NewBlockBlobExt(url)
	return nil
}

func (b *BlockBlob) ext(s *types.Session) (*types.BlockBlobExt, error) {
	if s.Ext.Kind != types.BackendBlockBlob || s.Ext.BlockBlob == nil {
		return nil, fmt.Errorf("session %s is not a block blob session (%s)", s.ID, s.Ext.Kind)
	}
	return s.Ext.BlockBlob, nil
}

func (b *BlockBlob) Write(ctx context.Context, s *types.Session, part *types.Part) (int64, error) {
	ext, err := b.ext(s)
	if err != nil {
		return s.BytesWritten, err
	}
	data, release, err := readPart(part, remaining(s))
	if err != nil {
		return s.BytesWritten, err
	}
	defer release()

	if len(data) == 0 {
		return s.BytesWritten, nil
	}
	if err := b.store.AppendBlock(ctx, s.Name, data, s.BytesWritten, part.Checksum); err != nil {
		switch {
		case errors.Is(err, ErrPositionMismatch):
			return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrFileConflict, err, "blob length differs from upload offset")
		case errors.Is(err, ErrNotFound):
			return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrGone, err, "blob no longer exists")
		}
		return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrFileError, err, "append block")
	}
	ext.BlockCount++

	log.Debug().Str("id", s.ID).Int("blocks", ext.BlockCount).Int("size", len(data)).Msg("block appended")
	return s.BytesWritten + int64(len(data)), nil
}

// Commit has nothing to finalize; appended blocks are already durable.
func (b *BlockBlob) Commit(_ context.Context, s *types.Session) error {
	ext, err := b.ext(s)
	if err != nil {
		return err
	}
	s.URL = ext.BlobURL
	return nil
}

func (b *BlockBlob) Abort(ctx context.Context, s *types.Session) error {
	if err := b.store.DeleteBlob(ctx, s.Name); err != nil && !errors.Is(err, ErrNotFound) {
		return uploaderr.Wrap(uploaderr.ErrStorageError, err, "delete blob")
	}
	return nil
}

func (b *BlockBlob) Copy(ctx context.Context, name, dest string) error {
	if err := b.store.CopyBlob(ctx, name, dest); err != nil {
		return copyError(err)
	}
	return nil
}

func (b *BlockBlob) DeleteObject(ctx context.Context, name string) error {
	if err := b.store.DeleteBlob(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
		return uploaderr.Wrap(uploaderr.ErrStorageError, err, "delete blob")
	}
	return nil
}

// Sync reads back the committed blob length.
func (b *BlockBlob) Sync(ctx context.Context, s *types.Session) (int64, error) {
	n, err := b.store.BlobSize(ctx, s.Name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrGone, err, "blob no longer exists")
		}
		return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrStorageError, err, "read blob length")
	}
	return n, nil
}

func (b *BlockBlob) Close() error {
	return nil
}

var (
	_ Backend = (*BlockBlob)(nil)
	_ Syncer  = (*BlockBlob)(nil)
)
