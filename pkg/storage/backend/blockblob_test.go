// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

func newMemoryBlockBlob() (*BlockBlob, *MemoryStore) {
	store := NewMemoryStore("blobs")
	return NewBlockBlob(store, types.BackendConfig{Type: types.StorageTypeMemory}), store
}

func TestBlockBlob_AppendAndCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, store := newMemoryBlockBlob()
	s := newSession("blob", 8)

	require.NoError(t, b.Create(ctx, s))
	require.Equal(t, types.BackendBlockBlob, s.Ext.Kind)
	assert.Equal(t, "memory://blobs/blob.bin", s.Ext.BlockBlob.BlobURL)

	writeAll(t, b, s, "ab", "cdef", "gh")
	assert.Equal(t, int64(8), s.BytesWritten)
	assert.Equal(t, 3, s.Ext.BlockBlob.BlockCount)

	require.NoError(t, b.Commit(ctx, s))
	assert.Equal(t, s.Ext.BlockBlob.BlobURL, s.URL)

	data, ok := store.Object("blob.bin")
	require.True(t, ok)
	assert.Equal(t, "abcdefgh", string(data))

	n, err := b.Sync(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}

func TestBlockBlob_PositionConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, store := newMemoryBlockBlob()
	s := newSession("race", 10)
	require.NoError(t, b.Create(ctx, s))

	// Another writer appended behind our back.
	require.NoError(t, store.AppendBlock(ctx, s.Name, []byte("xyz"), 0, nil))

	n, err := b.Write(ctx, s, partOf([]byte("abc")))
	require.Error(t, err)
	assert.Equal(t, uploaderr.ErrFileConflict, uploaderr.CodeOf(err))
	assert.Equal(t, int64(0), n)
	assert.Equal(t, 0, s.Ext.BlockBlob.BlockCount)

	synced, err := b.Sync(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(3), synced)
}

func TestBlockBlob_AbortAndGone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, store := newMemoryBlockBlob()
	s := newSession("gone", 4)
	require.NoError(t, b.Create(ctx, s))

	require.NoError(t, b.Abort(ctx, s))
	require.NoError(t, b.Abort(ctx, s))
	_, ok := store.Object("gone.bin")
	assert.False(t, ok)

	_, err := b.Write(ctx, s, partOf([]byte("abcd")))
	assert.Equal(t, uploaderr.ErrGone, uploaderr.CodeOf(err))

	_, err = b.Sync(ctx, s)
	assert.Equal(t, uploaderr.ErrGone, uploaderr.CodeOf(err))
}

func TestBlockBlob_EmptyWriteIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _ := newMemoryBlockBlob()
	s := newSession("noop", 4)
	require.NoError(t, b.Create(ctx, s))

	n, err := b.Write(ctx, s, partOf(nil))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, 0, s.Ext.BlockBlob.BlockCount)
}

func TestBlockBlob_Copy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, store := newMemoryBlockBlob()
	s := newSession("orig", 3)
	require.NoError(t, b.Create(ctx, s))
	writeAll(t, b, s, "abc")

	require.NoError(t, b.Copy(ctx, "orig.bin", "copy.bin"))
	data, _ := store.Object("copy.bin")
	assert.Equal(t, "abc", string(data))

	assert.Equal(t, uploaderr.ErrFileNotFound, uploaderr.CodeOf(b.Copy(ctx, "nope", "x")))
	require.NoError(t, b.DeleteObject(ctx, "copy.bin"))
	require.NoError(t, b.DeleteObject(ctx, "copy.bin"))
}
