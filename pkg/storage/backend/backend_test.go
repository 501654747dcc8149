// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeeDigitalWorks/zapload/pkg/checksum"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

// ============================================================================
// Helpers
// ============================================================================

func newSession(id string, size int64) *types.Session {
	now := time.Now()
	return &types.Session{
		ID:          id,
		Name:        id + ".bin",
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"owner": "test"},
		Size:        size,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func partOf(data []byte) *types.Part {
	return &types.Part{Body: bytes.NewReader(data), ContentLength: int64(len(data))}
}

// ============================================================================
// Registry Tests
// ============================================================================

func TestRegister_CustomType(t *testing.T) {
	t.Parallel()

	custom := types.StorageType("test-custom")
	Register(custom, func(cfg types.BackendConfig) (Backend, error) {
		return NewBlockBlob(NewMemoryStore(cfg.Bucket), cfg), nil
	})

	b, err := New(types.BackendConfig{Type: custom})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, custom, b.Type())
	assert.Equal(t, types.BackendBlockBlob, b.Kind())
	assert.Contains(t, Types(), custom)
}

func TestNew_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := New(types.BackendConfig{Type: "unknown-type"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestNew_Memory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  types.BackendConfig
		kind types.BackendKind
	}{
		{"default is multipart", types.BackendConfig{Type: types.StorageTypeMemory}, types.BackendMultipart},
		{
			"block blob option",
			types.BackendConfig{Type: types.StorageTypeMemory, Options: map[string]string{"kind": "block_blob"}},
			types.BackendBlockBlob,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, err := New(tc.cfg)
			require.NoError(t, err)
			defer b.Close()
			assert.Equal(t, tc.kind, b.Kind())
			assert.Equal(t, types.StorageTypeMemory, b.Type())
		})
	}
}

func TestNew_GCSRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(types.BackendConfig{Type: types.StorageTypeGCS, Options: map[string]string{"anonymous": "true"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket required")
}

// ============================================================================
// Manager Tests
// ============================================================================

func TestManager_Lifecycle(t *testing.T) {
	t.Parallel()

	m := NewManager()
	defer m.Close()

	require.NoError(t, m.Add("b", types.BackendConfig{Type: types.StorageTypeMemory, Bucket: "two"}))
	require.NoError(t, m.Add("a", types.BackendConfig{Type: types.StorageTypeMemory, Bucket: "one"}))
	assert.Equal(t, []string{"a", "b"}, m.List())

	b, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, types.BackendMultipart, b.Kind())

	cfg, ok := m.Config("b")
	require.True(t, ok)
	assert.Equal(t, "two", cfg.Bucket)

	require.NoError(t, m.Remove("a"))
	_, ok = m.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, m.List())

	err := m.Add("bad", types.BackendConfig{Type: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create backend bad")
}

// ============================================================================
// readPart Tests
// ============================================================================

func TestReadPart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		part    *types.Part
		limit   int64
		want    string
		errCode uploaderr.ErrorCode
	}{
		{
			name:  "declared length",
			part:  partOf([]byte("hello")),
			limit: 10,
			want:  "hello",
		},
		{
			name:  "unknown length unbounded",
			part:  &types.Part{Body: strings.NewReader("stream"), ContentLength: -1},
			limit: -1,
			want:  "stream",
		},
		{
			name:    "declared length over limit",
			part:    partOf([]byte("hello")),
			limit:   4,
			errCode: uploaderr.ErrRequestEntityTooLarge,
		},
		{
			name:    "unknown length over limit",
			part:    &types.Part{Body: strings.NewReader("hello"), ContentLength: -1},
			limit:   4,
			errCode: uploaderr.ErrRequestEntityTooLarge,
		},
		{
			name:    "body shorter than declared",
			part:    &types.Part{Body: strings.NewReader("hi"), ContentLength: 5},
			limit:   -1,
			errCode: uploaderr.ErrRequestAborted,
		},
		{
			name:    "body longer than declared",
			part:    &types.Part{Body: strings.NewReader("hello!"), ContentLength: 5},
			limit:   -1,
			errCode: uploaderr.ErrBadRequest,
		},
		{
			name:    "read failure",
			part:    &types.Part{Body: iotest.ErrReader(errors.New("connection reset")), ContentLength: -1},
			limit:   -1,
			errCode: uploaderr.ErrRequestAborted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data, release, err := readPart(tc.part, tc.limit)
			if tc.errCode != uploaderr.ErrNone {
				require.Error(t, err)
				assert.Equal(t, tc.errCode, uploaderr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			defer release()
			assert.Equal(t, tc.want, string(data))
		})
	}
}

func TestReadPart_ChecksumPipeVerifiesBeforeReturn(t *testing.T) {
	t.Parallel()

	body := []byte("payload")
	other, err := checksum.Sum(checksum.SHA256, []byte("different"))
	require.NoError(t, err)
	pipe, err := checksum.NewPipe(bytes.NewReader(body), &types.Checksum{
		Algorithm: checksum.SHA256,
		Value:     base64.StdEncoding.EncodeToString(other),
	})
	require.NoError(t, err)

	_, _, err = readPart(&types.Part{Body: pipe, ContentLength: int64(len(body))}, -1)
	require.Error(t, err)
	assert.Equal(t, uploaderr.ErrChecksumMismatch, uploaderr.CodeOf(err))
}

func TestObjectOptions(t *testing.T) {
	t.Parallel()

	s := newSession("opts", 1)
	opts := objectOptions(s)
	assert.Equal(t, "application/octet-stream", opts.ContentType)
	assert.Equal(t, "test", opts.Metadata["owner"])
	assert.Equal(t, int64(1), remaining(s))

	s.Size = types.SizeUnknown
	assert.Equal(t, int64(-1), remaining(s))
}
