// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		bytesWritten int64
		size         int64
		committed    bool
		want         Status
	}{
		{name: "nothing written", bytesWritten: 0, size: 10, want: StatusCreated},
		{name: "partial", bytesWritten: 5, size: 10, want: StatusUploading},
		{name: "full but not committed", bytesWritten: 10, size: 10, want: StatusUploading},
		{name: "full and committed", bytesWritten: 10, size: 10, committed: true, want: StatusCompleted},
		{name: "deferred length", bytesWritten: 5, size: SizeUnknown, want: StatusUploading},
		{name: "deferred length empty", bytesWritten: 0, size: SizeUnknown, committed: true, want: StatusCreated},
		{name: "zero length committed", bytesWritten: 0, size: 0, committed: true, want: StatusCompleted},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, DeriveStatus(tc.bytesWritten, tc.size, tc.committed))
		})
	}
}

func TestSession_RefreshKeepsTerminal(t *testing.T) {
	t.Parallel()

	s := &Session{Size: 10, BytesWritten: 10, Committed: true, Status: StatusDeleted}
	s.Refresh()
	assert.Equal(t, StatusDeleted, s.Status)

	s.Status = StatusUploading
	s.Refresh()
	assert.Equal(t, StatusCompleted, s.Status)
}

func TestSession_Expired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := &Session{}
	assert.False(t, s.Expired(now), "zero ExpiredAt never expires")

	s.ExpiredAt = now.Add(-time.Second)
	assert.True(t, s.Expired(now))
}

func TestSession_CloneIsDeep(t *testing.T) {
	t.Parallel()

	s := &Session{
		ID:       "a",
		Metadata: map[string]string{"k": "v"},
		Ext:      NewMultipartExt("up-1"),
	}
	s.Ext.Multipart.Parts = append(s.Ext.Multipart.Parts, PartRecord{PartNumber: 1, Size: 5, ETag: "e1"})

	c := s.Clone()
	c.Metadata["k"] = "changed"
	c.Ext.Multipart.Parts[0].ETag = "changed"
	c.Ext.Multipart.UploadID = "changed"

	assert.Equal(t, "v", s.Metadata["k"])
	assert.Equal(t, "e1", s.Ext.Multipart.Parts[0].ETag)
	assert.Equal(t, "up-1", s.Ext.Multipart.UploadID)
}

func TestMultipartExt_Bookkeeping(t *testing.T) {
	t.Parallel()

	m := &MultipartExt{}
	assert.Equal(t, 1, m.NextPartNumber())

	m.Parts = []PartRecord{{PartNumber: 1, Size: 5}, {PartNumber: 2, Size: 3}}
	assert.Equal(t, 3, m.NextPartNumber())
	assert.EqualValues(t, 8, m.BytesCommitted())
}

func TestBytesFile(t *testing.T) {
	t.Parallel()

	f := BytesFile("photo.png", "", []byte("data"))
	assert.Equal(t, "photo.png", f.Name())
	assert.Equal(t, "image/png", f.Type())
	assert.EqualValues(t, 4, f.Size())

	buf := make([]byte, 2)
	n, err := f.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "ta", string(buf))
}
