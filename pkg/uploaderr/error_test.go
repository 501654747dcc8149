// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package uploaderr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("write: %w", Newf(ErrFileConflict, "offset %d != %d", 0, 5))

	assert.True(t, errors.Is(err, New(ErrFileConflict)))
	assert.False(t, errors.Is(err, New(ErrGone)))
	assert.True(t, HasCode(err, ErrFileConflict))
	assert.Equal(t, ErrFileConflict, CodeOf(err))
	assert.Equal(t, ErrNone, CodeOf(nil))
	assert.Equal(t, ErrUnknown, CodeOf(errors.New("plain")))
}

func TestError_HTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusConflict, New(ErrFileConflict).HTTPStatus())
	assert.Equal(t, http.StatusLocked, New(ErrFileLocked).HTTPStatus())

	v := Validation(http.StatusUnprocessableEntity, "too big", map[string]int{"max": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, v.HTTPStatus())
	assert.Equal(t, ErrValidation, v.Code)
	assert.Equal(t, map[string]int{"max": 1}, v.Details)
}

func TestTable_IsImmutable(t *testing.T) {
	t.Parallel()

	rows := map[string]Entry{"A": {"a", 400, false}}
	base := NewTable(rows)
	rows["A"] = Entry{"mutated", 500, true}

	row, ok := base.Lookup("A")
	assert.True(t, ok)
	assert.Equal(t, "a", row.Message)

	derived := base.With(map[string]Entry{"B": {"b", 404, false}})
	_, ok = base.Lookup("B")
	assert.False(t, ok, "With must not modify the receiver")
	_, ok = derived.Lookup("B")
	assert.True(t, ok)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		table *Table
		err   error
		want  Normalized
	}{
		{
			name:  "typed error",
			table: DefaultTable(),
			err:   New(ErrGone),
			want:  Normalized{Message: "Gone", Code: "Gone", StatusCode: http.StatusGone},
		},
		{
			name:  "remote code in table",
			table: S3Table(),
			err:   &RemoteError{Provider: "s3", Op: "UploadPart", Code: "SlowDown", StatusCode: 503, Err: errors.New("slow")},
			want:  Normalized{Message: "Reduce your request rate", Code: "SlowDown", StatusCode: 503, Retryable: true},
		},
		{
			name:  "remote code unknown to table uses status",
			table: DefaultTable(),
			err:   &RemoteError{Provider: "gcs", Op: "PUT", StatusCode: 502, Err: errors.New("bad gateway")},
			want: Normalized{
				Message:    "gcs.PUT: status 502: bad gateway",
				Code:       "StorageError",
				StatusCode: 502,
				Retryable:  true,
			},
		},
		{
			name:  "cancellation",
			table: DefaultTable(),
			err:   fmt.Errorf("chunk: %w", context.Canceled),
			want:  Normalized{Message: "chunk: context canceled", Code: "RequestAborted", StatusCode: 499},
		},
		{
			name:  "plain error",
			table: DefaultTable(),
			err:   errors.New("boom"),
			want:  Normalized{Message: "boom", Code: "UnknownError", StatusCode: 500},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Normalize(tc.table, tc.err))
		})
	}
}

func TestNormalize_WrappedRemoteRetryable(t *testing.T) {
	t.Parallel()

	remote := &RemoteError{Provider: "azure", Op: "AppendBlock", Code: "ServerBusy", StatusCode: 503, Err: errors.New("busy")}
	err := Wrap(ErrFileError, remote, "append failed")

	n := Normalize(AzureTable(), err)
	assert.Equal(t, "FileError", n.Code)
	assert.Equal(t, http.StatusInternalServerError, n.StatusCode)
	assert.True(t, n.Retryable)
}

func TestTableFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		storageType string
		code        string
		want        bool
	}{
		{"s3", "NoSuchUpload", true},
		{"minio", "EntityTooSmall", true},
		{"azure", "AppendPositionConditionNotMet", true},
		{"gcs", "SessionExpired", true},
		{"memory", "SlowDown", true},
		{"memory", "NoSuchUpload", false},
	}
	for _, tc := range tests {
		t.Run(tc.storageType+"/"+tc.code, func(t *testing.T) {
			t.Parallel()
			_, ok := TableFor(tc.storageType).Lookup(tc.code)
			assert.Equal(t, tc.want, ok)
		})
	}
}
