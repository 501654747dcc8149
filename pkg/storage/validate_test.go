// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

func TestDefaultNaming(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    types.Session
		want string
	}{
		{"keeps extension", types.Session{ID: "abc", OriginalName: "Photo.PNG"}, "abc.png"},
		{"no extension", types.Session{ID: "abc", OriginalName: "README"}, "abc"},
		{"user prefix", types.Session{ID: "abc", OriginalName: "a.txt", UserID: "u1"}, "u1/abc.txt"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := DefaultNaming(&tc.s, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOriginalNaming(t *testing.T) {
	t.Parallel()

	got, err := OriginalNaming(&types.Session{ID: "abc", OriginalName: "../../etc/passwd"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc/passwd", got)

	_, err = OriginalNaming(&types.Session{ID: "abc"}, nil)
	assert.Equal(t, uploaderr.ErrValidation, uploaderr.CodeOf(err))
}

func TestTypeAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ct      string
		allowed []string
		want    bool
	}{
		{"image/png", []string{"image/png"}, true},
		{"image/png", []string{"image/*"}, true},
		{"IMAGE/PNG; charset=binary", []string{"image/*"}, true},
		{"video/mp4", []string{"image/*"}, false},
		{"imagery/x", []string{"image/*"}, false},
		{"text/plain", []string{"*/*"}, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, typeAllowed(tc.ct, tc.allowed), "%s in %v", tc.ct, tc.allowed)
	}
}

func TestMaxSize(t *testing.T) {
	t.Parallel()

	v := MaxSize(1024)
	assert.NoError(t, v(&types.Session{Size: 1024}, nil))
	assert.NoError(t, v(&types.Session{Size: types.SizeUnknown}, nil))

	err := v(&types.Session{Size: 2048}, nil)
	var ue *uploaderr.Error
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusRequestEntityTooLarge, ue.HTTPStatus())
	assert.Contains(t, ue.Message, "2.0 KiB")
	assert.Equal(t, map[string]int64{"maxSize": 1024}, ue.Details)

	assert.NoError(t, MaxSize(0)(&types.Session{Size: 1 << 40}, nil))
}
