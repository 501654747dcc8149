// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMetadataHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"pairs", "filename bHVucmpzLnBuZw==,filetype aW1hZ2UvcG5n", map[string]string{"filename": "lunrjs.png", "filetype": "image/png"}},
		{"key without value", "is_confidential, name Zm9v", map[string]string{"is_confidential": "", "name": "foo"}},
		{"invalid base64 skipped", "a !!!,b Zm9v", map[string]string{"b": "foo"}},
		{"too many fields skipped", "a Zm9v Zm9v,b", map[string]string{"b": ""}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ParseMetadataHeader(tc.header))
		})
	}
}

func TestEncodeMetadataHeader(t *testing.T) {
	t.Parallel()

	meta := map[string]string{"filetype": "image/png", "filename": "lunrjs.png", "flag": "", "bad key": "x"}
	header := EncodeMetadataHeader(meta)
	assert.Equal(t, "filename bHVucmpzLnBuZw==,filetype aW1hZ2UvcG5n,flag", header)

	delete(meta, "bad key")
	assert.Equal(t, meta, ParseMetadataHeader(header))
}

func TestFirstOf(t *testing.T) {
	t.Parallel()

	meta := map[string]string{"name": "a.txt", "filename": ""}
	assert.Equal(t, "a.txt", FirstOf(meta, MetadataNameKeys))
	assert.Equal(t, "", FirstOf(meta, MetadataTypeKeys))
}
