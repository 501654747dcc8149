// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtx_FallsBackToGlobal(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, Ctx(context.Background()))
}

func TestWithUpload_TagsEvents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := WithUpload(WithLogger(context.Background(), &base), "abc")

	Ctx(ctx).Info().Msg("written")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "abc", event["upload_id"])
	assert.Equal(t, "written", event["message"])
}
