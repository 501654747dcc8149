// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package client

import "github.com/LeeDigitalWorks/zapload/pkg/types"

// OpenFile opens a file on disk for uploading. The caller closes it.
func OpenFile(path string) (*types.OSFile, error) {
	return types.OpenFile(path)
}

// BytesFile wraps data as an uploadable file. An empty contentType is
// guessed from the name.
func BytesFile(name, contentType string, data []byte) types.File {
	return types.BytesFile(name, contentType, data)
}
