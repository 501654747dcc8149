// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// UploadState is the client-side state of an upload handle.
type UploadState string

const (
	UploadPending   UploadState = "pending"
	UploadUploading UploadState = "uploading"
	UploadPaused    UploadState = "paused"
	UploadCompleted UploadState = "completed"
	UploadFailed    UploadState = "error"
	UploadCancelled UploadState = "cancelled"
)

// IsTerminal reports whether the handle can no longer be started.
func (s UploadState) IsTerminal() bool {
	return s == UploadCompleted || s == UploadFailed || s == UploadCancelled
}

// Progress is a snapshot of transfer progress.
type Progress struct {
	Loaded     int64   `json:"loaded"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
	// Speed is bytes per second over the current run, zero until measurable.
	Speed float64 `json:"speed,omitempty"`
	// ETA is the estimated seconds remaining, zero until measurable.
	ETA float64 `json:"eta,omitempty"`
}

// UploadResult is what a finished upload reports back.
type UploadResult struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	URL         string            `json:"url"`
	Size        int64             `json:"size"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// UploadError is the normalized error delivered to client callbacks.
type UploadError struct {
	Message    string `json:"message"`
	ID         string `json:"id"`
	StatusCode int    `json:"statusCode,omitempty"`
	Err        error  `json:"-"`
}

func (e *UploadError) Error() string {
	return e.Message
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// File is the client-side source of an upload.
type File interface {
	io.ReaderAt
	Name() string
	Size() int64
	Type() string
}

type memFile struct {
	*bytes.Reader
	name, typ string
	size      int64
}

func (f *memFile) Name() string { return f.name }
func (f *memFile) Size() int64  { return f.size }
func (f *memFile) Type() string { return f.typ }

// BytesFile wraps an in-memory buffer as a File.
func BytesFile(name, contentType string, data []byte) File {
	if contentType == "" {
		contentType = typeByName(name)
	}
	return &memFile{Reader: bytes.NewReader(data), name: name, typ: contentType, size: int64(len(data))}
}

// OSFile is a File backed by a file on disk.
type OSFile struct {
	*os.File
	size int64
	typ  string
}

// OpenFile opens path for uploading. The caller closes it.
func OpenFile(path string) (*OSFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &OSFile{File: f, size: st.Size(), typ: typeByName(path)}, nil
}

func (f *OSFile) Name() string { return filepath.Base(f.File.Name()) }
func (f *OSFile) Size() int64  { return f.size }
func (f *OSFile) Type() string { return f.typ }

func typeByName(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
