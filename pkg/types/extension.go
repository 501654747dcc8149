// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "slices"

// BackendKind identifies the part bookkeeping strategy of a session.
type BackendKind string

const (
	BackendMultipart BackendKind = "multipart"
	BackendBlockBlob BackendKind = "block_blob"
	BackendResumable BackendKind = "resumable_session"
)

// Extension is a tagged union of backend-owned session state. Exactly one
// of the variant pointers matching Kind is set; the orchestration layer only
// switches on Kind and never reads the variant fields.
type Extension struct {
	Kind      BackendKind   `json:"kind"`
	Multipart *MultipartExt `json:"multipart,omitempty"`
	BlockBlob *BlockBlobExt `json:"block_blob,omitempty"`
	Resumable *ResumableExt `json:"resumable,omitempty"`
}

// MultipartExt tracks an object-store multipart upload.
type MultipartExt struct {
	UploadID string       `json:"upload_id"`
	Parts    []PartRecord `json:"parts,omitempty"`
	// Direct is set when the client uploads parts through presigned URLs.
	Direct bool `json:"direct,omitempty"`
}

// PartRecord is a committed part of a multipart upload.
type PartRecord struct {
	PartNumber int    `json:"part_number"`
	Size       int64  `json:"size"`
	ETag       string `json:"etag"`
}

// NextPartNumber returns the number the next uploaded part must carry.
func (m *MultipartExt) NextPartNumber() int {
	if len(m.Parts) == 0 {
		return 1
	}
	return m.Parts[len(m.Parts)-1].PartNumber + 1
}

// BytesCommitted sums the sizes of all committed parts.
func (m *MultipartExt) BytesCommitted() int64 {
	var n int64
	for _, p := range m.Parts {
		n += p.Size
	}
	return n
}

// BlockBlobExt tracks a single-stream (append) blob.
type BlockBlobExt struct {
	BlobURL    string `json:"blob_url"`
	BlockCount int    `json:"block_count"`
}

// ResumableExt tracks a remote resumable session.
type ResumableExt struct {
	SessionURI string `json:"session_uri"`
	// Finalized is set once the remote store has created the object, which
	// happens on the PUT carrying the last byte.
	Finalized bool   `json:"finalized,omitempty"`
	ObjectURL string `json:"object_url,omitempty"`
}

// NewMultipartExt builds a multipart extension.
func NewMultipartExt(uploadID string) Extension {
	return Extension{Kind: BackendMultipart, Multipart: &MultipartExt{UploadID: uploadID}}
}

// NewBlockBlobExt builds a block-blob extension.
func NewBlockBlobExt(blobURL string) Extension {
	return Extension{Kind: BackendBlockBlob, BlockBlob: &BlockBlobExt{BlobURL: blobURL}}
}

// NewResumableExt builds a resumable-session extension.
func NewResumableExt(uri string) Extension {
	return Extension{Kind: BackendResumable, Resumable: &ResumableExt{SessionURI: uri}}
}

func (e Extension) clone() Extension {
	c := Extension{Kind: e.Kind}
	if e.Multipart != nil {
		m := *e.Multipart
		m.Parts = slices.Clone(e.Multipart.Parts)
		c.Multipart = &m
	}
	if e.BlockBlob != nil {
		b := *e.BlockBlob
		c.BlockBlob = &b
	}
	if e.Resumable != nil {
		r := *e.Resumable
		c.Resumable = &r
	}
	return c
}
