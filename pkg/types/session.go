// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"io"
	"maps"
	"slices"
	"time"
)

// SizeUnknown marks a session whose total length has not been declared yet.
const SizeUnknown int64 = -1

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further writes are accepted in this state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeleted || s == StatusError
}

// DeriveStatus computes the status of a live session from its counters.
// A session is completed only once every declared byte is written and the
// backend commit has succeeded.
func DeriveStatus(bytesWritten, size int64, committed bool) Status {
	full := size >= 0 && bytesWritten >= size
	switch {
	case full && committed:
		return StatusCompleted
	case bytesWritten > 0 || full:
		return StatusUploading
	default:
		return StatusCreated
	}
}

// Session is the server-side record of one upload ("File").
type Session struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	OriginalName string            `json:"original_name"`
	ContentType  string            `json:"content_type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UserID       string            `json:"user_id,omitempty"`

	// Size is the declared total length, SizeUnknown for deferred-length uploads.
	Size         int64  `json:"size"`
	BytesWritten int64  `json:"bytes_written"`
	Status       Status `json:"status"`
	Committed    bool   `json:"committed"`
	// Unsynced is set when a remote write ended without a trustworthy
	// acknowledgement, so BytesWritten may disagree with the remote store.
	Unsynced bool `json:"unsynced,omitempty"`

	// URL is the final object location reported by the backend on commit.
	URL string `json:"url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiredAt time.Time `json:"expired_at,omitzero"`

	Ext Extension `json:"ext"`

	// Presigned carries part URLs handed out by a client-direct write. It is
	// never persisted.
	Presigned []PresignedPart `json:"-"`
}

// PresignedPart is an upload URL for one multipart part.
type PresignedPart struct {
	PartNumber int       `json:"partNumber"`
	URL        string    `json:"url"`
	Method     string    `json:"method"`
	Expires    time.Time `json:"expires"`
}

// Refresh recomputes Status from the counters. Deleted and error are
// terminal and never overwritten.
func (s *Session) Refresh() {
	if s.Status == StatusDeleted || s.Status == StatusError {
		return
	}
	s.Status = DeriveStatus(s.BytesWritten, s.Size, s.Committed)
}

// SizeKnown reports whether the total length has been declared.
func (s *Session) SizeKnown() bool {
	return s.Size >= 0
}

// Remaining returns the bytes still expected, or SizeUnknown.
func (s *Session) Remaining() int64 {
	if !s.SizeKnown() {
		return SizeUnknown
	}
	return s.Size - s.BytesWritten
}

// Expired reports whether the session has passed its expiration time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiredAt.IsZero() && now.After(s.ExpiredAt)
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	c.Ext = s.Ext.clone()
	c.Presigned = slices.Clone(s.Presigned)
	return &c
}

// Checksum is a digest declared by the client for a part.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	// Value is the base64-encoded digest.
	Value string `json:"value"`
}

// Part is one write request against a session.
type Part struct {
	ID string

	// Start is the byte offset the client believes it is writing at.
	Start int64
	// ContentLength is the number of body bytes, -1 when unknown.
	ContentLength int64
	// Size optionally declares the total length for deferred-length sessions.
	Size *int64

	// Body is nil for status probes.
	Body     io.Reader
	Checksum *Checksum

	// PresignParts asks a client-direct backend for that many part URLs.
	PresignParts int
}

// HasContent reports whether the part carries bytes to commit.
func (p *Part) HasContent() bool {
	return p != nil && p.Body != nil
}

// InitRequest carries the caller-supplied fields for creating a session.
type InitRequest struct {
	ID           string
	OriginalName string
	ContentType  string
	Metadata     map[string]string
	UserID       string
	Size         int64
}

// RequestContext is the transport-independent view of the request that
// created a session, used by naming and validation functions.
type RequestContext struct {
	UserID  string
	BaseURL string
	Header  map[string][]string
}
