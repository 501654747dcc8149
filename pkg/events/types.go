// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
)

// EventType categorizes upload events.
type EventType string

const (
	EventUpload          EventType = "upload.*"
	EventUploadCreated   EventType = "upload.created"
	EventUploadCompleted EventType = "upload.completed"
	EventUploadDeleted   EventType = "upload.deleted"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Time      time.Time `json:"time"`
	Sequencer string    `json:"sequencer"`
	Upload    Upload    `json:"upload"`
}

// Upload is the session snapshot carried by an event. Backend bookkeeping
// is never exposed.
type Upload struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	OriginalName string            `json:"originalName"`
	ContentType  string            `json:"contentType,omitempty"`
	UserID       string            `json:"userId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Size         int64             `json:"size"`
	BytesWritten int64             `json:"bytesWritten"`
	Status       types.Status      `json:"status"`
	URL          string            `json:"url,omitempty"`
	Backend      types.BackendKind `json:"backend,omitempty"`
}

// NewEvent builds an event from a session snapshot.
func NewEvent(t EventType, s *types.Session) *Event {
	return &Event{
		ID:   uuid.NewString(),
		Type: t,
		Upload: Upload{
			ID:           s.ID,
			Name:         s.Name,
			OriginalName: s.OriginalName,
			ContentType:  s.ContentType,
			UserID:       s.UserID,
			Metadata:     s.Metadata,
			Size:         s.Size,
			BytesWritten: s.BytesWritten,
			Status:       s.Status,
			URL:          s.URL,
			Backend:      s.Ext.Kind,
		},
	}
}

// MatchesEventType checks if an event type matches a pattern.
// A trailing "*" matches any suffix ("upload.*" matches "upload.created").
func MatchesEventType(pattern, eventType EventType) bool {
	p := string(pattern)
	if p == string(eventType) {
		return true
	}
	if prefix, ok := strings.CutSuffix(p, "*"); ok {
		return strings.HasPrefix(string(eventType), prefix)
	}
	return false
}

// MatchesFilterRules checks if an object name carries prefix and suffix.
// Empty rules always match.
func MatchesFilterRules(name, prefix, suffix string) bool {
	return strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix)
}

// Matches reports whether an event passes the filter.
func (f Filter) Matches(ev *Event) bool {
	if !MatchesFilterRules(ev.Upload.Name, f.Prefix, f.Suffix) {
		return false
	}
	if len(f.Events) == 0 {
		return true
	}
	for _, p := range f.Events {
		if MatchesEventType(EventType(p), ev.Type) {
			return true
		}
	}
	return false
}
