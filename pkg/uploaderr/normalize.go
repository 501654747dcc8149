// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package uploaderr

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
)

// RemoteError is a fault reported by a remote object store.
type RemoteError struct {
	Provider   string
	Op         string
	Code       string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s.%s: %s (%d): %v", e.Provider, e.Op, e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s.%s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Entry is one row of a normalization table.
type Entry struct {
	Message    string
	StatusCode int
	Retryable  bool
}

// Table maps remote error codes to their normalized form. A Table is
// immutable once built; With returns a new table.
type Table struct {
	entries map[string]Entry
}

// NewTable builds a table from the given rows.
func NewTable(entries map[string]Entry) *Table {
	return &Table{entries: maps.Clone(entries)}
}

// With returns a new table with extra rows layered on top of t.
func (t *Table) With(entries map[string]Entry) *Table {
	merged := maps.Clone(t.entries)
	if merged == nil {
		merged = make(map[string]Entry, len(entries))
	}
	maps.Copy(merged, entries)
	return &Table{entries: merged}
}

// Lookup returns the row for a remote code.
func (t *Table) Lookup(code string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	e, ok := t.entries[code]
	return e, ok
}

// Normalized is the uniform error shape handed to callers and clients.
type Normalized struct {
	Message    string `json:"message"`
	Code       string `json:"code"`
	StatusCode int    `json:"statusCode"`
	Retryable  bool   `json:"retryable"`
}

// Normalize converts any error into its uniform shape using table for
// remote error codes.
func Normalize(table *Table, err error) Normalized {
	if err == nil {
		return Normalized{}
	}

	var ue *Error
	if errors.As(err, &ue) {
		api := ue.Code.APIError()
		n := Normalized{
			Message:    ue.Error(),
			Code:       api.Code,
			StatusCode: ue.HTTPStatus(),
			Retryable:  ue.Retryable,
		}
		var re *RemoteError
		if errors.As(ue.Err, &re) {
			if row, ok := table.Lookup(re.Code); ok {
				n.Retryable = row.Retryable
			}
		}
		return n
	}

	var re *RemoteError
	if errors.As(err, &re) {
		if row, ok := table.Lookup(re.Code); ok {
			return Normalized{Message: row.Message, Code: re.Code, StatusCode: row.StatusCode, Retryable: row.Retryable}
		}
		status := re.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return Normalized{
			Message:    re.Error(),
			Code:       ErrStorageError.String(),
			StatusCode: status,
			Retryable:  status >= 500 || status == http.StatusTooManyRequests,
		}
	}

	if errors.Is(err, context.Canceled) {
		api := ErrRequestAborted.APIError()
		return Normalized{Message: err.Error(), Code: api.Code, StatusCode: api.HTTPStatusCode, Retryable: false}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Normalized{Message: err.Error(), Code: "Timeout", StatusCode: http.StatusGatewayTimeout, Retryable: true}
	}

	api := ErrUnknown.APIError()
	return Normalized{Message: err.Error(), Code: api.Code, StatusCode: api.HTTPStatusCode}
}
