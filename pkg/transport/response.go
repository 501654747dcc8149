// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 64 << 10

// Response wraps an HTTP response. Every reader drains and closes the body.
type Response struct {
	*http.Response
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ReadBytes returns the whole body.
func (r *Response) ReadBytes() ([]byte, error) {
	defer r.Body.Close()
	var buf bytes.Buffer
	if r.ContentLength > 0 {
		buf.Grow(int(r.ContentLength))
	}
	if _, err := io.Copy(&buf, r.Body); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadText returns the whole body as a string.
func (r *Response) ReadText() (string, error) {
	defer r.Body.Close()
	var b strings.Builder
	if _, err := io.Copy(&b, r.Body); err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	return b.String(), nil
}

// ReadJSON decodes the body into v and discards anything after it.
func (r *Response) ReadJSON(v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	_, _ = io.Copy(io.Discard, r.Body)
	return nil
}

// Discard drains and closes the body so the connection can be reused.
func (r *Response) Discard() {
	_, _ = io.Copy(io.Discard, r.Body)
	r.Body.Close()
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	// Code and Message come from a JSON {"error":{code,message}} body when present.
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.TrimSpace(e.Body)
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d: %s", e.Method, e.URL, e.StatusCode, msg)
}

// Err returns nil for 2xx and a *StatusError otherwise, consuming the body.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	defer r.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBody))

	e := &StatusError{StatusCode: r.StatusCode, Body: string(raw)}
	if r.Request != nil {
		e.Method = r.Request.Method
		e.URL = r.Request.URL.String()
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		e.Code = envelope.Error.Code
		e.Message = envelope.Error.Message
	}
	return e
}
