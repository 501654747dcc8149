// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package uploaderr defines the upload error taxonomy and the normalization
// of backend faults into a uniform {message, code, statusCode, retryable} shape.
package uploaderr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is an enumeration of upload error kinds.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrBadRequest
	ErrFileNotFound
	ErrFileConflict
	ErrGone
	ErrChecksumMismatch
	ErrUnsupportedChecksumAlgorithm
	ErrRequestEntityTooLarge
	ErrFileError
	ErrStorageError
	ErrValidation
	ErrRequestAborted
	ErrFileLocked
	ErrMethodNotAllowed
	ErrUnsupportedMediaType
	ErrPreconditionFailed
	ErrNotImplemented
	ErrUnknown
)

// APIError describes how a code is presented to callers.
type APIError struct {
	Code           string
	Description    string
	HTTPStatusCode int
	Retryable      bool
}

var errorCodes = map[ErrorCode]APIError{
	ErrBadRequest:                   {"BadRequest", "Bad request", http.StatusBadRequest, false},
	ErrFileNotFound:                 {"FileNotFound", "Not found", http.StatusNotFound, false},
	ErrFileConflict:                 {"FileConflict", "File conflict", http.StatusConflict, false},
	ErrGone:                         {"Gone", "Gone", http.StatusGone, false},
	ErrChecksumMismatch:             {"ChecksumMismatch", "Request body checksum mismatch", 460, false},
	ErrUnsupportedChecksumAlgorithm: {"UnsupportedChecksumAlgorithm", "Unsupported checksum algorithm", http.StatusBadRequest, false},
	ErrRequestEntityTooLarge:        {"RequestEntityTooLarge", "Request entity too large", http.StatusRequestEntityTooLarge, false},
	ErrFileError:                    {"FileError", "Something went wrong writing the file", http.StatusInternalServerError, false},
	ErrStorageError:                 {"StorageError", "Storage error", http.StatusServiceUnavailable, true},
	ErrValidation:                   {"ValidationError", "Request validation failed", http.StatusBadRequest, false},
	ErrRequestAborted:               {"RequestAborted", "Request aborted", 499, true},
	ErrFileLocked:                   {"FileLocked", "File locked", http.StatusLocked, true},
	ErrMethodNotAllowed:             {"MethodNotAllowed", "Method not allowed", http.StatusMethodNotAllowed, false},
	ErrUnsupportedMediaType:         {"UnsupportedMediaType", "Unsupported media type", http.StatusUnsupportedMediaType, false},
	ErrPreconditionFailed:           {"PreconditionFailed", "Precondition failed", http.StatusPreconditionFailed, false},
	ErrNotImplemented:               {"NotImplemented", "Not implemented", http.StatusNotImplemented, false},
	ErrUnknown:                      {"UnknownError", "Something went wrong", http.StatusInternalServerError, false},
}

// APIError returns the presentation of a code.
func (c ErrorCode) APIError() APIError {
	if e, ok := errorCodes[c]; ok {
		return e
	}
	return errorCodes[ErrUnknown]
}

func (c ErrorCode) String() string {
	return c.APIError().Code
}

// Error is the typed error raised by the upload core.
type Error struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Retryable  bool
	// Details is an optional response body, set by validation predicates.
	Details any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.APIError().Description
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, uploaderr.New(uploaderr.ErrFileConflict)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus returns the explicit status or the code's default.
func (e *Error) HTTPStatus() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return e.Code.APIError().HTTPStatusCode
}

// New creates an error with the code's default description.
func New(code ErrorCode) *Error {
	api := code.APIError()
	return &Error{Code: code, Message: api.Description, Retryable: api.Retryable}
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	e := New(code)
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// Wrap attaches a cause to a new error of the given code.
func Wrap(code ErrorCode, err error, message string) *Error {
	e := New(code)
	if message != "" {
		e.Message = message
	}
	e.Err = err
	return e
}

// Validation builds a ValidationError carrying an HTTP status and body.
func Validation(statusCode int, message string, details any) *Error {
	e := New(ErrValidation)
	e.Message = message
	e.StatusCode = statusCode
	e.Details = details
	return e
}

// CodeOf returns the code of err, ErrNone for nil and ErrUnknown otherwise.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
