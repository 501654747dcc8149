// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package uploaderr

import "net/http"

// DefaultTable covers transport-level codes shared by all providers.
func DefaultTable() *Table {
	return NewTable(map[string]Entry{
		"RequestTimeout":       {"Request timeout", http.StatusRequestTimeout, true},
		"ServiceUnavailable":   {"Service unavailable", http.StatusServiceUnavailable, true},
		"InternalError":        {"Internal storage error", http.StatusInternalServerError, true},
		"SlowDown":             {"Reduce your request rate", http.StatusServiceUnavailable, true},
		"AccessDenied":         {"Access denied", http.StatusForbidden, false},
		"ExpiredToken":         {"Expired storage credentials", http.StatusForbidden, false},
		"InvalidAccessKeyId":   {"Invalid storage credentials", http.StatusForbidden, false},
		"NetworkingError":      {"Storage unreachable", http.StatusServiceUnavailable, true},
		"TooManyRequests":      {"Too many requests", http.StatusTooManyRequests, true},
		"InvalidArgument":      {"Invalid argument", http.StatusBadRequest, false},
		"EntityTooLarge":       {"Entity too large", http.StatusRequestEntityTooLarge, false},
		"ChecksumMismatch":     {"Checksum mismatch", 460, false},
		"SessionAborted":       {"Remote session aborted", 499, false},
		"PreconditionFailed":   {"Precondition failed", http.StatusPreconditionFailed, false},
		"StorageUnreachable":   {"Storage unreachable", http.StatusServiceUnavailable, true},
		"BandwidthExceeded":    {"Bandwidth limit exceeded", http.StatusServiceUnavailable, true},
		"TemporaryRedirect":    {"Temporary redirect", http.StatusServiceUnavailable, true},
		"RequestTimeTooSkewed": {"Request time too skewed", http.StatusForbidden, false},
	})
}

// S3Table adds S3 multipart error codes.
func S3Table() *Table {
	return DefaultTable().With(map[string]Entry{
		"NoSuchUpload":              {"Multipart upload not found", http.StatusNotFound, false},
		"NoSuchKey":                 {"Object not found", http.StatusNotFound, false},
		"NoSuchBucket":              {"Bucket not found", http.StatusNotFound, false},
		"InvalidPart":               {"Invalid part", http.StatusBadRequest, false},
		"InvalidPartOrder":          {"Invalid part order", http.StatusBadRequest, false},
		"EntityTooSmall":            {"Part too small", http.StatusBadRequest, false},
		"BadDigest":                 {"Checksum mismatch", 460, false},
		"InvalidDigest":             {"Invalid checksum", http.StatusBadRequest, false},
		"XAmzContentSHA256Mismatch": {"Checksum mismatch", 460, false},
	})
}

// AzureTable adds Azure blob error codes.
func AzureTable() *Table {
	return DefaultTable().With(map[string]Entry{
		"BlobNotFound":                  {"Blob not found", http.StatusNotFound, false},
		"ContainerNotFound":             {"Container not found", http.StatusNotFound, false},
		"AppendPositionConditionNotMet": {"Append position mismatch", http.StatusConflict, false},
		"BlockCountExceedsLimit":        {"Too many blocks", http.StatusRequestEntityTooLarge, false},
		"RequestBodyTooLarge":           {"Block too large", http.StatusRequestEntityTooLarge, false},
		"Md5Mismatch":                   {"Checksum mismatch", 460, false},
		"ServerBusy":                    {"Storage busy", http.StatusServiceUnavailable, true},
		"OperationTimedOut":             {"Storage timeout", http.StatusGatewayTimeout, true},
		"AuthenticationFailed":          {"Storage authentication failed", http.StatusForbidden, false},
		"ConditionNotMet":               {"Precondition failed", http.StatusPreconditionFailed, false},
	})
}

// GCSTable adds codes produced by the resumable-session backend.
func GCSTable() *Table {
	return DefaultTable().With(map[string]Entry{
		"notFound":          {"Object or session not found", http.StatusNotFound, false},
		"SessionExpired":    {"Resumable session expired", http.StatusGone, false},
		"backendError":      {"Storage backend error", http.StatusServiceUnavailable, true},
		"rateLimitExceeded": {"Rate limit exceeded", http.StatusTooManyRequests, true},
		"forbidden":         {"Access denied", http.StatusForbidden, false},
		"OffsetMismatch":    {"Remote offset mismatch", http.StatusConflict, false},
		// A 499 on a chunk PUT is retried at the same offset.
		"SessionAborted": {"Remote session aborted the request", 499, true},
	})
}

// TableFor returns the table matching a storage type name.
func TableFor(storageType string) *Table {
	switch storageType {
	case "s3", "minio":
		return S3Table()
	case "azure":
		return AzureTable()
	case "gcs":
		return GCSTable()
	default:
		return DefaultTable()
	}
}
