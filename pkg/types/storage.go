// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

// StorageType identifies the remote store implementation behind a backend.
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"     // S3-compatible via aws-sdk-go-v2
	StorageTypeMinio  StorageType = "minio"  // S3-compatible via minio-go
	StorageTypeAzure  StorageType = "azure"  // Azure append blobs
	StorageTypeGCS    StorageType = "gcs"    // GCS resumable sessions
	StorageTypeMemory StorageType = "memory" // In-process, for tests and local runs
)

// BackendConfig contains configuration for creating a backend instance.
type BackendConfig struct {
	Type      StorageType       `json:"type"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Bucket    string            `json:"bucket,omitempty"`
	Region    string            `json:"region,omitempty"`
	AccessKey string            `json:"access_key,omitempty"`
	SecretKey string            `json:"secret_key,omitempty"`
	Options   map[string]string `json:"options,omitempty"`

	// MinPartSize is the smallest non-final part accepted by multipart backends.
	MinPartSize int64 `json:"min_part_size,omitempty"`

	// ClientDirect enables presigned part URLs instead of proxying bytes.
	ClientDirect bool `json:"client_direct,omitempty"`
}

// Option returns a backend-specific option or def when unset.
func (c BackendConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}
