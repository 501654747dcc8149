// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/LeeDigitalWorks/zapload/pkg/checksum"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

func init() {
	Register(types.StorageTypeMinio, func(cfg types.BackendConfig) (Backend, error) {
		store, err := NewMinioStore(cfg)
		if err != nil {
			return nil, err
		}
		return NewMultipart(store, cfg), nil
	})
}

// MinioStore drives an S3-compatible service through the minio-go Core API.
type MinioStore struct {
	core   *minio.Core
	bucket string
}

// NewMinioStore connects to cfg.Endpoint ("host:port"). The "secure"
// option selects TLS and defaults to true.
func NewMinioStore(cfg types.BackendConfig) (*MinioStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket required for minio backend")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint required for minio backend")
	}
	secure, err := strconv.ParseBool(cfg.Option("secure", "true"))
	if err != nil {
		return nil, fmt.Errorf("invalid secure option: %w", err)
	}

	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{core: core, bucket: cfg.Bucket}, nil
}

func (st *MinioStore) ChecksumAlgorithms() []string {
	return checksum.Algorithms()
}

func (st *MinioStore) CreateMultipart(ctx context.Context, key string, opts ObjectOptions) (string, error) {
	id, err := st.core.NewMultipartUpload(ctx, st.bucket, key, putOptions(opts))
	if err != nil {
		return "", minioError("NewMultipartUpload", err)
	}
	return id, nil
}

func (st *MinioStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte, sum *types.Checksum) (string, error) {
	var opts minio.PutObjectPartOptions
	if sum != nil && strings.EqualFold(sum.Algorithm, checksum.MD5) {
		opts.Md5Base64 = sum.Value
	}
	part, err := st.core.PutObjectPart(ctx, st.bucket, key, uploadID, partNumber,
		bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", minioError("PutObjectPart", err)
	}
	return part.ETag, nil
}

func (st *MinioStore) ListParts(ctx context.Context, key, uploadID string) ([]types.PartRecord, error) {
	var (
		parts  []types.PartRecord
		marker int
	)
	for {
		res, err := st.core.ListObjectParts(ctx, st.bucket, key, uploadID, marker, 1000)
		if err != nil {
			return nil, minioError("ListObjectParts", err)
		}
		for _, p := range res.ObjectParts {
			parts = append(parts, types.PartRecord{PartNumber: p.PartNumber, Size: p.Size, ETag: p.ETag})
		}
		if !res.IsTruncated {
			return parts, nil
		}
		marker = res.NextPartNumberMarker
	}
}

func (st *MinioStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (string, error) {
	completed := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		completed[i] = minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag}
	}
	info, err := st.core.CompleteMultipartUpload(ctx, st.bucket, key, uploadID, completed, minio.PutObjectOptions{})
	if err != nil {
		return "", minioError("CompleteMultipartUpload", err)
	}
	if info.Location != "" {
		return info.Location, nil
	}
	return st.objectURL(key), nil
}

func (st *MinioStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := st.core.AbortMultipartUpload(ctx, st.bucket, key, uploadID); err != nil {
		return minioError("AbortMultipartUpload", err)
	}
	return nil
}

func (st *MinioStore) PutObject(ctx context.Context, key string, data []byte, opts ObjectOptions) (string, error) {
	_, err := st.core.PutObject(ctx, st.bucket, key, bytes.NewReader(data), int64(len(data)), "", "", putOptions(opts))
	if err != nil {
		return "", minioError("PutObject", err)
	}
	return st.objectURL(key), nil
}

func (st *MinioStore) CopyObject(ctx context.Context, src, dst string) error {
	_, err := st.core.Client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: st.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: st.bucket, Object: src},
	)
	if err != nil {
		return minioError("CopyObject", err)
	}
	return nil
}

func (st *MinioStore) DeleteObject(ctx context.Context, key string) error {
	if err := st.core.Client.RemoveObject(ctx, st.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return minioError("RemoveObject", err)
	}
	return nil
}

func (st *MinioStore) PresignPart(ctx context.Context, key, uploadID string, partNumber int, expires time.Duration) (string, error) {
	params := url.Values{}
	params.Set("uploadId", uploadID)
	params.Set("partNumber", strconv.Itoa(partNumber))
	u, err := st.core.Client.Presign(ctx, http.MethodPut, st.bucket, key, expires, params)
	if err != nil {
		return "", minioError("Presign", err)
	}
	return u.String(), nil
}

func (st *MinioStore) objectURL(key string) string {
	u := *st.core.Client.EndpointURL()
	u.Path = "/" + st.bucket + "/" + key
	return u.String()
}

func putOptions(opts ObjectOptions) minio.PutObjectOptions {
	return minio.PutObjectOptions{ContentType: opts.ContentType, UserMetadata: opts.Metadata}
}

func minioError(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	re := &uploaderr.RemoteError{Provider: "minio", Op: op, Code: resp.Code, StatusCode: resp.StatusCode, Err: err}
	switch resp.Code {
	case "NoSuchUpload", "NoSuchKey":
		return fmt.Errorf("%w: %w", ErrNotFound, re)
	}
	return re
}

var (
	_ ObjectStore = (*MinioStore)(nil)
	_ Presigner   = (*MinioStore)(nil)
)
