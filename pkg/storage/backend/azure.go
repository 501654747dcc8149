// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/LeeDigitalWorks/zapload/pkg/checksum"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

func init() {
	Register(types.StorageTypeAzure, func(cfg types.BackendConfig) (Backend, error) {
		store, err := NewAzureStore(cfg)
		if err != nil {
			return nil, err
		}
		return NewBlockBlob(store, cfg), nil
	})
}

// AzureStore writes append blobs into one container.
type AzureStore struct {
	container *container.Client
}

// NewAzureStore builds a store from config. Bucket is the container name;
// either the "connection_string" option or AccessKey (account name) plus
// SecretKey (account key) must be set.
func NewAzureStore(cfg types.BackendConfig) (*AzureStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("container (bucket) required for azure backend")
	}

	if conn := cfg.Option("connection_string", ""); conn != "" {
		c, err := container.NewClientFromConnectionString(conn, cfg.Bucket, nil)
		if err != nil {
			return nil, fmt.Errorf("create azure client: %w", err)
		}
		return &AzureStore{container: c}, nil
	}

	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("account name and key required for azure backend")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AccessKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("azure credentials: %w", err)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccessKey)
	}
	c, err := container.NewClientWithSharedKeyCredential(strings.TrimRight(endpoint, "/")+"/"+cfg.Bucket, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &AzureStore{container: c}, nil
}

func (st *AzureStore) ChecksumAlgorithms() []string {
	return checksum.Algorithms()
}

func (st *AzureStore) CreateAppendBlob(ctx context.Context, name string, opts ObjectOptions) (string, error) {
	c := st.container.NewAppendBlobClient(name)
	metadata := make(map[string]*string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		metadata[k] = to.Ptr(v)
	}
	_, err := c.Create(ctx, &appendblob.CreateOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: nonEmpty(opts.ContentType)},
		Metadata:    metadata,
	})
	if err != nil {
		return "", azureError("Create", err)
	}
	return c.URL(), nil
}

func (st *AzureStore) AppendBlock(ctx context.Context, name string, data []byte, position int64, sum *types.Checksum) error {
	opts := &appendblob.AppendBlockOptions{
		AppendPositionAccessConditions: &appendblob.AppendPositionAccessConditions{
			AppendPosition: to.Ptr(position),
		},
	}
	if sum != nil && strings.EqualFold(sum.Algorithm, checksum.MD5) {
		if md5, err := base64.StdEncoding.DecodeString(sum.Value); err == nil {
			opts.TransactionalValidation = blob.TransferValidationTypeMD5(md5)
		}
	}
	_, err := st.container.NewAppendBlobClient(name).AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(data)), opts)
	if err != nil {
		if bloberror.HasCode(err, bloberror.AppendPositionConditionNotMet) {
			return fmt.Errorf("%w: %w", ErrPositionMismatch, azureError("AppendBlock", err))
		}
		return azureError("AppendBlock", err)
	}
	return nil
}

func (st *AzureStore) BlobSize(ctx context.Context, name string) (int64, error) {
	props, err := st.container.NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		return 0, azureError("GetProperties", err)
	}
	if props.ContentLength == nil {
		return 0, nil
	}
	return *props.ContentLength, nil
}

func (st *AzureStore) DeleteBlob(ctx context.Context, name string) error {
	if _, err := st.container.NewBlobClient(name).Delete(ctx, nil); err != nil {
		return azureError("Delete", err)
	}
	return nil
}

func (st *AzureStore) CopyBlob(ctx context.Context, src, dst string) error {
	source := st.container.NewBlobClient(src).URL()
	if _, err := st.container.NewBlobClient(dst).StartCopyFromURL(ctx, source, nil); err != nil {
		return azureError("StartCopyFromURL", err)
	}
	return nil
}

func azureError(op string, err error) error {
	re := &uploaderr.RemoteError{Provider: "azure", Op: op, Err: err}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		re.Code = respErr.ErrorCode
		re.StatusCode = respErr.StatusCode
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, re)
	}
	return re
}

var _ AppendBlobStore = (*AzureStore)(nil)
