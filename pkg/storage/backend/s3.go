// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/LeeDigitalWorks/zapload/pkg/checksum"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

func init() {
	Register(types.StorageTypeS3, func(cfg types.BackendConfig) (Backend, error) {
		store, err := NewS3Store(cfg)
		if err != nil {
			return nil, err
		}
		return NewMultipart(store, cfg), nil
	})
}

// S3API is the part of *s3.Client used by S3Store.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, opts ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Store drives an S3-compatible service through aws-sdk-go-v2.
type S3Store struct {
	client    S3API
	presigner *s3.PresignClient
	bucket    string
	endpoint  string
	region    string
}

// NewS3Store builds a store from config using the default AWS credential
// chain unless static keys are configured.
func NewS3Store(cfg types.BackendConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket required for S3 backend")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		endpoint:  cfg.Endpoint,
		region:    awsCfg.Region,
	}, nil
}

// NewS3StoreWithClient wraps an existing client. Presigning is only
// available when client is an *s3.Client.
func NewS3StoreWithClient(client S3API, bucket string) *S3Store {
	st := &S3Store{client: client, bucket: bucket}
	if c, ok := client.(*s3.Client); ok {
		st.presigner = s3.NewPresignClient(c)
	}
	return st
}

func (st *S3Store) ChecksumAlgorithms() []string {
	return checksum.Algorithms()
}

func (st *S3Store) CreateMultipart(ctx context.Context, key string, opts ObjectOptions) (string, error) {
	out, err := st.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(st.bucket),
		Key:         aws.String(key),
		ContentType: nonEmpty(opts.ContentType),
		Metadata:    opts.Metadata,
	})
	if err != nil {
		return "", s3Error("CreateMultipartUpload", err)
	}
	return aws.ToString(out.UploadId), nil
}

func (st *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte, sum *types.Checksum) (string, error) {
	in := &s3.UploadPartInput{
		Bucket:        aws.String(st.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	// Other algorithms are verified in process; only MD5 is independent of
	// the checksum mode chosen at CreateMultipartUpload.
	if sum != nil && strings.EqualFold(sum.Algorithm, checksum.MD5) {
		in.ContentMD5 = aws.String(sum.Value)
	}
	out, err := st.client.UploadPart(ctx, in)
	if err != nil {
		return "", s3Error("UploadPart", err)
	}
	return aws.ToString(out.ETag), nil
}

func (st *S3Store) ListParts(ctx context.Context, key, uploadID string) ([]types.PartRecord, error) {
	var parts []types.PartRecord
	p := s3.NewListPartsPaginator(st.client, &s3.ListPartsInput{
		Bucket:   aws.String(st.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s3Error("ListParts", err)
		}
		for _, part := range page.Parts {
			parts = append(parts, types.PartRecord{
				PartNumber: int(aws.ToInt32(part.PartNumber)),
				Size:       aws.ToInt64(part.Size),
				ETag:       aws.ToString(part.ETag),
			})
		}
	}
	return parts, nil
}

func (st *S3Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (string, error) {
	completed := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		}
	}
	out, err := st.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(st.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", s3Error("CompleteMultipartUpload", err)
	}
	if loc := aws.ToString(out.Location); loc != "" {
		return loc, nil
	}
	return st.objectURL(key), nil
}

func (st *S3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := st.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(st.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return s3Error("AbortMultipartUpload", err)
	}
	return nil
}

func (st *S3Store) PutObject(ctx context.Context, key string, data []byte, opts ObjectOptions) (string, error) {
	_, err := st.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(st.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   nonEmpty(opts.ContentType),
		Metadata:      opts.Metadata,
	})
	if err != nil {
		return "", s3Error("PutObject", err)
	}
	return st.objectURL(key), nil
}

func (st *S3Store) CopyObject(ctx context.Context, src, dst string) error {
	_, err := st.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(st.bucket),
		Key:               aws.String(dst),
		CopySource:        aws.String(url.PathEscape(st.bucket) + "/" + escapeKey(src)),
		MetadataDirective: s3types.MetadataDirectiveCopy,
	})
	if err != nil {
		return s3Error("CopyObject", err)
	}
	return nil
}

func (st *S3Store) DeleteObject(ctx context.Context, key string) error {
	_, err := st.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(st.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Error("DeleteObject", err)
	}
	return nil
}

func (st *S3Store) PresignPart(ctx context.Context, key, uploadID string, partNumber int, expires time.Duration) (string, error) {
	if st.presigner == nil {
		return "", fmt.Errorf("presigning requires an *s3.Client")
	}
	req, err := st.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(st.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", s3Error("PresignUploadPart", err)
	}
	return req.URL, nil
}

func (st *S3Store) objectURL(key string) string {
	if st.endpoint != "" {
		return strings.TrimRight(st.endpoint, "/") + "/" + st.bucket + "/" + escapeKey(key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", st.bucket, st.region, escapeKey(key))
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// s3Error converts SDK failures into RemoteErrors. Missing uploads and
// keys additionally wrap ErrNotFound.
func s3Error(op string, err error) error {
	re := &uploaderr.RemoteError{Provider: "s3", Op: op, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		re.Code = apiErr.ErrorCode()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		re.StatusCode = respErr.HTTPStatusCode()
	}

	var noUpload *s3types.NoSuchUpload
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noUpload) || errors.As(err, &noKey) ||
		re.Code == "NoSuchUpload" || re.Code == "NoSuchKey" || re.Code == "NotFound" {
		return fmt.Errorf("%w: %w", ErrNotFound, re)
	}
	return re
}

var (
	_ ObjectStore = (*S3Store)(nil)
	_ Presigner   = (*S3Store)(nil)
)
