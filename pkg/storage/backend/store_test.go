// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

// fakeS3 records the inputs S3Store builds. Methods not overridden panic
// through the nil embedded interface.
type fakeS3 struct {
	S3API

	uploads   []*s3.UploadPartInput
	completed *s3.CompleteMultipartUploadInput
	uploadErr error
	pages     []*s3.ListPartsOutput
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-" + aws.ToString(in.Key))}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	io.Copy(io.Discard, in.Body)
	f.uploads = append(f.uploads, in)
	return &s3.UploadPartOutput{ETag: aws.String(`"etag"`)}, nil
}

func (f *fakeS3) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completed = in
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func TestS3Store_UploadPartForwardsOnlyMD5(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := &fakeS3{}
	st := NewS3StoreWithClient(client, "bucket")

	_, err := st.UploadPart(ctx, "k", "u", 1, []byte("abc"), &types.Checksum{Algorithm: "MD5", Value: "kAFQmDzST7DWlj99KOF/cg=="})
	require.NoError(t, err)
	_, err = st.UploadPart(ctx, "k", "u", 2, []byte("abc"), &types.Checksum{Algorithm: "sha256", Value: "x"})
	require.NoError(t, err)

	require.Len(t, client.uploads, 2)
	assert.Equal(t, "kAFQmDzST7DWlj99KOF/cg==", aws.ToString(client.uploads[0].ContentMD5))
	assert.Nil(t, client.uploads[1].ContentMD5)
	assert.Equal(t, int32(2), aws.ToInt32(client.uploads[1].PartNumber))
	assert.Equal(t, int64(3), aws.ToInt64(client.uploads[1].ContentLength))
}

func TestS3Store_MultipartRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := &fakeS3{}
	m := NewMultipart(NewS3StoreWithClient(client, "bucket"), types.BackendConfig{Type: types.StorageTypeS3, MinPartSize: -1})
	s := newSession("s3", 6)

	require.NoError(t, m.Create(ctx, s))
	assert.Equal(t, "upload-s3.bin", s.Ext.Multipart.UploadID)
	assert.False(t, s.Ext.Multipart.Direct)

	writeAll(t, m, s, "abc", "def")
	require.NoError(t, m.Commit(ctx, s))

	require.NotNil(t, client.completed)
	require.Len(t, client.completed.MultipartUpload.Parts, 2)
	assert.Equal(t, int32(1), aws.ToInt32(client.completed.MultipartUpload.Parts[0].PartNumber))
	assert.True(t, strings.HasSuffix(s.URL, "/s3.bin"), s.URL)
}

func TestS3Store_ListPartsPaginates(t *testing.T) {
	t.Parallel()

	client := &fakeS3{pages: []*s3.ListPartsOutput{
		{
			Parts:                []s3types.Part{{PartNumber: aws.Int32(1), Size: aws.Int64(5), ETag: aws.String("a")}},
			IsTruncated:          aws.Bool(true),
			NextPartNumberMarker: aws.String("1"),
		},
		{
			Parts: []s3types.Part{{PartNumber: aws.Int32(2), Size: aws.Int64(3), ETag: aws.String("b")}},
		},
	}}
	st := NewS3StoreWithClient(client, "bucket")

	parts, err := st.ListParts(context.Background(), "k", "u")
	require.NoError(t, err)
	assert.Equal(t, []types.PartRecord{{PartNumber: 1, Size: 5, ETag: "a"}, {PartNumber: 2, Size: 3, ETag: "b"}}, parts)
}

func TestS3Store_PresignRequiresSDKClient(t *testing.T) {
	t.Parallel()

	st := NewS3StoreWithClient(&fakeS3{}, "bucket")
	_, err := st.PresignPart(context.Background(), "k", "u", 1, DefaultPresignExpiry)
	require.Error(t, err)
}

func TestS3Error(t *testing.T) {
	t.Parallel()

	respErr := func(status int, err error) error {
		return &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      err,
		}
	}

	tests := []struct {
		name     string
		err      error
		code     string
		status   int
		notFound bool
	}{
		{
			name:   "api error with status",
			err:    respErr(503, &smithy.GenericAPIError{Code: "SlowDown", Message: "slow"}),
			code:   "SlowDown",
			status: 503,
		},
		{
			name:     "no such upload",
			err:      respErr(404, &s3types.NoSuchUpload{}),
			code:     "NoSuchUpload",
			status:   404,
			notFound: true,
		},
		{
			name:     "head not found",
			err:      &smithy.GenericAPIError{Code: "NotFound"},
			code:     "NotFound",
			notFound: true,
		},
		{
			name: "transport failure",
			err:  errors.New("dial tcp: connection refused"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := s3Error("UploadPart", tc.err)

			var re *uploaderr.RemoteError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, "s3", re.Provider)
			assert.Equal(t, tc.code, re.Code)
			assert.Equal(t, tc.status, re.StatusCode)
			assert.Equal(t, tc.notFound, errors.Is(err, ErrNotFound))
		})
	}
}

func TestS3Store_UploadFailureNormalizes(t *testing.T) {
	t.Parallel()

	client := &fakeS3{uploadErr: &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce rate"}}
	m := NewMultipart(NewS3StoreWithClient(client, "bucket"), types.BackendConfig{Type: types.StorageTypeS3, MinPartSize: -1})
	s := newSession("slow", 3)
	s.Ext = types.NewMultipartExt("u")

	_, err := m.Write(context.Background(), s, partOf([]byte("abc")))
	require.Error(t, err)

	norm := uploaderr.Normalize(uploaderr.S3Table(), err)
	assert.Equal(t, "FileError", norm.Code)
	assert.True(t, norm.Retryable)
}

func TestMinioError(t *testing.T) {
	t.Parallel()

	err := minioError("PutObjectPart", minio.ErrorResponse{Code: "NoSuchUpload", StatusCode: 404, Message: "gone"})
	assert.ErrorIs(t, err, ErrNotFound)

	err = minioError("PutObjectPart", minio.ErrorResponse{Code: "SlowDown", StatusCode: 503})
	var re *uploaderr.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "minio", re.Provider)
	assert.Equal(t, "SlowDown", re.Code)
	assert.Equal(t, 503, re.StatusCode)
	assert.NotErrorIs(t, err, ErrNotFound)
}
