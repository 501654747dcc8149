// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/LeeDigitalWorks/zapload/pkg/checksum"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

// DefaultMinPartSize is the smallest non-final part S3-compatible stores accept.
const DefaultMinPartSize = 5 << 20

// DefaultPresignExpiry is how long presigned part URLs stay valid.
const DefaultPresignExpiry = time.Hour

// ObjectStore is the subset of an S3-style API the multipart backend drives.
type ObjectStore interface {
	CreateMultipart(ctx context.Context, key string, opts ObjectOptions) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte, sum *types.Checksum) (etag string, err error)
	ListParts(ctx context.Context, key, uploadID string) ([]types.PartRecord, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.PartRecord) (location string, err error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
	PutObject(ctx context.Context, key string, data []byte, opts ObjectOptions) (location string, err error)
	CopyObject(ctx context.Context, src, dst string) error
	DeleteObject(ctx context.Context, key string) error
	ChecksumAlgorithms() []string
}

// Presigner is implemented by stores that can sign part uploads.
type Presigner interface {
	PresignPart(ctx context.Context, key, uploadID string, partNumber int, expires time.Duration) (string, error)
}

// Multipart keeps an ordered list of committed parts per session; every
// write uploads exactly one part and Commit completes the upload.
type Multipart struct {
	store       ObjectStore
	storageType types.StorageType
	minPartSize int64
	direct      bool
	expiry      time.Duration
}

// NewMultipart wraps store. A negative minPartSize disables the check.
func NewMultipart(store ObjectStore, cfg types.BackendConfig) *Multipart {
	m := &Multipart{
		store:       store,
		storageType: cfg.Type,
		minPartSize: cfg.MinPartSize,
		expiry:      DefaultPresignExpiry,
	}
	if m.minPartSize == 0 {
		m.minPartSize = DefaultMinPartSize
	}
	if _, ok := store.(Presigner); ok {
		m.direct = cfg.ClientDirect
	}
	return m
}

func (m *Multipart) Kind() types.BackendKind      { return types.BackendMultipart }
func (m *Multipart) Type() types.StorageType      { return m.storageType }
func (m *Multipart) ChecksumAlgorithms() []string { return m.store.ChecksumAlgorithms() }

func (m *Multipart) Create(ctx context.Context, s *types.Session) error {
	uploadID, err := m.store.CreateMultipart(ctx, s.Name, objectOptions(s))
	if err != nil {
		return uploaderr.Wrap(uploaderr.ErrFileError, err, "create multipart upload")
	}
	s.Ext = types.NewMultipartExt(uploadID)
	s.Ext.Multipart.Direct = m.direct
	return nil
}

func (m *Multipart) ext(s *types.Session) (*types.MultipartExt, error) {
	if s.Ext.Kind != types.BackendMultipart || s.Ext.Multipart == nil {
		return nil, fmt.Errorf("session %s is not a multipart session (%s)", s.ID, s.Ext.Kind)
	}
	return s.Ext.Multipart, nil
}

func (m *Multipart) Write(ctx context.Context, s *types.Session, part *types.Part) (int64, error) {
	ext, err := m.ext(s)
	if err != nil {
		return s.BytesWritten, err
	}
	data, release, err := readPart(part, remaining(s))
	if err != nil {
		return s.BytesWritten, err
	}
	defer release()

	if len(data) == 0 {
		return s.BytesWritten, nil
	}
	size := int64(len(data))
	final := s.SizeKnown() && s.BytesWritten+size == s.Size
	if !final && m.minPartSize > 0 && size < m.minPartSize {
		return s.BytesWritten, uploaderr.Newf(uploaderr.ErrBadRequest,
			"part of %d bytes is below the %d byte minimum for non-final parts", size, m.minPartSize)
	}

	number := ext.NextPartNumber()
	etag, err := m.store.UploadPart(ctx, s.Name, ext.UploadID, number, data, part.Checksum)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrGone, err, "multipart upload no longer exists")
		}
		return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrFileError, err, "upload part")
	}
	ext.Parts = append(ext.Parts, types.PartRecord{PartNumber: number, Size: size, ETag: etag})

	log.Debug().Str("id", s.ID).Int("part", number).Int64("size", size).Msg("multipart part uploaded")
	return ext.BytesCommitted(), nil
}

func (m *Multipart) Commit(ctx context.Context, s *types.Session) error {
	ext, err := m.ext(s)
	if err != nil {
		return err
	}

	if len(ext.Parts) == 0 {
		// Multipart uploads cannot complete without parts; store an empty object instead.
		if err := m.store.AbortMultipart(ctx, s.Name, ext.UploadID); err != nil && !errors.Is(err, ErrNotFound) {
			return uploaderr.Wrap(uploaderr.ErrFileError, err, "abort empty multipart upload")
		}
		location, err := m.store.PutObject(ctx, s.Name, nil, objectOptions(s))
		if err != nil {
			return uploaderr.Wrap(uploaderr.ErrFileError, err, "put empty object")
		}
		s.URL = location
		return nil
	}

	parts := slices.Clone(ext.Parts)
	slices.SortFunc(parts, func(a, b types.PartRecord) int { return a.PartNumber - b.PartNumber })
	location, err := m.store.CompleteMultipart(ctx, s.Name, ext.UploadID, parts)
	if err != nil {
		return uploaderr.Wrap(uploaderr.ErrFileError, err, "complete multipart upload")
	}
	s.URL = location
	return nil
}

func (m *Multipart) Abort(ctx context.Context, s *types.Session) error {
	ext, err := m.ext(s)
	if err != nil {
		return err
	}
	if err := m.store.AbortMultipart(ctx, s.Name, ext.UploadID); err != nil && !errors.Is(err, ErrNotFound) {
		return uploaderr.Wrap(uploaderr.ErrStorageError, err, "abort multipart upload")
	}
	return nil
}

func (m *Multipart) Copy(ctx context.Context, name, dest string) error {
	if err := m.store.CopyObject(ctx, name, dest); err != nil {
		return copyError(err)
	}
	return nil
}

func (m *Multipart) DeleteObject(ctx context.Context, name string) error {
	if err := m.store.DeleteObject(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
		return uploaderr.Wrap(uploaderr.ErrStorageError, err, "delete object")
	}
	return nil
}

// Presign returns URLs for the next count parts.
func (m *Multipart) Presign(ctx context.Context, s *types.Session, count int) ([]PresignedPart, error) {
	ext, err := m.ext(s)
	if err != nil {
		return nil, err
	}
	p, ok := m.store.(Presigner)
	if !ok || !ext.Direct {
		return nil, uploaderr.Newf(uploaderr.ErrNotImplemented, "direct upload is not enabled for this backend")
	}
	if count <= 0 {
		count = 1
	}

	expires := time.Now().Add(m.expiry)
	first := ext.NextPartNumber()
	out := make([]PresignedPart, 0, count)
	for n := first; n < first+count; n++ {
		url, err := p.PresignPart(ctx, s.Name, ext.UploadID, n, m.expiry)
		if err != nil {
			return nil, uploaderr.Wrap(uploaderr.ErrStorageError, err, "presign part")
		}
		out = append(out, PresignedPart{PartNumber: n, URL: url, Method: "PUT", Expires: expires})
	}
	return out, nil
}

// Sync replaces the recorded parts with the remote part list.
func (m *Multipart) Sync(ctx context.Context, s *types.Session) (int64, error) {
	ext, err := m.ext(s)
	if err != nil {
		return s.BytesWritten, err
	}
	parts, err := m.store.ListParts(ctx, s.Name, ext.UploadID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrGone, err, "multipart upload no longer exists")
		}
		return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrStorageError, err, "list parts")
	}
	slices.SortFunc(parts, func(a, b types.PartRecord) int { return a.PartNumber - b.PartNumber })
	ext.Parts = parts
	return ext.BytesCommitted(), nil
}

func (m *Multipart) Close() error {
	if c, ok := m.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func copyError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return uploaderr.Wrap(uploaderr.ErrFileNotFound, err, "source object not found")
	}
	return uploaderr.Wrap(uploaderr.ErrStorageError, err, "copy object")
}

var (
	_ Backend        = (*Multipart)(nil)
	_ DirectUploader = (*Multipart)(nil)
)

// localChecksums is every algorithm verified in process before a part is sent.
var localChecksums = checksum.Algorithms()
