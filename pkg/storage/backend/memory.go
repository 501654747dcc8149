// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
)

func init() {
	Register(types.StorageTypeMemory, func(cfg types.BackendConfig) (Backend, error) {
		store := NewMemoryStore(cfg.Bucket)
		if types.BackendKind(cfg.Option("kind", "")) == types.BackendBlockBlob {
			return NewBlockBlob(store, cfg), nil
		}
		if cfg.MinPartSize == 0 {
			cfg.MinPartSize = -1
		}
		return NewMultipart(store, cfg), nil
	})
}

// MemoryStore is an in-process object store implementing both the
// multipart and the append blob APIs. It is used for tests and local runs.
type MemoryStore struct {
	bucket string

	mu      sync.RWMutex
	objects map[string]memObject
	uploads map[string]*memUpload
}

type memObject struct {
	data []byte
	opts ObjectOptions
}

type memUpload struct {
	key   string
	opts  ObjectOptions
	parts map[int]memPart
}

type memPart struct {
	data []byte
	etag string
}

func NewMemoryStore(bucket string) *MemoryStore {
	if bucket == "" {
		bucket = "uploads"
	}
	return &MemoryStore{
		bucket:  bucket,
		objects: make(map[string]memObject),
		uploads: make(map[string]*memUpload),
	}
}

func (m *MemoryStore) ChecksumAlgorithms() []string {
	return localChecksums
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (m *MemoryStore) url(key string) string {
	return "memory://" + m.bucket + "/" + key
}

func (m *MemoryStore) CreateMultipart(_ context.Context, key string, opts ObjectOptions) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[id] = &memUpload{key: key, opts: opts, parts: make(map[int]memPart)}
	return id, nil
}

func (m *MemoryStore) upload(key, uploadID string) (*memUpload, error) {
	u, ok := m.uploads[uploadID]
	if !ok || u.key != key {
		return nil, fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}
	return u, nil
}

func (m *MemoryStore) UploadPart(_ context.Context, key, uploadID string, partNumber int, data []byte, sum *types.Checksum) (string, error) {
	if sum != nil && sum.Algorithm == "md5" {
		got := md5.Sum(data)
		if base64.StdEncoding.EncodeToString(got[:]) != sum.Value {
			return "", fmt.Errorf("content md5 mismatch")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.upload(key, uploadID)
	if err != nil {
		return "", err
	}
	p := memPart{data: bytes.Clone(data), etag: etagOf(data)}
	u.parts[partNumber] = p
	return p.etag, nil
}

func (m *MemoryStore) ListParts(_ context.Context, key, uploadID string) ([]types.PartRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, err := m.upload(key, uploadID)
	if err != nil {
		return nil, err
	}
	parts := make([]types.PartRecord, 0, len(u.parts))
	for n, p := range u.parts {
		parts = append(parts, types.PartRecord{PartNumber: n, Size: int64(len(p.data)), ETag: p.etag})
	}
	slices.SortFunc(parts, func(a, b types.PartRecord) int { return a.PartNumber - b.PartNumber })
	return parts, nil
}

func (m *MemoryStore) CompleteMultipart(_ context.Context, key, uploadID string, parts []types.PartRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.upload(key, uploadID)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, p := range parts {
		stored, ok := u.parts[p.PartNumber]
		if !ok || stored.etag != p.ETag {
			return "", fmt.Errorf("invalid part %d", p.PartNumber)
		}
		buf.Write(stored.data)
	}
	m.objects[key] = memObject{data: buf.Bytes(), opts: u.opts}
	delete(m.uploads, uploadID)
	return m.url(key), nil
}

func (m *MemoryStore) AbortMultipart(_ context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.upload(key, uploadID); err != nil {
		return err
	}
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryStore) PutObject(_ context.Context, key string, data []byte, opts ObjectOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: bytes.Clone(data), opts: opts}
	return m.url(key), nil
}

func (m *MemoryStore) CopyObject(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[src]
	if !ok {
		return fmt.Errorf("%w: object %s", ErrNotFound, src)
	}
	m.objects[dst] = memObject{data: bytes.Clone(obj.data), opts: obj.opts}
	return nil
}

func (m *MemoryStore) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return fmt.Errorf("%w: object %s", ErrNotFound, key)
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) PresignPart(_ context.Context, key, uploadID string, partNumber int, expires time.Duration) (string, error) {
	q := url.Values{}
	q.Set("uploadId", uploadID)
	q.Set("partNumber", strconv.Itoa(partNumber))
	q.Set("expires", strconv.FormatInt(time.Now().Add(expires).Unix(), 10))
	return m.url(key) + "?" + q.Encode(), nil
}

func (m *MemoryStore) CreateAppendBlob(_ context.Context, name string, opts ObjectOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = memObject{data: []byte{}, opts: opts}
	return m.url(name), nil
}

func (m *MemoryStore) AppendBlock(_ context.Context, name string, data []byte, position int64, _ *types.Checksum) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[name]
	if !ok {
		return fmt.Errorf("%w: blob %s", ErrNotFound, name)
	}
	if int64(len(obj.data)) != position {
		return fmt.Errorf("%w: blob is %d bytes, append at %d", ErrPositionMismatch, len(obj.data), position)
	}
	obj.data = append(obj.data, data...)
	m.objects[name] = obj
	return nil
}

func (m *MemoryStore) BlobSize(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[name]
	if !ok {
		return 0, fmt.Errorf("%w: blob %s", ErrNotFound, name)
	}
	return int64(len(obj.data)), nil
}

func (m *MemoryStore) DeleteBlob(ctx context.Context, name string) error {
	return m.DeleteObject(ctx, name)
}

func (m *MemoryStore) CopyBlob(ctx context.Context, src, dst string) error {
	return m.CopyObject(ctx, src, dst)
}

// Object returns a copy of a stored object's bytes.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// Metadata returns the attributes a stored object was created with.
func (m *MemoryStore) Metadata(key string) (ObjectOptions, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.opts, ok
}

// PendingUploads returns the number of open multipart uploads.
func (m *MemoryStore) PendingUploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}

var (
	_ ObjectStore     = (*MemoryStore)(nil)
	_ Presigner       = (*MemoryStore)(nil)
	_ AppendBlobStore = (*MemoryStore)(nil)
)
