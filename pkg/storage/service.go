// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage implements the upload session lifecycle on top of a
// storage backend, a metadata store and a per-upload lock.
package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/LeeDigitalWorks/zapload/pkg/cache"
	"github.com/LeeDigitalWorks/zapload/pkg/checksum"
	"github.com/LeeDigitalWorks/zapload/pkg/lock"
	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/metastore"
	"github.com/LeeDigitalWorks/zapload/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

// Service drives upload sessions. Writes to one id are serialized through
// the Locker; everything else is lock-free.
type Service struct {
	backend    backend.Backend
	meta       metastore.MetaStore
	locker     lock.Locker
	naming     NamingFunc
	validators []Validator
	maxSize    int64
	expiration Expiration
	table      *uploaderr.Table
	onCreate   Hook
	onComplete Hook
	onDelete   Hook
	now        func() time.Time

	// completed answers for sessions whose record was removed on completion.
	completed *cache.Cache[*types.Session]

	purgeConcurrency int
}

// NewService validates cfg and fills in defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.MetaStore == nil {
		return nil, errors.New("metastore is required")
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewMemory(lock.DefaultAcquireTimeout)
	}
	if cfg.Naming == nil {
		cfg.Naming = DefaultNaming
	}
	if cfg.ErrorTable == nil {
		cfg.ErrorTable = uploaderr.DefaultTable()
	}
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = DefaultCompletedTTL
	}
	if cfg.CompletedCacheSize <= 0 {
		cfg.CompletedCacheSize = DefaultCompletedCacheSize
	}
	if cfg.PurgeConcurrency <= 0 {
		cfg.PurgeConcurrency = DefaultPurgeConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	validators := []Validator{NameRequired, MaxSize(cfg.MaxUploadSize), AllowedTypes(cfg.AllowedTypes)}
	validators = append(validators, cfg.Validators...)

	return &Service{
		backend:          cfg.Backend,
		meta:             cfg.MetaStore,
		locker:           cfg.Locker,
		naming:           cfg.Naming,
		validators:       validators,
		maxSize:          cfg.MaxUploadSize,
		expiration:       cfg.Expiration,
		table:            cfg.ErrorTable,
		onCreate:         cfg.OnCreate,
		onComplete:       cfg.OnComplete,
		onDelete:         cfg.OnDelete,
		now:              cfg.Now,
		purgeConcurrency: cfg.PurgeConcurrency,
		completed: cache.New(
			cache.WithExpiry[*types.Session](cfg.CompletedTTL),
			cache.WithMaxSize[*types.Session](cfg.CompletedCacheSize),
		),
	}, nil
}

// Backend returns the backend sessions are written to.
func (svc *Service) Backend() backend.Backend {
	return svc.backend
}

// MaxUploadSize is the configured size limit, zero when unlimited.
func (svc *Service) MaxUploadSize() int64 {
	return svc.maxSize
}

// Expiration returns the expiration policy.
func (svc *Service) Expiration() Expiration {
	return svc.expiration
}

// ChecksumAlgorithms lists the digests accepted on writes.
func (svc *Service) ChecksumAlgorithms() []string {
	return svc.backend.ChecksumAlgorithms()
}

// Close stops background work and releases the backend.
func (svc *Service) Close() error {
	svc.completed.Stop()
	return svc.backend.Close()
}

// Create opens a new session. A request for an id that already exists
// returns the existing session unchanged.
func (svc *Service) Create(ctx context.Context, rc *types.RequestContext, req types.InitRequest) (*types.Session, error) {
	if rc == nil {
		rc = &types.RequestContext{}
	}
	if req.ID != "" {
		existing, err := svc.load(ctx, req.ID)
		if err == nil {
			return existing, nil
		}
		if !uploaderr.HasCode(err, uploaderr.ErrFileNotFound) {
			return nil, err
		}
	}
	if req.Size < types.SizeUnknown {
		return nil, uploaderr.Newf(uploaderr.ErrBadRequest, "invalid size %d", req.Size)
	}

	now := svc.now()
	s := &types.Session{
		ID:           req.ID,
		OriginalName: req.OriginalName,
		ContentType:  req.ContentType,
		Metadata:     maps.Clone(req.Metadata),
		UserID:       req.UserID,
		Size:         req.Size,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.UserID == "" {
		s.UserID = rc.UserID
	}
	if s.ContentType == "" {
		s.ContentType = "application/octet-stream"
	}
	if svc.expiration.MaxAge > 0 {
		s.ExpiredAt = now.Add(svc.expiration.MaxAge)
	}

	name, err := svc.naming(s, rc)
	if err != nil {
		return nil, err
	}
	s.Name = name

	for _, v := range svc.validators {
		if err := v(s, rc); err != nil {
			return nil, err
		}
	}

	if err := svc.backend.Create(ctx, s); err != nil {
		svc.recordError(err)
		var ue *uploaderr.Error
		if errors.As(err, &ue) {
			return nil, err
		}
		return nil, uploaderr.Wrap(uploaderr.ErrFileError, err, "open upload target")
	}
	s.Refresh()
	sessionsTotal.WithLabelValues("created").Inc()

	logger.Ctx(ctx).Info().
		Str("id", s.ID).
		Str("name", s.Name).
		Int64("size", s.Size).
		Str("backend", string(s.Ext.Kind)).
		Msg("upload created")

	if s.SizeKnown() && s.Size == 0 {
		svc.created(ctx, s)
		return svc.complete(ctx, s)
	}
	if err := svc.meta.Save(ctx, s); err != nil {
		if abortErr := svc.backend.Abort(ctx, s); abortErr != nil {
			logger.Ctx(ctx).Warn().Err(abortErr).Str("id", s.ID).Msg("abort after failed save")
		}
		return nil, err
	}
	svc.created(ctx, s)
	return s.Clone(), nil
}

func (svc *Service) created(ctx context.Context, s *types.Session) {
	if svc.onCreate != nil {
		svc.onCreate(ctx, s.Clone())
	}
}

// Write applies one part to a session. A part without content is a status
// probe and takes no lock unless the session needs remote reconciliation:
// a pending commit, a direct upload, or an unsynced offset.
func (svc *Service) Write(ctx context.Context, part *types.Part) (*types.Session, error) {
	if part == nil || part.ID == "" {
		return nil, uploaderr.Newf(uploaderr.ErrBadRequest, "upload id required")
	}
	s, err := svc.checkWritable(ctx, part.ID)
	if err != nil || s.Status == types.StatusCompleted {
		return s, err
	}
	if !part.HasContent() && part.Size == nil && part.PresignParts == 0 && !isDirect(s) && !needsCommit(s) && !s.Unsynced {
		return s, nil
	}
	if part.Checksum != nil && !slices.Contains(svc.backend.ChecksumAlgorithms(), strings.ToLower(part.Checksum.Algorithm)) {
		return nil, uploaderr.Newf(uploaderr.ErrUnsupportedChecksumAlgorithm, "unsupported checksum algorithm %q", part.Checksum.Algorithm)
	}

	unlock, err := svc.lock(ctx, part.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Reload: another writer may have advanced the session while we waited.
	s, err = svc.checkWritable(ctx, part.ID)
	if err != nil || s.Status == types.StatusCompleted {
		return s, err
	}
	if s.Unsynced && !isDirect(s) {
		if err := svc.reconcile(ctx, s); err != nil {
			return nil, svc.fail(ctx, s, err)
		}
	}

	if part.Size != nil {
		if err := svc.declareSize(s, *part.Size); err != nil {
			return nil, err
		}
	}

	switch {
	case isDirect(s) && part.HasContent():
		return nil, uploaderr.Newf(uploaderr.ErrBadRequest, "upload %s takes parts through presigned URLs", s.ID)
	case isDirect(s):
		if err := svc.syncDirect(ctx, s, part.PresignParts); err != nil {
			return nil, svc.fail(ctx, s, err)
		}
	case part.HasContent():
		if err := svc.writePart(ctx, s, part); err != nil {
			return nil, svc.fail(ctx, s, err)
		}
	}

	now := svc.now()
	s.UpdatedAt = now
	if svc.expiration.Rolling && svc.expiration.MaxAge > 0 {
		s.ExpiredAt = now.Add(svc.expiration.MaxAge)
	}
	s.Refresh()

	if needsCommit(s) {
		return svc.complete(ctx, s)
	}
	presigned := s.Presigned
	s.Presigned = nil
	if err := svc.meta.Save(ctx, s); err != nil {
		return nil, err
	}
	s.Presigned = presigned
	return s.Clone(), nil
}

// checkWritable loads a session and rejects expired or failed ones.
// Completed sessions are returned as they are.
func (svc *Service) checkWritable(ctx context.Context, id string) (*types.Session, error) {
	s, err := svc.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == types.StatusCompleted {
		return s, nil
	}
	if s.Expired(svc.now()) {
		return nil, uploaderr.Newf(uploaderr.ErrGone, "upload %s expired", id)
	}
	switch s.Status {
	case types.StatusDeleted:
		return nil, uploaderr.Newf(uploaderr.ErrGone, "upload %s was deleted", id)
	case types.StatusError:
		return nil, uploaderr.Newf(uploaderr.ErrGone, "upload %s failed and can no longer be written", id)
	}
	return s, nil
}

func (svc *Service) declareSize(s *types.Session, size int64) error {
	switch {
	case size < 0:
		return uploaderr.Newf(uploaderr.ErrBadRequest, "invalid size %d", size)
	case s.SizeKnown() && size != s.Size:
		return uploaderr.Newf(uploaderr.ErrBadRequest, "size already declared as %d", s.Size)
	case size < s.BytesWritten:
		return uploaderr.Newf(uploaderr.ErrBadRequest, "size %d is below the %d bytes already written", size, s.BytesWritten)
	case svc.maxSize > 0 && size > svc.maxSize:
		return uploaderr.Newf(uploaderr.ErrRequestEntityTooLarge, "size %d exceeds the %d byte limit", size, svc.maxSize)
	}
	s.Size = size
	return nil
}

func (svc *Service) writePart(ctx context.Context, s *types.Session, part *types.Part) error {
	if part.Start != s.BytesWritten {
		logger.Ctx(ctx).Debug().Str("id", s.ID).Int64("offset", part.Start).Int64("expected", s.BytesWritten).Msg("write conflict")
		return uploaderr.Newf(uploaderr.ErrFileConflict, "offset %d does not match the upload offset %d", part.Start, s.BytesWritten)
	}
	if s.SizeKnown() && part.ContentLength > 0 && s.BytesWritten+part.ContentLength > s.Size {
		return uploaderr.Newf(uploaderr.ErrRequestEntityTooLarge,
			"part of %d bytes at offset %d exceeds the declared size %d", part.ContentLength, part.Start, s.Size)
	}

	pipe, err := checksum.NewPipe(part.Body, part.Checksum)
	if err != nil {
		return err
	}
	verified := *part
	verified.Body = pipe

	n, err := svc.backend.Write(ctx, s, &verified)
	if err != nil {
		return err
	}
	svc.advance(ctx, s, n)
	return nil
}

func (svc *Service) syncDirect(ctx context.Context, s *types.Session, presign int) error {
	du, ok := svc.backend.(backend.DirectUploader)
	if !ok {
		return uploaderr.Newf(uploaderr.ErrNotImplemented, "backend does not support direct upload")
	}
	n, err := du.Sync(ctx, s)
	if err != nil {
		return err
	}
	svc.advance(ctx, s, n)
	if presign > 0 && !needsCommit(s) {
		urls, err := du.Presign(ctx, s, presign)
		if err != nil {
			return err
		}
		s.Presigned = urls
	}
	return nil
}

// advance moves BytesWritten forward to n. A backward report is not applied
// here; the session is marked unsynced and reconciled on the next request.
func (svc *Service) advance(ctx context.Context, s *types.Session, n int64) {
	if n < s.BytesWritten {
		logger.Ctx(ctx).Warn().Str("id", s.ID).Int64("reported", n).Int64("recorded", s.BytesWritten).
			Msg("backend reported fewer bytes than recorded")
		s.Unsynced = !isDirect(s) && svc.syncer() != nil
		return
	}
	if s.SizeKnown() && n > s.Size {
		logger.Ctx(ctx).Warn().Str("id", s.ID).Int64("reported", n).Int64("size", s.Size).
			Msg("backend reported more bytes than declared")
		n = s.Size
	}
	bytesWritten.WithLabelValues(string(s.Ext.Kind)).Add(float64(n - s.BytesWritten))
	s.BytesWritten = n
}

// reconcile adopts the byte count the remote store reports. The remote store
// is authoritative, so BytesWritten may move back.
func (svc *Service) reconcile(ctx context.Context, s *types.Session) error {
	syncer := svc.syncer()
	if syncer == nil {
		s.Unsynced = false
		return nil
	}
	n, err := syncer.Sync(ctx, s)
	if err != nil {
		return err
	}
	if s.SizeKnown() && n > s.Size {
		n = s.Size
	}
	if n != s.BytesWritten {
		logger.Ctx(ctx).Info().Str("id", s.ID).Int64("reported", n).Int64("recorded", s.BytesWritten).
			Msg("offset reconciled with remote store")
	}
	if n > s.BytesWritten {
		bytesWritten.WithLabelValues(string(s.Ext.Kind)).Add(float64(n - s.BytesWritten))
	}
	s.BytesWritten = n
	s.Unsynced = false
	return nil
}

func (svc *Service) syncer() backend.Syncer {
	syncer, _ := svc.backend.(backend.Syncer)
	return syncer
}

// complete commits the backend object, drops the persisted record and keeps
// the finished session in the completed cache.
func (svc *Service) complete(ctx context.Context, s *types.Session) (*types.Session, error) {
	if err := svc.backend.Commit(ctx, s); err != nil {
		if saveErr := svc.meta.Save(ctx, s); saveErr != nil {
			logger.Ctx(ctx).Warn().Err(saveErr).Str("id", s.ID).Msg("save after failed commit")
		}
		return nil, svc.fail(ctx, s, err)
	}
	s.Committed = true
	s.Presigned = nil
	s.Refresh()

	if err := svc.meta.Delete(ctx, s.ID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("id", s.ID).Msg("delete completed session record")
	}
	svc.completed.Set(s.ID, s.Clone())
	sessionsTotal.WithLabelValues("completed").Inc()

	logger.Ctx(ctx).Info().Str("id", s.ID).Str("name", s.Name).Int64("size", s.Size).Str("url", s.URL).Msg("upload completed")
	if svc.onComplete != nil {
		svc.onComplete(ctx, s.Clone())
	}
	return s.Clone(), nil
}

// fail records a backend fault. A remote target that is gone for good moves
// the session to the error state.
func (svc *Service) fail(ctx context.Context, s *types.Session, err error) error {
	svc.recordError(err)
	switch {
	case uploaderr.HasCode(err, uploaderr.ErrGone):
		s.Status = types.StatusError
		svc.saveFailed(ctx, s)
	case unacknowledged(err) && !isDirect(s) && svc.syncer() != nil:
		s.Unsynced = true
		svc.saveFailed(ctx, s)
	}
	n := uploaderr.Normalize(svc.table, err)
	ev := logger.Ctx(ctx).Debug()
	if n.StatusCode >= 500 {
		ev = logger.Ctx(ctx).Error()
	}
	ev.Err(err).Str("id", s.ID).Str("code", n.Code).Bool("retryable", n.Retryable).Msg("upload write failed")
	return err
}

func (svc *Service) saveFailed(ctx context.Context, s *types.Session) {
	if err := svc.meta.Save(context.WithoutCancel(ctx), s); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("id", s.ID).Msg("save failed session")
	}
}

// unacknowledged reports whether a failed write may still have reached the
// remote store.
func unacknowledged(err error) bool {
	return uploaderr.HasCode(err, uploaderr.ErrStorageError) ||
		uploaderr.HasCode(err, uploaderr.ErrRequestAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (svc *Service) recordError(err error) {
	n := uploaderr.Normalize(svc.table, err)
	writeErrors.WithLabelValues(string(svc.backend.Kind()), n.Code).Inc()
}

func (svc *Service) lock(ctx context.Context, id string) (lock.Unlock, error) {
	start := time.Now()
	unlock, err := svc.locker.Lock(ctx, id)
	lockWait.Observe(time.Since(start).Seconds())
	return unlock, err
}

func (svc *Service) load(ctx context.Context, id string) (*types.Session, error) {
	if s, ok := svc.completed.Get(id); ok {
		return s.Clone(), nil
	}
	return svc.meta.Get(ctx, id)
}

func isDirect(s *types.Session) bool {
	return s.Ext.Kind == types.BackendMultipart && s.Ext.Multipart != nil && s.Ext.Multipart.Direct
}

func needsCommit(s *types.Session) bool {
	return s.SizeKnown() && s.BytesWritten >= s.Size && !s.Committed
}

// Get returns a session without taking the lock.
func (svc *Service) Get(ctx context.Context, id string) (*types.Session, error) {
	s, err := svc.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != types.StatusCompleted && s.Expired(svc.now()) {
		return nil, uploaderr.Newf(uploaderr.ErrGone, "upload %s expired", id)
	}
	return s, nil
}

// List returns the in-progress sessions whose id starts with prefix.
func (svc *Service) List(ctx context.Context, prefix string) ([]*types.Session, error) {
	return svc.meta.List(ctx, prefix)
}

// Update merges metadata into an in-progress session. Empty values remove keys.
func (svc *Service) Update(ctx context.Context, id string, metadata map[string]string) (*types.Session, error) {
	unlock, err := svc.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := svc.checkWritable(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == types.StatusCompleted {
		return nil, uploaderr.Newf(uploaderr.ErrFileConflict, "upload %s is already completed", id)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		if v == "" {
			delete(s.Metadata, k)
			continue
		}
		s.Metadata[k] = v
	}
	s.UpdatedAt = svc.now()
	if err := svc.meta.Save(ctx, s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Delete removes a session. The metadata record and the remote resource are
// released concurrently; a remote failure is logged and never keeps the
// record alive.
func (svc *Service) Delete(ctx context.Context, id string) (*types.Session, error) {
	unlock, err := svc.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := svc.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Status = types.StatusDeleted

	var g errgroup.Group
	g.Go(func() error {
		return svc.meta.Delete(ctx, id)
	})
	g.Go(func() error {
		var remoteErr error
		if s.Committed {
			remoteErr = svc.backend.DeleteObject(ctx, s.Name)
		} else {
			remoteErr = svc.backend.Abort(ctx, s)
		}
		if remoteErr != nil {
			svc.recordError(remoteErr)
			logger.Ctx(ctx).Warn().Err(remoteErr).Str("id", id).Msg("release remote upload")
		}
		return nil
	})
	err = g.Wait()
	svc.completed.Delete(id)
	if err != nil {
		return nil, err
	}

	sessionsTotal.WithLabelValues("deleted").Inc()
	logger.Ctx(ctx).Info().Str("id", id).Str("name", s.Name).Int64("bytes_written", s.BytesWritten).Msg("upload deleted")
	if svc.onDelete != nil {
		svc.onDelete(ctx, s.Clone())
	}
	return s, nil
}

// Copy duplicates a stored object, keeping its metadata.
func (svc *Service) Copy(ctx context.Context, name, dest string) error {
	if name == "" || dest == "" {
		return uploaderr.Newf(uploaderr.ErrBadRequest, "source and destination required")
	}
	if err := svc.backend.Copy(ctx, name, dest); err != nil {
		svc.recordError(err)
		return err
	}
	return nil
}

// Move copies then deletes the source object.
func (svc *Service) Move(ctx context.Context, name, dest string) error {
	if err := svc.Copy(ctx, name, dest); err != nil {
		return err
	}
	if err := svc.backend.DeleteObject(ctx, name); err != nil {
		svc.recordError(err)
		return err
	}
	return nil
}
