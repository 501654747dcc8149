// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapload/pkg/checksum"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

// Options answers the capability probe.
func (s *Server) Options(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set(types.HeaderTusVersion, types.TusVersion)
	h.Set(types.HeaderTusExtension, strings.Join(Extensions, ","))
	if limit := s.svc.MaxUploadSize(); limit > 0 {
		h.Set(types.HeaderTusMaxSize, strconv.FormatInt(limit, 10))
	}
	if algs := s.svc.ChecksumAlgorithms(); len(algs) > 0 {
		h.Set(types.HeaderTusChecksumAlgo, strings.Join(algs, ","))
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostFile creates a session.
func (s *Server) PostFile(w http.ResponseWriter, r *http.Request) {
	size, err := parseUploadLength(r.Header)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	meta := types.ParseMetadataHeader(r.Header.Get(types.HeaderUploadMetadata))
	req := types.InitRequest{
		OriginalName: types.FirstOf(meta, types.MetadataNameKeys),
		ContentType:  types.FirstOf(meta, types.MetadataTypeKeys),
		Metadata:     meta,
		Size:         size,
	}
	sess, err := s.svc.Create(r.Context(), s.requestContext(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Location", s.fileURL(r, sess.ID))
	h.Set(types.HeaderUploadOffset, strconv.FormatInt(sess.BytesWritten, 10))
	setExpires(h, sess)
	w.WriteHeader(http.StatusCreated)
}

// HeadFile reports the current offset through a status probe.
func (s *Server) HeadFile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Write(r.Context(), &types.Part{ID: r.PathValue("id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set(types.HeaderUploadOffset, strconv.FormatInt(sess.BytesWritten, 10))
	if sess.SizeKnown() {
		h.Set(types.HeaderUploadLength, strconv.FormatInt(sess.Size, 10))
	} else {
		h.Set(types.HeaderUploadDeferLength, "1")
	}
	if len(sess.Metadata) > 0 {
		h.Set(types.HeaderUploadMetadata, types.EncodeMetadataHeader(sess.Metadata))
	}
	setExpires(h, sess)
	w.WriteHeader(http.StatusOK)
}

// PatchFile appends one chunk at the declared offset.
func (s *Server) PatchFile(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != types.ContentTypeOffsetOctetStream {
		s.writeError(w, r, uploaderr.Newf(uploaderr.ErrUnsupportedMediaType,
			"content type must be %s", types.ContentTypeOffsetOctetStream))
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get(types.HeaderUploadOffset), 10, 64)
	if err != nil || offset < 0 {
		s.writeError(w, r, uploaderr.Newf(uploaderr.ErrBadRequest, "missing or invalid %s header", types.HeaderUploadOffset))
		return
	}

	part := &types.Part{
		ID:            r.PathValue("id"),
		Start:         offset,
		ContentLength: r.ContentLength,
		Body:          r.Body,
	}
	if v := r.Header.Get(types.HeaderUploadLength); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			s.writeError(w, r, uploaderr.Newf(uploaderr.ErrBadRequest, "invalid %s header", types.HeaderUploadLength))
			return
		}
		part.Size = &size
	}
	if v := r.Header.Get(types.HeaderUploadChecksum); v != "" {
		sum, err := checksum.ParseHeader(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		part.Checksum = sum
	}

	sess, err := s.svc.Write(r.Context(), part)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set(types.HeaderUploadOffset, strconv.FormatInt(sess.BytesWritten, 10))
	setExpires(h, sess)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteFile terminates a session.
func (s *Server) DeleteFile(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FileInfo is the JSON view of a session.
type FileInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	OriginalName string            `json:"originalName,omitempty"`
	ContentType  string            `json:"contentType,omitempty"`
	Size         int64             `json:"size"`
	BytesWritten int64             `json:"bytesWritten"`
	Status       types.Status      `json:"status"`
	URL          string            `json:"url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ExpiredAt    *time.Time        `json:"expiredAt,omitempty"`

	Parts []types.PresignedPart `json:"parts,omitempty"`
}

func fileInfo(sess *types.Session) FileInfo {
	info := FileInfo{
		ID:           sess.ID,
		Name:         sess.Name,
		OriginalName: sess.OriginalName,
		ContentType:  sess.ContentType,
		Size:         sess.Size,
		BytesWritten: sess.BytesWritten,
		Status:       sess.Status,
		URL:          sess.URL,
		Metadata:     sess.Metadata,
		CreatedAt:    sess.CreatedAt,
		Parts:        sess.Presigned,
	}
	if !sess.ExpiredAt.IsZero() {
		t := sess.ExpiredAt
		info.ExpiredAt = &t
	}
	return info
}

// GetFile returns the session as JSON.
func (s *Server) GetFile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, fileInfo(sess))
}

// GetParts hands out presigned part URLs for client-direct sessions and
// reconciles the offset with the parts already uploaded.
func (s *Server) GetParts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	current, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if current.Ext.Multipart == nil || !current.Ext.Multipart.Direct {
		s.writeError(w, r, uploaderr.Newf(uploaderr.ErrNotImplemented, "upload %s does not accept direct part uploads", id))
		return
	}

	count := 1
	if v := r.URL.Query().Get("count"); v != "" {
		count, err = strconv.Atoi(v)
		if err != nil || count < 1 || count > 10000 {
			s.writeError(w, r, uploaderr.Newf(uploaderr.ErrBadRequest, "invalid part count %q", v))
			return
		}
	}

	sess, err := s.svc.Write(r.Context(), &types.Part{ID: id, PresignParts: count})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, fileInfo(sess))
}

func parseUploadLength(h http.Header) (int64, error) {
	length := h.Get(types.HeaderUploadLength)
	deferred := h.Get(types.HeaderUploadDeferLength)
	switch {
	case length != "" && deferred != "":
		return 0, uploaderr.Newf(uploaderr.ErrBadRequest, "provided both %s and %s", types.HeaderUploadLength, types.HeaderUploadDeferLength)
	case deferred != "":
		if deferred != "1" {
			return 0, uploaderr.Newf(uploaderr.ErrBadRequest, "invalid %s header", types.HeaderUploadDeferLength)
		}
		return types.SizeUnknown, nil
	case length != "":
		size, err := strconv.ParseInt(length, 10, 64)
		if err != nil || size < 0 {
			return 0, uploaderr.Newf(uploaderr.ErrBadRequest, "invalid %s header", types.HeaderUploadLength)
		}
		return size, nil
	}
	return 0, uploaderr.Newf(uploaderr.ErrBadRequest, "missing %s header", types.HeaderUploadLength)
}

func setExpires(h http.Header, sess *types.Session) {
	if sess.Status == types.StatusCompleted || sess.ExpiredAt.IsZero() {
		return
	}
	h.Set(types.HeaderUploadExpires, sess.ExpiredAt.UTC().Format(http.TimeFormat))
}
