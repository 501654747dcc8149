// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

const (
	formFileField     = "file"
	formMetadataField = "metadata"
	// formOverhead allows for boundaries and text fields on top of the file.
	formOverhead = 1 << 20
)

// PostForm accepts a whole file in one multipart/form-data request.
func (s *Server) PostForm(w http.ResponseWriter, r *http.Request) {
	if limit := s.svc.MaxUploadSize(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
	}
	if err := r.ParseMultipartForm(s.opts.FormMaxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, uploaderr.Newf(uploaderr.ErrRequestEntityTooLarge, "request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, r, uploaderr.Wrap(uploaderr.ErrBadRequest, err, "invalid multipart form"))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logger.Ctx(r.Context()).Warn().Err(err).Msg("remove spooled form files")
		}
	}()

	file, header, err := r.FormFile(formFileField)
	if err != nil {
		s.writeError(w, r, uploaderr.Newf(uploaderr.ErrBadRequest, "form field %q is required", formFileField))
		return
	}
	defer file.Close()

	meta, err := formMetadata(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	contentType := header.Header.Get("Content-Type")
	if v := types.FirstOf(meta, types.MetadataTypeKeys); v != "" {
		contentType = v
	}

	sess, err := s.svc.Create(r.Context(), s.requestContext(r), types.InitRequest{
		OriginalName: header.Filename,
		ContentType:  contentType,
		Metadata:     meta,
		Size:         header.Size,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess.Status != types.StatusCompleted {
		id := sess.ID
		sess, err = s.svc.Write(r.Context(), &types.Part{
			ID:            id,
			ContentLength: header.Size,
			Body:          file,
		})
		if err != nil {
			if _, delErr := s.svc.Delete(r.Context(), id); delErr != nil {
				logger.Ctx(r.Context()).Debug().Err(delErr).Msg("discard failed form upload")
			}
			s.writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, types.UploadResult{
		ID:          sess.ID,
		Name:        sess.Name,
		URL:         sess.URL,
		Size:        sess.Size,
		ContentType: sess.ContentType,
		Metadata:    sess.Metadata,
	})
}

// formMetadata merges the JSON metadata field with the other text fields.
// Non-string JSON values are kept in their JSON encoding.
func formMetadata(r *http.Request) (map[string]string, error) {
	meta := make(map[string]string)
	for k, vs := range r.MultipartForm.Value {
		if k == formMetadataField || len(vs) == 0 {
			continue
		}
		meta[k] = vs[0]
	}

	raw := r.MultipartForm.Value[formMetadataField]
	if len(raw) == 0 || raw[0] == "" {
		return meta, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw[0]), &fields); err != nil {
		return nil, uploaderr.Wrap(uploaderr.ErrBadRequest, err, fmt.Sprintf("form field %q must be a JSON object", formMetadataField))
	}
	for k, v := range fields {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			meta[k] = str
			continue
		}
		meta[k] = string(v)
	}
	return meta, nil
}
