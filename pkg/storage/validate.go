// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

// NamingFunc resolves the storage key for a new session. It must be a pure
// function of the session and request.
type NamingFunc func(s *types.Session, rc *types.RequestContext) (string, error)

// Validator rejects a session before it is created, typically with
// uploaderr.Validation.
type Validator func(s *types.Session, rc *types.RequestContext) error

// DefaultNaming keys the object by id, keeping the original extension and
// grouping by user when one is known.
func DefaultNaming(s *types.Session, rc *types.RequestContext) (string, error) {
	name := s.ID + strings.ToLower(filepath.Ext(s.OriginalName))
	if s.UserID != "" {
		name = path.Join(s.UserID, name)
	}
	return name, nil
}

// OriginalNaming keeps the client-supplied file name under the id prefix.
func OriginalNaming(s *types.Session, _ *types.RequestContext) (string, error) {
	base := filepath.Base(filepath.Clean("/" + s.OriginalName))
	if base == "/" || base == "." {
		return "", uploaderr.Validation(http.StatusBadRequest, "file name required", nil)
	}
	return path.Join(s.ID, base), nil
}

// MaxSize rejects declared sizes above limit.
func MaxSize(limit int64) Validator {
	return func(s *types.Session, _ *types.RequestContext) error {
		if limit > 0 && s.Size > limit {
			return uploaderr.Validation(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file size %s exceeds the %s limit", humanize.IBytes(uint64(s.Size)), humanize.IBytes(uint64(limit))),
				map[string]int64{"maxSize": limit})
		}
		return nil
	}
}

// AllowedTypes rejects content types not in allowed. "image/*" matches any
// image subtype. An empty list allows everything.
func AllowedTypes(allowed []string) Validator {
	return func(s *types.Session, _ *types.RequestContext) error {
		if len(allowed) == 0 || typeAllowed(s.ContentType, allowed) {
			return nil
		}
		return uploaderr.Validation(http.StatusUnsupportedMediaType,
			fmt.Sprintf("content type %q is not allowed", s.ContentType),
			map[string][]string{"allowedTypes": allowed})
	}
}

func typeAllowed(ct string, allowed []string) bool {
	ct = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	for _, a := range allowed {
		a = strings.ToLower(a)
		if a == ct || a == "*/*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(ct, prefix+"/") {
			return true
		}
	}
	return false
}

// NameRequired rejects sessions whose name resolved to an empty key.
func NameRequired(s *types.Session, _ *types.RequestContext) error {
	if strings.TrimSpace(s.Name) == "" {
		return uploaderr.Validation(http.StatusBadRequest, "file name required", nil)
	}
	return nil
}
