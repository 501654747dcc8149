// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	n := uploaderr.Normalize(s.opts.ErrorTable, err)
	detail := ErrorDetail{Code: n.Code, Message: n.Message, Retryable: n.Retryable}
	var ue *uploaderr.Error
	if errors.As(err, &ue) {
		detail.Details = ue.Details
	}
	if n.StatusCode >= http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("code", n.Code).Msg("request failed")
	}

	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		w.WriteHeader(n.StatusCode)
		return
	}
	writeJSON(w, n.StatusCode, ErrorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug().Err(err).Msg("encode response")
	}
}
