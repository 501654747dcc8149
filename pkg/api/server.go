// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package api exposes upload sessions over HTTP: a Tus-style resumable
// protocol under the files path and a single-shot multipart form endpoint.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/storage"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

const (
	DefaultBasePath      = "/files/"
	DefaultFormPath      = "/upload"
	DefaultFormMaxMemory = 32 << 20
)

// Extensions advertised by the capability probe.
var Extensions = []string{"creation", "creation-defer-length", "termination", "checksum", "expiration"}

// Options configures a Server.
type Options struct {
	// BasePath is the resumable endpoint prefix. A value starting with
	// http:// or https:// is used as-is for Location headers.
	BasePath string
	FormPath string
	// FormMaxMemory bounds the form bytes kept in memory; the rest spools to disk.
	FormMaxMemory int64
	// RespectForwarded trusts X-Forwarded-Host and X-Forwarded-Proto.
	RespectForwarded bool
	// UserID resolves the opaque owner of a request.
	UserID func(r *http.Request) string
	// ErrorTable normalizes backend error codes.
	ErrorTable *uploaderr.Table
}

// Server is the HTTP front of a storage.Service.
type Server struct {
	svc  *storage.Service
	opts Options

	absBase bool
	// basePath always ends in a slash.
	basePath string
}

func NewServer(svc *storage.Service, opts Options) *Server {
	if opts.BasePath == "" {
		opts.BasePath = DefaultBasePath
	}
	if !strings.HasSuffix(opts.BasePath, "/") {
		opts.BasePath += "/"
	}
	if opts.FormPath == "" {
		opts.FormPath = DefaultFormPath
	}
	if opts.FormMaxMemory <= 0 {
		opts.FormMaxMemory = DefaultFormMaxMemory
	}
	if opts.UserID == nil {
		opts.UserID = func(*http.Request) string { return "" }
	}
	if opts.ErrorTable == nil {
		opts.ErrorTable = uploaderr.DefaultTable()
	}
	s := &Server{svc: svc, opts: opts, basePath: opts.BasePath}
	if strings.HasPrefix(opts.BasePath, "http://") || strings.HasPrefix(opts.BasePath, "https://") {
		s.absBase = true
	}
	return s
}

// routePath is the mux prefix for the resumable endpoints.
func (s *Server) routePath() string {
	if !s.absBase {
		return s.basePath
	}
	rest := strings.SplitN(strings.SplitN(s.basePath, "://", 2)[1], "/", 2)
	if len(rest) < 2 {
		return "/"
	}
	return "/" + rest[1]
}

// Register installs the handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	base := s.routePath()
	if collection := strings.TrimSuffix(base, "/"); collection != "" {
		mux.Handle("OPTIONS "+collection, s.tus(s.Options))
		mux.Handle("POST "+collection, s.tus(s.PostFile))
	}
	mux.Handle("OPTIONS "+base+"{$}", s.tus(s.Options))
	mux.Handle("POST "+base+"{$}", s.tus(s.PostFile))
	mux.Handle("OPTIONS "+base+"{id}", s.tus(s.Options))
	mux.Handle("HEAD "+base+"{id}", s.tus(s.HeadFile))
	mux.Handle("PATCH "+base+"{id}", s.tus(s.PatchFile))
	mux.Handle("DELETE "+base+"{id}", s.tus(s.DeleteFile))
	mux.Handle("GET "+base+"{id}", s.observe(s.GetFile))
	mux.Handle("GET "+base+"{id}/parts", s.observe(s.GetParts))
	mux.Handle("POST "+s.opts.FormPath, s.observe(s.PostForm))
}

// Handler returns a mux serving only this server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// tus enforces the protocol version header and stamps responses with it.
func (s *Server) tus(h http.HandlerFunc) http.Handler {
	return s.observe(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(types.HeaderTusResumable, types.TusVersion)
		if r.Method != http.MethodOptions && r.Header.Get(types.HeaderTusResumable) != types.TusVersion {
			w.Header().Set(types.HeaderTusVersion, types.TusVersion)
			s.writeError(w, r, uploaderr.Newf(uploaderr.ErrPreconditionFailed,
				"missing, invalid or unsupported %s header", types.HeaderTusResumable))
			return
		}
		h(w, r)
	})
}

// observe tags the request context with a request id, logs the outcome and
// counts it.
func (s *Server) observe(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)

		log := logger.Ctx(r.Context()).With().Str("request_id", reqID).Logger()
		ctx := logger.WithLogger(r.Context(), &log)
		if id := r.PathValue("id"); id != "" {
			ctx = logger.WithUpload(ctx, id)
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r.WithContext(ctx))

		elapsed := time.Since(start)
		requestsTotal.WithLabelValues(r.Method, statusClass(sw.status)).Inc()
		requestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		logger.Ctx(ctx).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

func (s *Server) requestContext(r *http.Request) *types.RequestContext {
	return &types.RequestContext{
		UserID:  s.opts.UserID(r),
		BaseURL: s.fileURL(r, ""),
		Header:  r.Header.Clone(),
	}
}

// fileURL is the absolute location of an upload.
func (s *Server) fileURL(r *http.Request, id string) string {
	if s.absBase {
		return s.basePath + id
	}
	host, proto := r.Host, "http"
	if r.TLS != nil {
		proto = "https"
	}
	if s.opts.RespectForwarded {
		if h := r.Header.Get("X-Forwarded-Host"); h != "" {
			host = h
		}
		switch p := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); p {
		case "http", "https":
			proto = p
		}
	}
	return proto + "://" + host + s.basePath + id
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
