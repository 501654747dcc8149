// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/uploaderr"
)

const (
	gcsBaseURL    = "https://storage.googleapis.com"
	gcsScope      = "https://www.googleapis.com/auth/devstorage.read_write"
	statusResume  = http.StatusPermanentRedirect // 308 Resume Incomplete
	statusAborted = 499
)

func init() {
	Register(types.StorageTypeGCS, func(cfg types.BackendConfig) (Backend, error) {
		return NewResumable(cfg)
	})
}

// Resumable drives a GCS-style resumable session: Create opens a session
// URI, each write is a range-qualified PUT and the remote store reports the
// offset it has persisted, which always wins over the local count.
type Resumable struct {
	client      *http.Client
	baseURL     string
	bucket      string
	storageType types.StorageType
}

// NewResumable authenticates with the "credentials_file" option when set
// and with Application Default Credentials otherwise.
func NewResumable(cfg types.BackendConfig) (*Resumable, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket required for gcs backend")
	}
	ctx := context.Background()

	var client *http.Client
	switch {
	case cfg.Option("anonymous", "") == "true":
		client = &http.Client{}
	case cfg.Option("credentials_file", "") != "":
		data, err := os.ReadFile(cfg.Option("credentials_file", ""))
		if err != nil {
			return nil, fmt.Errorf("read gcs credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, gcsScope)
		if err != nil {
			return nil, fmt.Errorf("parse gcs credentials: %w", err)
		}
		client = oauth2.NewClient(ctx, creds.TokenSource)
	default:
		c, err := google.DefaultClient(ctx, gcsScope)
		if err != nil {
			return nil, fmt.Errorf("gcs default credentials: %w", err)
		}
		client = c
	}

	r := NewResumableWithClient(client, cfg.Endpoint, cfg.Bucket)
	r.storageType = cfg.Type
	return r, nil
}

// NewResumableWithClient uses client as is. An empty baseURL selects the
// public endpoint.
func NewResumableWithClient(client *http.Client, baseURL, bucket string) *Resumable {
	if baseURL == "" {
		baseURL = gcsBaseURL
	}
	return &Resumable{
		client:      client,
		baseURL:     strings.TrimRight(baseURL, "/"),
		bucket:      bucket,
		storageType: types.StorageTypeGCS,
	}
}

func (r *Resumable) Kind() types.BackendKind      { return types.BackendResumable }
func (r *Resumable) Type() types.StorageType      { return r.storageType }
func (r *Resumable) ChecksumAlgorithms() []string { return localChecksums }

func (r *Resumable) objectURL(name string) string {
	return r.baseURL + "/storage/v1/b/" + url.PathEscape(r.bucket) + "/o/" + url.PathEscape(name)
}

type gcsObject struct {
	Name      string `json:"name"`
	MediaLink string `json:"mediaLink"`
	SelfLink  string `json:"selfLink"`
	Size      string `json:"size"`
}

func (r *Resumable) Create(ctx context.Context, s *types.Session) error {
	body, err := json.Marshal(map[string]any{
		"name":        s.Name,
		"contentType": s.ContentType,
		"metadata":    s.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encode object resource: %w", err)
	}

	q := url.Values{}
	q.Set("uploadType", "resumable")
	q.Set("name", s.Name)
	endpoint := r.baseURL + "/upload/storage/v1/b/" + url.PathEscape(r.bucket) + "/o?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if s.ContentType != "" {
		req.Header.Set("X-Upload-Content-Type", s.ContentType)
	}
	if s.SizeKnown() {
		req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(s.Size, 10))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return uploaderr.Wrap(uploaderr.ErrFileError, &uploaderr.RemoteError{Provider: "gcs", Op: "CreateSession", Err: err}, "open resumable session")
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return uploaderr.Wrap(uploaderr.ErrFileError, gcsError("CreateSession", resp), "open resumable session")
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return uploaderr.Newf(uploaderr.ErrFileError, "resumable session response has no Location")
	}
	s.Ext = types.NewResumableExt(location)
	return nil
}

func (r *Resumable) ext(s *types.Session) (*types.ResumableExt, error) {
	if s.Ext.Kind != types.BackendResumable || s.Ext.Resumable == nil {
		return nil, fmt.Errorf("session %s is not a resumable session (%s)", s.ID, s.Ext.Kind)
	}
	return s.Ext.Resumable, nil
}

func (r *Resumable) Write(ctx context.Context, s *types.Session, part *types.Part) (int64, error) {
	ext, err := r.ext(s)
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

	total := "*"
	if s.SizeKnown() {
		total = strconv.FormatInt(s.Size, 10)
	}
	end := s.BytesWritten + int64(len(data)) - 1
	contentRange := fmt.Sprintf("bytes %d-%d/%s", s.BytesWritten, end, total)

	return r.put(ctx, s, ext, bytes.NewReader(data), int64(len(data)), contentRange)
}

// put issues one session PUT and returns the persisted offset.
func (r *Resumable) put(ctx context.Context, s *types.Session, ext *types.ResumableExt, body io.Reader, n int64, contentRange string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, ext.SessionURI, body)
	if err != nil {
		return s.BytesWritten, err
	}
	req.ContentLength = n
	req.Header.Set("Content-Range", contentRange)

	resp, err := r.client.Do(req)
	if err != nil {
		return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrStorageError,
			&uploaderr.RemoteError{Provider: "gcs", Op: "PutChunk", Err: err}, "resumable session unreachable")
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var obj gcsObject
		if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil && err != io.EOF {
			log.Warn().Err(err).Str("id", s.ID).Msg("decode finalized object")
		}
		ext.Finalized = true
		ext.ObjectURL = obj.MediaLink
		if ext.ObjectURL == "" {
			ext.ObjectURL = r.objectURL(s.Name)
		}
		if size, err := strconv.ParseInt(obj.Size, 10, 64); err == nil {
			return size, nil
		}
		return s.BytesWritten + n, nil

	case statusResume:
		offset, err := parseRangeOffset(resp.Header.Get("Range"))
		if err != nil {
			return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrStorageError, err, "resumable session reported an invalid range")
		}
		if offset < s.BytesWritten+n {
			log.Debug().Str("id", s.ID).Int64("persisted", offset).Int64("sent_to", s.BytesWritten+n).
				Msg("resumable session persisted a shorter range")
		}
		return offset, nil

	case statusAborted:
		// Seen when the remote store cancels the request mid-flight; the
		// client retries the same offset.
		e := uploaderr.Wrap(uploaderr.ErrRequestAborted, gcsError("PutChunk", resp), "resumable session aborted the request")
		e.Retryable = true
		return s.BytesWritten, e

	case http.StatusNotFound, http.StatusGone:
		return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrGone, gcsError("PutChunk", resp), "resumable session expired")
	}
	return s.BytesWritten, uploaderr.Wrap(uploaderr.ErrFileError, gcsError("PutChunk", resp), "write chunk")
}

// parseRangeOffset turns "bytes=0-N" into N+1. An empty header means nothing
// has been persisted.
func parseRangeOffset(h string) (int64, error) {
	if h == "" {
		return 0, nil
	}
	_, end, ok := strings.Cut(strings.TrimPrefix(h, "bytes="), "-")
	if !ok {
		return 0, fmt.Errorf("malformed Range header %q", h)
	}
	n, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q: %w", h, err)
	}
	return n + 1, nil
}

func (r *Resumable) Commit(ctx context.Context, s *types.Session) error {
	ext, err := r.ext(s)
	if err != nil {
		return err
	}
	if !ext.Finalized {
		// Only reached for empty uploads: finalize with a zero-length PUT.
		if _, err := r.put(ctx, s, ext, http.NoBody, 0, fmt.Sprintf("bytes */%d", s.BytesWritten)); err != nil {
			return uploaderr.Wrap(uploaderr.ErrFileError, err, "finalize resumable session")
		}
		if !ext.Finalized {
			return uploaderr.Newf(uploaderr.ErrFileError, "resumable session did not finalize")
		}
	}
	s.URL = ext.ObjectURL
	return nil
}

// Sync asks the remote store how many bytes it has persisted.
func (r *Resumable) Sync(ctx context.Context, s *types.Session) (int64, error) {
	ext, err := r.ext(s)
	if err != nil {
		return s.BytesWritten, err
	}
	total := "*"
	if s.SizeKnown() {
		total = strconv.FormatInt(s.Size, 10)
	}
	return r.put(ctx, s, ext, http.NoBody, 0, "bytes */"+total)
}

func (r *Resumable) Abort(ctx context.Context, s *types.Session) error {
	ext, err := r.ext(s)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, ext.SessionURI, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return uploaderr.Wrap(uploaderr.ErrStorageError, &uploaderr.RemoteError{Provider: "gcs", Op: "CancelSession", Err: err}, "cancel resumable session")
	}
	defer drain(resp)

	switch resp.StatusCode {
	case statusAborted, http.StatusNoContent, http.StatusOK, http.StatusNotFound, http.StatusGone:
		return nil
	}
	return uploaderr.Wrap(uploaderr.ErrStorageError, gcsError("CancelSession", resp), "cancel resumable session")
}

func (r *Resumable) Copy(ctx context.Context, name, dest string) error {
	endpoint := r.objectURL(name) + "/rewriteTo/b/" + url.PathEscape(r.bucket) + "/o/" + url.PathEscape(dest)
	token := ""
	for {
		u := endpoint
		if token != "" {
			u += "?rewriteToken=" + url.QueryEscape(token)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return uploaderr.Wrap(uploaderr.ErrStorageError, &uploaderr.RemoteError{Provider: "gcs", Op: "Rewrite", Err: err}, "copy object")
		}
		if resp.StatusCode != http.StatusOK {
			err := gcsError("Rewrite", resp)
			drain(resp)
			if resp.StatusCode == http.StatusNotFound {
				return copyError(fmt.Errorf("%w: %w", ErrNotFound, err))
			}
			return copyError(err)
		}
		var out struct {
			Done         bool   `json:"done"`
			RewriteToken string `json:"rewriteToken"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		drain(resp)
		if err != nil {
			return fmt.Errorf("decode rewrite response: %w", err)
		}
		if out.Done {
			return nil
		}
		token = out.RewriteToken
	}
}

func (r *Resumable) DeleteObject(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.objectURL(name), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return uploaderr.Wrap(uploaderr.ErrStorageError, &uploaderr.RemoteError{Provider: "gcs", Op: "DeleteObject", Err: err}, "delete object")
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return uploaderr.Wrap(uploaderr.ErrStorageError, gcsError("DeleteObject", resp), "delete object")
}

func (r *Resumable) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// gcsError reads a JSON API error body into a RemoteError.
func gcsError(op string, resp *http.Response) error {
	re := &uploaderr.RemoteError{Provider: "gcs", Op: op, StatusCode: resp.StatusCode}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Errors  []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil && body.Error.Message != "" {
		re.Err = fmt.Errorf("%s", body.Error.Message)
		if len(body.Error.Errors) > 0 {
			re.Code = body.Error.Errors[0].Reason
		}
	} else {
		re.Err = fmt.Errorf("%s", strings.TrimSpace(string(data)))
	}
	if resp.StatusCode == statusAborted && re.Code == "" {
		re.Code = "SessionAborted"
	}
	return re
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

var (
	_ Backend = (*Resumable)(nil)
	_ Syncer  = (*Resumable)(nil)
)
