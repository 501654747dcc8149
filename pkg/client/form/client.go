// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package form uploads a whole file in one multipart/form-data request.
package form

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/transport"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
)

const (
	DefaultFileField     = "file"
	DefaultMetadataField = "metadata"
)

var (
	// ErrPauseUnsupported is returned by Pause on every call.
	ErrPauseUnsupported = errors.New("single-shot uploads cannot be paused")
	ErrRunning          = errors.New("upload is already running")
	ErrFinished         = errors.New("upload already finished")
)

// Options configures a Client.
type Options struct {
	// Endpoint is the URL the form is posted to.
	Endpoint string
	// MaxSize rejects larger files before any request is made. Zero is unlimited.
	MaxSize       int64
	FileField     string
	MetadataField string
	// Fields are sent as extra text fields with every upload.
	Fields    map[string]string
	Headers   http.Header
	Transport transport.Config

	OnProgress func(types.Progress)
	OnError    func(*types.UploadError)
	OnComplete func(types.UploadResult)
}

type Client struct {
	opts Options
	tr   *transport.Transport
}

func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if _, err := url.Parse(opts.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if opts.FileField == "" {
		opts.FileField = DefaultFileField
	}
	if opts.MetadataField == "" {
		opts.MetadataField = DefaultMetadataField
	}

	tcfg := opts.Transport
	tcfg.Headers = opts.Transport.Headers.Clone()
	if tcfg.Headers == nil {
		tcfg.Headers = make(http.Header)
	}
	maps.Copy(tcfg.Headers, opts.Headers)
	return &Client{opts: opts, tr: transport.New(tcfg)}, nil
}

// MaxSize is the configured size limit, zero when unlimited.
func (c *Client) MaxSize() int64 {
	return c.opts.MaxSize
}

// NewUpload prepares an upload of file. Nothing is sent until Start.
func (c *Client) NewUpload(file types.File, metadata map[string]string) *Upload {
	return &Upload{
		client: c,
		file:   file,
		meta:   maps.Clone(metadata),
		state:  types.UploadPending,
	}
}

// Upload is a single-shot upload handle.
type Upload struct {
	client *Client
	file   types.File
	meta   map[string]string

	mu        sync.Mutex
	state     types.UploadState
	cancelRun context.CancelFunc
	progress  types.Progress
	result    *types.UploadResult
}

func (u *Upload) State() types.UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Upload) Progress() types.Progress {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.progress
}

func (u *Upload) Result() *types.UploadResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.result
}

// URL is the object URL once the upload completed.
func (u *Upload) URL() string {
	if r := u.Result(); r != nil {
		return r.URL
	}
	return ""
}

// Start sends the file in one request and blocks until the response.
func (u *Upload) Start(ctx context.Context) error {
	u.mu.Lock()
	switch {
	case u.state == types.UploadUploading:
		u.mu.Unlock()
		return ErrRunning
	case u.state.IsTerminal() && u.state != types.UploadFailed:
		u.mu.Unlock()
		return ErrFinished
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	u.state = types.UploadUploading
	u.cancelRun = cancel
	u.mu.Unlock()

	c := u.client
	size := u.file.Size()
	if c.opts.MaxSize > 0 && size > c.opts.MaxSize {
		return u.fail(&types.UploadError{
			Message: fmt.Sprintf("%s is %s, larger than the %s limit",
				u.file.Name(), humanize.IBytes(uint64(size)), humanize.IBytes(uint64(c.opts.MaxSize))),
			StatusCode: http.StatusRequestEntityTooLarge,
		})
	}

	body, contentType, err := u.encode()
	if err != nil {
		return u.fail(&types.UploadError{Message: err.Error(), Err: err})
	}

	started := time.Now()
	resp, err := c.tr.Do(ctx, transport.Request{
		Method:        http.MethodPost,
		URL:           c.opts.Endpoint,
		Header:        http.Header{"Content-Type": {contentType}},
		Body:          &progressReader{Reader: bytes.NewReader(body), upload: u, total: int64(len(body)), size: u.file.Size(), started: started},
		ContentLength: int64(len(body)),
	})
	if err != nil {
		return u.fail(&types.UploadError{Message: err.Error(), Err: err})
	}
	if !resp.OK() {
		text, _ := resp.ReadText()
		return u.fail(&types.UploadError{
			Message:    fmt.Sprintf("upload failed with status %d: %s", resp.StatusCode, strings.TrimSpace(text)),
			StatusCode: resp.StatusCode,
		})
	}

	var res types.UploadResult
	if err := resp.ReadJSON(&res); err != nil {
		return u.fail(&types.UploadError{Message: "decode upload response: " + err.Error(), Err: err})
	}
	if res.URL != "" {
		if res.URL, err = resolve(c.opts.Endpoint, res.URL); err != nil {
			return u.fail(&types.UploadError{Message: err.Error(), ID: res.ID, Err: err})
		}
	}
	if res.Size == 0 {
		res.Size = size
	}

	u.mu.Lock()
	if u.state == types.UploadCancelled {
		u.mu.Unlock()
		return context.Canceled
	}
	u.state = types.UploadCompleted
	u.cancelRun = nil
	u.result = &res
	u.progress = types.Progress{Loaded: size, Total: size, Percentage: 100}
	u.mu.Unlock()

	logger.Debug().Str("upload_id", res.ID).Int64("size", size).Msg("form upload completed")
	if cb := c.opts.OnComplete; cb != nil {
		cb(res)
	}
	return nil
}

// Pause always fails; a single request cannot be suspended.
func (u *Upload) Pause() error {
	return ErrPauseUnsupported
}

// Cancel aborts the in-flight request. The server discards partial forms.
func (u *Upload) Cancel(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == types.UploadCompleted {
		return ErrFinished
	}
	u.state = types.UploadCancelled
	if u.cancelRun != nil {
		u.cancelRun()
		u.cancelRun = nil
	}
	return nil
}

func (u *Upload) fail(ue *types.UploadError) error {
	u.mu.Lock()
	u.cancelRun = nil
	if u.state == types.UploadCancelled {
		u.mu.Unlock()
		return context.Canceled
	}
	u.state = types.UploadFailed
	u.mu.Unlock()

	logger.Debug().Str("file", u.file.Name()).Int("status", ue.StatusCode).Msg(ue.Message)
	if cb := u.client.opts.OnError; cb != nil {
		cb(ue)
	}
	return ue
}

// encode builds the multipart body: extra fields, the JSON metadata field,
// then the file part.
func (u *Upload) encode() ([]byte, string, error) {
	c := u.client
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, k := range slices.Sorted(maps.Keys(c.opts.Fields)) {
		if err := mw.WriteField(k, c.opts.Fields[k]); err != nil {
			return nil, "", err
		}
	}
	if len(u.meta) > 0 {
		raw, err := json.Marshal(u.meta)
		if err != nil {
			return nil, "", fmt.Errorf("encode metadata: %w", err)
		}
		if err := mw.WriteField(c.opts.MetadataField, string(raw)); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     c.opts.FileField,
		"filename": u.file.Name(),
	}))
	contentType := u.file.Type()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, io.NewSectionReader(u.file, 0, u.file.Size())); err != nil {
		return nil, "", fmt.Errorf("read %s: %w", u.file.Name(), err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// progressReader tracks body bytes handed to the connection and reports them
// scaled to the file size, so form framing never shows up in Loaded or Total.
// A retry seeks back to zero and progress restarts with it.
type progressReader struct {
	*bytes.Reader
	upload  *Upload
	total   int64
	size    int64
	started time.Time
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 {
		r.report(r.total - int64(r.Reader.Len()))
	}
	return n, err
}

func (r *progressReader) report(sent int64) {
	frac := float64(sent) / float64(r.total)
	loaded := r.size
	if sent < r.total {
		loaded = int64(frac * float64(r.size))
	}
	p := types.Progress{Loaded: loaded, Total: r.size, Percentage: frac * 100}
	if elapsed := time.Since(r.started).Seconds(); elapsed > 0 {
		p.Speed = float64(loaded) / elapsed
		if p.Speed > 0 {
			p.ETA = float64(r.size-loaded) / p.Speed
		}
	}
	r.upload.mu.Lock()
	r.upload.progress = p
	r.upload.mu.Unlock()
	if cb := r.upload.client.opts.OnProgress; cb != nil {
		cb(p)
	}
}

func resolve(endpoint, ref string) (string, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid object url %q: %w", ref, err)
	}
	return u.String(), nil
}
