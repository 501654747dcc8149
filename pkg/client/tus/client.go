// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package tus is a client for the resumable upload protocol. Chunks are sent
// one at a time in order, and the server's reported offset always wins over
// local state.
package tus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/LeeDigitalWorks/zapload/pkg/checksum"
	"github.com/LeeDigitalWorks/zapload/pkg/transport"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
)

const DefaultChunkSize = 5 << 20

// ErrNoLocation is returned when a create response carries no session URL.
var ErrNoLocation = errors.New("create response has no Location header")

// Options configures a Client.
type Options struct {
	// Endpoint is the collection URL that sessions are created under.
	Endpoint  string
	ChunkSize int64
	Headers   http.Header
	// RateLimit caps upload throughput in bytes per second. Zero is unlimited.
	RateLimit int64
	// Checksum names the digest sent with each chunk, empty for none.
	Checksum  string
	Transport transport.Config

	OnProgress func(types.Progress)
	OnError    func(*types.UploadError)
	OnComplete func(types.UploadResult)
}

// Client creates and resumes uploads against one endpoint.
type Client struct {
	opts    Options
	tr      *transport.Transport
	limiter *rate.Limiter
}

func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if _, err := url.Parse(opts.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Checksum != "" && !checksum.Supported(opts.Checksum) {
		return nil, fmt.Errorf("unsupported checksum algorithm %q", opts.Checksum)
	}
	opts.Checksum = strings.ToLower(opts.Checksum)

	tcfg := opts.Transport
	tcfg.Headers = opts.Transport.Headers.Clone()
	if tcfg.Headers == nil {
		tcfg.Headers = make(http.Header)
	}
	maps.Copy(tcfg.Headers, opts.Headers)
	tcfg.Headers.Set(types.HeaderTusResumable, types.TusVersion)

	c := &Client{opts: opts, tr: transport.New(tcfg)}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), int(opts.RateLimit))
	}
	return c, nil
}

// Capabilities is the answer to the capability probe.
type Capabilities struct {
	Version            string
	Versions           []string
	Extensions         []string
	MaxSize            int64
	ChecksumAlgorithms []string
}

// Supports reports whether the server advertises ext.
func (c *Capabilities) Supports(ext string) bool {
	for _, e := range c.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// SupportsChecksum reports whether the server verifies alg.
func (c *Capabilities) SupportsChecksum(alg string) bool {
	for _, a := range c.ChecksumAlgorithms {
		if strings.EqualFold(a, alg) {
			return true
		}
	}
	return false
}

// Capabilities probes the endpoint with OPTIONS.
func (c *Client) Capabilities(ctx context.Context) (*Capabilities, error) {
	resp, err := c.tr.Do(ctx, transport.Request{Method: http.MethodOptions, URL: c.opts.Endpoint})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	resp.Discard()

	h := resp.Header
	caps := &Capabilities{
		Version:            h.Get(types.HeaderTusResumable),
		Versions:           splitList(h.Get(types.HeaderTusVersion)),
		Extensions:         splitList(h.Get(types.HeaderTusExtension)),
		ChecksumAlgorithms: splitList(h.Get(types.HeaderTusChecksumAlgo)),
	}
	if len(caps.Versions) == 0 && caps.Version == "" {
		return nil, fmt.Errorf("%s does not speak the resumable protocol", c.opts.Endpoint)
	}
	if caps.Version == "" {
		caps.Version = caps.Versions[0]
	}
	if v := h.Get(types.HeaderTusMaxSize); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			caps.MaxSize = n
		}
	}
	return caps, nil
}

// CreateUpload opens a session for file. The returned Upload has not sent
// any bytes yet.
func (c *Client) CreateUpload(ctx context.Context, file types.File, metadata map[string]string) (*Upload, error) {
	meta := maps.Clone(metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	if _, ok := meta["filename"]; !ok {
		meta["filename"] = file.Name()
	}
	if _, ok := meta["filetype"]; !ok && file.Type() != "" {
		meta["filetype"] = file.Type()
	}

	header := http.Header{}
	header.Set(types.HeaderUploadLength, strconv.FormatInt(file.Size(), 10))
	header.Set(types.HeaderUploadMetadata, types.EncodeMetadataHeader(meta))

	resp, err := c.tr.Do(ctx, transport.Request{Method: http.MethodPost, URL: c.opts.Endpoint, Header: header})
	if err != nil {
		return nil, c.uploadError("", err)
	}
	if err := resp.Err(); err != nil {
		return nil, c.uploadError("", err)
	}
	resp.Discard()

	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, c.uploadError("", ErrNoLocation)
	}
	abs, err := c.resolve(loc)
	if err != nil {
		return nil, c.uploadError("", err)
	}

	u := newUpload(c, file, abs, file.Size(), meta)
	if v := resp.Header.Get(types.HeaderUploadOffset); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			u.offset = n
		}
	}
	return u, nil
}

// ResumeUpload probes url for the remote offset and returns an Upload that
// continues from there.
func (c *Client) ResumeUpload(ctx context.Context, uploadURL string, file types.File) (*Upload, error) {
	abs, err := c.resolve(uploadURL)
	if err != nil {
		return nil, err
	}
	offset, size, meta, err := c.probe(ctx, abs)
	if err != nil {
		return nil, c.uploadError(idOf(abs), err)
	}
	if size >= 0 && size != file.Size() {
		return nil, c.uploadError(idOf(abs), fmt.Errorf("remote upload is %d bytes, file is %d", size, file.Size()))
	}
	u := newUpload(c, file, abs, file.Size(), meta)
	u.offset = offset
	u.progress = progressAt(offset, u.size)
	return u, nil
}

// probe issues HEAD and returns the remote offset and declared length
// (types.SizeUnknown when deferred).
func (c *Client) probe(ctx context.Context, uploadURL string) (offset, size int64, meta map[string]string, err error) {
	resp, err := c.tr.Do(ctx, transport.Request{Method: http.MethodHead, URL: uploadURL})
	if err != nil {
		return 0, 0, nil, err
	}
	if err := resp.Err(); err != nil {
		return 0, 0, nil, err
	}
	resp.Discard()

	offset, err = strconv.ParseInt(resp.Header.Get(types.HeaderUploadOffset), 10, 64)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("invalid %s in status response: %w", types.HeaderUploadOffset, err)
	}
	size = types.SizeUnknown
	if v := resp.Header.Get(types.HeaderUploadLength); v != "" {
		if size, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, nil, fmt.Errorf("invalid %s in status response: %w", types.HeaderUploadLength, err)
		}
	}
	return offset, size, types.ParseMetadataHeader(resp.Header.Get(types.HeaderUploadMetadata)), nil
}

func (c *Client) resolve(ref string) (string, error) {
	base, err := url.Parse(c.opts.Endpoint)
	if err != nil {
		return "", err
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid upload url %q: %w", ref, err)
	}
	return u.String(), nil
}

// uploadError normalizes err and reports it through OnError.
func (c *Client) uploadError(id string, err error) *types.UploadError {
	ue := &types.UploadError{Message: err.Error(), ID: id, Err: err}
	var se *transport.StatusError
	if errors.As(err, &se) {
		ue.StatusCode = se.StatusCode
	}
	if c.opts.OnError != nil {
		c.opts.OnError(ue)
	}
	return ue
}

func idOf(uploadURL string) string {
	u, err := url.Parse(uploadURL)
	if err != nil {
		return ""
	}
	p := strings.TrimSuffix(u.Path, "/")
	return p[strings.LastIndex(p, "/")+1:]
}

func splitList(v string) []string {
	var out []string
	for s := range strings.SplitSeq(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
