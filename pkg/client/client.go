// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package client picks an upload protocol for each file and hands back a
// protocol-agnostic Upload handle.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LeeDigitalWorks/zapload/pkg/client/form"
	"github.com/LeeDigitalWorks/zapload/pkg/client/tus"
	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/transport"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
)

// Protocol selects how files are sent.
type Protocol string

const (
	ProtocolAuto Protocol = "auto"
	ProtocolTus  Protocol = "tus"
	ProtocolForm Protocol = "form"
)

// DefaultThreshold is the size from which auto mode prefers chunked uploads.
const DefaultThreshold = 5 << 20

// ErrNotResumable is returned when resuming is asked of the form protocol.
var ErrNotResumable = errors.New("single-shot uploads cannot be resumed")

// Upload is the handle returned for either protocol.
type Upload interface {
	Start(ctx context.Context) error
	Pause() error
	Cancel(ctx context.Context) error
	State() types.UploadState
	Progress() types.Progress
	Result() *types.UploadResult
	URL() string
}

var (
	_ Upload = (*tus.Upload)(nil)
	_ Upload = (*form.Upload)(nil)
)

// Options configures an Orchestrator. Fields shared by both protocols apply
// to each client.
type Options struct {
	// Endpoint is the resumable collection URL, e.g. http://host/files.
	Endpoint string
	// FormEndpoint is the single-shot URL, e.g. http://host/upload.
	FormEndpoint string
	Protocol     Protocol
	// Threshold is the size from which auto mode probes for resumable support.
	Threshold int64

	ChunkSize int64
	RateLimit int64
	Checksum  string
	// MaxSize limits single-shot uploads before anything is sent.
	MaxSize int64
	// Fields are extra form fields sent with single-shot uploads.
	Fields    map[string]string
	Headers   http.Header
	Transport transport.Config

	OnProgress func(types.Progress)
	OnError    func(*types.UploadError)
	OnComplete func(types.UploadResult)
}

// Orchestrator routes uploads to the tus or form client.
type Orchestrator struct {
	opts Options
	tus  *tus.Client
	form *form.Client
}

func New(opts Options) (*Orchestrator, error) {
	switch opts.Protocol {
	case "":
		opts.Protocol = ProtocolAuto
	case ProtocolAuto, ProtocolTus, ProtocolForm:
	default:
		return nil, fmt.Errorf("unknown protocol %q", opts.Protocol)
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}

	o := &Orchestrator{opts: opts}
	if opts.Protocol != ProtocolForm {
		c, err := tus.New(tus.Options{
			Endpoint:   opts.Endpoint,
			ChunkSize:  opts.ChunkSize,
			Headers:    opts.Headers,
			RateLimit:  opts.RateLimit,
			Checksum:   opts.Checksum,
			Transport:  opts.Transport,
			OnProgress: opts.OnProgress,
			OnError:    opts.OnError,
			OnComplete: opts.OnComplete,
		})
		if err != nil {
			return nil, fmt.Errorf("tus client: %w", err)
		}
		o.tus = c
	}
	if opts.Protocol != ProtocolTus {
		c, err := form.New(form.Options{
			Endpoint:   opts.FormEndpoint,
			MaxSize:    opts.MaxSize,
			Fields:     opts.Fields,
			Headers:    opts.Headers,
			Transport:  opts.Transport,
			OnProgress: opts.OnProgress,
			OnError:    opts.OnError,
			OnComplete: opts.OnComplete,
		})
		if err != nil {
			return nil, fmt.Errorf("form client: %w", err)
		}
		o.form = c
	}
	return o, nil
}

// Select returns the protocol file would be sent with. In auto mode, files
// at or above the threshold cost one capability probe.
func (o *Orchestrator) Select(ctx context.Context, file types.File) Protocol {
	if o.opts.Protocol != ProtocolAuto {
		return o.opts.Protocol
	}
	if file.Size() < o.opts.Threshold {
		return ProtocolForm
	}
	caps, err := o.tus.Capabilities(ctx)
	if err != nil {
		logger.Ctx(ctx).Debug().Err(err).Msg("capability probe failed, using single-shot upload")
		return ProtocolForm
	}
	if !caps.Supports("creation") {
		logger.Ctx(ctx).Debug().Strs("extensions", caps.Extensions).Msg("server cannot create uploads, using single-shot upload")
		return ProtocolForm
	}
	return ProtocolTus
}

// Upload prepares file for sending. For the tus protocol the remote session
// is created here; call Start on the handle to transfer the bytes.
func (o *Orchestrator) Upload(ctx context.Context, file types.File, metadata map[string]string) (Upload, error) {
	return o.upload(ctx, o.Select(ctx, file), file, metadata)
}

func (o *Orchestrator) upload(ctx context.Context, p Protocol, file types.File, metadata map[string]string) (Upload, error) {
	if p == ProtocolForm {
		return o.form.NewUpload(file, metadata), nil
	}
	u, err := o.tus.CreateUpload(ctx, file, metadata)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ResumeUpload reattaches to a resumable session. The offset is read back
// from the server.
func (o *Orchestrator) ResumeUpload(ctx context.Context, uploadURL string, file types.File) (Upload, error) {
	if o.tus == nil {
		return nil, ErrNotResumable
	}
	u, err := o.tus.ResumeUpload(ctx, uploadURL, file)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Resume restarts a paused or failed handle. Single-shot handles are never
// resumable.
func (o *Orchestrator) Resume(ctx context.Context, u Upload) error {
	if _, ok := u.(*tus.Upload); !ok {
		return ErrNotResumable
	}
	return u.Start(ctx)
}

// Capabilities probes the resumable endpoint.
func (o *Orchestrator) Capabilities(ctx context.Context) (*tus.Capabilities, error) {
	if o.tus == nil {
		return nil, fmt.Errorf("capabilities: %w", ErrNotResumable)
	}
	return o.tus.Capabilities(ctx)
}

// Result pairs a file with the outcome of its upload.
type Result struct {
	File     types.File
	Protocol Protocol
	Upload   Upload
	Err      error
	Elapsed  time.Duration
}

// UploadAll uploads files with at most limit in flight. Individual failures
// are reported in the results; the returned error is only set when ctx ends.
func (o *Orchestrator) UploadAll(ctx context.Context, files []types.File, metadata map[string]string, limit int) ([]Result, error) {
	results := make([]Result, len(files))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, f := range files {
		g.Go(func() error {
			started := time.Now()
			res := Result{File: f, Protocol: o.Select(gctx, f)}
			u, err := o.upload(gctx, res.Protocol, f, metadata)
			if err == nil {
				res.Upload = u
				err = u.Start(gctx)
			}
			res.Err = err
			res.Elapsed = time.Since(started)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}
