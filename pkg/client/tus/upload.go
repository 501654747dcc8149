// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package tus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapload/pkg/checksum"
	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/transport"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

var (
	ErrRunning  = errors.New("upload is already running")
	ErrFinished = errors.New("upload is finished")
	ErrStalled  = errors.New("server stopped acknowledging progress")
)

// maxResyncs bounds consecutive offset conflicts, and consecutive chunks the
// server acknowledged without moving the offset, before giving up.
const maxResyncs = 3

// Upload is one resumable transfer. Start drives it; Pause and Cancel may
// be called from other goroutines.
type Upload struct {
	client *Client
	file   types.File
	url    string
	id     string
	size   int64
	meta   map[string]string

	mu     sync.Mutex
	state  types.UploadState
	offset int64
	// cancelRun aborts the in-flight chunk of the current run.
	cancelRun context.CancelFunc
	// running is closed when the current run returns; nil when idle.
	running  chan struct{}
	progress types.Progress
	result   *types.UploadResult
	err      *types.UploadError
}

func newUpload(c *Client, file types.File, uploadURL string, size int64, meta map[string]string) *Upload {
	return &Upload{
		client: c,
		file:   file,
		url:    uploadURL,
		id:     idOf(uploadURL),
		size:   size,
		meta:   meta,
		state:  types.UploadPending,
	}
}

func (u *Upload) URL() string { return u.url }
func (u *Upload) ID() string  { return u.id }

func (u *Upload) State() types.UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Offset is the last offset acknowledged by the server.
func (u *Upload) Offset() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.offset
}

func (u *Upload) Progress() types.Progress {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.progress
}

// Result is set once the upload completed.
func (u *Upload) Result() *types.UploadResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.result
}

// Start sends chunks from the acknowledged offset until the file is done,
// Pause is called, or an error occurs. It returns nil when paused.
//
// Only one run sends chunks at a time. Start after Pause waits for the
// paused run's in-flight chunk to be acknowledged before continuing.
func (u *Upload) Start(ctx context.Context) error {
	u.mu.Lock()
	for u.running != nil {
		if u.state == types.UploadUploading {
			u.mu.Unlock()
			return ErrRunning
		}
		prev := u.running
		u.mu.Unlock()
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
		u.mu.Lock()
	}
	if u.state.IsTerminal() && u.state != types.UploadFailed {
		u.mu.Unlock()
		return ErrFinished
	}
	runCtx, cancel := context.WithCancel(ctx)
	running := make(chan struct{})
	defer func() {
		cancel()
		u.mu.Lock()
		u.running = nil
		u.cancelRun = nil
		u.mu.Unlock()
		close(running)
	}()
	u.state = types.UploadUploading
	u.cancelRun = cancel
	u.running = running
	u.err = nil
	startOffset := u.offset
	u.mu.Unlock()

	ctx = logger.WithUpload(runCtx, u.id)
	started := time.Now()
	resyncs, stalls := 0, 0

	for {
		u.mu.Lock()
		if u.state != types.UploadUploading {
			u.mu.Unlock()
			return nil
		}
		offset := u.offset
		u.mu.Unlock()

		if offset >= u.size {
			return u.finish()
		}

		next, err := u.sendChunk(ctx, offset)
		if err != nil {
			var se *transport.StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusConflict && resyncs < maxResyncs {
				resyncs++
				if next, err = u.resync(ctx); err == nil {
					u.advance(next, startOffset, started)
					continue
				}
			}
			return u.fail(err)
		}
		resyncs = 0
		if next == offset {
			if stalls++; stalls > maxResyncs {
				return u.fail(fmt.Errorf("%w: offset %d acknowledged %d times", ErrStalled, offset, stalls))
			}
			logger.Ctx(ctx).Debug().Int64("offset", offset).Int("attempt", stalls).Msg("chunk acknowledged without progress")
			if err := u.backoff(ctx, stalls); err != nil {
				return u.fail(err)
			}
			continue
		}
		stalls = 0
		u.advance(next, startOffset, started)
	}
}

// sendChunk PATCHes the chunk at offset and returns the server's new offset.
func (u *Upload) sendChunk(ctx context.Context, offset int64) (int64, error) {
	n := min(u.client.opts.ChunkSize, u.size-offset)
	data := make([]byte, n)
	if _, err := u.file.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return offset, fmt.Errorf("read file at %d: %w", offset, err)
	}

	if err := u.throttle(ctx, len(data)); err != nil {
		return offset, err
	}

	header := http.Header{}
	header.Set("Content-Type", types.ContentTypeOffsetOctetStream)
	header.Set(types.HeaderUploadOffset, strconv.FormatInt(offset, 10))
	if alg := u.client.opts.Checksum; alg != "" {
		sum, err := checksum.Sum(alg, data)
		if err != nil {
			return offset, err
		}
		header.Set(types.HeaderUploadChecksum, checksum.FormatHeader(alg, sum))
	}

	resp, err := u.client.tr.Do(ctx, transport.Request{
		Method: http.MethodPatch,
		URL:    u.url,
		Header: header,
		Body:   data,
	})
	if err != nil {
		return offset, err
	}
	if err := resp.Err(); err != nil {
		return offset, err
	}
	resp.Discard()

	next := offset + n
	if v := resp.Header.Get(types.HeaderUploadOffset); v != "" {
		reported, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return offset, fmt.Errorf("invalid %s in chunk response: %w", types.HeaderUploadOffset, err)
		}
		if reported < offset || reported > u.size {
			return offset, fmt.Errorf("%s %d in chunk response outside [%d, %d]", types.HeaderUploadOffset, reported, offset, u.size)
		}
		next = reported
	}
	logger.Ctx(ctx).Debug().Int64("offset", offset).Int64("chunk", n).Int64("acknowledged", next).Msg("chunk sent")
	return next, nil
}

// resync reads the authoritative offset after a conflict.
func (u *Upload) resync(ctx context.Context) (int64, error) {
	offset, _, _, err := u.client.probe(ctx, u.url)
	if err != nil {
		return 0, err
	}
	logger.Ctx(ctx).Debug().Int64("offset", offset).Msg("offset resynchronized")
	return offset, nil
}

// backoff waits before resending a chunk the server did not accept.
func (u *Upload) backoff(ctx context.Context, attempt int) error {
	cfg := u.client.opts.Transport
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = transport.DefaultRetryDelay
	}
	t := time.NewTimer(utils.LinearBackoff(delay, attempt-1, cfg.MaxRetryDelay))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// throttle waits for n bytes of rate limit budget.
func (u *Upload) throttle(ctx context.Context, n int) error {
	l := u.client.limiter
	if l == nil {
		return nil
	}
	for n > 0 {
		step := min(n, l.Burst())
		if err := l.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

func (u *Upload) advance(offset, startOffset int64, started time.Time) {
	u.mu.Lock()
	u.offset = max(offset, 0)
	p := progressAt(u.offset, u.size)
	if elapsed := time.Since(started).Seconds(); elapsed > 0 && u.offset > startOffset {
		p.Speed = float64(u.offset-startOffset) / elapsed
		p.ETA = float64(u.size-u.offset) / p.Speed
	}
	u.progress = p
	u.mu.Unlock()

	if cb := u.client.opts.OnProgress; cb != nil {
		cb(p)
	}
}

func progressAt(offset, size int64) types.Progress {
	p := types.Progress{Loaded: offset, Total: size, Percentage: 100}
	if size > 0 {
		p.Percentage = float64(offset) * 100 / float64(size)
	}
	return p
}

func (u *Upload) finish() error {
	res := types.UploadResult{
		ID:          u.id,
		Name:        u.file.Name(),
		URL:         u.url,
		Size:        u.size,
		ContentType: u.file.Type(),
		Metadata:    u.meta,
	}
	u.mu.Lock()
	u.state = types.UploadCompleted
	u.result = &res
	u.progress = types.Progress{Loaded: u.size, Total: u.size, Percentage: 100}
	u.mu.Unlock()

	logger.Debug().Str("upload_id", u.id).Int64("size", u.size).Msg("upload completed")
	if cb := u.client.opts.OnComplete; cb != nil {
		cb(res)
	}
	return nil
}

// fail moves the upload to the error state unless it was cancelled or
// paused while the chunk was in flight.
func (u *Upload) fail(err error) error {
	u.mu.Lock()
	if u.state == types.UploadCancelled {
		u.mu.Unlock()
		return context.Canceled
	}
	u.state = types.UploadFailed
	u.mu.Unlock()

	ue := u.client.uploadError(u.id, err)
	u.mu.Lock()
	u.err = ue
	u.mu.Unlock()
	return ue
}

// Pause stops the run after the in-flight chunk is acknowledged. It does not
// wait for that acknowledgement.
func (u *Upload) Pause() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == types.UploadUploading || u.state == types.UploadPending {
		u.state = types.UploadPaused
	}
	return nil
}

// Cancel aborts the in-flight chunk and terminates the remote session.
// Termination is best effort; its errors are only logged.
func (u *Upload) Cancel(ctx context.Context) error {
	u.mu.Lock()
	if u.state == types.UploadCompleted || u.state == types.UploadCancelled {
		u.mu.Unlock()
		return nil
	}
	u.state = types.UploadCancelled
	if u.cancelRun != nil {
		u.cancelRun()
	}
	u.mu.Unlock()

	resp, err := u.client.tr.Do(context.WithoutCancel(ctx), transport.Request{Method: http.MethodDelete, URL: u.url})
	if err == nil {
		err = resp.Err()
		if err == nil {
			resp.Discard()
		}
	}
	if err != nil {
		logger.Debug().Err(err).Str("upload_id", u.id).Msg("terminate upload")
	}
	return nil
}
