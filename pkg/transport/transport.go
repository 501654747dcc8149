// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is the HTTP layer shared by the upload clients. Calls
// are retried with linearly growing delays, except when the caller
// cancelled them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/LeeDigitalWorks/zapload/pkg/utils"
)

const (
	DefaultRetries       = 3
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
	DefaultTimeout       = 60 * time.Second
)

// Config controls retries and per-call timeouts.
type Config struct {
	// Headers are sent with every request; per-call headers override them.
	Headers http.Header
	// Retries is the number of extra attempts after the first. Negative disables retries.
	Retries       int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Timeout bounds each attempt, not the whole call sequence.
	Timeout time.Duration
	// HTTPClient is the underlying client; its Timeout is overwritten.
	HTTPClient *http.Client
}

func DefaultConfig() Config {
	return Config{
		Retries:       DefaultRetries,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
		Timeout:       DefaultTimeout,
	}
}

// Transport issues requests with retry.
type Transport struct {
	client  *retryablehttp.Client
	headers http.Header
}

func New(cfg Config) *Transport {
	def := DefaultConfig()
	if cfg.Retries == 0 {
		cfg.Retries = def.Retries
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		hc = &c
	}
	hc.Timeout = cfg.Timeout

	rc := retryablehttp.NewClient()
	rc.HTTPClient = hc
	rc.Logger = leveledLogger{}
	rc.RetryMax = cfg.Retries
	rc.RetryWaitMin = cfg.RetryDelay
	rc.RetryWaitMax = cfg.MaxRetryDelay
	rc.CheckRetry = checkRetry
	rc.Backoff = func(min, max time.Duration, attempt int, _ *http.Response) time.Duration {
		return utils.LinearBackoff(min, attempt, max)
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Transport{client: rc, headers: cfg.Headers.Clone()}
}

// checkRetry never retries a cancelled call. Locked uploads are retried
// alongside the default transient statuses.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if errors.Is(err, context.Canceled) {
		return false, err
	}
	if err == nil && resp.StatusCode == http.StatusLocked {
		return true, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Request describes one call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Body is nil, []byte or an io.ReadSeeker so retries can rewind it.
	Body any
	// ContentLength is required for io.ReadSeeker bodies.
	ContentLength int64
}

// Do sends req. A non-2xx status is not an error; use Response.Err.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	body := req.Body
	switch b := body.(type) {
	case nil, []byte, io.ReadSeeker:
	default:
		return nil, fmt.Errorf("unsupported request body %T", b)
	}

	r, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	maps.Copy(r.Header, t.headers)
	maps.Copy(r.Header, req.Header)
	if _, ok := body.(io.ReadSeeker); ok {
		r.ContentLength = req.ContentLength
	}

	resp, err := t.client.Do(r)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, ctxErr)
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	return &Response{Response: resp}, nil
}

// StandardClient returns a plain client with the same retry behavior.
func (t *Transport) StandardClient() *http.Client {
	return t.client.StandardClient()
}
