// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapload/pkg/logger"
	"github.com/LeeDigitalWorks/zapload/pkg/types"
)

// Emitter queues upload events for async delivery to its publishers.
//
// Emit never blocks the upload path: when the queue is full the event is
// dropped and counted.
type Emitter struct {
	publishers []Publisher
	filter     Filter
	source     string
	timeout    time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}

	// Sequencer state - monotonic counter for event ordering
	sequencer atomic.Uint64
}

type queued struct {
	ctx context.Context
	ev  *Event
}

// EmitterConfig configures the event emitter.
type EmitterConfig struct {
	// Publishers receive every event. With none, Emit is a no-op.
	Publishers     []Publisher
	Filter         Filter
	Source         string
	QueueSize      int
	PublishTimeout time.Duration
	// Now overrides the clock for tests.
	Now func() time.Time
}

// NewEmitter creates an emitter and starts its delivery worker.
func NewEmitter(cfg EmitterConfig) *Emitter {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.Source == "" {
		cfg.Source = def.Source
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Emitter{
		publishers: cfg.Publishers,
		filter:     cfg.Filter,
		source:     cfg.Source,
		timeout:    cfg.PublishTimeout,
		now:        cfg.Now,
		done:       make(chan struct{}),
	}
	if len(e.publishers) == 0 {
		close(e.done)
		return e
	}
	e.queue = make(chan queued, cfg.QueueSize)
	go e.run()
	return e
}

// NoopEmitter returns an emitter that drops all events.
func NoopEmitter() *Emitter {
	return NewEmitter(EmitterConfig{})
}

// Setup builds an emitter and its publishers from cfg.
func Setup(cfg Config) (*Emitter, error) {
	if !cfg.Enabled {
		return NoopEmitter(), nil
	}
	cfg.Validate()

	var pubs []Publisher
	if cfg.Redis.Enabled {
		pubs = append(pubs, DialRedisPublisher(cfg.Redis))
	}
	if cfg.Kafka.Enabled {
		kp, err := NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			for _, p := range pubs {
				p.Close()
			}
			return nil, err
		}
		pubs = append(pubs, kp)
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		pubs = append(pubs, NewWebhookPublisher(cfg.Webhook))
	}
	if len(pubs) == 0 {
		logger.Warn().Msg("events enabled without publishers, notifications are dropped")
	}
	return NewEmitter(EmitterConfig{
		Publishers:     pubs,
		Filter:         cfg.Filter,
		Source:         cfg.Source,
		QueueSize:      cfg.QueueSize,
		PublishTimeout: cfg.PublishTimeout,
	}), nil
}

// IsEnabled returns whether events are delivered anywhere.
func (e *Emitter) IsEnabled() bool {
	return len(e.publishers) > 0
}

// Emit queues an event of type t for session s.
func (e *Emitter) Emit(ctx context.Context, t EventType, s *types.Session) {
	if !e.IsEnabled() {
		EventsDroppedTotal.WithLabelValues("disabled").Inc()
		return
	}

	ev := NewEvent(t, s)
	ev.Source = e.source
	ev.Time = e.now().UTC()
	ev.Sequencer = e.nextSequencer()
	if !e.filter.Matches(ev) {
		EventsDroppedTotal.WithLabelValues("filtered").Inc()
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		EventsDroppedTotal.WithLabelValues("closed").Inc()
		return
	}

	// Delivery outlives the request that triggered it.
	select {
	case e.queue <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
		EventsEmittedTotal.WithLabelValues(string(t)).Inc()
		EventsQueueDepth.Inc()
	default:
		EventsDroppedTotal.WithLabelValues("queue_full").Inc()
		logger.Ctx(ctx).Warn().
			Str("event", string(t)).
			Str("upload_id", s.ID).
			Msg("event queue full, dropping event")
	}
}

// Hook adapts the emitter to a storage lifecycle hook.
func (e *Emitter) Hook(t EventType) func(context.Context, *types.Session) {
	return func(ctx context.Context, s *types.Session) {
		e.Emit(ctx, t, s)
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for q := range e.queue {
		EventsQueueDepth.Dec()
		e.deliver(q.ctx, q.ev)
	}
}

func (e *Emitter) deliver(ctx context.Context, ev *Event) {
	for _, p := range e.publishers {
		pctx, cancel := context.WithTimeout(ctx, e.timeout)
		start := time.Now()
		err := p.Publish(pctx, ev)
		cancel()
		EventsDeliveryDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

		if err != nil {
			EventsDeliveryErrorsTotal.WithLabelValues(p.Name()).Inc()
			logger.Ctx(ctx).Warn().
				Err(err).
				Str("publisher", p.Name()).
				Str("event", string(ev.Type)).
				Str("upload_id", ev.Upload.ID).
				Msg("failed to deliver event")
			continue
		}
		EventsDeliveredTotal.WithLabelValues(p.Name()).Inc()
		logger.Ctx(ctx).Debug().
			Str("publisher", p.Name()).
			Str("event", string(ev.Type)).
			Str("upload_id", ev.Upload.ID).
			Msg("delivered event")
	}
}

// Close stops accepting events, waits for queued ones to be delivered and
// closes the publishers. Undelivered events are abandoned when ctx ends.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		if e.queue != nil {
			close(e.queue)
		}
	}
	e.mu.Unlock()

	var err error
	select {
	case <-e.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	for _, p := range e.publishers {
		err = errors.Join(err, p.Close())
	}
	return err
}

// Stats returns emitter statistics.
// Detailed metrics are exposed via Prometheus (zapload_events_*).
func (e *Emitter) Stats() EmitterStats {
	names := make([]string, 0, len(e.publishers))
	for _, p := range e.publishers {
		names = append(names, p.Name())
	}
	return EmitterStats{Enabled: e.IsEnabled(), Publishers: names, Pending: len(e.queue)}
}

// EmitterStats contains emitter status information.
type EmitterStats struct {
	Enabled    bool     `json:"enabled"`
	Publishers []string `json:"publishers,omitempty"`
	Pending    int      `json:"pending"`
}

// nextSequencer generates a unique, monotonically increasing sequencer value.
// Format: hex(timestamp_ms) + hex(counter) + random_suffix
func (e *Emitter) nextSequencer() string {
	ts := e.now().UnixMilli()
	seq := e.sequencer.Add(1)

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)

	return hex.EncodeToString([]byte{
		byte(ts >> 40), byte(ts >> 32), byte(ts >> 24), byte(ts >> 16),
		byte(ts >> 8), byte(ts),
		byte(seq >> 8), byte(seq),
	}) + hex.EncodeToString(suffix)
}
