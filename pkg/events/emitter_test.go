// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	prometheusgo "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/LeeDigitalWorks/zapload/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// sarama's metrics registry ticks meters from a package-level goroutine.
		goleak.IgnoreTopFunction("github.com/rcrowley/go-metrics.(*meterArbiter).tick"),
	)
}

// counterValue reads a counter. Metrics are package-level and shared by
// parallel tests, so assertions compare deltas on labels one test owns.
func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m prometheusgo.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*Event
	closed bool
	err    error
	// gate blocks Publish until closed.
	gate chan struct{}
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(ctx context.Context, ev *Event) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func session(id, name string) *types.Session {
	return &types.Session{
		ID:           id,
		Name:         name,
		OriginalName: "photo.jpg",
		Size:         10,
		BytesWritten: 10,
		Status:       types.StatusCompleted,
		URL:          "memory://bucket/" + name,
		Ext:          types.NewMultipartExt("mp-1"),
	}
}

func TestEmitterDisabled(t *testing.T) {
	t.Parallel()

	emitter := NoopEmitter()
	assert.False(t, emitter.IsEnabled())

	// Should not panic
	emitter.Emit(context.Background(), EventUploadCreated, session("a", "a.jpg"))
	assert.False(t, emitter.Stats().Enabled)
	require.NoError(t, emitter.Close(context.Background()))
}

func TestEmitter_DeliversInOrder(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	emitter := NewEmitter(EmitterConfig{
		Publishers: []Publisher{pub},
		Source:     "node-1",
		Now:        func() time.Time { return now },
	})
	assert.True(t, emitter.IsEnabled())
	assert.Equal(t, []string{"recording"}, emitter.Stats().Publishers)

	ctx, cancel := context.WithCancel(context.Background())
	s := session("u1", "u1.jpg")
	emitter.Emit(ctx, EventUploadCreated, s)
	emitter.Emit(ctx, EventUploadCompleted, s)
	emitter.Emit(ctx, EventUploadDeleted, s)
	// Cancelling the triggering request must not abort delivery.
	cancel()

	require.NoError(t, emitter.Close(context.Background()))
	assert.Equal(t, []EventType{EventUploadCreated, EventUploadCompleted, EventUploadDeleted}, pub.types())
	assert.True(t, pub.closed)

	first := pub.events[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "node-1", first.Source)
	assert.Equal(t, now, first.Time)
	assert.Equal(t, "u1", first.Upload.ID)
	assert.Equal(t, types.BackendMultipart, first.Upload.Backend)
	assert.Less(t, first.Sequencer[:16], pub.events[1].Sequencer[:16], "sequencer grows")
}

func TestEmitter_Filter(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	emitter := NewEmitter(EmitterConfig{
		Publishers: []Publisher{pub},
		Filter:     Filter{Events: []string{"upload.completed"}, Prefix: "photos/"},
	})

	emitter.Emit(context.Background(), EventUploadCreated, session("1", "photos/1.jpg"))
	emitter.Emit(context.Background(), EventUploadCompleted, session("2", "docs/2.pdf"))
	emitter.Emit(context.Background(), EventUploadCompleted, session("3", "photos/3.jpg"))

	require.NoError(t, emitter.Close(context.Background()))
	require.Len(t, pub.events, 1)
	assert.Equal(t, "3", pub.events[0].Upload.ID)
}

func TestEmitter_QueueFullDrops(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{gate: make(chan struct{})}
	emitter := NewEmitter(EmitterConfig{Publishers: []Publisher{pub}, QueueSize: 1})

	dropped := EventsDroppedTotal.WithLabelValues("queue_full")
	before := counterValue(t, dropped)

	s := session("x", "x.bin")
	// The worker holds the first event at the gate, the second fills the
	// queue and the rest are dropped.
	for range 5 {
		emitter.Emit(context.Background(), EventUploadCreated, s)
	}
	close(pub.gate)

	require.NoError(t, emitter.Close(context.Background()))
	n := len(pub.types())
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 2)
	assert.Equal(t, float64(5-n), counterValue(t, dropped)-before)
}

func TestEmitter_PublishErrorsDoNotStopDelivery(t *testing.T) {
	t.Parallel()

	failing := &recordingPublisher{err: errors.New("unreachable")}
	ok := &recordingPublisher{}
	emitter := NewEmitter(EmitterConfig{Publishers: []Publisher{failing, ok}})
	deliveryErrors := EventsDeliveryErrorsTotal.WithLabelValues(failing.Name())
	before := counterValue(t, deliveryErrors)

	emitter.Emit(context.Background(), EventUploadCompleted, session("1", "1"))
	emitter.Emit(context.Background(), EventUploadCompleted, session("2", "2"))

	require.NoError(t, emitter.Close(context.Background()))
	assert.Len(t, failing.types(), 2)
	assert.Len(t, ok.types(), 2)
	assert.Equal(t, 2.0, counterValue(t, deliveryErrors)-before)
}

func TestEmitter_EmitAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	emitter := NewEmitter(EmitterConfig{Publishers: []Publisher{pub}})
	require.NoError(t, emitter.Close(context.Background()))
	require.NoError(t, emitter.Close(context.Background()))

	dropped := EventsDroppedTotal.WithLabelValues("closed")
	before := counterValue(t, dropped)
	emitter.Emit(context.Background(), EventUploadCreated, session("1", "1"))
	assert.Empty(t, pub.types())
	assert.Equal(t, 1.0, counterValue(t, dropped)-before)
}

func TestEmitter_CloseGivesUpWithContext(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{gate: make(chan struct{})}
	emitter := NewEmitter(EmitterConfig{Publishers: []Publisher{pub}})
	emitter.Emit(context.Background(), EventUploadCreated, session("1", "1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := emitter.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Release the worker so it exits before goleak checks.
	close(pub.gate)
	<-emitter.done
}

func TestEmitter_Hook(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	emitter := NewEmitter(EmitterConfig{Publishers: []Publisher{pub}})
	hook := emitter.Hook(EventUploadDeleted)
	hook(context.Background(), session("1", "1"))

	require.NoError(t, emitter.Close(context.Background()))
	assert.Equal(t, []EventType{EventUploadDeleted}, pub.types())
}

func TestMatchesEventType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern EventType
		event   EventType
		want    bool
	}{
		{EventUpload, EventUploadCreated, true},
		{EventUpload, EventUploadDeleted, true},
		{EventUploadCompleted, EventUploadCompleted, true},
		{EventUploadCompleted, EventUploadCreated, false},
		{"*", EventUploadCreated, true},
		{"download.*", EventUploadCreated, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.pattern)+"/"+string(tc.event), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, MatchesEventType(tc.pattern, tc.event))
		})
	}
}

func TestMatchesFilterRules(t *testing.T) {
	t.Parallel()

	assert.True(t, MatchesFilterRules("photos/a.jpg", "", ""))
	assert.True(t, MatchesFilterRules("photos/a.jpg", "photos/", ".jpg"))
	assert.False(t, MatchesFilterRules("photos/a.png", "photos/", ".jpg"))
	assert.False(t, MatchesFilterRules("a.jpg", "photos/", ""))
}
