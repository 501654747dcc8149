// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	prometheusgo "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Readiness state is global, so these tests do not run in parallel.

func TestReadyz(t *testing.T) {
	SetNotReady()
	t.Cleanup(func() {
		SetNotReady()
		RemoveReadyCheck("redis")
	})

	mux := Mux()
	get := func() (int, map[string]any) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec.Code, body
	}

	code, body := get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["ready"])

	SetReady()
	code, _ = get()
	assert.Equal(t, http.StatusOK, code)

	AddReadyCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	code, body = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]any{"redis": "connection refused"}, body["failures"])

	AddReadyCheck("redis", func(context.Context) error { return nil })
	code, _ = get()
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "zapload", Name: "debug_test_total", Help: "test"})
	Registry().MustRegister(c)
	t.Cleanup(func() { registry.Unregister(c) })
	c.Inc()

	rec := httptest.NewRecorder()
	Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zapload_debug_test_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	families, err := Gatherer().Gather()
	require.NoError(t, err)
	var family *prometheusgo.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "zapload_debug_test_total" {
			family = mf
		}
	}
	require.NotNil(t, family)
	assert.Equal(t, prometheusgo.MetricType_COUNTER, family.GetType())
	require.Len(t, family.GetMetric(), 1)
	assert.Equal(t, 1.0, family.GetMetric()[0].GetCounter().GetValue())
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
