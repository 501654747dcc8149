// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package debug serves metrics, profiling and health endpoints on a
// separate listener from the upload API.
package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadyCheck reports whether a dependency (metastore, lock service) is usable.
type ReadyCheck func(ctx context.Context) error

const readyCheckTimeout = 2 * time.Second

var (
	ready atomic.Bool

	checksMu sync.RWMutex
	checks   = make(map[string]ReadyCheck)

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry is where packages register their collectors.
func Registry() prometheus.Registerer {
	return registry
}

// Gatherer exposes the registry for tests and the metrics handler.
func Gatherer() prometheus.Gatherer {
	return registry
}

func SetReady() {
	ready.Store(true)
}

func SetNotReady() {
	ready.Store(false)
}

// AddReadyCheck registers a named check consulted by /readyz. Registering
// the same name twice replaces the earlier check.
func AddReadyCheck(name string, check ReadyCheck) {
	checksMu.Lock()
	defer checksMu.Unlock()
	checks[name] = check
}

// RemoveReadyCheck drops a named check.
func RemoveReadyCheck(name string) {
	checksMu.Lock()
	defer checksMu.Unlock()
	delete(checks, name)
}

// Ready runs every check and returns the failures by name.
func Ready(ctx context.Context) (bool, map[string]string) {
	failures := make(map[string]string)
	if !ready.Load() {
		failures["server"] = "not ready"
	}

	checksMu.RLock()
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	snapshot := make([]ReadyCheck, len(names))
	for i, name := range names {
		snapshot[i] = checks[name]
	}
	checksMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
	defer cancel()
	for i, check := range snapshot {
		if err := check(ctx); err != nil {
			failures[names[i]] = err.Error()
		}
	}
	return len(failures) == 0, failures
}

// Mux returns the debug handler tree.
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ok, failures := Ready(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": ok, "failures": failures})
	})
	return mux
}
