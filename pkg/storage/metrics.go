// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeeDigitalWorks/zapload/pkg/debug"
)

var (
	sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapload",
		Subsystem: "storage",
		Name:      "sessions_total",
		Help:      "Upload sessions by lifecycle event",
	}, []string{"event"}) // created, completed, deleted, expired

	bytesWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapload",
		Subsystem: "storage",
		Name:      "bytes_written_total",
		Help:      "Bytes committed to storage backends",
	}, []string{"backend"})

	writeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapload",
		Subsystem: "storage",
		Name:      "write_errors_total",
		Help:      "Failed writes by normalized error code",
	}, []string{"backend", "code"})

	lockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zapload",
		Subsystem: "storage",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the per-upload lock",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	purgeRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapload",
		Subsystem: "storage",
		Name:      "purge_runs_total",
		Help:      "Expired session sweeps",
	})
)

func init() {
	debug.Registry().MustRegister(
		sessionsTotal,
		bytesWritten,
		writeErrors,
		lockWait,
		purgeRuns,
	)
}
