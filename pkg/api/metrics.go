// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeeDigitalWorks/zapload/pkg/debug"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zapload",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status class",
		},
		[]string{"method", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zapload",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"method"},
	)
)

func init() {
	debug.Registry().MustRegister(requestsTotal, requestDuration)
}
