// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeeDigitalWorks/zapload/pkg/debug"
)

var (
	EventsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapload",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Total number of upload events queued for delivery",
	}, []string{"event_type"})

	EventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapload",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Total number of upload events dropped before delivery",
	}, []string{"reason"}) // disabled, filtered, closed, queue_full

	EventsDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapload",
		Subsystem: "events",
		Name:      "delivered_total",
		Help:      "Total number of upload events delivered to publishers",
	}, []string{"publisher"})

	EventsDeliveryErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapload",
		Subsystem: "events",
		Name:      "delivery_errors_total",
		Help:      "Total number of event delivery errors",
	}, []string{"publisher"})

	EventsDeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zapload",
		Subsystem: "events",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering events to publishers",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"publisher"})

	EventsQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zapload",
		Subsystem: "events",
		Name:      "queue_depth",
		Help:      "Current number of events pending delivery",
	})
)

func init() {
	debug.Registry().MustRegister(
		EventsEmittedTotal,
		EventsDroppedTotal,
		EventsDeliveredTotal,
		EventsDeliveryErrorsTotal,
		EventsDeliveryDuration,
		EventsQueueDepth,
	)
}
