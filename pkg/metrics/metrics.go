// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics defines the prometheus collectors exported by gradsync.
//
// All collectors are registered with the default prometheus registry, under Namespace.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the namespace where all metrics are defined under.
const Namespace = "gradsync"

// NewCounter creates a Counter metrics under the global namespace.
func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewGauge creates a Gauge metrics under the global namespace.
func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewHistogramWithBuckets creates a Histogram metrics with custom buckets.
func NewHistogramWithBuckets(name, subsystem, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

const schedulerSubsystem = "scheduler"

var (
	pendingOps = NewGauge("pending_operations", schedulerSubsystem,
		"Number of push/pull operations submitted and not yet completed", []string{"direction"})
	completedOps = NewCounter("completed_operations_total", schedulerSubsystem,
		"Number of push/pull operations completed", []string{"direction", "outcome"})
	opLatency = NewHistogramWithBuckets("operation_latency_seconds", schedulerSubsystem,
		"Time from submission to completion of push/pull operations", []string{"direction"},
		prometheus.ExponentialBuckets(0.0001, 2, 18))
)

// Outcome labels for completed operations.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeShutdown = "shutdown"
)

// OperationSubmitted records a push/pull accepted by the backend.
func OperationSubmitted(direction string) {
	pendingOps.WithLabelValues(direction).Inc()
}

// OperationCompleted records the completion of a push/pull submitted at the given time.
func OperationCompleted(direction, outcome string, submitted time.Time) {
	pendingOps.WithLabelValues(direction).Dec()
	completedOps.WithLabelValues(direction, outcome).Inc()
	opLatency.WithLabelValues(direction).Observe(time.Since(submitted).Seconds())
}

const serverSubsystem = "server"

var (
	serverBytes = NewCounter("bytes_total", serverSubsystem,
		"Tensor bytes received (push) and sent (pull) by the aggregation server", []string{"direction"})
	serverRequests = NewCounter("requests_total", serverSubsystem,
		"Requests served by the aggregation server", []string{"direction", "outcome"})
	serverPendingRounds = NewGauge("pending_rounds", serverSubsystem,
		"Aggregation rounds waiting for contributions", nil)
)

// ServerRequest records one request served by the aggregation server.
func ServerRequest(direction, outcome string, bytes uintptr) {
	serverRequests.WithLabelValues(direction, outcome).Inc()
	if outcome == OutcomeOK {
		serverBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// SetServerPendingRounds reports the number of rounds waiting for contributions.
func SetServerPendingRounds(n int) {
	serverPendingRounds.WithLabelValues().Set(float64(n))
}
