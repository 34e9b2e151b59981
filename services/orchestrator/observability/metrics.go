// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Metrics cover the turn pipeline end to end: turn counts by mode and
// status, per-stage latency, streaming activity, goal-cache effectiveness,
// and authorization filter drops. Exposed via the /metrics endpoint for
// Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relatia"

const turnSubsystem = "turns"

// TurnMetrics holds all Prometheus metrics for the turn pipeline.
type TurnMetrics struct {
	// TurnsTotal counts turns by mode (builtin, external) and status
	// (success, error, clarify, identity).
	TurnsTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage latency.
	// Labels: stage
	StageDurationSeconds *prometheus.HistogramVec

	// ActiveTurns tracks turns currently running, by mode.
	ActiveTurns *prometheus.GaugeVec

	// GoalCacheTotal counts goal-cache lookups by outcome (hit, miss,
	// error).
	GoalCacheTotal *prometheus.CounterVec

	// FilterDroppedTotal counts knowledge items removed by authorization
	// filtering, by item kind (entity, relationship, chunk).
	FilterDroppedTotal *prometheus.CounterVec

	// TokensStreamedTotal counts answer tokens streamed to clients, by
	// mode.
	TokensStreamedTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keepalive pings sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts client disconnections mid-turn.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics(). Callers
// must nil-check before recording so metric-less test setups keep working.
var DefaultMetrics *TurnMetrics

// InitMetrics initializes and registers the default metrics instance.
// Call once at startup; panics on duplicate registration.
func InitMetrics() *TurnMetrics {
	DefaultMetrics = &TurnMetrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "total",
				Help:      "Total turns by mode and status",
			},
			[]string{"mode", "status"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"stage"},
		),

		ActiveTurns: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "active",
				Help:      "Turns currently running",
			},
			[]string{"mode"},
		),

		GoalCacheTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "goal_cache_total",
				Help:      "Goal cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		FilterDroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "filter_dropped_total",
				Help:      "Knowledge items removed by authorization filtering",
			},
			[]string{"kind"},
		),

		TokensStreamedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "tokens_streamed_total",
				Help:      "Answer tokens streamed to clients",
			},
			[]string{"mode"},
		),

		KeepAlivesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "keepalives_total",
				Help:      "SSE keepalive pings sent",
			},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Client disconnections during a turn",
			},
		),
	}

	return DefaultMetrics
}

// TurnStatus labels for TurnsTotal.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusClarify  = "clarify"
	StatusIdentity = "identity"
)
