// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for the Ask pipeline.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// askRequestsTotal counts Ask requests by outcome mode.
	//
	// Labels:
	//   - mode: "repo_grounded", "hybrid", "general", "clarify", "error"
	askRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helix",
		Subsystem: "ask",
		Name:      "requests_total",
		Help:      "Total Ask requests by final answer mode.",
	}, []string{"mode"})

	// askStageDuration measures per-stage pipeline latency.
	//
	// Labels:
	//   - stage: "retrieval", "plan_pass", "distill", "synthesis", "repair", "gates"
	askStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "helix",
		Subsystem: "ask",
		Name:      "stage_duration_seconds",
		Help:      "Duration of Ask pipeline stages in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"stage"})

	// gateFailuresTotal counts failed gate evaluations by gate name.
	gateFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helix",
		Subsystem: "ask",
		Name:      "gate_failures_total",
		Help:      "Total gate failures by gate name.",
	}, []string{"gate"})

	// retrievalChannelHits counts files contributed per retrieval channel.
	retrievalChannelHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helix",
		Subsystem: "ask",
		Name:      "retrieval_channel_hits_total",
		Help:      "Files contributed to fused retrieval results per channel.",
	}, []string{"channel"})

	// jobOutcomesTotal counts finished background jobs by terminal status.
	jobOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helix",
		Subsystem: "ask",
		Name:      "job_outcomes_total",
		Help:      "Background Ask jobs by terminal status.",
	}, []string{"status"})

	// overflowStepsTotal counts applied context-overflow recovery steps.
	overflowStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helix",
		Subsystem: "ask",
		Name:      "overflow_steps_total",
		Help:      "Applied overflow recovery steps by kind.",
	}, []string{"kind"})

	// governorDecisionsTotal counts alpha-governor admissions and denials.
	governorDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helix",
		Subsystem: "ask",
		Name:      "governor_decisions_total",
		Help:      "Alpha governor decisions by origin and verdict.",
	}, []string{"origin", "verdict"})
)

// RecordRequest counts one finished Ask request.
func RecordRequest(mode string) {
	askRequestsTotal.WithLabelValues(mode).Inc()
}

// RecordStage records one pipeline stage duration.
func RecordStage(stage string, d time.Duration) {
	askStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordGateFailure counts one failed gate.
func RecordGateFailure(gate string) {
	gateFailuresTotal.WithLabelValues(gate).Inc()
}

// RecordChannelHit counts a file contributed by a retrieval channel.
func RecordChannelHit(channel string) {
	retrievalChannelHits.WithLabelValues(channel).Inc()
}

// RecordJobOutcome counts a job reaching a terminal status.
func RecordJobOutcome(status string) {
	jobOutcomesTotal.WithLabelValues(status).Inc()
}

// RecordOverflowStep counts an applied overflow recovery step.
func RecordOverflowStep(kind string) {
	overflowStepsTotal.WithLabelValues(kind).Inc()
}

// RecordGovernorDecision counts an alpha-governor verdict.
func RecordGovernorDecision(origin string, allowed bool) {
	verdict := "admitted"
	if !allowed {
		verdict = "denied"
	}
	governorDecisionsTotal.WithLabelValues(origin, verdict).Inc()
}
