// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels carry the handle id, never source ids, to keep cardinality bounded.
var (
	// PipelineTransitionsTotal counts single-step transitions by outcome.
	PipelineTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_pipeline_transitions_total",
		Help: "Total number of pipeline state transition steps, by from, to and result",
	}, []string{"from", "to", "result"})

	// PipelineTransitionSeconds observes how long a step waited for confirmation.
	PipelineTransitionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaflow_pipeline_transition_duration_seconds",
		Help:    "Time from transition request to confirmation",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"to"})

	// PipelineState exposes the last confirmed state per handle (0=null .. 3=playing).
	PipelineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vaflow_pipeline_state",
		Help: "Last confirmed lifecycle state per pipeline handle",
	}, []string{"handle"})

	// PipelineFatalTotal counts fatal backend errors per handle.
	PipelineFatalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_pipeline_fatal_errors_total",
		Help: "Total number of fatal backend errors, by handle",
	}, []string{"handle"})

	PipelineErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_pipeline_errors_total",
		Help: "Total number of recoverable graph-level errors, by handle",
	}, []string{"handle"})
)

// RecordTransition counts one transition step.
func RecordTransition(from, to, result string) {
	PipelineTransitionsTotal.WithLabelValues(from, to, result).Inc()
}

// ObserveTransition records the confirmation latency for a step.
func ObserveTransition(to string, seconds float64) {
	PipelineTransitionSeconds.WithLabelValues(to).Observe(seconds)
}

// SetPipelineState records the confirmed state of a handle.
func SetPipelineState(handle int, state int) {
	PipelineState.WithLabelValues(strconv.Itoa(handle)).Set(float64(state))
}

// RecordPipelineFatal counts a fatal error on a handle.
func RecordPipelineFatal(handle int) {
	PipelineFatalTotal.WithLabelValues(strconv.Itoa(handle)).Inc()
}

// RecordPipelineError counts a recoverable graph-level error on a handle.
func RecordPipelineError(handle int) {
	PipelineErrorsTotal.WithLabelValues(strconv.Itoa(handle)).Inc()
}
