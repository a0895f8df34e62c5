// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SourceOpsTotal counts add/remove operations by result.
	SourceOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_source_operations_total",
		Help: "Total number of source operations, by operation and result",
	}, []string{"op", "result"})

	// SourcesActive tracks synced sources per pipeline handle.
	SourcesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vaflow_sources_synced",
		Help: "Current number of synced sources, by handle",
	}, []string{"handle"})

	// SourceErrorsTotal counts non-fatal per-source errors.
	SourceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_source_errors_total",
		Help: "Total number of non-fatal per-source errors, by handle",
	}, []string{"handle"})
)

// RecordSourceOp counts one add/remove outcome.
func RecordSourceOp(op, result string) {
	SourceOpsTotal.WithLabelValues(op, result).Inc()
}

// SetSourcesSynced records the synced source count for a handle.
func SetSourcesSynced(handle, n int) {
	SourcesActive.WithLabelValues(strconv.Itoa(handle)).Set(float64(n))
}

// RecordSourceError counts a non-fatal source error.
func RecordSourceError(handle int) {
	SourceErrorsTotal.WithLabelValues(strconv.Itoa(handle)).Inc()
}
