// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var backendKinds = []string{"hardware", "software", "teststub"}

var (
	backendSelected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vaflow_backend_selected",
		Help: "Negotiated backend (selected=1; others 0)",
	}, []string{"backend"})

	backendProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_backend_probes_total",
		Help: "Total number of backend capability probes, by backend and result",
	}, []string{"backend", "result"})

	stageConstructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_stage_constructions_total",
		Help: "Total number of stage constructions, by backend, kind and result",
	}, []string{"backend", "kind", "result"})
)

// SetBackendSelected marks kind as the selected backend; empty clears all.
func SetBackendSelected(kind string) {
	for _, k := range backendKinds {
		v := 0.0
		if k == kind {
			v = 1.0
		}
		backendSelected.WithLabelValues(k).Set(v)
	}
}

// RecordBackendProbe counts a capability probe.
func RecordBackendProbe(backend, result string) {
	backendProbesTotal.WithLabelValues(backend, result).Inc()
}

// RecordStageConstruction counts a stage construction attempt.
func RecordStageConstruction(backend, kind, result string) {
	stageConstructionsTotal.WithLabelValues(backend, kind, result).Inc()
}
