// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// PoolAdmitTotal counts granted slots.
	PoolAdmitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaflow_pool_admit_total",
		Help: "Total number of stream slots granted.",
	})

	// PoolRejectTotal counts refused slot requests by reason.
	PoolRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_pool_reject_total",
		Help: "Total number of refused stream slot requests, by reason.",
	}, []string{"reason"})

	// PoolSlotsInUse tracks currently leased slots.
	PoolSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaflow_pool_slots_in_use",
		Help: "Current number of leased stream slots.",
	})

	// SharedResourceRefs tracks live references to the shared detector.
	SharedResourceRefs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaflow_pool_shared_resource_refs",
		Help: "Current number of references held on the shared inference resource.",
	})
)

// RecordAdmit increments the slot admission counter.
func RecordAdmit() {
	PoolAdmitTotal.Inc()
}

// RecordReject increments the rejection counter.
func RecordReject(reason string) {
	PoolRejectTotal.WithLabelValues(reason).Inc()
}

// SetSlotsInUse sets the leased slot gauge.
func SetSlotsInUse(n int) {
	PoolSlotsInUse.Set(float64(n))
}

// SetSharedResourceRefs sets the shared resource reference gauge.
func SetSharedResourceRefs(n int) {
	SharedResourceRefs.Set(float64(n))
}

// GetSlotsInUse returns the current value of the gauge (for testing).
func GetSlotsInUse() float64 {
	var m dto.Metric
	if err := PoolSlotsInUse.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
