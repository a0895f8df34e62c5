// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusEventsTotal counts events delivered by the dispatcher loop.
	BusEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_bus_events_total",
		Help: "Total number of bus events dispatched, by kind",
	}, []string{"kind"})

	// BusBatchSize observes how many events one dispatcher wake-up drained.
	BusBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vaflow_bus_batch_size",
		Help:    "Number of events drained per dispatcher iteration",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	// BusDroppedTotal counts tap deliveries dropped under backpressure.
	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_bus_dropped_total",
		Help: "Total number of bus tap deliveries dropped, by tap and reason",
	}, []string{"tap", "reason"})
)

// RecordBusEvent counts one dispatched event.
func RecordBusEvent(kind string) {
	BusEventsTotal.WithLabelValues(kind).Inc()
}

// ObserveBusBatch records the size of one drained batch.
func ObserveBusBatch(n int) {
	BusBatchSize.Observe(float64(n))
}

// IncBusDropReason records a dropped tap delivery with a concrete reason.
func IncBusDropReason(tap, reason string) {
	if tap == "" {
		tap = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(tap, reason).Inc()
}
