// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resultsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaflow_results_published_total",
		Help: "Total number of frame results published to the feed",
	})

	resultsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_results_dropped_total",
		Help: "Total number of frame results dropped, by reason",
	}, []string{"reason"})
)

// RecordResultPublished counts a published frame result.
func RecordResultPublished() {
	resultsPublished.Inc()
}

// RecordResultDropped counts a dropped frame result.
func RecordResultDropped(reason string) {
	resultsDropped.WithLabelValues(reason).Inc()
}
