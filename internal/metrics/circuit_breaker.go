// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaflow_source_breakers_open",
		Help: "Number of source locators whose circuit breaker is currently open",
	})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaflow_source_breaker_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"reason"})
)

// SetOpenCircuitBreakers records how many locator breakers are open.
func SetOpenCircuitBreakers(n int) {
	circuitBreakerOpen.Set(float64(n))
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(reason string) {
	circuitBreakerTrips.WithLabelValues(reason).Inc()
}
