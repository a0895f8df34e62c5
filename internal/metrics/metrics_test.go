// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestIncBusDropReasonDefaultsLabels(t *testing.T) {
	before := counterValue(t, BusDroppedTotal.WithLabelValues("unknown", "unknown"))
	IncBusDropReason("", "")
	after := counterValue(t, BusDroppedTotal.WithLabelValues("unknown", "unknown"))
	require.Equal(t, before+1, after)
}

func TestSetBackendSelectedIsExclusive(t *testing.T) {
	SetBackendSelected("software")
	require.Equal(t, 1.0, gaugeValue(t, backendSelected.WithLabelValues("software")))
	require.Equal(t, 0.0, gaugeValue(t, backendSelected.WithLabelValues("hardware")))

	SetBackendSelected("")
	require.Equal(t, 0.0, gaugeValue(t, backendSelected.WithLabelValues("software")))
}

func TestSlotsGauge(t *testing.T) {
	SetSlotsInUse(3)
	require.Equal(t, 3.0, GetSlotsInUse())
	SetSlotsInUse(0)
	require.Equal(t, 0.0, GetSlotsInUse())
}
