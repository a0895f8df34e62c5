// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package source

// Health summarizes non-fatal errors reported for one branch.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// unhealthyAfter is the error count at which a branch is reported unhealthy.
const unhealthyAfter = 3

func healthFor(errors int) Health {
	switch {
	case errors == 0:
		return HealthHealthy
	case errors < unhealthyAfter:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}
