// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package health

import "time"

// State is the circuit breaker state of an embedding backend.
type State string

const (
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateProbing   State = "probing"
)

// Metrics exposes the current health state of a backend for monitoring
// and operator visibility. All fields are point-in-time snapshots safe
// to serialize to JSON.
type Metrics struct {
	State               State      `json:"state"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	FailureCount        int64      `json:"failure_count"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	Available           bool       `json:"available"`
}
