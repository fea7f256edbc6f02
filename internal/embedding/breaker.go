// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package embedding

import (
	"log/slog"
	"sync"
	"time"

	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/health"
)

// DefaultCooldown is how long an unhealthy backend is skipped before a
// trial request is admitted.
const DefaultCooldown = 30 * time.Second

// Breaker tracks the health of one backend. It opens after threshold
// consecutive failures, and once the cooldown elapses it admits exactly one
// trial request whose outcome closes or reopens it.
type Breaker struct {
	mu           sync.Mutex
	name         string
	state        health.State
	threshold    int64
	cooldown     time.Duration
	consecutive  int64
	failureCount int64
	failedAt     time.Time
	probing      bool
	nowFunc      func() time.Time // for testing
}

// NewBreaker creates a Breaker that starts healthy.
func NewBreaker(name string, threshold int, cooldown time.Duration) (*Breaker, error) {
	if threshold <= 0 {
		return nil, mferr.Errorf(mferr.CodeConfigValidateInvalidValue,
			"breaker failure threshold must be positive, got %d", threshold)
	}
	if cooldown <= 0 {
		return nil, mferr.Errorf(mferr.CodeConfigValidateInvalidValue,
			"breaker cooldown must be positive, got %s", cooldown)
	}
	return &Breaker{
		name:      name,
		state:     health.StateHealthy,
		threshold: int64(threshold),
		cooldown:  cooldown,
		nowFunc:   time.Now,
	}, nil
}

// Allow reports whether a request may be sent to the backend. While
// unhealthy it returns false until the cooldown elapses, then admits a
// single trial request.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case health.StateHealthy:
		return true
	case health.StateUnhealthy:
		if b.nowFunc().Sub(b.failedAt) < b.cooldown {
			return false
		}
		b.state = health.StateProbing
		b.probing = true
		slog.Info("embedding backend probing", "backend", b.name)
		return true
	default:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != health.StateHealthy {
		slog.Info("embedding backend recovered", "backend", b.name)
	}
	b.state = health.StateHealthy
	b.consecutive = 0
	b.probing = false
}

// RecordFailure counts a failure. A failed trial request reopens the breaker
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	b.failureCount++
	b.failedAt = b.nowFunc()

	switch {
	case b.state == health.StateProbing:
		b.state = health.StateUnhealthy
		b.probing = false
		slog.Warn("embedding backend trial request failed", "backend", b.name, "cooldown", b.cooldown)
	case b.state == health.StateHealthy && b.consecutive >= b.threshold:
		b.state = health.StateUnhealthy
		slog.Warn("embedding backend unhealthy",
			"backend", b.name, "consecutive_failures", b.consecutive, "cooldown", b.cooldown)
	}
}

// Abort releases an admitted trial request whose request never reached the backend,
// such as when the caller's context ended first.
func (b *Breaker) Abort() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// State returns the current breaker state.
func (b *Breaker) State() health.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetNowFunc overrides the time source (for testing).
func (b *Breaker) SetNowFunc(fn func() time.Time) {
	b.mu.Lock()
	b.nowFunc = fn
	b.mu.Unlock()
}

// Metrics returns a point-in-time snapshot of the breaker.
func (b *Breaker) Metrics() health.Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := health.Metrics{
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		FailureCount:        b.failureCount,
	}
	if b.failureCount > 0 {
		t := b.failedAt
		m.LastFailureAt = &t
	}

	switch b.state {
	case health.StateHealthy:
		m.Available = true
	case health.StateUnhealthy:
		end := b.failedAt.Add(b.cooldown)
		m.CooldownUntil = &end
		m.Available = !b.nowFunc().Before(end)
	default:
		m.Available = !b.probing
	}
	return m
}
