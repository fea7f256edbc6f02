// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"maps"
	"slices"
	"time"

	"github.com/sigil-dev/memfabric/pkg/types"
)

// Record is a memory held in exactly one layer.
type Record struct {
	ID             string            `json:"id"`
	Layer          types.Layer       `json:"layer"`
	Content        string            `json:"content"`
	Embedding      []float32         `json:"embedding"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	PlacedAt       time.Time         `json:"placed_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	DueAt          *time.Time        `json:"due_at,omitempty"`
	AccessCount    int64             `json:"access_count"`
	PromotionScore float64           `json:"promotion_score"`
	Version        uint64            `json:"version"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Embedding = slices.Clone(r.Embedding)
	c.Metadata = maps.Clone(r.Metadata)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.DueAt != nil {
		t := *r.DueAt
		c.DueAt = &t
	}
	return &c
}

// Expired reports whether the record's TTL has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// TTLRemaining returns the time left before expiry, clamped at zero.
// The second result is false for records that never expire.
func (r *Record) TTLRemaining(now time.Time) (time.Duration, bool) {
	if r.ExpiresAt == nil {
		return 0, false
	}
	return max(r.ExpiresAt.Sub(now), 0), true
}

// Age returns how long the record has been placed in its current layer.
func (r *Record) Age(now time.Time) time.Duration {
	return max(now.Sub(r.PlacedAt), 0)
}

// KeywordDoc is the sparse-index view of a record.
type KeywordDoc struct {
	ID    string
	Layer types.Layer
	Text  string
}

// KeywordHit is a single sparse match.
type KeywordHit struct {
	ID    string
	Layer types.Layer
	Score float64
}

// VectorResult represents a single result from a vector similarity search.
type VectorResult struct {
	ID       string
	Score    float64 // Distance metric: lower = more similar; 0.0 = exact match.
	Metadata map[string]any
}
