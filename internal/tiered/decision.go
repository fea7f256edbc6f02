// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tiered

import (
	"time"

	"github.com/sigil-dev/memfabric/internal/store"
	"github.com/sigil-dev/memfabric/pkg/types"
)

// Action is the outcome of reviewing a due record.
type Action int

const (
	ActionKeep Action = iota
	ActionPromote
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionPromote:
		return "promote"
	case ActionDelete:
		return "delete"
	default:
		return "keep"
	}
}

// Decision is what a Decider wants done with a due record.
type Decision struct {
	Action Action
	Score  float64
	// Apply optionally adjusts a record being promoted before it is
	// written to its new layer.
	Apply func(*store.Record)
}

// Decider reviews due records during a sweep. rec is a copy.
type Decider interface {
	Decide(rec *store.Record, now time.Time) Decision
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(rec *store.Record, now time.Time) Decision

func (f DeciderFunc) Decide(rec *store.Record, now time.Time) Decision {
	return f(rec, now)
}

// SweepResult summarizes one layer sweep.
type SweepResult struct {
	Layer      types.Layer `json:"layer"`
	Promoted   int         `json:"promoted"`
	Deleted    int         `json:"deleted"`
	Kept       int         `json:"kept"`
	Incomplete bool        `json:"incomplete"`
}

// LayerStats describes one layer.
type LayerStats struct {
	Records    int  `json:"records"`
	Live       int  `json:"live"`
	Due        int  `json:"due"`
	Indexed    int  `json:"indexed"`
	Tombstones int  `json:"tombstones"`
	Rebuilding bool `json:"rebuilding"`
}

// Hit is a dense candidate resolved to its record.
type Hit struct {
	Record     *store.Record
	Similarity float64
}
