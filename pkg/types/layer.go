// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package types

import "time"

// Layer identifies a memory partition with its own retention policy.
// Layers are ordered; records only ever move forward.
type Layer string

const (
	// LayerInteract holds ephemeral, session-scoped records.
	LayerInteract Layer = "interact"
	// LayerInsights holds medium-term records that proved useful.
	LayerInsights Layer = "insights"
	// LayerAssets holds permanent records.
	LayerAssets Layer = "assets"
)

// Default retention per layer. Assets never expire.
const (
	DefaultInteractTTL = 24 * time.Hour
	DefaultInsightsTTL = 90 * 24 * time.Hour
)

// Layers lists every layer in promotion order.
var Layers = []Layer{LayerInteract, LayerInsights, LayerAssets}

// KnowledgeFirst is the visiting order for knowledge-first retrieval.
var KnowledgeFirst = []Layer{LayerInsights, LayerAssets, LayerInteract}

// Valid reports whether the layer is a known layer.
func (l Layer) Valid() bool {
	switch l {
	case LayerInteract, LayerInsights, LayerAssets:
		return true
	default:
		return false
	}
}

// Rank returns the position of the layer in promotion order, or -1.
func (l Layer) Rank() int {
	for i, layer := range Layers {
		if layer == l {
			return i
		}
	}
	return -1
}

// Next returns the layer a record is promoted into. The second result is
// false for LayerAssets and unknown layers.
func (l Layer) Next() (Layer, bool) {
	switch l {
	case LayerInteract:
		return LayerInsights, true
	case LayerInsights:
		return LayerAssets, true
	default:
		return "", false
	}
}

// CanTransition reports whether a sweep may move a record from l to dest.
// Only single forward steps are allowed.
func (l Layer) CanTransition(dest Layer) bool {
	next, ok := l.Next()
	return ok && next == dest
}

// DefaultTTL returns the default retention for the layer. Zero means the
// layer never expires.
func (l Layer) DefaultTTL() time.Duration {
	switch l {
	case LayerInteract:
		return DefaultInteractTTL
	case LayerInsights:
		return DefaultInsightsTTL
	default:
		return 0
	}
}

// ParseLayer converts a string into a Layer, reporting whether it is valid.
func ParseLayer(s string) (Layer, bool) {
	l := Layer(s)
	return l, l.Valid()
}
