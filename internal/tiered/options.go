// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tiered

import (
	"time"

	"github.com/sigil-dev/memfabric/internal/config"
	"github.com/sigil-dev/memfabric/internal/index"
	"github.com/sigil-dev/memfabric/internal/store"
	"github.com/sigil-dev/memfabric/pkg/types"
)

// LayerPolicy is the retention policy for one layer. A zero TTL never
// expires. MinDwell is how long a record stays before it is reviewed.
type LayerPolicy struct {
	TTL      time.Duration
	MinDwell time.Duration
}

// Options configures a Store.
type Options struct {
	Dimensions int
	Policies   map[types.Layer]LayerPolicy
	Index      index.Config

	// MaxPerSweep caps the records reviewed per layer per sweep.
	MaxPerSweep int
	// MaxRetries bounds decision retries after a version conflict.
	MaxRetries int

	// Keywords and Vectors are derived indexes kept in sync on every write.
	// Either may be nil.
	Keywords store.KeywordIndex
	Vectors  store.VectorStore

	Clock func() time.Time
}

// OptionsFromConfig maps the file configuration onto store options.
func OptionsFromConfig(cfg *config.Config) Options {
	idx := index.DefaultConfig(cfg.Dimensions)
	idx.M = cfg.Index.M
	idx.EfConstruction = cfg.Index.EfConstruction
	idx.EfSearch = cfg.Index.EfSearch
	idx.Metric = index.Metric(cfg.Index.Metric)
	idx.TombstoneRatio = cfg.Index.TombstoneRatio

	policies := make(map[types.Layer]LayerPolicy, len(types.Layers))
	for _, l := range types.Layers {
		p := cfg.Layers.Policy(l)
		policies[l] = LayerPolicy{TTL: p.TTL, MinDwell: p.MinDwell}
	}

	return Options{
		Dimensions:  cfg.Dimensions,
		Policies:    policies,
		Index:       idx,
		MaxPerSweep: cfg.Promotion.MaxPerSweep,
		MaxRetries:  cfg.Promotion.MaxRetries,
	}
}

func (o Options) withDefaults() Options {
	if o.Policies == nil {
		o.Policies = map[types.Layer]LayerPolicy{
			types.LayerInteract: {TTL: types.DefaultInteractTTL, MinDwell: time.Hour},
			types.LayerInsights: {TTL: types.DefaultInsightsTTL, MinDwell: 24 * time.Hour},
		}
	}
	if o.Index.Dimensions == 0 {
		o.Index = index.DefaultConfig(o.Dimensions)
	}
	o.Index.Dimensions = o.Dimensions
	if o.MaxPerSweep <= 0 {
		o.MaxPerSweep = 1000
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
