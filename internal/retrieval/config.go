// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package retrieval

import (
	"time"

	"github.com/sigil-dev/memfabric/internal/config"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// Scope selects which layers a search visits.
type Scope string

const (
	// ScopeSingle searches only the requested layer.
	ScopeSingle Scope = "single"
	// ScopeKnowledgeFirst visits insights, assets, then interact, stopping
	// once enough strong dense matches are found.
	ScopeKnowledgeFirst Scope = "knowledge_first"
	// ScopeExhaustive searches every layer concurrently.
	ScopeExhaustive Scope = "exhaustive"
)

// Weights weight the fused score components.
type Weights struct {
	Dense   float64
	Sparse  float64
	Recency float64
	Quality float64
}

func (w Weights) validate() error {
	if w.Dense < 0 || w.Sparse < 0 || w.Recency < 0 || w.Quality < 0 {
		return mferr.New(mferr.CodeRetrievalRequestInvalidInput, "fusion weights must not be negative")
	}
	if w.Dense+w.Sparse+w.Recency+w.Quality == 0 {
		return mferr.New(mferr.CodeRetrievalRequestInvalidInput, "at least one fusion weight must be positive")
	}
	return nil
}

// Config tunes candidate gathering, fusion and reranking.
type Config struct {
	Weights                Weights
	DenseCandidates        int
	SparseCandidates       int
	RerankTop              int
	RerankBatch            int
	RerankConfidence       float64
	RecencyHalfLife        time.Duration
	KnowledgeMinSimilarity float64
	Scope                  Scope
	// DefaultK is the result count for requests that leave K at zero.
	DefaultK int
}

// DefaultConfig returns the default retrieval tuning.
func DefaultConfig() Config {
	return Config{
		Weights:                Weights{Dense: 0.58, Sparse: 0.22, Recency: 0.12, Quality: 0.08},
		DenseCandidates:        50,
		SparseCandidates:       50,
		RerankTop:              20,
		RerankBatch:            8,
		RerankConfidence:       0.85,
		RecencyHalfLife:        72 * time.Hour,
		KnowledgeMinSimilarity: 0.5,
		Scope:                  ScopeKnowledgeFirst,
		DefaultK:               10,
	}
}

// ConfigFromConfig maps the file configuration onto retrieval settings.
func ConfigFromConfig(cfg config.RetrievalConfig) Config {
	return Config{
		Weights: Weights{
			Dense:   cfg.Weights.Dense,
			Sparse:  cfg.Weights.Sparse,
			Recency: cfg.Weights.Recency,
			Quality: cfg.Weights.Quality,
		},
		DenseCandidates:        cfg.DenseCandidates,
		SparseCandidates:       cfg.SparseCandidates,
		RerankTop:              cfg.RerankTop,
		RerankBatch:            cfg.RerankBatch,
		RerankConfidence:       cfg.RerankConfidence,
		RecencyHalfLife:        cfg.RecencyHalfLife,
		KnowledgeMinSimilarity: cfg.KnowledgeMinSimilarity,
		Scope:                  Scope(cfg.Scope),
		DefaultK:               cfg.DefaultK,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Weights == (Weights{}) {
		c.Weights = def.Weights
	}
	if c.DenseCandidates <= 0 {
		c.DenseCandidates = def.DenseCandidates
	}
	if c.SparseCandidates <= 0 {
		c.SparseCandidates = def.SparseCandidates
	}
	if c.RerankTop <= 0 {
		c.RerankTop = def.RerankTop
	}
	if c.RerankBatch <= 0 {
		c.RerankBatch = def.RerankBatch
	}
	if c.RerankConfidence <= 0 {
		c.RerankConfidence = def.RerankConfidence
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = def.RecencyHalfLife
	}
	if c.KnowledgeMinSimilarity <= 0 {
		c.KnowledgeMinSimilarity = def.KnowledgeMinSimilarity
	}
	if c.Scope == "" {
		c.Scope = def.Scope
	}
	if c.DefaultK <= 0 {
		c.DefaultK = def.DefaultK
	}
	return c
}
