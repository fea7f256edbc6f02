// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package promotion

import (
	"math"
	"time"

	"github.com/sigil-dev/memfabric/internal/config"
	"github.com/sigil-dev/memfabric/internal/store"
)

// Scorer computes a record's promotion score. Higher is more valuable;
// the scale is whatever the engine thresholds are calibrated to.
type Scorer interface {
	Score(rec *store.Record, now time.Time) float64
}

// Weights weight the WeightedScorer components.
type Weights struct {
	Access   float64
	Recency  float64
	Semantic float64
}

// DefaultRecencyHalfLife is the default half-life of the recency term.
const DefaultRecencyHalfLife = 24 * time.Hour

// WeightedScorer scores a record as
//
//	access*access_count + recency*recency_decay + semantic*estimate + tag bonus
//
// where recency_decay halves every HalfLife since the last access.
type WeightedScorer struct {
	Weights  Weights
	TagBonus float64
	HalfLife time.Duration
	Semantic SemanticEstimator
	// Critical tags a record for the bonus in addition to the critical and
	// pinned metadata flags.
	Critical *Rule
}

var _ Scorer = (*WeightedScorer)(nil)

// NewWeightedScorer returns a scorer with the default weights, a tag bonus
// of 100 and keyword-based semantic estimation.
func NewWeightedScorer() *WeightedScorer {
	return &WeightedScorer{
		Weights:  Weights{Access: 1, Recency: 1, Semantic: 1},
		TagBonus: 100,
		HalfLife: DefaultRecencyHalfLife,
		Semantic: KeywordSemantic{},
	}
}

// ScorerFromConfig builds the default scorer from the promotion config.
func ScorerFromConfig(cfg config.PromotionConfig) (*WeightedScorer, error) {
	rule, err := CompileRule(cfg.CriticalRule)
	if err != nil {
		return nil, err
	}
	s := NewWeightedScorer()
	s.Weights = Weights{Access: cfg.Weights.Access, Recency: cfg.Weights.Recency, Semantic: cfg.Weights.Semantic}
	s.TagBonus = cfg.TagBonus
	if cfg.RecencyHalfLife > 0 {
		s.HalfLife = cfg.RecencyHalfLife
	}
	s.Critical = rule
	return s, nil
}

func (s *WeightedScorer) Score(rec *store.Record, now time.Time) float64 {
	score := s.Weights.Access*float64(rec.AccessCount) +
		s.Weights.Recency*Recency(now.Sub(rec.LastAccessedAt), s.HalfLife)

	if s.Semantic != nil {
		score += s.Weights.Semantic * clamp01(s.Semantic.Estimate(rec))
	}
	if s.Tagged(rec, now) {
		score += s.TagBonus
	}
	return score
}

// Tagged reports whether rec is explicitly marked critical.
func (s *WeightedScorer) Tagged(rec *store.Record, now time.Time) bool {
	return IsTagged(rec.Metadata) || s.Critical.Match(rec, now)
}

// IsTagged reports whether metadata carries the critical or pinned flag.
func IsTagged(md map[string]string) bool {
	return md["critical"] == "true" || md["pinned"] == "true"
}

// Recency returns exp(-ln2 * age / halfLife). Negative ages count as zero.
func Recency(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	age = max(age, 0)
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
