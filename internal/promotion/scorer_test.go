// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package promotion_test

import (
	"testing"
	"time"

	"github.com/sigil-dev/memfabric/internal/config"
	"github.com/sigil-dev/memfabric/internal/promotion"
	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordSemantic(t *testing.T) {
	tests := []struct {
		content string
		want    float64
	}{
		{"FATAL: disk full on db-2", 0.9},
		{"we made a decision to ship friday", 0.8},
		{"warning: cert expires soon", 0.7},
		{"info only", 0.5},
		{"nice weather today", 0.3},
		{"errors were logged", 0.3},
		{"Important, but also a warning", 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			got := promotion.KeywordSemantic{}.Estimate(&store.Record{Content: tt.content})
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRecency(t *testing.T) {
	assert.InDelta(t, 1.0, promotion.Recency(0, time.Hour), 1e-9)
	assert.InDelta(t, 0.5, promotion.Recency(time.Hour, time.Hour), 1e-9)
	assert.InDelta(t, 0.25, promotion.Recency(2*time.Hour, time.Hour), 1e-9)
	assert.InDelta(t, 1.0, promotion.Recency(-time.Hour, time.Hour), 1e-9)
	assert.Zero(t, promotion.Recency(time.Hour, 0))
}

func TestWeightedScorer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := promotion.NewWeightedScorer()

	rec := &store.Record{Content: "lunch menu", AccessCount: 10, LastAccessedAt: now}
	assert.InDelta(t, 10+1+0.3, s.Score(rec, now), 1e-9)

	rec.LastAccessedAt = now.Add(-promotion.DefaultRecencyHalfLife)
	assert.InDelta(t, 10+0.5+0.3, s.Score(rec, now), 1e-9)

	rec.Metadata = map[string]string{"pinned": "true"}
	assert.InDelta(t, 110+0.5+0.3, s.Score(rec, now), 1e-9)
}

func TestWeightedScorer_DefaultHalfLifeMatchesConfig(t *testing.T) {
	assert.Equal(t, config.Default().Promotion.RecencyHalfLife, promotion.DefaultRecencyHalfLife)
	assert.Equal(t, 24*time.Hour, promotion.NewWeightedScorer().HalfLife)
}

func TestIsTagged(t *testing.T) {
	assert.True(t, promotion.IsTagged(map[string]string{"critical": "true"}))
	assert.True(t, promotion.IsTagged(map[string]string{"pinned": "true"}))
	assert.False(t, promotion.IsTagged(map[string]string{"critical": "yes"}))
	assert.False(t, promotion.IsTagged(nil))
}

func TestRule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rule, err := promotion.CompileRule(`access_count > 3 && content.contains("incident")`)
	require.NoError(t, err)

	hit := &store.Record{Content: "incident review notes", AccessCount: 4, Layer: types.LayerInteract}
	miss := &store.Record{Content: "incident review notes", AccessCount: 1, Layer: types.LayerInteract}
	assert.True(t, rule.Match(hit, now))
	assert.False(t, rule.Match(miss, now))

	byMeta, err := promotion.CompileRule(`"owner" in metadata && metadata["owner"] == "sre" && layer == "interact"`)
	require.NoError(t, err)
	assert.True(t, byMeta.Match(&store.Record{Layer: types.LayerInteract, Metadata: map[string]string{"owner": "sre"}}, now))
	assert.False(t, byMeta.Match(&store.Record{Layer: types.LayerInteract}, now))

	age, err := promotion.CompileRule(`age_hours >= 2.0 && idle_hours < 1.0`)
	require.NoError(t, err)
	assert.True(t, age.Match(&store.Record{PlacedAt: now.Add(-3 * time.Hour), LastAccessedAt: now}, now))

	none, err := promotion.CompileRule("")
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.False(t, none.Match(hit, now))
}

func TestRule_Invalid(t *testing.T) {
	for _, expr := range []string{"access_count >", "access_count + 1", "unknown_var == 1"} {
		t.Run(expr, func(t *testing.T) {
			_, err := promotion.CompileRule(expr)
			require.Error(t, err)
			assert.True(t, mferr.IsInvalidInput(err))
		})
	}
}

func TestWeightedScorer_CriticalRule(t *testing.T) {
	cfg := config.Default().Promotion
	cfg.CriticalRule = `content.contains("outage")`
	s, err := promotion.ScorerFromConfig(cfg)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &store.Record{Content: "db outage postmortem", LastAccessedAt: now}
	assert.True(t, s.Tagged(rec, now))
	assert.GreaterOrEqual(t, s.Score(rec, now), cfg.TagBonus)

	cfg.CriticalRule = "content"
	_, err = promotion.ScorerFromConfig(cfg)
	assert.True(t, mferr.IsInvalidInput(err))
}
