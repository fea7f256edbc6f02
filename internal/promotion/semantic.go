// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package promotion

import (
	"strings"
	"unicode"

	"github.com/sigil-dev/memfabric/internal/store"
)

// SemanticEstimator rates how valuable a record's content is, in [0, 1].
type SemanticEstimator interface {
	Estimate(rec *store.Record) float64
}

// SemanticFunc adapts a function to SemanticEstimator.
type SemanticFunc func(rec *store.Record) float64

func (f SemanticFunc) Estimate(rec *store.Record) float64 { return f(rec) }

// keywordWeights are checked in order; the first tier with a matching word
// wins.
var keywordWeights = []struct {
	words []string
	value float64
}{
	{[]string{"critical", "error", "fatal"}, 0.9},
	{[]string{"important", "decision"}, 0.8},
	{[]string{"warning"}, 0.7},
	{[]string{"info"}, 0.5},
}

const baseSemantic = 0.3

// KeywordSemantic estimates value from importance keywords in the content.
type KeywordSemantic struct{}

var _ SemanticEstimator = KeywordSemantic{}

func (KeywordSemantic) Estimate(rec *store.Record) float64 {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(rec.Content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}

	for _, tier := range keywordWeights {
		for _, w := range tier.words {
			if words[w] {
				return tier.value
			}
		}
	}
	return baseSemantic
}
