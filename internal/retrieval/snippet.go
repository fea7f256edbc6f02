// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package retrieval

import (
	"slices"
	"strings"
	"unicode"

	"github.com/sigil-dev/memfabric/internal/store"
)

// SnippetRunes is the maximum snippet length.
const SnippetRunes = 200

// Snippet returns at most SnippetRunes runes of content, centered on the
// earliest occurrence of any term. Without a match it returns the start.
func Snippet(content string, terms []string) string {
	runes := []rune(content)
	if len(runes) <= SnippetRunes {
		return strings.TrimSpace(content)
	}

	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	hit, hitLen := -1, 0
	for _, t := range terms {
		tr := []rune(t)
		if i := indexRunes(lower, tr); i >= 0 && (hit < 0 || i < hit) {
			hit, hitLen = i, len(tr)
		}
	}

	start := 0
	if hit >= 0 {
		start = max(hit-(SnippetRunes-hitLen)/2, 0)
	}
	end := min(start+SnippetRunes, len(runes))
	start = max(end-SnippetRunes, 0)
	return strings.TrimSpace(string(runes[start:end]))
}

func indexRunes(s, sub []rune) int {
	if len(sub) == 0 {
		return -1
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if slices.Equal(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

// terms lowercases and splits the query and keywords into words.
func terms(query string, keywords []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range append([]string{query}, keywords...) {
		for _, w := range strings.FieldsFunc(strings.ToLower(part), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}

// Citation identifies a record as <layer>/<id>, followed by its source
// metadata in parentheses when present.
func Citation(rec *store.Record) string {
	c := string(rec.Layer) + "/" + rec.ID
	if src := rec.Metadata["source"]; src != "" {
		c += " (" + src + ")"
	}
	return c
}
