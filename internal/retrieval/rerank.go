// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package retrieval

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// Reranker scores query/document pairs, typically with a cross-encoder.
// It returns one score per document, higher is better, in [0, 1].
type Reranker interface {
	Rerank(ctx context.Context, query, modality string, docs []*store.Record) ([]float64, error)
}

// RerankFunc adapts a function to Reranker.
type RerankFunc func(ctx context.Context, query, modality string, docs []*store.Record) ([]float64, error)

func (f RerankFunc) Rerank(ctx context.Context, query, modality string, docs []*store.Record) ([]float64, error) {
	return f(ctx, query, modality, docs)
}

// rerank scores the top fused candidates in batches and moves the scored
// ones ahead of the rest. It stops early once K candidates are confident.
// The second result reports that ctx ended before every batch ran.
func (s *Searcher) rerank(ctx context.Context, req Request, query string, ranked []*candidate) ([]*candidate, bool) {
	top := min(s.cfg.RerankTop, len(ranked))

	scored, confident, stopped := 0, 0, false
	for scored < top && confident < req.K {
		if ctx.Err() != nil {
			stopped = true
			break
		}
		end := min(scored+s.cfg.RerankBatch, top)
		batch := ranked[scored:end]

		docs := make([]*store.Record, len(batch))
		for i, c := range batch {
			docs[i] = c.rec
		}
		scores, err := s.reranker.Rerank(ctx, query, req.Modality, docs)
		if err == nil && len(scores) != len(batch) {
			err = mferr.Errorf(mferr.CodeRetrievalRerankFailure, "reranker returned %d scores for %d documents", len(scores), len(batch))
		}
		if err != nil {
			if ctx.Err() != nil {
				stopped = true
			} else {
				slog.Warn("rerank failed, keeping fused order", "error", err)
			}
			break
		}

		for i, c := range batch {
			v := scores[i]
			c.rerank = &v
			if v >= s.cfg.RerankConfidence {
				confident++
			}
		}
		scored = end
	}

	if scored == 0 {
		return ranked, stopped
	}
	head := slices.Clone(ranked[:scored])
	slices.SortStableFunc(head, func(a, b *candidate) int {
		if c := cmp.Compare(*b.rerank, *a.rerank); c != 0 {
			return c
		}
		return byScore(a, b)
	})
	return append(head, ranked[scored:]...), stopped
}
