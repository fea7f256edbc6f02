// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
)

// SweepExpired reviews every record in layer whose due time has passed,
// oldest first, and applies the decider's verdict. A cancelled context stops
// the sweep and marks the result incomplete.
func (s *Store) SweepExpired(ctx context.Context, layer types.Layer, d Decider) (SweepResult, error) {
	return s.sweep(ctx, layer, d, time.Time{})
}

// SweepCycle is SweepExpired for one layer of a multi-layer cycle that
// began at cycleStart. Records placed in layer at or after cycleStart
// entered it during this cycle and wait for the next one, so a cycle moves
// a record at most one layer.
func (s *Store) SweepCycle(ctx context.Context, layer types.Layer, d Decider, cycleStart time.Time) (SweepResult, error) {
	return s.sweep(ctx, layer, d, cycleStart)
}

// Now reports the store clock.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) sweep(ctx context.Context, layer types.Layer, d Decider, cycleStart time.Time) (SweepResult, error) {
	res := SweepResult{Layer: layer}
	if !layer.Valid() {
		return res, mferr.Errorf(mferr.CodeStoreInvalidInput, "invalid layer %q", layer)
	}

	now := s.now()
	for _, id := range s.dueIDs(layer, now, cycleStart) {
		if ctx.Err() != nil {
			res.Incomplete = true
			return res, nil
		}

		action, err := s.review(ctx, id, layer, d, now)
		if err != nil {
			if ctx.Err() != nil {
				res.Incomplete = true
				return res, nil
			}
			return res, err
		}
		switch action {
		case ActionPromote:
			res.Promoted++
		case ActionDelete:
			res.Deleted++
		case ActionKeep:
			res.Kept++
		}
	}

	if res.Promoted+res.Deleted > 0 {
		slog.Info("layer sweep completed", "layer", layer,
			"promoted", res.Promoted, "deleted", res.Deleted, "kept", res.Kept)
	}
	return res, nil
}

// dueIDs snapshots the ids due at or before now, capped at MaxPerSweep.
// A non-zero placedBefore skips records placed at or after it.
func (s *Store) dueIDs(layer types.Layer, now, placedBefore time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	s.due[layer].Ascend(func(it dueItem) bool {
		if it.at.After(now) || len(ids) >= s.opts.MaxPerSweep {
			return false
		}
		if rec, ok := s.records[layer][it.id]; ok && !placedBefore.IsZero() && !rec.PlacedAt.Before(placedBefore) {
			return true
		}
		ids = append(ids, it.id)
		return true
	})
	return ids
}

// skipped marks a due entry whose record left the layer before review.
const skipped Action = -1

// review decides outside the write lock and applies with the version it
// decided on. After MaxRetries conflicts the final attempt decides and
// applies under the write lock.
func (s *Store) review(ctx context.Context, id string, layer types.Layer, d Decider, now time.Time) (Action, error) {
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		cur, ok := s.current(id)
		if !ok || cur.Layer != layer {
			return skipped, nil
		}
		dec := d.Decide(cur.Clone(), now)

		action, err := s.apply(ctx, id, layer, cur.Version, dec, now)
		if mferr.IsConflict(err) {
			slog.Debug("sweep decision conflicted, retrying", "id", id, "attempt", attempt+1)
			continue
		}
		return action, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, ok := s.current(id)
	if !ok || cur.Layer != layer {
		return skipped, nil
	}
	return s.applyLocked(ctx, cur, d.Decide(cur.Clone(), now), now)
}

func (s *Store) apply(ctx context.Context, id string, layer types.Layer, expected uint64, dec Decision, now time.Time) (Action, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, ok := s.current(id)
	if !ok || cur.Layer != layer {
		return skipped, nil
	}
	if err := checkVersion(cur, expected); err != nil {
		return skipped, err
	}
	return s.applyLocked(ctx, cur, dec, now)
}

// applyLocked must be called with writeMu held. Deletes are only honored
// once the TTL has elapsed, and promotions out of the final layer degrade
// to keep.
func (s *Store) applyLocked(ctx context.Context, cur *store.Record, dec Decision, now time.Time) (Action, error) {
	switch dec.Action {
	case ActionPromote:
		if dest, ok := cur.Layer.Next(); ok {
			adjust := func(r *store.Record) { r.PromotionScore = dec.Score }
			if dec.Apply != nil {
				_, err := s.moveLocked(ctx, cur, dest, adjust, dec.Apply)
				return ActionPromote, err
			}
			_, err := s.moveLocked(ctx, cur, dest, adjust)
			return ActionPromote, err
		}
	case ActionDelete:
		if cur.Expired(now) {
			return ActionDelete, s.deleteLocked(ctx, cur, "expired")
		}
	}
	return ActionKeep, s.keepLocked(ctx, cur, dec.Score, now)
}

// keepLocked reschedules the record's review. It stores the score but does
// not count as a mutation, so the version is unchanged.
func (s *Store) keepLocked(ctx context.Context, cur *store.Record, score float64, now time.Time) error {
	next := cur.Clone()
	next.PromotionScore = score
	s.schedule(next, now)
	if next.DueAt != nil && !next.DueAt.After(now) {
		// Expired but not deleted: look again one dwell later.
		due := now.Add(max(s.policy(next.Layer).MinDwell, time.Second))
		next.DueAt = &due
	}
	return s.rewrite(ctx, cur, next)
}
