// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/sigil-dev/memfabric/internal/store"
	"github.com/sigil-dev/memfabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_CloneIsDeep(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	r := &store.Record{
		ID:        "a",
		Embedding: []float32{1, 2},
		Metadata:  map[string]string{"k": "v"},
		ExpiresAt: &exp,
	}

	c := r.Clone()
	c.Embedding[0] = 9
	c.Metadata["k"] = "changed"
	*c.ExpiresAt = exp.Add(time.Hour)

	assert.Equal(t, float32(1), r.Embedding[0])
	assert.Equal(t, "v", r.Metadata["k"])
	assert.Equal(t, exp, *r.ExpiresAt)
}

func TestRecord_TTLNeverNegative(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := now.Add(-time.Minute)
	r := &store.Record{ExpiresAt: &exp, PlacedAt: now.Add(time.Minute)}

	remaining, ok := r.TTLRemaining(now)
	assert.True(t, ok)
	assert.Zero(t, remaining)
	assert.True(t, r.Expired(now))
	assert.Zero(t, r.Age(now), "placement in the future clamps age to zero")

	permanent := &store.Record{}
	_, ok = permanent.TTLRemaining(now)
	assert.False(t, ok)
	assert.False(t, permanent.Expired(now))
}

func TestRecord_ExpiredAtBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := &store.Record{ExpiresAt: &now}
	assert.True(t, r.Expired(now))
	assert.False(t, r.Expired(now.Add(-time.Nanosecond)))
}

func TestDueKey_OrdersByTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	early := store.DueKey(types.LayerInteract, base, "zzz")
	late := store.DueKey(types.LayerInteract, base.Add(time.Nanosecond), "aaa")

	assert.Negative(t, bytes.Compare(early, late))
	assert.True(t, bytes.HasPrefix(early, store.DuePrefix(types.LayerInteract)))

	layer, at, id, ok := store.ParseDueKey(late)
	require.True(t, ok)
	assert.Equal(t, types.LayerInteract, layer)
	assert.True(t, at.Equal(base.Add(time.Nanosecond)))
	assert.Equal(t, "aaa", id)
}

func TestParseDueKey_Rejects(t *testing.T) {
	for _, key := range []string{"rec/interact/x", "due/interact", "due/interact/notanumber/x", "due/interact/00000000000000000001/"} {
		_, _, _, ok := store.ParseDueKey([]byte(key))
		assert.False(t, ok, key)
	}
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("rec0"), store.PrefixEnd([]byte("rec/")))
	assert.Equal(t, []byte{0x01}, store.PrefixEnd([]byte{0x00, 0xff}))
	assert.Nil(t, store.PrefixEnd([]byte{0xff, 0xff}))
}

func TestBatch(t *testing.T) {
	var b store.Batch
	b.Put([]byte("a"), []byte("1")).Delete([]byte("b"))

	require.Equal(t, 2, b.Len())
	assert.Equal(t, store.OpPut, b.Ops()[0].Kind)
	assert.Equal(t, store.OpDelete, b.Ops()[1].Kind)
	assert.Equal(t, []byte("b"), b.Ops()[1].Key)
}
