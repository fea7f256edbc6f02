// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand/v2"
)

// Compile-time interface check.
var _ Backend = (*HashBackend)(nil)

// HashBackend derives a deterministic unit vector from the sha256 of the
// text. It carries no semantics and only serves tests and the explicit
// "hash" fallback mode.
type HashBackend struct {
	dims int
}

// NewHashBackend returns a HashBackend producing vectors of dims dimensions.
func NewHashBackend(dims int) *HashBackend {
	return &HashBackend{dims: dims}
}

func (h *HashBackend) Name() string      { return "hash" }
func (h *HashBackend) Kind() BackendKind { return KindCPU }

func (h *HashBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = HashVector(t, h.dims)
	}
	return out, nil
}

// HashVector returns the deterministic unit vector for text.
func HashVector(text string, dims int) []float32 {
	sum := sha256.Sum256([]byte(text))
	rng := rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(sum[0:8]),
		binary.LittleEndian.Uint64(sum[8:16]),
	))

	v := make([]float32, dims)
	var norm float64
	for i := range v {
		x := rng.NormFloat64()
		v[i] = float32(x)
		norm += x * x
	}
	if norm > 0 {
		inv := 1 / math.Sqrt(norm)
		for i := range v {
			v[i] = float32(float64(v[i]) * inv)
		}
	}
	return v
}
