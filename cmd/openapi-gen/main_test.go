// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSpec(t *testing.T) {
	spec, err := generateSpec()
	require.NoError(t, err)

	var doc struct {
		OpenAPI string         `json:"openapi"`
		Paths   map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(spec, &doc))
	assert.Contains(t, doc.OpenAPI, "3.1")

	for _, path := range []string{
		"/health",
		"/api/v1/memories",
		"/api/v1/memories/{id}",
		"/api/v1/recall",
		"/api/v1/stats",
		"/api/v1/promotion/run",
	} {
		assert.Contains(t, doc.Paths, path)
	}
}

func TestRun_WritesFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "memfabric.json")
	require.NoError(t, run(out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
