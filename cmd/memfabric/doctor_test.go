// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"os"
	"testing"

	"github.com/sigil-dev/memfabric/internal/config"
	"github.com/sigil-dev/memfabric/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestDoctor_RunsAllChecks(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, context.Background(), "doctor", "--config", cfgPath)
	require.NoError(t, err)

	for _, name := range []string{"Binary:", "Platform:", "Config:", "Data Dir:", "Storage:", "Embedding:", "Disk Space:"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "loaded from "+cfgPath)
	assert.Contains(t, out, "does not exist yet")
}

func TestDoctor_ExistingDataDir(t *testing.T) {
	cfgPath, dataDir := writeConfig(t)
	require.NoError(t, os.MkdirAll(dataDir, 0o700))

	out, err := execute(t, context.Background(), "doctor", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite ok")
	assert.Contains(t, out, "available")
}

func TestDoctor_InvalidConfig(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	require.NoError(t, os.WriteFile(cfgPath, []byte("dimensions: 0\n"), 0o600))

	out, err := execute(t, context.Background(), "doctor", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "invalid:")
	assert.Contains(t, out, "unknown (config invalid)")
}

func TestCheckEmbedding(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, secrets.Keyring{}.Set(secrets.DefaultService, "doctor-openai", "sk-1"))

	cfg := config.Default()
	assert.Equal(t, "no hosted backend configured", checkEmbedding(cfg, secrets.Keyring{}))

	cfg.Embedding.Fallback = "hash"
	assert.Contains(t, checkEmbedding(cfg, secrets.Keyring{}), "hash fallback")

	cfg.Embedding.Remote.Provider = "openai"
	cfg.Embedding.Remote.APIKey = "sk-literal"
	assert.Equal(t, "openai on gpu lane", checkEmbedding(cfg, secrets.Keyring{}))

	cfg.Embedding.Remote.APIKey = secrets.Ref(secrets.DefaultService, "doctor-openai")
	assert.Contains(t, checkEmbedding(cfg, secrets.Keyring{}), "resolved from keyring")

	cfg.Embedding.Remote.APIKey = secrets.Ref(secrets.DefaultService, "doctor-missing")
	assert.Contains(t, checkEmbedding(cfg, secrets.Keyring{}), "unresolved")

	assert.Equal(t, "unknown (config invalid)", checkEmbedding(nil, secrets.Keyring{}))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 bytes", formatBytes(512))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
	assert.Equal(t, "1.5 GB", formatBytes(3*1024*1024*1024/2))
}
