// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sigil-dev/memfabric/internal/config"
	"github.com/sigil-dev/memfabric/internal/embedding"
	"github.com/sigil-dev/memfabric/internal/secrets"
	"github.com/sigil-dev/memfabric/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func (c *cli) newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check the configuration, data directory, storage backend, embedding backend, and free disk space.",
		RunE:  c.runDoctor,
	}
}

func (c *cli) runDoctor(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()

	cfg, cfgErr := c.config()
	dataDir := ""
	if cfgErr == nil {
		dataDir, _ = cfg.ResolveDataDir()
	}

	checks := []struct {
		name string
		fn   func() string
	}{
		{"Binary", checkBinary},
		{"Platform", checkPlatform},
		{"Config", func() string { return c.checkConfig(cfgErr) }},
		{"Data Dir", func() string { return checkDataDir(dataDir) }},
		{"Storage", func() string { return checkStorage(cfg, dataDir) }},
		{"Embedding", func() string { return checkEmbedding(cfg, secrets.Keyring{}) }},
		{"Disk Space", func() string { return checkDiskSpace(dataDir) }},
	}

	for _, chk := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", chk.name+":", chk.fn()); err != nil {
			return err
		}
	}

	return nil
}

func checkBinary() string {
	return fmt.Sprintf("memfabric %s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func checkPlatform() string {
	return fmt.Sprintf("%s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func (c *cli) checkConfig(err error) string {
	if err != nil {
		return fmt.Sprintf("invalid: %s", err)
	}
	cfgFile := c.v.ConfigFileUsed()
	if cfgFile == "" {
		return "using defaults (no config file found)"
	}
	if findings := config.InsecurePermissions(cfgFile); len(findings) > 0 {
		return fmt.Sprintf("loaded from %s (mode %04o, recommend %04o)",
			cfgFile, findings[0].Mode.Perm(), findings[0].Recommended)
	}
	return fmt.Sprintf("loaded from %s", cfgFile)
}

func checkDataDir(dataDir string) string {
	if dataDir == "" {
		return "unknown (config invalid)"
	}
	info, err := os.Stat(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Sprintf("%s does not exist yet (created on first start)", dataDir)
	}
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	if !info.IsDir() {
		return fmt.Sprintf("%s is not a directory", dataDir)
	}
	if err := unix.Access(dataDir, unix.W_OK); err != nil {
		return fmt.Sprintf("%s is not writable", dataDir)
	}

	db := filepath.Join(dataDir, config.DatabaseFile)
	if findings := config.InsecurePermissions(dataDir, db); len(findings) > 0 {
		return fmt.Sprintf("%s (%d path(s) readable by other users)", dataDir, len(findings))
	}
	return dataDir
}

// checkStorage opens the configured backend when the data directory
// exists, which also pings redis.
func checkStorage(cfg *config.Config, dataDir string) string {
	if cfg == nil || dataDir == "" {
		return "skipped"
	}
	if _, err := os.Stat(dataDir); err != nil {
		return "skipped (no data directory)"
	}

	b, err := store.Open(&store.Config{
		Backend:     cfg.Storage.Backend,
		DataDir:     dataDir,
		Dimensions:  cfg.Dimensions,
		RedisURL:    cfg.Storage.Redis.URL,
		RedisPrefix: cfg.Storage.Redis.Prefix,
	})
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	defer func() { _ = b.Close() }()
	return fmt.Sprintf("%s ok", cfg.Storage.Backend)
}

// checkEmbedding reports the configured backends without calling them.
func checkEmbedding(cfg *config.Config, store secrets.Store) string {
	if cfg == nil {
		return "unknown (config invalid)"
	}
	rc := cfg.Embedding.Remote
	if rc.Provider == "" {
		if cfg.Embedding.Fallback == embedding.FallbackHash {
			return "hash fallback only (testing)"
		}
		return "no hosted backend configured"
	}
	desc := fmt.Sprintf("%s on %s lane", rc.Provider, rc.Lane)
	if !secrets.IsRef(rc.APIKey) {
		return desc
	}
	if _, err := secrets.Resolve(store, rc.APIKey); err != nil {
		return desc + ", api_key unresolved: " + err.Error()
	}
	return desc + ", api_key resolved from keyring"
}

func checkDiskSpace(dataDir string) string {
	path := dataDir
	if _, err := os.Stat(path); path == "" || err != nil {
		// Fall back to home directory if data dir doesn't exist yet.
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	return formatBytes(availBytes) + " available"
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	const (
		gb = 1024 * 1024 * 1024
		mb = 1024 * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
