// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// PermissionFinding describes a file or directory readable beyond its owner.
type PermissionFinding struct {
	Path        string
	Mode        fs.FileMode
	Recommended fs.FileMode
}

// InsecurePermissions returns a finding for every path that group or other
// users can read. Empty and missing paths are skipped.
func InsecurePermissions(paths ...string) []PermissionFinding {
	const groupOrOtherRead fs.FileMode = 0o044

	var findings []PermissionFinding
	for _, path := range paths {
		if path == "" {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			slog.Debug("could not stat path for permission check", "path", path, "error", err)
			continue
		}

		if info.Mode().Perm()&groupOrOtherRead == 0 {
			continue
		}

		recommended := fs.FileMode(0o600)
		if info.IsDir() {
			recommended = 0o700
		}
		findings = append(findings, PermissionFinding{
			Path:        path,
			Mode:        info.Mode(),
			Recommended: recommended,
		})
	}
	return findings
}

// WarnInsecurePermissions logs a warning for each path with overly
// permissive mode bits. Memory contents and redis credentials live in
// these paths; startup is never blocked by this check.
func WarnInsecurePermissions(paths ...string) {
	for _, f := range InsecurePermissions(paths...) {
		slog.Warn(
			"insecure permissions on memfabric data",
			"path", f.Path,
			"mode", f.Mode,
			"recommended", f.Recommended,
		)
	}
}
