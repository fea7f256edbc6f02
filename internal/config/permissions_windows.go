// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build windows

package config

import (
	"io/fs"
	"log/slog"
)

// PermissionFinding describes a file or directory readable beyond its owner.
type PermissionFinding struct {
	Path        string
	Mode        fs.FileMode
	Recommended fs.FileMode
}

// InsecurePermissions always reports nothing on Windows, which uses ACLs
// rather than mode bits.
func InsecurePermissions(paths ...string) []PermissionFinding {
	return nil
}

// WarnInsecurePermissions is a no-op on Windows.
func WarnInsecurePermissions(paths ...string) {
	for _, path := range paths {
		if path != "" {
			slog.Debug("permission check not implemented on Windows", "path", path)
		}
	}
}
