// Package paths resolves the kiln's on-disk layout: the user-visible root of
// Markdown files and the private state directory holding the index database,
// block store, sync state, and session snapshots. No sync metadata ever lands
// in a user file; the private directory can be regenerated by a full reindex.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

// PrivateDirName is the per-kiln private state directory.
const PrivateDirName = ".crucible"

// Layout names every location the engine persists to.
type Layout struct {
	KilnRoot   string // Directory of .md files and assets
	PrivateDir string // Private state, safe to delete and rebuild
	DBPath     string // Graph/vector/block SQLite database
	SessionDir string // CRDT session snapshots
}

// Resolve computes the layout for a kiln root, creating the private
// directories with user-only permissions.
func Resolve(kilnRoot string) (*Layout, error) {
	if kilnRoot == "" {
		return nil, fmt.Errorf("kiln root cannot be empty")
	}

	absRoot, err := filepath.Abs(kilnRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve kiln root: %w", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to access kiln root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("kiln root %q is not a directory", absRoot)
	}

	private := filepath.Join(absRoot, PrivateDirName)
	layout := &Layout{
		KilnRoot:   absRoot,
		PrivateDir: private,
		DBPath:     filepath.Join(private, "index.db"),
		SessionDir: filepath.Join(private, "sessions"),
	}

	for _, dir := range []string{layout.PrivateDir, layout.SessionDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create private directory: %w", err)
		}
	}

	return layout, nil
}

// UserConfigDir returns the platform-appropriate configuration directory for
// the application, created with user-only permissions.
func UserConfigDir(appName string) (string, error) {
	if appName == "" {
		return "", fmt.Errorf("appName cannot be empty")
	}

	configDir := filepath.Join(xdg.ConfigHome, appName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create user config directory: %w", err)
	}
	return configDir, nil
}

// IsPrivate reports whether a kiln-relative path sits inside the private
// state directory; the watcher and indexer skip those.
func IsPrivate(relPath string) bool {
	rel := filepath.ToSlash(relPath)
	return rel == PrivateDirName || strings.HasPrefix(rel, PrivateDirName+"/")
}
