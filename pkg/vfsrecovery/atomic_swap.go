package vfsrecovery

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// WriteSwapMarker places the marker file that triggers a directory
// substitution on the host's next start (spec §4.5). newCacheDir must be a
// subdirectory of oldCacheRoot's parent; the marker stores its path
// relative to oldCacheRoot.
func WriteSwapMarker(fs afero.Fs, oldCacheRoot, newCacheDir string) error {
	rel, err := filepath.Rel(oldCacheRoot, newCacheDir)
	if err != nil {
		return fmt.Errorf("failed to compute swap marker relative path: %w", err)
	}
	markerPath := filepath.Join(oldCacheRoot, SwapMarkerFileName)
	return afero.WriteFile(fs, markerPath, []byte(rel+"\n"), 0644)
}

// PerformAtomicSwap implements the host's next-start protocol: if a marker
// is present, it validates and applies it, replacing oldCacheRoot's
// contents with the new cache directory it names. Returns false, nil when
// no marker was present (normal startup).
func PerformAtomicSwap(fs afero.Fs, oldCacheRoot string) (bool, error) {
	markerPath := filepath.Join(oldCacheRoot, SwapMarkerFileName)
	exists, err := afero.Exists(fs, markerPath)
	if err != nil {
		return false, fmt.Errorf("failed to stat swap marker: %w", err)
	}
	if !exists {
		return false, nil
	}

	data, err := afero.ReadFile(fs, markerPath)
	if err != nil {
		return false, fmt.Errorf("failed to read swap marker: %w", err)
	}
	if err := fs.Remove(markerPath); err != nil {
		return false, fmt.Errorf("failed to delete swap marker: %w", err)
	}

	rel := trimTrailingNewline(string(data))
	newCacheDir := filepath.Join(oldCacheRoot, rel)

	parent := filepath.Dir(oldCacheRoot)
	absNew, err := filepath.Abs(newCacheDir)
	if err != nil {
		return false, fmt.Errorf("failed to resolve swap target: %w", err)
	}
	absParent, err := filepath.Abs(parent)
	if err != nil {
		return false, fmt.Errorf("failed to resolve swap target parent: %w", err)
	}
	if rel := mustRel(absParent, absNew); rel == ".." || strings.HasPrefix(rel, "../") {
		return false, fmt.Errorf("swap target %s escapes cache parent %s", absNew, absParent)
	}

	info, err := fs.Stat(newCacheDir)
	if err != nil {
		return false, fmt.Errorf("swap target %s does not exist: %w", newCacheDir, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("swap target %s is not a directory", newCacheDir)
	}
	if nested, _ := afero.Exists(fs, filepath.Join(newCacheDir, SwapMarkerFileName)); nested {
		return false, fmt.Errorf("swap target %s itself contains a marker, refusing recursive swap", newCacheDir)
	}

	backupDir := filepath.Join(parent, BackupCacheDirName)
	if exists, _ := afero.Exists(fs, backupDir); exists {
		if err := fs.RemoveAll(backupDir); err != nil {
			return false, fmt.Errorf("failed to delete stale backup %s: %w", backupDir, err)
		}
	}

	if err := fs.Rename(oldCacheRoot, backupDir); err != nil {
		return false, fmt.Errorf("failed to move %s aside: %w", oldCacheRoot, err)
	}
	if err := fs.Rename(newCacheDir, oldCacheRoot); err != nil {
		// Best-effort rollback: put the old root back so the host isn't
		// left without any cache at all.
		_ = fs.Rename(backupDir, oldCacheRoot)
		return false, fmt.Errorf("failed to promote %s: %w", newCacheDir, err)
	}
	return true, nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func mustRel(base, target string) string {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return ".."
	}
	return rel
}
