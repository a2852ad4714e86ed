package vfsrecovery

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func TestAtomicSwapRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/vfs/cache"
	newDir := "/vfs/vfsrecovery-abc123"

	if err := afero.WriteFile(fs, filepath.Join(root, "names"), []byte("old"), 0644); err != nil {
		t.Fatalf("seed old root: %v", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(newDir, "names"), []byte("new"), 0644); err != nil {
		t.Fatalf("seed new dir: %v", err)
	}

	if err := WriteSwapMarker(fs, root, newDir); err != nil {
		t.Fatalf("WriteSwapMarker: %v", err)
	}

	swapped, err := PerformAtomicSwap(fs, root)
	if err != nil {
		t.Fatalf("PerformAtomicSwap: %v", err)
	}
	if !swapped {
		t.Fatal("expected PerformAtomicSwap to report a swap")
	}

	data, err := afero.ReadFile(fs, filepath.Join(root, "names"))
	if err != nil {
		t.Fatalf("read swapped root: %v", err)
	}
	if string(data) != "new" {
		t.Fatalf("expected root to now hold the new contents, got %q", data)
	}

	backupData, err := afero.ReadFile(fs, filepath.Join(filepath.Dir(root), BackupCacheDirName, "names"))
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(backupData) != "old" {
		t.Fatalf("expected backup to hold the old contents, got %q", backupData)
	}
}

func TestPerformAtomicSwapNoMarkerIsNoOp(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/vfs/cache"
	if err := afero.WriteFile(fs, filepath.Join(root, "names"), []byte("old"), 0644); err != nil {
		t.Fatalf("seed root: %v", err)
	}

	swapped, err := PerformAtomicSwap(fs, root)
	if err != nil {
		t.Fatalf("PerformAtomicSwap: %v", err)
	}
	if swapped {
		t.Fatal("expected no swap when no marker is present")
	}
}

func TestPerformAtomicSwapRejectsEscapingTarget(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := "/vfs/cache"
	outside := "/etc/passwd-dir"

	if err := afero.WriteFile(fs, filepath.Join(root, "names"), []byte("old"), 0644); err != nil {
		t.Fatalf("seed root: %v", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(outside, "names"), []byte("evil"), 0644); err != nil {
		t.Fatalf("seed outside dir: %v", err)
	}
	// Write a marker pointing outside the cache parent directly, bypassing
	// WriteSwapMarker's own relative-path computation.
	if err := afero.WriteFile(fs, filepath.Join(root, SwapMarkerFileName), []byte("../../etc/passwd-dir\n"), 0644); err != nil {
		t.Fatalf("seed marker: %v", err)
	}

	if _, err := PerformAtomicSwap(fs, root); err == nil {
		t.Fatal("expected PerformAtomicSwap to reject a target escaping the cache parent")
	}
}
