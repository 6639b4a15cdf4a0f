package sidecar

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManifestLoadMissing(t *testing.T) {
	m, err := LoadManifest(t.TempDir())
	if err != nil {
		t.Fatalf("LoadManifest on empty dir failed: %v", err)
	}
	if len(m.Entries) != 0 {
		t.Errorf("Entries = %d, want 0", len(m.Entries))
	}
}

func TestManifestAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}

	rotatedAt := time.Date(2026, 8, 30, 14, 22, 33, 0, time.UTC)
	entries := []ManifestEntry{
		{File: "2026-08-30_142233.log.gz", Bytes: 4096, Lines: 120, RotatedAt: rotatedAt},
		{File: "2026-08-30_180000.log.gz", Bytes: 8192, Lines: 300, RotatedAt: rotatedAt.Add(4 * time.Hour)},
	}
	for _, e := range entries {
		if err := m.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	reloaded, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("reloading manifest failed: %v", err)
	}
	if len(reloaded.Entries) != len(entries) {
		t.Fatalf("Entries = %d, want %d", len(reloaded.Entries), len(entries))
	}
	for i, want := range entries {
		got := reloaded.Entries[i]
		if got.File != want.File || got.Bytes != want.Bytes || got.Lines != want.Lines {
			t.Errorf("entry %d = %+v, want %+v", i, got, want)
		}
		if !got.RotatedAt.Equal(want.RotatedAt) {
			t.Errorf("entry %d RotatedAt = %v, want %v", i, got.RotatedAt, want.RotatedAt)
		}
	}
}

func TestManifestCorruptIsError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte("not msgpack"), 0o644); err != nil {
		t.Fatalf("seeding corrupt manifest: %v", err)
	}

	if _, err := LoadManifest(dir); err == nil {
		t.Fatal("LoadManifest accepted a corrupt manifest")
	}
}

func TestManifestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if err := m.Append(ManifestEntry{File: "a.log", RotatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// No temp file left behind.
	if _, err := os.Stat(filepath.Join(dir, ManifestName+".tmp")); !os.IsNotExist(err) {
		t.Error("temp manifest left behind after save")
	}
}
