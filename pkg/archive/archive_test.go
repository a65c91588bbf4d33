// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package archive

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// writeCheckpointFixture fills the three checkpoint files with
// incompressible pseudo-random bytes, so the gzipped archive's size stays
// proportional to padBytes (repeated filler would compress to almost
// nothing and trip Unpack's size floor).
func writeCheckpointFixture(t *testing.T, dir string, padBytes int) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	for _, name := range expectedEntries {
		pad := make([]byte, padBytes)
		rng.Read(pad)
		if err := os.WriteFile(filepath.Join(dir, name), pad, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPackVerifiesAllThreeEntries(t *testing.T) {
	checkpointDir := t.TempDir()
	writeCheckpointFixture(t, checkpointDir, 16)

	dest := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := Pack(checkpointDir, dest); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if info, err := os.Stat(dest); err != nil || info.Size() == 0 {
		t.Fatalf("expected non-empty archive, stat err=%v", err)
	}
}

func TestPackRejectsMissingEntry(t *testing.T) {
	checkpointDir := t.TempDir()
	// Only write two of the three expected files.
	if err := os.WriteFile(filepath.Join(checkpointDir, "graph_topology"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(checkpointDir, "metadata_cache.db"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := Pack(checkpointDir, dest); err == nil {
		t.Fatal("expected Pack to fail when checkpoint_metadata.json is missing")
	}
}

func TestUnpackRejectsUndersizedArchive(t *testing.T) {
	tiny := filepath.Join(t.TempDir(), "tiny.tar.gz")
	if err := os.WriteFile(tiny, []byte("not a real archive"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Unpack(tiny, filepath.Join(t.TempDir(), "restored")); err == nil {
		t.Fatal("expected Unpack to reject an archive below the 100KB minimum")
	}
}

func TestPackThenUnpackRoundTrip(t *testing.T) {
	checkpointDir := t.TempDir()
	// Pad well past 100KB so the produced archive clears Unpack's size floor.
	writeCheckpointFixture(t, checkpointDir, 150*1024)

	archivePath := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := Pack(checkpointDir, archivePath); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	restoreDir := filepath.Join(t.TempDir(), "restored")
	if err := Unpack(archivePath, restoreDir); err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	for _, name := range expectedEntries {
		if _, err := os.Stat(filepath.Join(restoreDir, name)); err != nil {
			t.Errorf("expected restored entry %s, got error %v", name, err)
		}
	}
}
