package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/beehoard/beehoard/pkg/engine"
	"github.com/beehoard/beehoard/pkg/restore"
	"github.com/beehoard/beehoard/pkg/verify"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOpenSingleDBBackupRestoreVerify(t *testing.T) {
	repo := t.TempDir()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello world")

	eng, err := engine.Open(repo, engine.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	res, err := eng.Backup(context.Background(), src)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if res.FilesProcessed != 1 {
		t.Errorf("expected 1 file processed, got %d", res.FilesProcessed)
	}

	report, err := eng.Verify(context.Background(), res.SnapshotID, verify.Chain)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK {
		t.Errorf("expected verify OK, got %+v", report)
	}

	target := t.TempDir()
	restoreRes, err := eng.Restore(context.Background(), res.SnapshotID, target, restore.Options{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restoreRes.FilesRestored != 1 {
		t.Errorf("expected 1 file restored, got %d", restoreRes.FilesRestored)
	}
	got, err := os.ReadFile(filepath.Join(target, "a.txt"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("restored content mismatch: %q", got)
	}

	snaps, err := eng.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("expected 1 snapshot, got %d", len(snaps))
	}

	matches, err := eng.Search("a")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 {
		t.Errorf("expected 1 search match, got %d", len(matches))
	}
}

func TestOpenTwoFileLayout(t *testing.T) {
	repo := t.TempDir()
	cfg := engine.DefaultConfig()
	cfg.SingleDB = false

	eng, err := engine.Open(repo, cfg)
	if err != nil {
		t.Fatalf("Open (two-file layout): %v", err)
	}
	defer eng.Close()

	if _, err := os.Stat(filepath.Join(repo, "chunks.db")); err != nil {
		t.Errorf("expected chunks.db to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "catalog.db")); err != nil {
		t.Errorf("expected catalog.db to exist: %v", err)
	}
}

func TestPruneWithoutPolicyConfiguredIsInvalidArgument(t *testing.T) {
	repo := t.TempDir()
	eng, err := engine.Open(repo, engine.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	if _, err := eng.Prune(context.Background(), nil, true, false); err == nil {
		t.Error("expected error when no retention policy is configured")
	}
}

func TestLoadConfigRejectsBadChunkSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beehoard.toml")
	writeFile(t, path, "chunk_size = 10\n")

	if _, err := engine.LoadConfig(path); err == nil {
		t.Error("expected chunk_size below minimum to be rejected")
	}
}
