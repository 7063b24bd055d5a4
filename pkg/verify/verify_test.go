package verify_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/beehoard/beehoard/pkg/backup"
	"github.com/beehoard/beehoard/pkg/catalog"
	"github.com/beehoard/beehoard/pkg/store"
	"github.com/beehoard/beehoard/pkg/verify"
)

func openAll(t *testing.T) (*backup.Engine, *verify.Engine, *catalog.Catalog, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "repo.db")+"?_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatalf("open shared db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := store.Open(dir, store.WithSharedDB(db))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	c, err := catalog.Open(dir, catalog.WithSharedDB(db))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}

	return backup.New(s, c), verify.New(s, c), c, s, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyCleanSnapshotPasses(t *testing.T) {
	bk, vf, _, _, _ := openAll(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello")
	res, err := bk.Backup(context.Background(), src, backup.Options{})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	report, err := vf.Verify(context.Background(), res.SnapshotID, verify.Chain)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK {
		t.Errorf("expected clean snapshot to verify OK, got %+v", report)
	}
}

func TestVerifyDetectsTamperedChunk(t *testing.T) {
	bk, vf, c, _, dir := openAll(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello world")
	res, err := bk.Backup(context.Background(), src, backup.Options{})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	files, err := c.FilesOf(res.SnapshotID)
	if err != nil {
		t.Fatalf("FilesOf: %v", err)
	}
	if len(files) == 0 || len(files[0].Chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	tampered := files[0].Chunks[0]

	// Corrupt the blob payload directly on disk, simulating external
	// tampering via the store's fan-out blob layout.
	hex := tampered.String()
	blobPath := filepath.Join(dir, "blobs", hex[0:2], hex[2:4], hex)
	if err := os.WriteFile(blobPath, []byte("corrupted payload"), 0o644); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}

	report, err := vf.Verify(context.Background(), res.SnapshotID, verify.ChunksOnly)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.OK {
		t.Error("expected tampered chunk to fail verification")
	}
	if len(report.ChunkErrors) != 1 || report.ChunkErrors[0].Digest != tampered {
		t.Errorf("expected single chunk error for %s, got %v", tampered, report.ChunkErrors)
	}
}
