package retention_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/beehoard/beehoard/pkg/backup"
	"github.com/beehoard/beehoard/pkg/catalog"
	"github.com/beehoard/beehoard/pkg/retention"
	"github.com/beehoard/beehoard/pkg/store"
)

func openAll(t *testing.T) (*backup.Engine, *retention.Engine, *catalog.Catalog, *store.Store) {
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

	return backup.New(s, c), retention.New(s, c), c, s
}

func backupOnce(t *testing.T, bk *backup.Engine, root string) string {
	t.Helper()
	res, err := bk.Backup(context.Background(), root, backup.Options{})
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	return res.SnapshotID
}

func TestKeepLastPrunesOlderSnapshots(t *testing.T) {
	bk, rt, c, s := openAll(t)
	src := t.TempDir()
	writeFileHelper(t, filepath.Join(src, "a.txt"), "v1")
	s1 := backupOnce(t, bk, src)
	writeFileHelper(t, filepath.Join(src, "a.txt"), "v2")
	s2 := backupOnce(t, bk, src)
	writeFileHelper(t, filepath.Join(src, "a.txt"), "v3")
	s3 := backupOnce(t, bk, src)
	writeFileHelper(t, filepath.Join(src, "a.txt"), "v4")
	s4 := backupOnce(t, bk, src)

	res, err := rt.Prune(context.Background(), []retention.Policy{retention.KeepLast(2)}, false, true)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}

	remaining, err := c.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	remainingIDs := map[string]bool{}
	for _, snap := range remaining {
		remainingIDs[snap.ID] = true
	}
	if !remainingIDs[s3] || !remainingIDs[s4] {
		t.Errorf("expected S3 and S4 to remain, got %v", remaining)
	}
	if remainingIDs[s1] || remainingIDs[s2] {
		t.Errorf("expected S1 and S2 deleted, got %v", remaining)
	}
	if len(res.DeletedSnapshots) != 2 {
		t.Errorf("expected 2 deletions reported, got %v", res.DeletedSnapshots)
	}

	if res.ChunksSwept != 2 {
		t.Errorf("expected 2 orphaned chunks swept, got %d", res.ChunksSwept)
	}
	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalChunks != 2 {
		t.Errorf("expected only S3 and S4's chunks to remain, got %d chunks", stats.TotalChunks)
	}
}

func TestPruneDryRunMakesNoChanges(t *testing.T) {
	bk, rt, c, _ := openAll(t)
	src := t.TempDir()
	writeFileHelper(t, filepath.Join(src, "a.txt"), "v1")
	backupOnce(t, bk, src)
	writeFileHelper(t, filepath.Join(src, "a.txt"), "v2")
	backupOnce(t, bk, src)

	res, err := rt.Prune(context.Background(), []retention.Policy{retention.KeepLast(1)}, true, false)
	if err != nil {
		t.Fatalf("Prune dry-run: %v", err)
	}
	if len(res.DeletedSnapshots) != 1 {
		t.Errorf("expected 1 planned deletion, got %v", res.DeletedSnapshots)
	}

	remaining, err := c.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("expected no snapshots actually removed in dry-run, got %d", len(remaining))
	}
}

func TestOlderThanKeepsRecentSnapshots(t *testing.T) {
	bk, rt, c, _ := openAll(t)
	src := t.TempDir()
	writeFileHelper(t, filepath.Join(src, "a.txt"), "v1")
	s1 := backupOnce(t, bk, src)

	res, err := rt.Prune(context.Background(), []retention.Policy{retention.OlderThan(24 * time.Hour)}, false, true)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(res.DeletedSnapshots) != 0 {
		t.Errorf("expected recent snapshot kept, deleted %v", res.DeletedSnapshots)
	}
	if _, err := c.GetSnapshot(s1); err != nil {
		t.Errorf("expected snapshot to still exist: %v", err)
	}
}

func writeFileHelper(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
