package catalog

import (
	"testing"

	"github.com/beehoard/beehoard/pkg/digest"
	"github.com/beehoard/beehoard/pkg/errs"
	"github.com/beehoard/beehoard/pkg/merkle"
)

func open(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleFile(id, snapshotID, path string, content string) FileEntry {
	chunkDigest := digest.Sum([]byte(content))
	return FileEntry{
		FileID:       id,
		SnapshotID:   snapshotID,
		Path:         path,
		Size:         int64(len(content)),
		ModifiedTime: 1000,
		FileDigest:   merkle.FileDigest([]digest.Digest{chunkDigest}),
		Chunks:       []digest.Digest{chunkDigest},
	}
}

func TestCreateSnapshotAndGetRoundTrip(t *testing.T) {
	c := open(t)
	s := Snapshot{
		ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", Name: "nightly", Description: "",
		CreatedAt: 1700000000, SourceRoot: "/data", TotalFiles: 0, TotalSize: 0,
		SnapshotRoot: digest.Sum(nil),
	}
	if err := c.CreateSnapshot(nil, s); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	got, err := c.GetSnapshot(s.ID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.Name != s.Name || got.SourceRoot != s.SourceRoot || got.SnapshotRoot != s.SnapshotRoot {
		t.Errorf("GetSnapshot = %+v, want %+v", got, s)
	}
	if got.ParentID != "" {
		t.Errorf("expected empty ParentID for root snapshot, got %q", got.ParentID)
	}
}

func TestGetSnapshotMissingReturnsNotFound(t *testing.T) {
	c := open(t)
	_, err := c.GetSnapshot("does-not-exist")
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestRecordFileAndFilesOf(t *testing.T) {
	c := open(t)
	snap := Snapshot{ID: "snap-1", Name: "s1", CreatedAt: 1, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil)}
	if err := c.CreateSnapshot(nil, snap); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	f1 := sampleFile("f1", "snap-1", "b.txt", "bbb")
	f2 := sampleFile("f2", "snap-1", "a.txt", "aaa")
	if err := c.RecordFile(nil, f1); err != nil {
		t.Fatalf("RecordFile f1: %v", err)
	}
	if err := c.RecordFile(nil, f2); err != nil {
		t.Fatalf("RecordFile f2: %v", err)
	}

	files, err := c.FilesOf("snap-1")
	if err != nil {
		t.Fatalf("FilesOf: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Path != "a.txt" || files[1].Path != "b.txt" {
		t.Errorf("expected files ordered by path, got %q, %q", files[0].Path, files[1].Path)
	}
	if len(files[0].Chunks) != 1 {
		t.Errorf("expected 1 chunk for a.txt, got %d", len(files[0].Chunks))
	}
}

func TestListSnapshotsOrderedMostRecentFirst(t *testing.T) {
	c := open(t)
	older := Snapshot{ID: "s-old", Name: "old", CreatedAt: 100, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil)}
	newer := Snapshot{ID: "s-new", Name: "new", CreatedAt: 200, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil)}
	if err := c.CreateSnapshot(nil, older); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateSnapshot(nil, newer); err != nil {
		t.Fatal(err)
	}

	list, err := c.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s-new" || list[1].ID != "s-old" {
		t.Errorf("expected [s-new, s-old], got %v", list)
	}
}

func TestSearchFilesMultiTermAND(t *testing.T) {
	c := open(t)
	snap := Snapshot{ID: "snap-1", Name: "s1", CreatedAt: 1, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil)}
	if err := c.CreateSnapshot(nil, snap); err != nil {
		t.Fatal(err)
	}
	files := []FileEntry{
		sampleFile("f1", "snap-1", "project/report_final.txt", "a"),
		sampleFile("f2", "snap-1", "project/draft.txt", "b"),
		sampleFile("f3", "snap-1", "photos/report.png", "c"),
	}
	for _, f := range files {
		if err := c.RecordFile(nil, f); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.SearchFiles("project report")
	if err != nil {
		t.Fatalf("SearchFiles: %v", err)
	}
	if len(got) != 1 || got[0].Path != "project/report_final.txt" {
		t.Errorf("expected only project/report_final.txt, got %v", got)
	}
}

func TestCompareDelegatesToMerkleDiff(t *testing.T) {
	c := open(t)
	for _, id := range []string{"s1", "s2"} {
		if err := c.CreateSnapshot(nil, Snapshot{ID: id, Name: id, CreatedAt: 1, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.RecordFile(nil, sampleFile("f1", "s1", "a.txt", "one")); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordFile(nil, sampleFile("f2", "s2", "a.txt", "two")); err != nil {
		t.Fatal(err)
	}

	diff, err := c.Compare("s1", "s2")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(diff) != 1 || diff[0].Kind != merkle.Modified {
		t.Errorf("expected single Modified entry, got %v", diff)
	}
}

func TestValidateChainDetectsCycle(t *testing.T) {
	c := open(t)
	a := Snapshot{ID: "a", Name: "a", CreatedAt: 1, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil), ParentID: "b"}
	b := Snapshot{ID: "b", Name: "b", CreatedAt: 2, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil), ParentID: "a"}
	if err := c.CreateSnapshot(nil, a); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateSnapshot(nil, b); err != nil {
		t.Fatal(err)
	}

	if err := c.ValidateChain("a"); !errs.Is(err, errs.InvariantError) {
		t.Errorf("expected InvariantError for cyclic chain, got %v", err)
	}
}

func TestValidateChainAcceptsLinearChain(t *testing.T) {
	c := open(t)
	root := Snapshot{ID: "root", Name: "root", CreatedAt: 1, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil)}
	child := Snapshot{ID: "child", Name: "child", CreatedAt: 2, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil), ParentID: "root"}
	if err := c.CreateSnapshot(nil, root); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateSnapshot(nil, child); err != nil {
		t.Fatal(err)
	}
	if err := c.ValidateChain("child"); err != nil {
		t.Errorf("expected linear chain to validate, got %v", err)
	}
}

func TestDeleteSnapshotRefusesWhenChildExists(t *testing.T) {
	c := open(t)
	root := Snapshot{ID: "root", Name: "root", CreatedAt: 1, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil)}
	child := Snapshot{ID: "child", Name: "child", CreatedAt: 2, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil), ParentID: "root"}
	if err := c.CreateSnapshot(nil, root); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateSnapshot(nil, child); err != nil {
		t.Fatal(err)
	}

	_, err := c.DeleteSnapshot(nil, "root", false)
	if !errs.Is(err, errs.Conflict) {
		t.Errorf("expected Conflict deleting snapshot with a child, got %v", err)
	}
}

func TestDeleteSnapshotCascadeRemovesChildrenToo(t *testing.T) {
	c := open(t)
	root := Snapshot{ID: "root", Name: "root", CreatedAt: 1, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil)}
	child := Snapshot{ID: "child", Name: "child", CreatedAt: 2, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil), ParentID: "root"}
	if err := c.CreateSnapshot(nil, root); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateSnapshot(nil, child); err != nil {
		t.Fatal(err)
	}

	if _, err := c.DeleteSnapshot(nil, "root", true); err != nil {
		t.Fatalf("DeleteSnapshot cascade: %v", err)
	}
	if _, err := c.GetSnapshot("root"); !errs.Is(err, errs.NotFound) {
		t.Errorf("expected root removed, got %v", err)
	}
	if _, err := c.GetSnapshot("child"); !errs.Is(err, errs.NotFound) {
		t.Errorf("expected child removed by cascade, got %v", err)
	}
}

func TestDeleteSnapshotReturnsReferencedChunks(t *testing.T) {
	c := open(t)
	snap := Snapshot{ID: "s1", Name: "s1", CreatedAt: 1, SourceRoot: "/x", SnapshotRoot: digest.Sum(nil)}
	if err := c.CreateSnapshot(nil, snap); err != nil {
		t.Fatal(err)
	}
	f := sampleFile("f1", "s1", "a.txt", "content")
	if err := c.RecordFile(nil, f); err != nil {
		t.Fatal(err)
	}

	chunks, err := c.DeleteSnapshot(nil, "s1", false)
	if err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != f.Chunks[0] {
		t.Errorf("expected returned chunks %v, got %v", f.Chunks, chunks)
	}

	if _, err := c.GetSnapshot("s1"); !errs.Is(err, errs.NotFound) {
		t.Errorf("expected snapshot removed, got %v", err)
	}
	files, err := c.FilesOf("s1")
	if err != nil {
		t.Fatalf("FilesOf after delete: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected no files after delete, got %v", files)
	}
}
