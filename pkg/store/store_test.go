package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/beehoard/beehoard/pkg/digest"
	"github.com/beehoard/beehoard/pkg/errs"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := open(t)
	data := []byte("hello, beehoard")

	d, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if d != digest.Sum(data) {
		t.Errorf("Put returned digest %x, want %x", d, digest.Sum(data))
	}

	got, err := s.Get(d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
}

func TestPutDuplicateCollapsesToSingleChunk(t *testing.T) {
	s := open(t)
	data := []byte("duplicate me")

	d1, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	d2, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expected same digest, got %x and %x", d1, d2)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalChunks != 1 {
		t.Errorf("expected 1 distinct chunk after duplicate Put, got %d", stats.TotalChunks)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := open(t)
	_, err := s.Get(digest.Sum([]byte("never stored")))
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestGetDetectsCorruptedBlob(t *testing.T) {
	s := open(t)
	data := []byte("original content")
	d, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := blobPath(s.blobDir, d)
	if err := os.WriteFile(path, []byte("tampered content"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err = s.Get(d)
	if !errs.Is(err, errs.IntegrityError) {
		t.Errorf("expected IntegrityError for tampered blob, got %v", err)
	}
}

func TestReferenceCountingAndSweep(t *testing.T) {
	s := open(t)
	data := []byte("referenced chunk")
	d, err := s.Put(data) // refcount 1
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.Reference(d, 1); err != nil { // refcount 2
		t.Fatalf("Reference +1: %v", err)
	}
	if err := s.Reference(d, -1); err != nil { // refcount 1
		t.Fatalf("Reference -1: %v", err)
	}

	n, err := s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing swept while refcount > 0, swept %d", n)
	}

	if err := s.Reference(d, -1); err != nil { // refcount 0
		t.Fatalf("Reference -1: %v", err)
	}
	n, err = s.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 chunk swept, got %d", n)
	}

	if _, err := s.Get(d); !errs.Is(err, errs.NotFound) {
		t.Errorf("expected chunk removed after sweep, got %v", err)
	}
}

func TestReferenceDecrementBelowZeroIsInvariantError(t *testing.T) {
	s := open(t)
	d, err := s.Put([]byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Reference(d, -5); !errs.Is(err, errs.InvariantError) {
		t.Errorf("expected InvariantError, got %v", err)
	}
}

func TestSweepLeavesNoOrphanBlobFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	d, err := s.Put([]byte("orphan candidate"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	path := blobPath(s.blobDir, d)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected blob file to exist: %v", err)
	}

	if err := s.Reference(d, -1); err != nil {
		t.Fatalf("Reference: %v", err)
	}
	if _, err := s.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected blob file removed after sweep, stat err = %v", err)
	}
}

func TestBlobFanOutLayout(t *testing.T) {
	s := open(t)
	d, err := s.Put([]byte("fan out me"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	hex := d.String()
	want := filepath.Join(s.blobDir, hex[0:2], hex[2:4], hex)
	if got := blobPath(s.blobDir, d); got != want {
		t.Errorf("blobPath = %q, want %q", got, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected blob at fan-out path: %v", err)
	}
}

func TestExists(t *testing.T) {
	s := open(t)
	d := digest.Sum([]byte("maybe present"))

	ok, err := s.Exists(d)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatal("expected Exists to be false before Put")
	}

	if _, err := s.Put([]byte("maybe present")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = s.Exists(d)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Error("expected Exists to be true after Put")
	}
}
