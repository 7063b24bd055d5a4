package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
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

func TestWalkDeterministicOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.txt"), "b")
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "sub/z.txt"), "z")
	writeFile(t, filepath.Join(root, "sub/a.txt"), "a2")

	var paths []string
	err := Walk(context.Background(), root, Options{}, func(c Candidate) error {
		paths = append(paths, c.RelPath.String())
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	want := []string{"a.txt", "b.txt", "sub/a.txt", "sub/z.txt"}
	if len(paths) != len(want) {
		t.Fatalf("got %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestWalkSkipsHiddenByDefault(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".hidden"), "h")
	writeFile(t, filepath.Join(root, "visible.txt"), "v")

	var paths []string
	Walk(context.Background(), root, Options{}, func(c Candidate) error {
		paths = append(paths, c.RelPath.String())
		return nil
	})
	if len(paths) != 1 || paths[0] != "visible.txt" {
		t.Errorf("expected only visible.txt, got %v", paths)
	}
}

func TestWalkIncludeHidden(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".hidden"), "h")

	var paths []string
	Walk(context.Background(), root, Options{IncludeHidden: true}, func(c Candidate) error {
		paths = append(paths, c.RelPath.String())
		return nil
	})
	if len(paths) != 1 || paths[0] != ".hidden" {
		t.Errorf("expected .hidden to be included, got %v", paths)
	}
}

func TestWalkEmptyTree(t *testing.T) {
	root := t.TempDir()
	var count int
	err := Walk(context.Background(), root, Options{}, func(c Candidate) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if count != 0 {
		t.Errorf("expected zero candidates, got %d", count)
	}
}

func TestWalkSymlinkSkip(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "target.txt")
	writeFile(t, target, "content")
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	var paths []string
	Walk(context.Background(), root, Options{SymlinkStrategy: SymlinkSkip}, func(c Candidate) error {
		paths = append(paths, c.RelPath.String())
		return nil
	})
	if len(paths) != 1 || paths[0] != "target.txt" {
		t.Errorf("expected only target.txt, got %v", paths)
	}
}

func TestWalkSymlinkPreserve(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "target.txt")
	writeFile(t, target, "content")
	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	kinds := map[string]Kind{}
	Walk(context.Background(), root, Options{SymlinkStrategy: SymlinkPreserve}, func(c Candidate) error {
		kinds[c.RelPath.String()] = c.Kind
		return nil
	})
	if kinds["link.txt"] != KindSymlink {
		t.Errorf("expected link.txt to be KindSymlink, got %v", kinds["link.txt"])
	}
	if kinds["target.txt"] != KindRegular {
		t.Errorf("expected target.txt to be KindRegular, got %v", kinds["target.txt"])
	}
}

func TestWalkCancellation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Walk(ctx, root, Options{}, func(c Candidate) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestWalkPerEntryErrorContinues(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "good.txt"), "g")
	// A dangling symlink cannot be resolved under SymlinkFollow.
	if err := os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "dangling")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}

	var errs []string
	sink := &fakeSink{onError: func(path string, err error) { errs = append(errs, path) }}

	var visited []string
	err := Walk(context.Background(), root, Options{Sink: sink, SymlinkStrategy: SymlinkFollow}, func(c Candidate) error {
		visited = append(visited, c.RelPath.String())
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(visited) != 1 {
		t.Errorf("expected good.txt to be visited, got %v", visited)
	}
	if len(errs) != 1 {
		t.Errorf("expected one reported error for the dangling symlink, got %v", errs)
	}
}

type fakeSink struct {
	onError func(path string, err error)
}

func (f *fakeSink) OnFile(string, int64)       {}
func (f *fakeSink) OnError(p string, e error)  { f.onError(p, e) }
func (f *fakeSink) OnComplete()                {}
