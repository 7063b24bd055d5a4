// Package restore implements the restore engine: it reconstructs a
// snapshot's files under a target directory, and supports rollback
// (restore plus deletion of extraneous files), fetching chunks from the
// local content store through a semaphore-bounded concurrent fetch.
package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/beehoard/beehoard/pkg/catalog"
	"github.com/beehoard/beehoard/pkg/digest"
	"github.com/beehoard/beehoard/pkg/errs"
	"github.com/beehoard/beehoard/pkg/fspath"
	"github.com/beehoard/beehoard/pkg/merkle"
	"github.com/beehoard/beehoard/pkg/progress"
)

// ChunkStore narrows pkg/store.Store to what this package needs.
type ChunkStore interface {
	Get(digest.Digest) ([]byte, error)
}

// MetadataStore narrows pkg/catalog.Catalog to what this package needs.
type MetadataStore interface {
	GetSnapshot(id string) (catalog.Snapshot, error)
	FilesOf(snapshotID string) ([]catalog.FileEntry, error)
}

// Options configures a restore or rollback.
type Options struct {
	OverwriteExisting   bool
	SkipExisting        bool
	BackupExisting      bool
	VerifyIntegrity     bool
	PreserveAttributes  bool
	IncludePattern      string
	ExcludePattern      string
	DryRun              bool
	Concurrency         int // defaults to 4
	Sink                progress.Sink
}

// FileError records a per-file failure that did not abort the restore.
type FileError struct {
	Path string
	Err  error
}

// Result reports what a restore accomplished.
type Result struct {
	FilesRestored int
	FilesSkipped  int
	FilesErrored  int
	// PlannedDeletions lists paths rollback would delete (or did delete,
	// outside dry_run) that exist under the target but not in the snapshot.
	PlannedDeletions []string
	Errors           []FileError
}

// Engine restores snapshots against a ChunkStore and MetadataStore.
type Engine struct {
	store   ChunkStore
	catalog MetadataStore
}

// New constructs an Engine.
func New(s ChunkStore, c MetadataStore) *Engine {
	return &Engine{store: s, catalog: c}
}

// Restore reconstructs snapshotID's files under targetDir.
func (e *Engine) Restore(ctx context.Context, snapshotID, targetDir string, opts Options) (Result, error) {
	snap, err := e.catalog.GetSnapshot(snapshotID)
	if err != nil {
		return Result{}, err
	}
	files, err := e.catalog.FilesOf(snapshotID)
	if err != nil {
		return Result{}, err
	}
	files, err = filterFiles(files, opts.IncludePattern, opts.ExcludePattern)
	if err != nil {
		return Result{}, err
	}

	return e.restoreFiles(ctx, snap, files, targetDir, opts)
}

// Rollback performs a restore with OverwriteExisting forced true, then
// deletes every file and empty directory under targetDir absent from the
// snapshot.
func (e *Engine) Rollback(ctx context.Context, snapshotID, targetDir string, opts Options) (Result, error) {
	opts.OverwriteExisting = true
	opts.SkipExisting = false

	snap, err := e.catalog.GetSnapshot(snapshotID)
	if err != nil {
		return Result{}, err
	}
	files, err := e.catalog.FilesOf(snapshotID)
	if err != nil {
		return Result{}, err
	}

	res, err := e.restoreFiles(ctx, snap, files, targetDir, opts)
	if err != nil {
		return res, err
	}

	kept := make(map[string]bool, len(files))
	for _, f := range files {
		kept[filepath.FromSlash(f.Path)] = true
	}

	deletions, err := planExtraneous(targetDir, kept)
	if err != nil {
		return res, err
	}
	res.PlannedDeletions = deletions

	if !opts.DryRun {
		// Leaf-first: files before the (now possibly empty) directories
		// that contained them.
		sort.Sort(sort.Reverse(sort.StringSlice(deletions)))
		for _, rel := range deletions {
			abs := filepath.Join(targetDir, rel)
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return res, errs.Wrap(errs.IoError, "delete extraneous entry during rollback", err).WithSubject(rel)
			}
		}
	}
	return res, nil
}

func (e *Engine) restoreFiles(ctx context.Context, snap catalog.Snapshot, files []catalog.FileEntry, targetDir string, opts Options) (Result, error) {
	sink := opts.Sink
	if sink == nil {
		sink = progress.Discard
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var (
		mu       sync.Mutex
		restored int
		skipped  int
		errored  int
		fileErrs []FileError
	)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, f := range files {
		select {
		case <-ctx.Done():
			wg.Wait()
			return Result{}, errs.Wrap(errs.Cancelled, "restore cancelled", ctx.Err())
		default:
		}

		f := f
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := e.restoreOne(snap, f, targetDir, opts)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errored++
				fileErrs = append(fileErrs, FileError{Path: f.Path, Err: err})
				sink.OnError(f.Path, err)
			case outcome == outcomeSkipped:
				skipped++
			default:
				restored++
				sink.OnFile(f.Path, f.Size)
			}
		}()
	}
	wg.Wait()
	sink.OnComplete()

	return Result{
		FilesRestored: restored,
		FilesSkipped:  skipped,
		FilesErrored:  errored,
		Errors:        fileErrs,
	}, nil
}

type outcome int

const (
	outcomeWritten outcome = iota
	outcomeSkipped
)

func (e *Engine) restoreOne(snap catalog.Snapshot, f catalog.FileEntry, targetDir string, opts Options) (outcome, error) {
	rel, err := fspath.FromOS(filepath.FromSlash(f.Path))
	if err != nil {
		return outcomeWritten, err
	}
	destPath, err := fspath.Join(targetDir, rel)
	if err != nil {
		return outcomeWritten, err
	}

	_, statErr := os.Stat(destPath)
	exists := statErr == nil

	if exists {
		switch {
		case opts.SkipExisting:
			return outcomeSkipped, nil
		case opts.BackupExisting:
			backupPath := fmt.Sprintf("%s.bak-%d", destPath, time.Now().UnixNano())
			if !opts.DryRun {
				if err := os.Rename(destPath, backupPath); err != nil {
					return outcomeWritten, errs.Wrap(errs.IoError, "back up existing file", err).WithSubject(f.Path)
				}
			}
		case opts.OverwriteExisting:
			// fall through to write
		default:
			return outcomeWritten, errs.New(errs.Conflict, "destination exists and neither overwrite nor skip was requested").WithSubject(f.Path)
		}
	}

	if opts.DryRun {
		return outcomeWritten, nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return outcomeWritten, errs.Wrap(errs.IoError, "create destination directory", err).WithSubject(f.Path)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return outcomeWritten, errs.Wrap(errs.IoError, "create destination file", err).WithSubject(f.Path)
	}
	defer out.Close()

	var chunkDigests []digest.Digest
	for _, d := range f.Chunks {
		data, err := e.store.Get(d)
		if err != nil {
			return outcomeWritten, errs.Wrap(errs.IntegrityError, "fetch chunk during restore", err).WithSubject(f.Path)
		}
		if _, err := out.Write(data); err != nil {
			return outcomeWritten, errs.Wrap(errs.IoError, "write restored bytes", err).WithSubject(f.Path)
		}
		if opts.VerifyIntegrity {
			chunkDigests = append(chunkDigests, digest.Sum(data))
		}
	}

	if opts.VerifyIntegrity {
		if got := merkle.FileDigest(chunkDigests); got != f.FileDigest {
			return outcomeWritten, errs.New(errs.IntegrityError, "restored file digest mismatch").WithSubject(f.Path)
		}
	}

	if opts.PreserveAttributes {
		mtime := time.Unix(f.ModifiedTime, 0)
		_ = os.Chtimes(destPath, mtime, mtime)
	}

	return outcomeWritten, nil
}

func filterFiles(files []catalog.FileEntry, include, exclude string) ([]catalog.FileEntry, error) {
	if include == "" && exclude == "" {
		return files, nil
	}
	var out []catalog.FileEntry
	for _, f := range files {
		if include != "" {
			matched, err := doublestar.Match(include, f.Path)
			if err != nil {
				return nil, errs.Wrap(errs.InvalidArgument, "invalid include pattern", err)
			}
			if !matched {
				continue
			}
		}
		if exclude != "" {
			matched, err := doublestar.Match(exclude, f.Path)
			if err != nil {
				return nil, errs.Wrap(errs.InvalidArgument, "invalid exclude pattern", err)
			}
			if matched {
				continue
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// planExtraneous walks targetDir and returns every relative path (file or
// now-empty directory) not present in kept.
func planExtraneous(targetDir string, kept map[string]bool) ([]string, error) {
	var extraneous []string
	err := filepath.Walk(targetDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == targetDir {
			return nil
		}
		rel, err := filepath.Rel(targetDir, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil // directories are only extraneous once empty of kept descendants; re-checked below
		}
		if !kept[rel] {
			extraneous = append(extraneous, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "walk target directory for rollback", err)
	}

	emptyDirs, err := emptyDirsAfterDeletion(targetDir, kept, extraneous)
	if err != nil {
		return nil, err
	}
	extraneous = append(extraneous, emptyDirs...)
	sort.Strings(extraneous)
	return extraneous, nil
}

// emptyDirsAfterDeletion finds directories under targetDir that contain no
// kept file, directly or transitively, so rollback prunes them too.
func emptyDirsAfterDeletion(targetDir string, kept map[string]bool, deletedFiles []string) ([]string, error) {
	keptDirs := make(map[string]bool)
	for rel := range kept {
		dir := filepath.Dir(rel)
		for dir != "." && dir != string(filepath.Separator) {
			keptDirs[dir] = true
			dir = filepath.Dir(dir)
		}
	}

	var dirs []string
	err := filepath.Walk(targetDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == targetDir || !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(targetDir, path)
		if err != nil {
			return err
		}
		if !keptDirs[rel] {
			dirs = append(dirs, rel)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "walk target directory for empty-directory pruning", err)
	}
	// Deepest first so a parent directory is only listed once its children
	// are already accounted for.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	return dirs, nil
}
