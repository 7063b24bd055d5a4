// Package scan implements the directory walker: a deterministic, lazy
// sequence of file candidates, with per-entry I/O errors reported to a
// ProgressSink rather than aborting the walk. Modeled on the recursive,
// cancellation-aware walk in mutagen's pkg/synchronization/core (scan.go),
// simplified to beehoard's flatter Candidate model.
package scan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/beehoard/beehoard/pkg/errs"
	"github.com/beehoard/beehoard/pkg/fspath"
	"github.com/beehoard/beehoard/pkg/progress"
)

// Kind distinguishes the filesystem entities a Scanner can yield.
type Kind int

const (
	KindRegular Kind = iota
	KindSymlink
	KindDirectory
)

// SymlinkStrategy controls how the Scanner treats symlinks. preserve is
// recorded as a distinct Candidate.Kind; the core engine only processes
// KindRegular candidates further (symlink-as-entity support is left for a
// future extension).
type SymlinkStrategy int

const (
	SymlinkPreserve SymlinkStrategy = iota
	SymlinkFollow
	SymlinkSkip
)

// Candidate is one file (or preserved symlink) discovered during a walk.
type Candidate struct {
	AbsolutePath string
	RelPath      fspath.Rel
	Size         int64
	ModifiedTime time.Time
	Kind         Kind
}

// Options configures a walk.
type Options struct {
	SymlinkStrategy SymlinkStrategy
	IncludeHidden   bool
	Sink            progress.Sink
}

// Walk recursively visits root in deterministic lexicographic order
// (children of each directory sorted by byte order) and invokes
// visit for each regular-file or preserved-symlink candidate. Directories
// are traversed but never passed to visit. Per-entry I/O errors are
// reported to opts.Sink and the entry is skipped; the walk continues.
func Walk(ctx context.Context, root string, opts Options, visit func(Candidate) error) error {
	sink := opts.Sink
	if sink == nil {
		sink = progress.Discard
	}
	return walkDir(ctx, root, "", opts, sink, visit)
}

func walkDir(ctx context.Context, absDir, relDir string, opts Options, sink progress.Sink, visit func(Candidate) error) error {
	select {
	case <-ctx.Done():
		return errs.Wrap(errs.Cancelled, "scan cancelled", ctx.Err())
	default:
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		sink.OnError(absDir, err)
		return nil
	}

	// os.ReadDir already returns entries sorted by filename, but we sort
	// explicitly so the ordering guarantee does not depend on an
	// implementation detail of the stdlib.
	names := make([]string, len(entries))
	byName := make(map[string]os.DirEntry, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
		byName[e.Name()] = e
	}
	sort.Strings(names)

	for _, name := range names {
		if !opts.IncludeHidden && len(name) > 0 && name[0] == '.' {
			continue
		}

		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Cancelled, "scan cancelled", ctx.Err())
		default:
		}

		entry := byName[name]
		absPath := filepath.Join(absDir, name)
		relOSPath := name
		if relDir != "" {
			relOSPath = filepath.Join(relDir, name)
		}

		info, err := entry.Info()
		if err != nil {
			sink.OnError(absPath, err)
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			if err := visitSymlink(ctx, absPath, relOSPath, info, opts, sink, visit); err != nil {
				return err
			}
			continue
		}

		if entry.IsDir() {
			if err := walkDir(ctx, absPath, relOSPath, opts, sink, visit); err != nil {
				return err
			}
			continue
		}

		rel, err := fspath.FromOS(relOSPath)
		if err != nil {
			sink.OnError(absPath, err)
			continue
		}
		cand := Candidate{
			AbsolutePath: absPath,
			RelPath:      rel,
			Size:         info.Size(),
			ModifiedTime: info.ModTime(),
			Kind:         KindRegular,
		}
		if err := visit(cand); err != nil {
			return err
		}
	}
	return nil
}

func visitSymlink(ctx context.Context, absPath, relOSPath string, info os.FileInfo, opts Options, sink progress.Sink, visit func(Candidate) error) error {
	switch opts.SymlinkStrategy {
	case SymlinkSkip:
		return nil
	case SymlinkFollow:
		target, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			sink.OnError(absPath, err)
			return nil
		}
		targetInfo, err := os.Stat(target)
		if err != nil {
			sink.OnError(absPath, err)
			return nil
		}
		if targetInfo.IsDir() {
			return walkDir(ctx, target, relOSPath, opts, sink, visit)
		}
		rel, err := fspath.FromOS(relOSPath)
		if err != nil {
			sink.OnError(absPath, err)
			return nil
		}
		return visit(Candidate{
			AbsolutePath: target,
			RelPath:      rel,
			Size:         targetInfo.Size(),
			ModifiedTime: targetInfo.ModTime(),
			Kind:         KindRegular,
		})
	default: // SymlinkPreserve
		rel, err := fspath.FromOS(relOSPath)
		if err != nil {
			sink.OnError(absPath, err)
			return nil
		}
		return visit(Candidate{
			AbsolutePath: absPath,
			RelPath:      rel,
			Size:         info.Size(),
			ModifiedTime: info.ModTime(),
			Kind:         KindSymlink,
		})
	}
}
