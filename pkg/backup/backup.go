// Package backup implements the backup engine: it drives the
// Scanner→Chunker→Hasher→ContentStore→MetadataStore pipeline that produces
// one immutable Snapshot, one component driving several collaborators
// through a bounded worker pool.
package backup

import (
	"context"
	"database/sql"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/beehoard/beehoard/pkg/catalog"
	"github.com/beehoard/beehoard/pkg/chunk"
	"github.com/beehoard/beehoard/pkg/digest"
	"github.com/beehoard/beehoard/pkg/errs"
	"github.com/beehoard/beehoard/pkg/merkle"
	"github.com/beehoard/beehoard/pkg/namegen"
	"github.com/beehoard/beehoard/pkg/progress"
	"github.com/beehoard/beehoard/pkg/scan"
)

// ChunkStore narrows pkg/store.Store to what this package needs, so tests
// can substitute fakes without dragging in sqlite.
type ChunkStore interface {
	PutTx(tx *sql.Tx, data []byte) (digest.Digest, error)
	Exists(digest.Digest) (bool, error)
	DB() *sql.DB
}

// MetadataStore narrows pkg/catalog.Catalog to what this package needs.
type MetadataStore interface {
	CreateSnapshot(tx *sql.Tx, s catalog.Snapshot) error
	RecordFile(tx *sql.Tx, f catalog.FileEntry) error
	ListSnapshots() ([]catalog.Snapshot, error)
	DB() *sql.DB
}

// Options configures a backup run.
type Options struct {
	ChunkSize       int
	SymlinkStrategy scan.SymlinkStrategy
	IncludeHidden   bool
	Concurrency     int // files chunked concurrently; defaults to 4
	Sink            progress.Sink
}

// FileError records a per-file failure that did not abort the backup.
type FileError struct {
	Path string
	Err  error
}

// Result reports what a backup accomplished.
type Result struct {
	SnapshotID      string
	FilesProcessed  int
	FilesWithErrors int
	BytesProcessed  int64
	ChunksCreated   int
	ChunksReused    int
	Errors          []FileError
}

// Engine orchestrates backups against a ChunkStore and MetadataStore.
type Engine struct {
	store   ChunkStore
	catalog MetadataStore
}

// New constructs an Engine. Both collaborators must already be open; there
// is no nil-service path.
func New(s ChunkStore, c MetadataStore) *Engine {
	return &Engine{store: s, catalog: c}
}

// fileResult is one file's outcome from the chunking pipeline.
type fileResult struct {
	entry  catalog.FileEntry
	record merkle.FileRecord
	size   int64
}

// Backup walks sourceRoot, chunks and stores every regular file, and
// commits a new Snapshot.
func (e *Engine) Backup(ctx context.Context, sourceRoot string, opts Options) (Result, error) {
	sink := opts.Sink
	if sink == nil {
		sink = progress.Discard
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = chunk.DefaultSize
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	parentID, err := e.mostRecentSnapshotFor(sourceRoot)
	if err != nil {
		return Result{}, err
	}

	var candidates []scan.Candidate
	err = scan.Walk(ctx, sourceRoot, scan.Options{
		SymlinkStrategy: opts.SymlinkStrategy,
		IncludeHidden:   opts.IncludeHidden,
		Sink:            sink,
	}, func(c scan.Candidate) error {
		if c.Kind == scan.KindRegular {
			candidates = append(candidates, c)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	results := make([]*fileResult, len(candidates))
	var counter chunkCounter
	var errMu sync.Mutex
	var fileErrors []FileError

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return errs.Wrap(errs.Cancelled, "backup cancelled", gctx.Err())
			default:
			}

			r, err := e.processFile(gctx, c, chunkSize, &counter)
			if err != nil {
				sink.OnError(c.AbsolutePath, err)
				errMu.Lock()
				fileErrors = append(fileErrors, FileError{Path: c.RelPath.String(), Err: err})
				errMu.Unlock()
				return nil
			}
			sink.OnFile(c.AbsolutePath, r.size)
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var records []merkle.FileRecord
	var entries []catalog.FileEntry
	var totalSize int64
	for _, r := range results {
		if r == nil {
			continue
		}
		records = append(records, r.record)
		entries = append(entries, r.entry)
		totalSize += r.size
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	snapshotID := ulid.Make()
	snapshotRoot := merkle.SnapshotRoot(records)

	tx, err := e.beginSharedTx()
	if err != nil {
		return Result{}, err
	}

	for i := range entries {
		entries[i].SnapshotID = snapshotID.String()
		if err := e.catalog.RecordFile(tx, entries[i]); err != nil {
			e.rollback(tx)
			return Result{}, err
		}
	}

	snap := catalog.Snapshot{
		ID:           snapshotID.String(),
		Name:         namegen.For(snapshotID),
		CreatedAt:    time.Now().Unix(),
		ParentID:     parentID,
		SourceRoot:   sourceRoot,
		TotalFiles:   int64(len(entries)),
		TotalSize:    totalSize,
		SnapshotRoot: snapshotRoot,
	}
	if err := e.catalog.CreateSnapshot(tx, snap); err != nil {
		e.rollback(tx)
		return Result{}, err
	}

	if err := e.commit(tx); err != nil {
		return Result{}, err
	}

	sink.OnComplete()

	return Result{
		SnapshotID:      snapshotID.String(),
		FilesProcessed:  len(entries),
		FilesWithErrors: len(fileErrors),
		BytesProcessed:  totalSize,
		ChunksCreated:   counter.created(),
		ChunksReused:    counter.reused(),
		Errors:          fileErrors,
	}, nil
}

// processFile reads c's content, chunks it, stores each chunk, and
// computes its file digest. A read failure mid-file drops the file from
// the snapshot; chunks already Put for it remain with whatever refcount
// they accrued, to be reclaimed at the next Sweep.
func (e *Engine) processFile(ctx context.Context, c scan.Candidate, chunkSize int, counter *chunkCounter) (*fileResult, error) {
	f, err := os.Open(c.AbsolutePath)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "open file for backup", err).WithSubject(c.RelPath.String())
	}
	defer f.Close()

	chunker, err := chunk.New(f, chunkSize)
	if err != nil {
		return nil, err
	}

	var chunkDigests []digest.Digest
	for {
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Cancelled, "backup cancelled", ctx.Err())
		default:
		}

		data, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		d := digest.Sum(data)
		existed, err := e.store.Exists(d)
		if err != nil {
			return nil, err
		}
		if _, err := e.store.PutTx(nil, data); err != nil {
			return nil, err
		}
		if existed {
			counter.incReused()
		} else {
			counter.incCreated()
		}
		chunkDigests = append(chunkDigests, d)
	}

	fileDigest := merkle.FileDigest(chunkDigests)
	entry := catalog.FileEntry{
		FileID:       ulid.Make().String(),
		Path:         c.RelPath.String(),
		Size:         c.Size,
		ModifiedTime: c.ModifiedTime.Unix(),
		FileDigest:   fileDigest,
		Chunks:       chunkDigests,
	}
	return &fileResult{
		entry:  entry,
		record: merkle.FileRecord{Path: entry.Path, FileDigest: fileDigest},
		size:   c.Size,
	}, nil
}

func (e *Engine) mostRecentSnapshotFor(sourceRoot string) (string, error) {
	snapshots, err := e.catalog.ListSnapshots()
	if err != nil {
		return "", err
	}
	for _, s := range snapshots { // already ordered most-recent first
		if s.SourceRoot == sourceRoot {
			return s.ID, nil
		}
	}
	return "", nil
}

// beginSharedTx starts one transaction spanning both stores when they
// share a *sql.DB (engine.Config.SingleDB), satisfying the "Refcount
// safety" design note. When the stores are backed by separate databases,
// it returns nil and callers fall back to per-store commits plus the
// pending-refs journal (pkg/store.ApplyPending).
func (e *Engine) beginSharedTx() (*sql.Tx, error) {
	if e.store.DB() != e.catalog.DB() {
		return nil, nil
	}
	tx, err := e.catalog.DB().Begin()
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "begin shared backup transaction", err)
	}
	return tx, nil
}

func (e *Engine) commit(tx *sql.Tx) error {
	if tx == nil {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.IoError, "commit backup transaction", err)
	}
	return nil
}

func (e *Engine) rollback(tx *sql.Tx) {
	if tx != nil {
		tx.Rollback()
	}
}

// chunkCounter tallies created vs. reused chunks across concurrent file
// workers.
type chunkCounter struct {
	mu               sync.Mutex
	createdN, reused int
}

func (c *chunkCounter) incCreated() {
	c.mu.Lock()
	c.createdN++
	c.mu.Unlock()
}

func (c *chunkCounter) incReused() {
	c.mu.Lock()
	c.reused++
	c.mu.Unlock()
}

func (c *chunkCounter) created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createdN
}

func (c *chunkCounter) reused() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reused
}
