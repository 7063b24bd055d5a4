// Package engine is the composition root: it owns the ContentStore and
// MetadataStore for one repository and exposes the
// Backup/Restore/Rollback/Prune/Verify/Search operations each delegate to
// their respective engine package, behind one constructor and a small
// method set.
package engine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/beehoard/beehoard/pkg/backup"
	"github.com/beehoard/beehoard/pkg/catalog"
	"github.com/beehoard/beehoard/pkg/errs"
	"github.com/beehoard/beehoard/pkg/merkle"
	"github.com/beehoard/beehoard/pkg/restore"
	"github.com/beehoard/beehoard/pkg/retention"
	"github.com/beehoard/beehoard/pkg/store"
	"github.com/beehoard/beehoard/pkg/verify"
)

// Engine owns one repository's ContentStore and MetadataStore and
// delegates every operation to the narrow engine package that implements
// it.
type Engine struct {
	cfg     Config
	sharedDB *sql.DB // non-nil only when cfg.SingleDB

	store   *store.Store
	catalog *catalog.Catalog

	backup    *backup.Engine
	restore   *restore.Engine
	retention *retention.Engine
	verify    *verify.Engine
}

// Open is the engine's total constructor: it creates repoPath if absent,
// opens the repository layout selected by cfg.SingleDB, and wires every
// engine package against the resulting store/catalog pair.
func Open(repoPath string, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, errs.Wrap(errs.IoError, "create repository directory", err)
	}

	e := &Engine{cfg: cfg}

	if cfg.SingleDB {
		dsn := filepath.Join(repoPath, "repo.db") + "?_pragma=journal_mode(WAL)"
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, errs.Wrap(errs.IoError, "open repo.db", err)
		}
		e.sharedDB = db

		s, err := store.Open(repoPath, store.WithSharedDB(db))
		if err != nil {
			db.Close()
			return nil, err
		}
		c, err := catalog.Open(repoPath, catalog.WithSharedDB(db))
		if err != nil {
			db.Close()
			return nil, err
		}
		e.store, e.catalog = s, c
	} else {
		s, err := store.Open(repoPath)
		if err != nil {
			return nil, err
		}
		c, err := catalog.Open(repoPath)
		if err != nil {
			return nil, err
		}
		e.store, e.catalog = s, c

		// Two-file layout: replay any pending-refs journal left behind by
		// a prior process that crashed between the catalog commit and the
		// chunk-refcount commit.
		if err := e.replayPendingJournal(repoPath); err != nil {
			return nil, err
		}
	}

	e.backup = backup.New(e.store, e.catalog)
	e.restore = restore.New(e.store, e.catalog)
	e.retention = retention.New(e.store, e.catalog, retention.WithJournalPath(journalPath(repoPath)))
	e.verify = verify.New(e.store, e.catalog)

	return e, nil
}

// journalPath is the pending-refs journal file written by two-file
// deployments between a catalog commit and its chunk-refcount commit.
func journalPath(repoPath string) string {
	return filepath.Join(repoPath, "pending_refs.journal")
}

// replayPendingJournal recovers from a crash between a catalog commit and
// its matching chunk-refcount commit under the two-file layout: it reads
// any pending-refs journal left by the prior process, applies it to the
// chunk store in one transaction, and clears the journal once applied.
func (e *Engine) replayPendingJournal(repoPath string) error {
	path := journalPath(repoPath)
	refs, err := store.ReadPendingFile(path)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	if err := e.store.ApplyPending(refs); err != nil {
		return err
	}
	return store.ClearPendingFile(path)
}

// Close releases the repository's underlying database handles.
func (e *Engine) Close() error {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			return err
		}
	}
	if e.catalog != nil {
		if err := e.catalog.Close(); err != nil {
			return err
		}
	}
	if e.sharedDB != nil {
		return e.sharedDB.Close()
	}
	return nil
}

// Backup runs a new backup of sourceRoot.
func (e *Engine) Backup(ctx context.Context, sourceRoot string) (backup.Result, error) {
	return e.backup.Backup(ctx, sourceRoot, backup.Options{
		ChunkSize:       e.cfg.chunkSize(),
		SymlinkStrategy: e.cfg.symlinkStrategy(),
		IncludeHidden:   e.cfg.IncludeHidden,
	})
}

// Restore reconstructs snapshotID's files under targetDir.
func (e *Engine) Restore(ctx context.Context, snapshotID, targetDir string, opts restore.Options) (restore.Result, error) {
	if !opts.VerifyIntegrity {
		opts.VerifyIntegrity = e.cfg.VerifyIntegrity
	}
	return e.restore.Restore(ctx, snapshotID, targetDir, opts)
}

// Rollback restores snapshotID and removes files extraneous to it.
func (e *Engine) Rollback(ctx context.Context, snapshotID, targetDir string, opts restore.Options) (restore.Result, error) {
	return e.restore.Rollback(ctx, snapshotID, targetDir, opts)
}

// Prune applies the engine's configured retention policies (and any extra
// ones passed in) to the repository's snapshot set.
func (e *Engine) Prune(ctx context.Context, extra []retention.Policy, dryRun, cascade bool) (retention.Result, error) {
	policies := append([]retention.Policy{}, extra...)
	if e.cfg.RetentionKeepLast > 0 {
		policies = append(policies, retention.KeepLast(e.cfg.RetentionKeepLast))
	}
	if e.cfg.RetentionMaxAge > 0 {
		policies = append(policies, retention.OlderThan(e.cfg.RetentionMaxAge))
	}
	if len(policies) == 0 {
		return retention.Result{}, errs.New(errs.InvalidArgument, "no retention policy configured")
	}
	return e.retention.Prune(ctx, policies, dryRun, cascade)
}

// Verify checks snapshotID to the requested level.
func (e *Engine) Verify(ctx context.Context, snapshotID string, level verify.Level) (verify.Report, error) {
	return e.verify.Verify(ctx, snapshotID, level)
}

// Search runs a full-text lookup across every snapshot's file paths using
// the catalog's files_fts index.
func (e *Engine) Search(query string) ([]catalog.FileMatch, error) {
	return e.catalog.SearchFiles(query)
}

// ListSnapshots returns every snapshot recorded in the repository, most
// recent first.
func (e *Engine) ListSnapshots() ([]catalog.Snapshot, error) {
	return e.catalog.ListSnapshots()
}

// Compare diffs two snapshots' file trees.
func (e *Engine) Compare(snapshotA, snapshotB string) ([]merkle.DiffEntry, error) {
	return e.catalog.Compare(snapshotA, snapshotB)
}

// Stats reports aggregate chunk-store statistics.
func (e *Engine) Stats() (store.Stats, error) {
	return e.store.Stats()
}
