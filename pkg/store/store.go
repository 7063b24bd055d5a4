// Package store implements the content store: a persistent,
// content-addressed chunk repository with reference counting, backed by a
// durable sqlite index over a fan-out blob directory
// (<store>/blobs/<d[0:2]>/<d[2:4]>/<digest>) rather than inlining payloads
// in the database, so large chunk payloads never round-trip through
// sqlite's row encoding, in the idiom of perkeep's blobpacked and restic's
// on-disk backend.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/beehoard/beehoard/pkg/digest"
	"github.com/beehoard/beehoard/pkg/errs"

	_ "modernc.org/sqlite"
)

// schemaVersion is stamped into store_schema_meta at Open and checked against the
// binary's known version, for forward/backward compatibility.
const schemaVersion = 1

// Store is a durable, content-addressed chunk repository.
type Store struct {
	db       *sql.DB
	ownsDB   bool
	blobDir  string
	sweepMu  sync.Mutex // store-wide exclusive lock, held only by Sweep
}

// Option configures Open.
type Option func(*options)

type options struct {
	sharedDB *sql.DB
}

// WithSharedDB reuses an already-open *sql.DB (and its connection pool)
// instead of opening a dedicated chunks.db file. Used by pkg/engine when
// Config.SingleDB collapses the content store and metadata store into one
// physical database so a backup's refcount update and file-row write can
// share a single transaction.
func WithSharedDB(db *sql.DB) Option {
	return func(o *options) { o.sharedDB = db }
}

// Open opens (creating if absent) a chunk store rooted at dir: dir/chunks.db
// for the index and dir/blobs for payloads, unless WithSharedDB is given, in
// which case dir is only used for the blob directory.
func Open(dir string, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IoError, "create blob directory", err)
	}

	s := &Store{blobDir: blobDir}

	if o.sharedDB != nil {
		s.db = o.sharedDB
		s.ownsDB = false
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.IoError, "create store directory", err)
		}
		db, err := sql.Open("sqlite", filepath.Join(dir, "chunks.db")+"?_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, errs.Wrap(errs.IoError, "open chunk index", err)
		}
		s.db = db
		s.ownsDB = true
	}

	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			digest   TEXT PRIMARY KEY,
			size     INTEGER NOT NULL,
			blob_path TEXT NOT NULL,
			refcount INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS store_schema_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return errs.Wrap(errs.IoError, "create chunk store schema", err)
	}

	var storedVersion string
	err = s.db.QueryRow(`SELECT value FROM store_schema_meta WHERE key = 'version'`).Scan(&storedVersion)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`INSERT INTO store_schema_meta(key, value) VALUES ('version', ?)`, fmt.Sprint(schemaVersion))
		if err != nil {
			return errs.Wrap(errs.IoError, "stamp chunk store schema version", err)
		}
	case err != nil:
		return errs.Wrap(errs.IoError, "read chunk store schema version", err)
	default:
		if storedVersion > fmt.Sprint(schemaVersion) {
			return errs.New(errs.InvariantError, "chunk store schema is newer than this binary supports")
		}
		// No migrations defined yet between version 1 and itself.
	}
	return nil
}

// Close flushes and releases resources. If Open was given WithSharedDB, the
// shared *sql.DB is left open for the owner to close.
func (s *Store) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

func blobPath(blobDir string, d digest.Digest) string {
	hex := d.String()
	return filepath.Join(blobDir, hex[0:2], hex[2:4], hex)
}

// Put computes d = BLAKE3(data). If d already exists its refcount is
// incremented; otherwise the blob is written durably and refcount is set to
// 1. Concurrent Put calls for the same digest collapse to a single
// insertion (sqlite serializes writers; the upsert is atomic).
func (s *Store) Put(data []byte) (digest.Digest, error) {
	return s.PutTx(nil, data)
}

// PutTx behaves like Put but participates in tx when non-nil, allowing the
// caller (typically pkg/backup) to commit the chunk write alongside a
// MetadataStore.RecordFile in one transaction.
func (s *Store) PutTx(tx *sql.Tx, data []byte) (digest.Digest, error) {
	d := digest.Sum(data)
	path := blobPath(s.blobDir, d)

	exists, err := s.existsTx(tx, d)
	if err != nil {
		return digest.Digest{}, err
	}
	if !exists {
		if err := writeBlobDurably(path, data); err != nil {
			return digest.Digest{}, err
		}
	}

	exec := s.execer(tx)
	_, err = exec.Exec(`
		INSERT INTO chunks(digest, size, blob_path, refcount) VALUES (?, ?, ?, 1)
		ON CONFLICT(digest) DO UPDATE SET refcount = refcount + 1
	`, d.String(), len(data), path)
	if err != nil {
		return digest.Digest{}, errs.Wrap(errs.IoError, "write chunk index row", err).WithSubject(d.String())
	}
	return d, nil
}

func writeBlobDurably(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.IoError, "create blob fan-out directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errs.Wrap(errs.IoError, "create temp blob file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IoError, "write blob payload", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IoError, "sync blob payload", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.IoError, "close temp blob file", err)
	}
	// Atomic rename: a reader either observes the full blob or NotFound,
	// never a partial write.
	if err := os.Rename(tmpName, path); err != nil {
		return errs.Wrap(errs.IoError, "rename blob into place", err)
	}
	return nil
}

// Get retrieves the stored bytes for d and verifies BLAKE3(bytes) == d
// before returning.
func (s *Store) Get(d digest.Digest) ([]byte, error) {
	var path string
	err := s.db.QueryRow(`SELECT blob_path FROM chunks WHERE digest = ?`, d.String()).Scan(&path)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "chunk not found").WithSubject(d.String())
	}
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "read chunk index row", err).WithSubject(d.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "read blob payload", err).WithSubject(d.String())
	}

	got := digest.Sum(data)
	if got != d {
		return nil, errs.New(errs.IntegrityError, "chunk payload does not match its digest").WithSubject(d.String())
	}
	return data, nil
}

// Exists reports whether d is present in the store.
func (s *Store) Exists(d digest.Digest) (bool, error) {
	return s.existsTx(nil, d)
}

func (s *Store) existsTx(tx *sql.Tx, d digest.Digest) (bool, error) {
	var queryer interface {
		QueryRow(query string, args ...any) *sql.Row
	}
	if tx != nil {
		queryer = tx
	} else {
		queryer = s.db
	}
	var one int
	err := queryer.QueryRow(`SELECT 1 FROM chunks WHERE digest = ?`, d.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.IoError, "check chunk existence", err).WithSubject(d.String())
	}
	return true, nil
}

// Reference adjusts d's refcount by delta, clamped to >= 0. A decrement
// that would go negative is an InvariantError.
func (s *Store) Reference(d digest.Digest, delta int) error {
	return s.ReferenceTx(nil, d, delta)
}

// ReferenceTx behaves like Reference but participates in tx when non-nil.
func (s *Store) ReferenceTx(tx *sql.Tx, d digest.Digest, delta int) error {
	exec := s.execer(tx)
	var current int
	var row interface {
		Scan(...any) error
	}
	if tx != nil {
		row = tx.QueryRow(`SELECT refcount FROM chunks WHERE digest = ?`, d.String())
	} else {
		row = s.db.QueryRow(`SELECT refcount FROM chunks WHERE digest = ?`, d.String())
	}
	if err := row.Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return errs.New(errs.NotFound, "chunk not found").WithSubject(d.String())
		}
		return errs.Wrap(errs.IoError, "read chunk refcount", err).WithSubject(d.String())
	}

	next := current + delta
	if next < 0 {
		return errs.New(errs.InvariantError, "refcount decrement would go negative").WithSubject(d.String())
	}

	_, err := exec.Exec(`UPDATE chunks SET refcount = ? WHERE digest = ?`, next, d.String())
	if err != nil {
		return errs.Wrap(errs.IoError, "update chunk refcount", err).WithSubject(d.String())
	}
	return nil
}

// Sweep deletes all chunks with refcount == 0 and returns the count
// removed. It holds a store-wide exclusive lock for its duration: no Put,
// Get, or Reference may race a concurrent Sweep within this process.
func (s *Store) Sweep() (int, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	rows, err := s.db.Query(`SELECT digest, blob_path FROM chunks WHERE refcount = 0`)
	if err != nil {
		return 0, errs.Wrap(errs.IoError, "query zero-refcount chunks", err)
	}
	type victim struct{ digest, path string }
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.digest, &v.path); err != nil {
			rows.Close()
			return 0, errs.Wrap(errs.IoError, "scan zero-refcount chunk", err)
		}
		victims = append(victims, v)
	}
	rows.Close()

	count := 0
	for _, v := range victims {
		if _, err := s.db.Exec(`DELETE FROM chunks WHERE digest = ? AND refcount = 0`, v.digest); err != nil {
			return count, errs.Wrap(errs.IoError, "delete swept chunk row", err).WithSubject(v.digest)
		}
		_ = os.Remove(v.path) // best-effort: a missing blob file is not fatal to the sweep
		count++
	}
	return count, nil
}

// Stats returns coarse store statistics, useful for tests and operator
// tooling.
type Stats struct {
	TotalChunks int64
	TotalBytes  int64
}

// Stats reports the current chunk count and total stored bytes.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM chunks`).Scan(&st.TotalChunks, &st.TotalBytes)
	if err != nil {
		return Stats{}, errs.Wrap(errs.IoError, "read store stats", err)
	}
	return st, nil
}

func (s *Store) execer(tx *sql.Tx) interface {
	Exec(query string, args ...any) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return s.db
}

// DB returns the underlying *sql.DB. Used by pkg/engine to open shared
// transactions that span both the chunk index and the catalog when
// Config.SingleDB is true.
func (s *Store) DB() *sql.DB {
	return s.db
}
