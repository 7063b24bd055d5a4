// Package catalog implements the metadata store: the durable record of
// snapshots, the files each snapshot contains, and the ordered chunk list
// behind each file, kept in a queryable sqlite schema in the idiom of
// kopia's and restic's sqlite-backed repository indexes.
package catalog

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/beehoard/beehoard/pkg/digest"
	"github.com/beehoard/beehoard/pkg/errs"
	"github.com/beehoard/beehoard/pkg/merkle"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Catalog is the durable snapshot and file metadata index.
type Catalog struct {
	db     *sql.DB
	ownsDB bool
}

// Option configures Open.
type Option func(*options)

type options struct {
	sharedDB *sql.DB
}

// WithSharedDB reuses an already-open *sql.DB, mirroring pkg/store's option
// of the same name, so pkg/engine can collapse the chunk index and the
// catalog into one physical database file.
func WithSharedDB(db *sql.DB) Option {
	return func(o *options) { o.sharedDB = db }
}

// Open opens (creating if absent) catalog.db under dir, unless WithSharedDB
// is given.
func Open(dir string, opts ...Option) (*Catalog, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Catalog{}
	if o.sharedDB != nil {
		c.db = o.sharedDB
		c.ownsDB = false
	} else {
		db, err := sql.Open("sqlite", dir+"/catalog.db?_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, errs.Wrap(errs.IoError, "open catalog", err)
		}
		c.db = db
		c.ownsDB = true
	}

	if err := c.migrate(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			parent_id     TEXT,
			source_root   TEXT NOT NULL,
			total_files   INTEGER NOT NULL,
			total_size    INTEGER NOT NULL,
			snapshot_root TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS files (
			file_id       TEXT PRIMARY KEY,
			snapshot_id   TEXT NOT NULL REFERENCES snapshots(id),
			path          TEXT NOT NULL,
			size          INTEGER NOT NULL,
			modified_time INTEGER NOT NULL,
			file_digest   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS files_by_snapshot ON files(snapshot_id);
		CREATE TABLE IF NOT EXISTS file_chunks (
			file_id TEXT NOT NULL REFERENCES files(file_id),
			ordinal INTEGER NOT NULL,
			digest  TEXT NOT NULL,
			PRIMARY KEY (file_id, ordinal)
		);
		CREATE VIRTUAL TABLE IF NOT EXISTS files_fts USING fts5(
			path, file_id UNINDEXED, tokenize = 'unicode61'
		);
		CREATE TABLE IF NOT EXISTS catalog_schema_meta (
			key TEXT PRIMARY KEY, value TEXT NOT NULL
		);
	`)
	if err != nil {
		return errs.Wrap(errs.IoError, "create catalog schema", err)
	}

	var storedVersion string
	err = c.db.QueryRow(`SELECT value FROM catalog_schema_meta WHERE key = 'version'`).Scan(&storedVersion)
	switch {
	case err == sql.ErrNoRows:
		_, err = c.db.Exec(`INSERT INTO catalog_schema_meta(key, value) VALUES ('version', ?)`, fmt.Sprint(schemaVersion))
		if err != nil {
			return errs.Wrap(errs.IoError, "stamp catalog schema version", err)
		}
	case err != nil:
		return errs.Wrap(errs.IoError, "read catalog schema version", err)
	default:
		if storedVersion > fmt.Sprint(schemaVersion) {
			return errs.New(errs.InvariantError, "catalog schema is newer than this binary supports")
		}
	}
	return nil
}

// Close releases resources. If Open was given WithSharedDB, the shared
// *sql.DB is left open for its owner to close.
func (c *Catalog) Close() error {
	if c.ownsDB && c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DB returns the underlying *sql.DB, so pkg/engine can open shared
// transactions spanning both the catalog and the chunk index.
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Snapshot is one point-in-time backup.
type Snapshot struct {
	ID           string
	Name         string
	Description  string
	CreatedAt    int64 // unix seconds
	ParentID     string // empty for the chain's first snapshot
	SourceRoot   string
	TotalFiles   int64
	TotalSize    int64
	SnapshotRoot digest.Digest
}

// SnapshotMeta is the subset of Snapshot a remote endpoint exchanges
// during transfer: everything needed to list and link snapshots, without
// requiring the receiver to also hold every FileEntry up front.
type SnapshotMeta = Snapshot

// FileEntry is one file recorded within a snapshot.
type FileEntry struct {
	FileID       string
	SnapshotID   string
	Path         string
	Size         int64
	ModifiedTime int64
	FileDigest   digest.Digest
	Chunks       []digest.Digest // ordered by ordinal
}

// CreateSnapshot inserts s's row. Callers insert every FileEntry via
// RecordFile first (or in the same tx) so a snapshot never appears in the
// catalog with files still pending.
func (c *Catalog) CreateSnapshot(tx *sql.Tx, s Snapshot) error {
	exec := c.execer(tx)
	var parentID any
	if s.ParentID != "" {
		parentID = s.ParentID
	}
	_, err := exec.Exec(`
		INSERT INTO snapshots(id, name, description, created_at, parent_id, source_root, total_files, total_size, snapshot_root)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Name, s.Description, s.CreatedAt, parentID, s.SourceRoot, s.TotalFiles, s.TotalSize, s.SnapshotRoot.String())
	if err != nil {
		return errs.Wrap(errs.IoError, "insert snapshot row", err).WithSubject(s.ID)
	}
	return nil
}

// RecordFile inserts f's row, its ordered chunk list, and its full-text
// search entry.
func (c *Catalog) RecordFile(tx *sql.Tx, f FileEntry) error {
	exec := c.execer(tx)
	_, err := exec.Exec(`
		INSERT INTO files(file_id, snapshot_id, path, size, modified_time, file_digest)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.FileID, f.SnapshotID, f.Path, f.Size, f.ModifiedTime, f.FileDigest.String())
	if err != nil {
		return errs.Wrap(errs.IoError, "insert file row", err).WithSubject(f.Path)
	}

	for ordinal, d := range f.Chunks {
		_, err := exec.Exec(`
			INSERT INTO file_chunks(file_id, ordinal, digest) VALUES (?, ?, ?)
		`, f.FileID, ordinal, d.String())
		if err != nil {
			return errs.Wrap(errs.IoError, "insert file chunk row", err).WithSubject(f.Path)
		}
	}

	_, err = exec.Exec(`INSERT INTO files_fts(path, file_id) VALUES (?, ?)`, f.Path, f.FileID)
	if err != nil {
		return errs.Wrap(errs.IoError, "index file path", err).WithSubject(f.Path)
	}
	return nil
}

// GetSnapshot retrieves the snapshot with the given id.
func (c *Catalog) GetSnapshot(id string) (Snapshot, error) {
	row := c.db.QueryRow(`
		SELECT id, name, description, created_at, COALESCE(parent_id, ''), source_root, total_files, total_size, snapshot_root
		FROM snapshots WHERE id = ?
	`, id)
	return scanSnapshot(row)
}

func scanSnapshot(row interface{ Scan(...any) error }) (Snapshot, error) {
	var s Snapshot
	var rootHex string
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.CreatedAt, &s.ParentID, &s.SourceRoot, &s.TotalFiles, &s.TotalSize, &rootHex)
	if err == sql.ErrNoRows {
		return Snapshot{}, errs.New(errs.NotFound, "snapshot not found")
	}
	if err != nil {
		return Snapshot{}, errs.Wrap(errs.IoError, "read snapshot row", err)
	}
	root, err := digest.Parse(rootHex)
	if err != nil {
		return Snapshot{}, errs.Wrap(errs.IntegrityError, "parse snapshot root digest", err)
	}
	s.SnapshotRoot = root
	return s, nil
}

// ListSnapshots returns every snapshot, most recent first.
func (c *Catalog) ListSnapshots() ([]Snapshot, error) {
	rows, err := c.db.Query(`
		SELECT id, name, description, created_at, COALESCE(parent_id, ''), source_root, total_files, total_size, snapshot_root
		FROM snapshots ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "list snapshots", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FilesOf returns every file recorded in snapshotID, ordered by path, each
// with its chunk list ordered by ordinal.
func (c *Catalog) FilesOf(snapshotID string) ([]FileEntry, error) {
	rows, err := c.db.Query(`
		SELECT file_id, snapshot_id, path, size, modified_time, file_digest
		FROM files WHERE snapshot_id = ? ORDER BY path
	`, snapshotID)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "list files", err).WithSubject(snapshotID)
	}

	var entries []FileEntry
	for rows.Next() {
		var f FileEntry
		var digestHex string
		if err := rows.Scan(&f.FileID, &f.SnapshotID, &f.Path, &f.Size, &f.ModifiedTime, &digestHex); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.IoError, "scan file row", err)
		}
		d, err := digest.Parse(digestHex)
		if err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.IntegrityError, "parse file digest", err).WithSubject(f.Path)
		}
		f.FileDigest = d
		entries = append(entries, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, f := range entries {
		chunks, err := c.chunksOf(f.FileID)
		if err != nil {
			return nil, err
		}
		entries[i].Chunks = chunks
	}
	return entries, nil
}

func (c *Catalog) chunksOf(fileID string) ([]digest.Digest, error) {
	rows, err := c.db.Query(`SELECT digest FROM file_chunks WHERE file_id = ? ORDER BY ordinal`, fileID)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "list file chunks", err).WithSubject(fileID)
	}
	defer rows.Close()

	var chunks []digest.Digest
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, errs.Wrap(errs.IoError, "scan file chunk row", err)
		}
		d, err := digest.Parse(hex)
		if err != nil {
			return nil, errs.Wrap(errs.IntegrityError, "parse chunk digest", err)
		}
		chunks = append(chunks, d)
	}
	return chunks, rows.Err()
}

// FileMatch is one hit from SearchFiles.
type FileMatch struct {
	SnapshotID string
	Path       string
}

// SearchFiles performs a case-insensitive, whitespace-separated AND search
// of file paths across every snapshot, via the files_fts FTS5 index. Each
// term is matched as a token prefix, so "search_files repo" matches a path
// like "repository/search_files_test.go".
func (c *Catalog) SearchFiles(query string) ([]FileMatch, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = fmt.Sprintf("%q*", t)
	}
	matchExpr := strings.Join(quoted, " AND ")

	rows, err := c.db.Query(`
		SELECT f.snapshot_id, f.path
		FROM files_fts JOIN files f ON f.file_id = files_fts.file_id
		WHERE files_fts MATCH ?
		ORDER BY f.path
	`, matchExpr)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "search files", err)
	}
	defer rows.Close()

	var out []FileMatch
	for rows.Next() {
		var m FileMatch
		if err := rows.Scan(&m.SnapshotID, &m.Path); err != nil {
			return nil, errs.Wrap(errs.IoError, "scan search result", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Compare returns the file-level diff between two snapshots.
func (c *Catalog) Compare(snapshotA, snapshotB string) ([]merkle.DiffEntry, error) {
	filesA, err := c.FilesOf(snapshotA)
	if err != nil {
		return nil, err
	}
	filesB, err := c.FilesOf(snapshotB)
	if err != nil {
		return nil, err
	}
	return merkle.Diff(toRecords(filesA), toRecords(filesB)), nil
}

func toRecords(entries []FileEntry) []merkle.FileRecord {
	out := make([]merkle.FileRecord, len(entries))
	for i, e := range entries {
		out[i] = merkle.FileRecord{Path: e.Path, FileDigest: e.FileDigest}
	}
	return out
}

// ValidateChain walks id's parent_id links and returns an InvariantError if
// a cycle is detected.
func (c *Catalog) ValidateChain(id string) error {
	visited := make(map[string]bool)
	current := id
	for current != "" {
		if visited[current] {
			return errs.New(errs.InvariantError, "snapshot chain contains a cycle").WithSubject(id)
		}
		visited[current] = true

		s, err := c.GetSnapshot(current)
		if err != nil {
			return err
		}
		current = s.ParentID
	}
	return nil
}

// DeleteSnapshot removes id's rows (snapshot, files, file_chunks, fts
// entries) and returns the chunk digests it referenced, so the caller can
// dereference them in the ContentStore. It refuses to delete a snapshot
// that another snapshot's parent_id still points to, unless cascade is
// true.
func (c *Catalog) DeleteSnapshot(tx *sql.Tx, id string, cascade bool) ([]digest.Digest, error) {
	childIDs, err := c.childrenOf(tx, id)
	if err != nil {
		return nil, err
	}
	if len(childIDs) > 0 && !cascade {
		return nil, errs.New(errs.Conflict, "snapshot has dependent children; delete them first").WithSubject(id)
	}

	var chunks []digest.Digest
	for _, childID := range childIDs {
		childChunks, err := c.DeleteSnapshot(tx, childID, cascade)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, childChunks...)
	}

	files, err := c.FilesOf(id)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		chunks = append(chunks, f.Chunks...)
	}

	exec := c.execer(tx)
	if _, err := exec.Exec(`DELETE FROM file_chunks WHERE file_id IN (SELECT file_id FROM files WHERE snapshot_id = ?)`, id); err != nil {
		return nil, errs.Wrap(errs.IoError, "delete file chunk rows", err).WithSubject(id)
	}
	if _, err := exec.Exec(`DELETE FROM files_fts WHERE file_id IN (SELECT file_id FROM files WHERE snapshot_id = ?)`, id); err != nil {
		return nil, errs.Wrap(errs.IoError, "delete search index rows", err).WithSubject(id)
	}
	if _, err := exec.Exec(`DELETE FROM files WHERE snapshot_id = ?`, id); err != nil {
		return nil, errs.Wrap(errs.IoError, "delete file rows", err).WithSubject(id)
	}
	if _, err := exec.Exec(`DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return nil, errs.Wrap(errs.IoError, "delete snapshot row", err).WithSubject(id)
	}
	return chunks, nil
}

func (c *Catalog) childrenOf(tx *sql.Tx, id string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.Query(`SELECT id FROM snapshots WHERE parent_id = ?`, id)
	} else {
		rows, err = c.db.Query(`SELECT id FROM snapshots WHERE parent_id = ?`, id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "check snapshot children", err).WithSubject(id)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var childID string
		if err := rows.Scan(&childID); err != nil {
			return nil, errs.Wrap(errs.IoError, "scan snapshot child row", err)
		}
		ids = append(ids, childID)
	}
	return ids, rows.Err()
}

func (c *Catalog) execer(tx *sql.Tx) interface {
	Exec(query string, args ...any) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return c.db
}
