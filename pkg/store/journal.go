package store

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/beehoard/beehoard/pkg/digest"
	"github.com/beehoard/beehoard/pkg/errs"
)

// Pending-refs journal: when the ContentStore and MetadataStore live in
// separate physical databases (engine.Config.SingleDB == false), a snapshot
// deletion cannot commit its catalog delete and its chunk-refcount
// decrements in one transaction. pkg/retention commits the catalog delete,
// then writes the decrements to a journal file with WritePendingFile,
// applies them, and removes the file with ClearPendingFile. engine.Open
// reads a journal file left behind by a crash, applies its entries with
// ApplyPending, and clears it. Backups do not write this journal.

// PendingRef is one not-yet-applied refcount adjustment.
type PendingRef struct {
	Digest digest.Digest
	Delta  int
}

// ApplyPending applies every entry in refs to the store in one transaction:
// either every delta is applied or none is. It does not detect entries that
// were applied before, so submitting an entry again applies its delta again.
func (s *Store) ApplyPending(refs []PendingRef) error {
	if len(refs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.IoError, "begin pending-refs transaction", err)
	}
	for _, r := range refs {
		if err := s.ReferenceTx(tx, r.Digest, r.Delta); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.IoError, "commit pending-refs transaction", err)
	}
	return nil
}

// WritePendingFile persists refs to path as newline-delimited JSON, so a
// crash between the caller's metadata commit and its ApplyPending call
// leaves a durable record to replay on the next Open. A nil or empty refs
// removes any existing file instead of writing an empty one.
func WritePendingFile(path string, refs []PendingRef) error {
	if len(refs) == 0 {
		return ClearPendingFile(path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.IoError, "create pending-refs journal", err).WithSubject(path)
	}
	enc := json.NewEncoder(f)
	for _, r := range refs {
		if err := enc.Encode(r); err != nil {
			f.Close()
			return errs.Wrap(errs.IoError, "write pending-refs journal entry", err).WithSubject(path)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.Wrap(errs.IoError, "sync pending-refs journal", err).WithSubject(path)
	}
	return f.Close()
}

// ReadPendingFile reads back the refs WritePendingFile wrote, or returns a
// nil slice if path does not exist.
func ReadPendingFile(path string) ([]PendingRef, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "read pending-refs journal", err).WithSubject(path)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var refs []PendingRef
	for dec.More() {
		var r PendingRef
		if err := dec.Decode(&r); err != nil {
			return nil, errs.Wrap(errs.IoError, "decode pending-refs journal entry", err).WithSubject(path)
		}
		refs = append(refs, r)
	}
	return refs, nil
}

// ClearPendingFile removes path's journal file, if present. Called once its
// entries have been durably applied.
func ClearPendingFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IoError, "remove pending-refs journal", err).WithSubject(path)
	}
	return nil
}
