// Package verify implements the integrity verifier: three escalating
// levels of post-backup verification, from chunk-digest checks up through
// file-level and chain-level checks.
package verify

import (
	"context"

	"github.com/beehoard/beehoard/pkg/catalog"
	"github.com/beehoard/beehoard/pkg/digest"
	"github.com/beehoard/beehoard/pkg/errs"
	"github.com/beehoard/beehoard/pkg/merkle"
)

// Level selects how deep a verification pass goes.
type Level int

const (
	ChunksOnly Level = iota
	FileHashes
	Chain
)

// ChunkStore narrows pkg/store.Store to what this package needs.
type ChunkStore interface {
	Get(digest.Digest) ([]byte, error)
}

// MetadataStore narrows pkg/catalog.Catalog to what this package needs.
type MetadataStore interface {
	FilesOf(snapshotID string) ([]catalog.FileEntry, error)
	ValidateChain(id string) error
}

// ChunkError reports one chunk that failed verification.
type ChunkError struct {
	Digest digest.Digest
	Path   string
	Err    error
}

// FileError reports one file whose reconstructed digest did not match.
type FileError struct {
	Path string
	Err  error
}

// Report is the aggregated outcome of a Verify call.
type Report struct {
	OK          bool
	ChunkErrors []ChunkError
	FileErrors  []FileError
	ChainError  error
}

// Engine runs integrity checks against a ChunkStore and MetadataStore.
type Engine struct {
	store   ChunkStore
	catalog MetadataStore
}

// New constructs an Engine.
func New(s ChunkStore, c MetadataStore) *Engine {
	return &Engine{store: s, catalog: c}
}

// Verify checks snapshotID to the requested level.
func (e *Engine) Verify(ctx context.Context, snapshotID string, level Level) (Report, error) {
	files, err := e.catalog.FilesOf(snapshotID)
	if err != nil {
		return Report{}, err
	}

	var report Report
	report.OK = true

	for _, f := range files {
		select {
		case <-ctx.Done():
			return report, errs.Wrap(errs.Cancelled, "verify cancelled", ctx.Err())
		default:
		}

		var chunkDigests []digest.Digest
		fileOK := true
		for _, d := range f.Chunks {
			if _, err := e.store.Get(d); err != nil {
				report.ChunkErrors = append(report.ChunkErrors, ChunkError{Digest: d, Path: f.Path, Err: err})
				report.OK = false
				fileOK = false
				continue
			}
			chunkDigests = append(chunkDigests, d)
		}

		if level >= FileHashes && fileOK {
			if got := merkle.FileDigest(chunkDigests); got != f.FileDigest {
				report.FileErrors = append(report.FileErrors, FileError{
					Path: f.Path,
					Err:  errs.New(errs.IntegrityError, "reconstructed file digest does not match stored file_digest").WithSubject(f.Path),
				})
				report.OK = false
			}
		}
	}

	if level >= Chain {
		if err := e.catalog.ValidateChain(snapshotID); err != nil {
			report.ChainError = err
			report.OK = false
		}
	}

	return report, nil
}
