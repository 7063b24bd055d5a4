// Package merkle implements the two-level Merkle rule: a per-file digest
// over an ordered chunk-digest list, and a per-snapshot root over every
// file's path and digest. The two concatenation rules are the entire
// contract, since nothing else needs to be committed to.
package merkle

import (
	"sort"

	"github.com/beehoard/beehoard/pkg/digest"
)

// FileDigest computes the BLAKE3 digest over the concatenation of
// chunkDigests' bytes, in order. An empty chunk list yields BLAKE3("").
func FileDigest(chunkDigests []digest.Digest) digest.Digest {
	h := digest.New()
	for _, d := range chunkDigests {
		h.Write(d[:])
	}
	return h.Sum()
}

// FileRecord is the minimal shape SnapshotRoot needs from a FileEntry.
type FileRecord struct {
	Path       string
	FileDigest digest.Digest
}

// SnapshotRoot computes the BLAKE3 digest over the concatenation of
// (path_bytes || 0x00 || file_digest_bytes) for every file, ordered by path
// ascending byte-wise. files is not mutated.
func SnapshotRoot(files []FileRecord) digest.Digest {
	ordered := make([]FileRecord, len(files))
	copy(ordered, files)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Path < ordered[j].Path })

	h := digest.New()
	for _, f := range ordered {
		h.Write([]byte(f.Path))
		h.Write([]byte{0x00})
		h.Write(f.FileDigest[:])
	}
	return h.Sum()
}

// DiffKind enumerates the kinds of change diff reports between two
// snapshots' file sets.
type DiffKind int

const (
	Added DiffKind = iota
	Deleted
	Modified
)

func (k DiffKind) String() string {
	switch k {
	case Added:
		return "Added"
	case Deleted:
		return "Deleted"
	case Modified:
		return "Modified"
	default:
		return "Unknown"
	}
}

// DiffEntry is one path's change between snapshot A and snapshot B.
type DiffEntry struct {
	Path string
	Kind DiffKind
}

// Diff joins a's and b's file sets on Path and reports Added for paths only
// in b, Deleted for paths only in a, and Modified for paths in both whose
// FileDigest differs. Equal digests are omitted. Results are ordered by
// path ascending.
func Diff(a, b []FileRecord) []DiffEntry {
	aByPath := make(map[string]digest.Digest, len(a))
	for _, f := range a {
		aByPath[f.Path] = f.FileDigest
	}
	bByPath := make(map[string]digest.Digest, len(b))
	for _, f := range b {
		bByPath[f.Path] = f.FileDigest
	}

	pathSet := make(map[string]struct{}, len(aByPath)+len(bByPath))
	for p := range aByPath {
		pathSet[p] = struct{}{}
	}
	for p := range bByPath {
		pathSet[p] = struct{}{}
	}

	paths := make([]string, 0, len(pathSet))
	for p := range pathSet {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out []DiffEntry
	for _, p := range paths {
		da, inA := aByPath[p]
		db, inB := bByPath[p]
		switch {
		case inA && !inB:
			out = append(out, DiffEntry{Path: p, Kind: Deleted})
		case !inA && inB:
			out = append(out, DiffEntry{Path: p, Kind: Added})
		case da != db:
			out = append(out, DiffEntry{Path: p, Kind: Modified})
		}
	}
	return out
}
