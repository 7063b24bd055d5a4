// Package fspath implements the platform-neutral relative path type used
// within snapshots: paths are forward-slash separated, normalized, and
// never contain "." or ".." segments after normalization. Platform
// normalization happens only at the scan/restore boundary (pkg/scan,
// pkg/restore) — everything else in the core deals in Rel values.
package fspath

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/beehoard/beehoard/pkg/errs"
	"golang.org/x/text/unicode/norm"
)

// Rel is a snapshot-relative path: forward-slash separated, NFC-normalized,
// and free of "." or ".." segments.
type Rel string

// FromOS converts an OS-native relative path (as produced by filepath.Rel)
// into a Rel, normalizing separators and Unicode form.
func FromOS(osRelPath string) (Rel, error) {
	slashed := filepath2Slash(osRelPath)
	normalized := norm.NFC.String(slashed)
	cleaned := path.Clean(normalized)
	if cleaned == "." {
		return "", errs.New(errs.InvariantError, "empty relative path")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return "", errs.New(errs.InvariantError, "path escapes snapshot root").WithSubject(osRelPath)
	}
	return Rel(cleaned), nil
}

// filepath2Slash converts OS path separators to '/', without depending on
// filepath.ToSlash so tests on any platform exercise the same code path.
func filepath2Slash(p string) string {
	return strings.ReplaceAll(strings.ReplaceAll(p, "\\", "/"), "//", "/")
}

// String returns the path as a plain string.
func (r Rel) String() string {
	return string(r)
}

// Join appends r onto targetDir as an OS-native path, verifying the result
// does not escape targetDir after cleaning. Used by RestoreEngine to place
// a FileEntry.Path under target_dir.
func Join(targetDir string, r Rel) (string, error) {
	if r == "" {
		return "", errs.New(errs.InvariantError, "empty relative path")
	}
	osRel := filepath.FromSlash(string(r))
	joined := filepath.Join(targetDir, osRel)
	cleanTarget := filepath.Clean(targetDir)
	prefix := cleanTarget + string(filepath.Separator)
	if !strings.HasPrefix(joined+string(filepath.Separator), prefix) {
		return "", errs.New(errs.InvariantError, "restore path escapes target directory").WithSubject(string(r))
	}
	return joined, nil
}
