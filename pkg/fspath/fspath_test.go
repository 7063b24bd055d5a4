package fspath

import (
	"testing"

	"github.com/beehoard/beehoard/pkg/errs"
)

func TestFromOS(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a/b/c.txt", "a/b/c.txt"},
		{"a\\b\\c.txt", "a/b/c.txt"},
		{"./a/b", "a/b"},
		{"a/./b", "a/b"},
	}
	for _, c := range cases {
		got, err := FromOS(c.in)
		if err != nil {
			t.Fatalf("FromOS(%q): %v", c.in, err)
		}
		if string(got) != c.want {
			t.Errorf("FromOS(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFromOSRejectsEscape(t *testing.T) {
	for _, in := range []string{"..", "../a", "/etc/passwd", "a/../../b"} {
		if _, err := FromOS(in); !errs.Is(err, errs.InvariantError) {
			t.Errorf("FromOS(%q): expected InvariantError, got %v", in, err)
		}
	}
}

func TestFromOSRejectsEmpty(t *testing.T) {
	if _, err := FromOS("."); !errs.Is(err, errs.InvariantError) {
		t.Errorf("FromOS(\".\"): expected InvariantError, got %v", err)
	}
}

func TestJoinWithinTarget(t *testing.T) {
	got, err := Join("/srv/restore", Rel("a/b.txt"))
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got != "/srv/restore/a/b.txt" {
		t.Errorf("Join = %q", got)
	}
}

func TestJoinRejectsEscape(t *testing.T) {
	// A Rel can never contain ".." after FromOS validates it, but Join
	// defends independently in case a FileEntry was loaded from an older
	// or hand-crafted catalog row.
	if _, err := Join("/srv/restore", Rel("../etc/passwd")); !errs.Is(err, errs.InvariantError) {
		t.Errorf("Join: expected InvariantError for escaping path, got %v", err)
	}
}
