package digest

import (
	"bytes"
	"strings"
	"testing"

	"lukechampine.com/blake3"
)

func TestSum(t *testing.T) {
	data := []byte("hello world")
	d := Sum(data)

	want := blake3.Sum256(data)
	if !bytes.Equal(d[:], want[:]) {
		t.Errorf("Sum mismatch: got %x, want %x", d, want)
	}
	if len(d.String()) != Size*2 {
		t.Errorf("String length = %d, want %d", len(d.String()), Size*2)
	}
	if d.String() != strings.ToLower(d.String()) {
		t.Errorf("String() must be lowercase, got %s", d.String())
	}
}

func TestSumEmpty(t *testing.T) {
	d := Sum(nil)
	want := blake3.Sum256(nil)
	if !bytes.Equal(d[:], want[:]) {
		t.Errorf("Sum(nil) mismatch: got %x, want %x", d, want)
	}
}

func TestIncrementalMatchesOneShot(t *testing.T) {
	data := []byte(strings.Repeat("HELLO", 20000))

	oneShot := Sum(data)

	for _, split := range []int{0, 1, len(data) / 2, len(data) - 1, len(data)} {
		acc := New()
		acc.Write(data[:split])
		acc.Write(data[split:])
		got := acc.Sum()
		if got != oneShot {
			t.Errorf("split=%d: incremental digest %x != one-shot %x", split, got, oneShot)
		}
	}
}

func TestSumReader(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 3*streamWindow+17)
	got, err := SumReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("SumReader: %v", err)
	}
	if want := Sum(data); got != want {
		t.Errorf("SumReader mismatch: got %x, want %x", got, want)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, bytes.ErrTooLarge }

func TestSumReaderError(t *testing.T) {
	if _, err := SumReader(errReader{}); err == nil {
		t.Error("expected error from unreadable reader")
	}
}

func TestParseRoundTrip(t *testing.T) {
	d := Sum([]byte("round trip"))
	parsed, err := Parse(d.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != d {
		t.Errorf("Parse round trip mismatch: got %x, want %x", parsed, d)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("not-hex"); err == nil {
		t.Error("expected error for non-hex string")
	}
	if _, err := Parse("deadbeef"); err == nil {
		t.Error("expected error for short hex string")
	}
}

func TestLess(t *testing.T) {
	a := Digest{0x01}
	b := Digest{0x02}
	if !a.Less(b) {
		t.Error("expected a < b")
	}
	if b.Less(a) == true && a.Less(b) == true {
		t.Error("Less must be antisymmetric")
	}
}
