package errs

import (
	"errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	e := New(NotFound, "snapshot missing").WithSubject("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if got := e.Error(); got == "" {
		t.Fatal("Error() returned empty string")
	}
	if e.Retryable() {
		t.Error("NotFound should not be retryable")
	}
}

func TestRetryableKinds(t *testing.T) {
	if !New(Conflict, "locked").Retryable() {
		t.Error("Conflict should be retryable")
	}
	if !New(IoError, "disk full").Retryable() {
		t.Error("IoError should be retryable")
	}
	if New(IntegrityError, "corrupt").Retryable() {
		t.Error("IntegrityError should not be retryable")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	e := Wrap(IoError, "read failed", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestIs(t *testing.T) {
	err := error(New(Cancelled, "aborted"))
	if !Is(err, Cancelled) {
		t.Error("Is(err, Cancelled) should be true")
	}
	if Is(err, NotFound) {
		t.Error("Is(err, NotFound) should be false")
	}
	if Is(errors.New("plain"), NotFound) {
		t.Error("Is on a plain error should be false")
	}
}
