package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsByCode(t *testing.T) {
	remote := &Error{Code: CodeWorkerUnavailable, Message: "worker exited"}
	if !errors.Is(remote, ErrWorkerUnavailable) {
		t.Error("errors.Is() should match errors with the same code")
	}
	if errors.Is(remote, ErrRequestTimeout) {
		t.Error("errors.Is() should not match a different code")
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("no such table: products")
	err := fmt.Errorf("query: %w", Wrap(ErrQueryFailure, cause))

	if !errors.Is(err, ErrQueryFailure) {
		t.Error("wrapped error should match ErrQueryFailure")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should keep its cause")
	}
	if got, want := Wrap(ErrQueryFailure, cause).Error(), "query failure: no such table: products"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
