package runtime

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsCodeMatchesWrappedError(t *testing.T) {
	base := &Error{Code: CodeTransient, Op: "StartProfiling", Err: errors.New("boom")}
	wrapped := fmt.Errorf("context: %w", base)

	if !IsCode(wrapped, CodeTransient) {
		t.Fatal("IsCode() = false for a wrapped *Error, want true")
	}
	if IsCode(wrapped, CodeNotEnoughELU) {
		t.Fatal("IsCode() = true for the wrong code, want false")
	}
}

func TestIsCodeFalseForPlainError(t *testing.T) {
	if IsCode(errors.New("plain"), CodeTransient) {
		t.Fatal("IsCode() = true for a non-*Error, want false")
	}
}

func TestErrorStringIncludesCodeAndOp(t *testing.T) {
	err := &Error{Code: CodeNoProfileAvailable, Op: "GetLastProfile"}
	want := "runtime: GetLastProfile: NO_PROFILE_AVAILABLE"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
