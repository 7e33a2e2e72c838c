package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodesAreFixed(t *testing.T) {
	want := map[ErrorCode]uint8{
		CodeUnauthorized:         1,
		CodeInvalidDevice:        2,
		CodeStatusUpdateFailed:   3,
		CodeInvalidStatus:        4,
		CodeInvalidCertification: 5,
		CodeCertificationExists:  6,
	}
	for code, n := range want {
		if uint8(code) != n {
			t.Errorf("%s = %d, want %d", code, uint8(code), n)
		}
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Errorf(CodeUnauthorized, "caller %s is not the owner", "mallory")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if errors.Is(err, ErrInvalidDevice) {
		t.Fatalf("different codes must not match")
	}
	wrapped := fmt.Errorf("register: %w", err)
	if got := CodeOf(wrapped); got != CodeUnauthorized {
		t.Fatalf("expected code through wrapping, got %s", got)
	}
	if got := CodeOf(errors.New("disk full")); got != 0 {
		t.Fatalf("infrastructure errors carry no code, got %s", got)
	}
	if got := err.Error(); got != "Unauthorized: caller mallory is not the owner" {
		t.Fatalf("unexpected message %q", got)
	}
	if ErrorCode(42).String() != "ErrorCode(42)" {
		t.Fatalf("unexpected fallback name")
	}
}
