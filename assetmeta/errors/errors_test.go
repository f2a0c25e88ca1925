package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestAssetError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *AssetError
		wantStr string
	}{
		{
			name: "basic error",
			err: &AssetError{
				Code:    "TEST_ERROR",
				Message: "test message",
			},
			wantStr: "[TEST_ERROR] test message",
		},
		{
			name: "error with cause",
			err: &AssetError{
				Code:    "TEST_ERROR",
				Message: "test message",
				Cause:   stderrors.New("underlying error"),
			},
			wantStr: "[TEST_ERROR] test message: underlying error",
		},
		{
			name: "error with details",
			err: &AssetError{
				Code:    "TEST_ERROR",
				Message: "test message",
				Details: map[string]any{"key": "value"},
			},
			wantStr: "details",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if !strings.Contains(got, tt.wantStr) {
				t.Errorf("Error() = %q, want to contain %q", got, tt.wantStr)
			}
		})
	}
}

func TestAssetError_WithCause(t *testing.T) {
	cause := stderrors.New("root cause")
	err := ErrIO.WithCause(cause)

	if err.Cause != cause {
		t.Errorf("WithCause() cause = %v, want %v", err.Cause, cause)
	}

	if !stderrors.Is(err, cause) {
		t.Error("WithCause() should allow errors.Is to work")
	}
}

func TestAssetError_IsMatchesDecoratedCopies(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		want     bool
	}{
		{"message override", InvalidFormat("bad marker at %d", 12), ErrInvalidFormat, true},
		{"detail", SizeLimit(10, 5), ErrSizeLimitExceeded, true},
		{"capacity", Capacity(10, 5), ErrCapacityExceeded, true},
		{"wrapped by fmt", fmt.Errorf("parse: %w", NotFound("xmp")), ErrNotFound, true},
		{"different code", NotFound("xmp"), ErrInvalidFormat, false},
		{"plain error", io.EOF, ErrIO, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stderrors.Is(tt.err, tt.sentinel); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssetError_WithDetail(t *testing.T) {
	err := ErrCapacityExceeded.WithDetail("capacity", uint64(42))

	if err.Details["capacity"] != uint64(42) {
		t.Errorf("WithDetail() capacity = %v, want 42", err.Details["capacity"])
	}
	if len(ErrCapacityExceeded.Details) != 0 {
		t.Error("WithDetail() must not mutate the sentinel")
	}
}

func TestAssetError_WithMessage(t *testing.T) {
	err := ErrNotFound.WithMessage("custom message")

	if err.Message != "custom message" {
		t.Errorf("WithMessage() message = %q, want 'custom message'", err.Message)
	}
}

func TestIO(t *testing.T) {
	if IO(nil) != nil {
		t.Fatal("IO(nil) should be nil")
	}

	wrapped := IO(io.ErrUnexpectedEOF)
	if Code(wrapped) != "IO_ERROR" {
		t.Errorf("Code() = %q, want IO_ERROR", Code(wrapped))
	}
	if !stderrors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Error("IO() should keep the cause reachable")
	}

	coded := InvalidFormat("truncated")
	if IO(coded) != coded {
		t.Error("IO() should pass coded errors through")
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "sentinel",
			err:  ErrHashModeUnsupported,
			want: "HASH_MODE_UNSUPPORTED",
		},
		{
			name: "decorated copy",
			err:  ErrSizeLimitExceeded.WithDetail("size", 1),
			want: "SIZE_LIMIT_EXCEEDED",
		},
		{
			name: "wrapped by fmt",
			err:  fmt.Errorf("in.png: %w", NotFound("xmp")),
			want: "NOT_FOUND",
		},
		{
			name: "standard error",
			err:  stderrors.New("test"),
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithDetailLeavesSentinelUntouched(t *testing.T) {
	_ = ErrCapacityExceeded.WithDetail("size", 1)
	if len(ErrCapacityExceeded.Details) != 0 {
		t.Errorf("sentinel details = %v, want none", ErrCapacityExceeded.Details)
	}
}
