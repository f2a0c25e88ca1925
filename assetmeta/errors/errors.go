package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
)

var (
	// ErrInvalidFormat is returned when container framing is malformed, reassembly metadata
	// disagrees, or a declared length is not representable
	ErrInvalidFormat = &AssetError{Code: "INVALID_FORMAT", Message: "invalid format"}

	// ErrNotFound is returned when the requested segment kind is absent
	ErrNotFound = &AssetError{Code: "NOT_FOUND", Message: "segment not found"}

	// ErrCapacityExceeded is returned when an in-place payload is larger than its reserved space
	ErrCapacityExceeded = &AssetError{Code: "CAPACITY_EXCEEDED", Message: "payload exceeds reserved capacity"}

	// ErrSizeLimitExceeded is returned when a declared size is over the allocation ceiling
	ErrSizeLimitExceeded = &AssetError{Code: "SIZE_LIMIT_EXCEEDED", Message: "declared size exceeds allocation ceiling"}

	// ErrIO is returned when the underlying stream fails
	ErrIO = &AssetError{Code: "IO_ERROR", Message: "i/o failure"}

	// ErrHashModeUnsupported is returned when a write session cannot produce the requested hash mode
	ErrHashModeUnsupported = &AssetError{Code: "HASH_MODE_UNSUPPORTED", Message: "hash mode not supported for this session"}

	// ErrUnsupportedContainer is returned when no handler recognizes the input
	ErrUnsupportedContainer = &AssetError{Code: "UNSUPPORTED_CONTAINER", Message: "unsupported container"}
)

// AssetError carries a stable Code next to a readable Message. Sentinels
// above are never mutated; the With* builders return decorated copies.
type AssetError struct {
	Code    string
	Message string
	Cause   error
	Details map[string]any
}

func (e *AssetError) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	case len(e.Details) > 0:
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AssetError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code, so decorated copies
// still match their sentinel.
func (e *AssetError) Is(target error) bool {
	t, ok := target.(*AssetError)
	return ok && t.Code == e.Code
}

func (e *AssetError) clone() *AssetError {
	c := *e
	return &c
}

func (e *AssetError) WithCause(cause error) *AssetError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithDetail records key in a fresh details map; e keeps its own.
func (e *AssetError) WithDetail(key string, value any) *AssetError {
	c := e.clone()
	c.Details = maps.Clone(e.Details)
	if c.Details == nil {
		c.Details = make(map[string]any, 1)
	}
	c.Details[key] = value
	return c
}

func (e *AssetError) WithMessage(message string) *AssetError {
	c := e.clone()
	c.Message = message
	return c
}

// InvalidFormat builds an ErrInvalidFormat with a formatted message.
func InvalidFormat(format string, args ...any) error {
	return ErrInvalidFormat.WithMessage(fmt.Sprintf(format, args...))
}

// NotFound builds an ErrNotFound naming the missing kind.
func NotFound(what string) error {
	return ErrNotFound.WithMessage(what + " not found")
}

// SizeLimit builds an ErrSizeLimitExceeded for a declared size.
func SizeLimit(size, limit uint64) error {
	return ErrSizeLimitExceeded.WithDetail("size", size).WithDetail("limit", limit)
}

// Capacity builds an ErrCapacityExceeded for an oversized in-place payload.
func Capacity(size, capacity uint64) error {
	return ErrCapacityExceeded.WithDetail("size", size).WithDetail("capacity", capacity)
}

// IO wraps a stream failure. Errors that already carry a code pass through untouched.
func IO(cause error) error {
	if cause == nil {
		return nil
	}
	if _, ok := cause.(*AssetError); ok {
		return cause
	}
	return ErrIO.WithCause(cause)
}

// Code returns the code of the first AssetError in err's chain, or "".
func Code(err error) string {
	var ae *AssetError
	if stderrors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
