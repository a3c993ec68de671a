package hydrus

import (
	"errors"
	"fmt"
)

type ErrorCode int

// Error taxonomy surfaced to the HTTP layer. FileIOError is internal to the
// blob store's retry logic and maps to Internal at the boundary.
const (
	Unknown ErrorCode = iota
	Unauthorized
	Forbidden
	NotFound
	Conflict
	Busy
	BadRequest
	BandwidthExceeded
	Internal
	ShuttingDown
	FileIOError
)

func (c ErrorCode) String() string {
	switch c {
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Busy:
		return "busy"
	case BadRequest:
		return "bad request"
	case BandwidthExceeded:
		return "bandwidth exceeded"
	case Internal:
		return "internal"
	case ShuttingDown:
		return "shutting down"
	case FileIOError:
		return "file io"
	}
	return "unknown"
}

// Hydrus custom error.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

// Errorf builds a taxonomized error from a format string.
func Errorf(code ErrorCode, format string, args ...any) error {
	return Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, walking wrapped errors.
// Untagged errors report Internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Unknown
	}
	var he Error
	if errors.As(err, &he) {
		return he.Code
	}
	return Internal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
