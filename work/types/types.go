package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every engine package. Callers wrap these with
// fmt.Errorf("...: %w", ErrX) and test with errors.Is so the category survives
// any amount of added context.
var (
	// ErrInvalidParameter marks a contract violation by the caller. Never retried.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrMemory marks an allocation failure. Fatal to the operation.
	ErrMemory = errors.New("memory error")

	// ErrFile marks local scratch I/O failure. Fatal to the segment, the
	// owning worker continues.
	ErrFile = errors.New("file error")

	// ErrState marks an operation that is not valid in the current session state.
	ErrState = errors.New("invalid state")

	// ErrUnsupported marks a request the current content cannot honour
	// (trick play without I-frames, seek outside the window).
	ErrUnsupported = errors.New("unsupported")

	// ErrDownload marks a network failure. Always retried by the caller.
	ErrDownload = errors.New("download error")

	// ErrCancelled marks cooperative shutdown. Not an error to report.
	ErrCancelled = errors.New("cancelled")

	// ErrParse marks malformed playlist content.
	ErrParse = errors.New("parse error")

	// ErrGeneric covers everything else, including timeouts.
	ErrGeneric = errors.New("error")
)

// ErrorCode is the numeric form of an error category as reported to
// the player's error callback.
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeInvalidParameter
	CodeMemory
	CodeFile
	CodeState
	CodeUnsupported
	CodeDownload
	CodeCancelled
	CodeParse
	CodeGeneric
)

var codeNames = map[ErrorCode]string{
	CodeOK:               "OK",
	CodeInvalidParameter: "INVALID_PARAMETER",
	CodeMemory:           "MEMORY_ERROR",
	CodeFile:             "FILE_ERROR",
	CodeState:            "STATE_ERROR",
	CodeUnsupported:      "UNSUPPORTED",
	CodeDownload:         "DOWNLOAD_ERROR",
	CodeCancelled:        "CANCELLED",
	CodeParse:            "PARSE_ERROR",
	CodeGeneric:          "ERROR",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// CodeOf maps an error onto its category code. Unknown errors are CodeGeneric.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrInvalidParameter):
		return CodeInvalidParameter
	case errors.Is(err, ErrMemory):
		return CodeMemory
	case errors.Is(err, ErrFile):
		return CodeFile
	case errors.Is(err, ErrState):
		return CodeState
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, ErrDownload):
		return CodeDownload
	case errors.Is(err, ErrParse):
		return CodeParse
	default:
		return CodeGeneric
	}
}

// IsCancelled reports whether err unwinds from a cooperative shutdown.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
