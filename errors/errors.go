package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind classifies a failure so callers can branch on it without string
// matching. Kinds cover registry misuse, conversation invariant
// violations and loop termination.
type Kind string

const (
	KindUnknownTool        Kind = "unknown_tool"
	KindDuplicateTool      Kind = "duplicate_tool"
	KindDanglingToolResult Kind = "dangling_tool_result"
	KindToolLoopExceeded   Kind = "tool_loop_exceeded"
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", callerRef(), fmt.Sprintf(format, a...))
}

// NewKind creates a new error carrying a Kind, checkable with IsKind.
func NewKind(kind Kind, format string, a ...interface{}) error {
	return &kindError{
		kind: kind,
		err:  fmt.Errorf("[%s] %s: %s", callerRef(), kind, fmt.Sprintf(format, a...)),
	}
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", callerRef(), fmt.Sprintf(format, a...), err)
}

// IsKind reports whether any error in err's chain carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}

func callerRef() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
