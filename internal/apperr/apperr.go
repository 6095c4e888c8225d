// Package apperr defines the unified error taxonomy used across the core.
// Errors carry a Kind so command handlers can map them to structured
// responses without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for surfacing and retry policy.
type Kind string

const (
	KindValidation    Kind = "validation"    // user/client fault; never auto-retried
	KindNotFound      Kind = "not_found"     // missing entity
	KindConfiguration Kind = "configuration" // missing/invalid model or vendor
	KindDatabase      Kind = "database"      // storage fault
	KindFileSystem    Kind = "file_system"   // IO fault
	KindNetwork       Kind = "network"       // transient transport fault
	KindLLM           Kind = "llm"           // provider protocol fault
	KindInternal      Kind = "internal"      // invariant violation
)

// Error is the unified application error.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "vfs.PutBlob"
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, apperr.Sentinel(kind)) style matching on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New creates an error with no cause.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to a cause.
func Wrap(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation, NotFound, etc. are shorthand constructors.
func Validation(op, format string, args ...interface{}) *Error {
	return New(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...interface{}) *Error {
	return New(KindNotFound, op, format, args...)
}

func Configuration(op, format string, args ...interface{}) *Error {
	return New(KindConfiguration, op, format, args...)
}

func Database(op string, err error) *Error {
	return &Error{Kind: KindDatabase, Op: op, Message: "database error", Err: err}
}

func FileSystem(op string, err error) *Error {
	return &Error{Kind: KindFileSystem, Op: op, Message: "filesystem error", Err: err}
}

func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Message: "network error", Err: err}
}

func LLM(op, format string, args ...interface{}) *Error {
	return New(KindLLM, op, format, args...)
}

func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrCancelled marks cooperative cancellation. It is deliberately not an
// *Error: cancellation is a control-flow signal, not a fault.
var ErrCancelled = errors.New("operation cancelled")

// IsCancelled reports whether err is (or wraps) a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
