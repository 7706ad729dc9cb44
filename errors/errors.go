package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in the dev-runtime lifecycle the error occurred
type Phase string

const (
	PhaseLoad    Phase = "load"    // module loading and ABI validation
	PhaseExtract Phase = "extract" // subprocess parameter extraction
	PhaseBuild   Phase = "build"   // external build tool invocation
	PhaseApply   Phase = "apply"   // swapping a rebuilt module in
	PhaseControl Phase = "control" // control-plane protocol handling
	PhaseProcess Phase = "process" // block processing through the ABI
)

// Kind categorizes the error
type Kind string

const (
	KindVersionMismatch  Kind = "version_mismatch"
	KindMissingExport    Kind = "missing_export"
	KindUnexpectedImport Kind = "unexpected_import"
	KindNotFound         Kind = "not_found"
	KindOutOfRange       Kind = "out_of_range"
	KindInvalidInput     Kind = "invalid_input"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
	KindCrashed          Kind = "crashed"
	KindParse            Kind = "parse"
	KindIO               Kind = "io"
)

// Error is the structured error type used throughout the dev runtime.
// Remedy carries the user-facing remediation action for failures that have
// one (ABI mismatches, missing exports); the control plane surfaces it
// verbatim so the UI can display it next to the cause.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string // module path or parameter id the error is about
	Detail string
	Remedy string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Module != "" {
		b.WriteString(" at ")
		b.WriteString(e.Module)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Remedy != "" {
		b.WriteString(" (remedy: ")
		b.WriteString(e.Remedy)
		b.WriteByte(')')
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by phase and kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Convenience constructors for the error shapes each phase produces

// VersionMismatch reports a module whose baked ABI version does not match
// the version the host was built for. The remediation names the legacy
// compatibility flag only while the found version is inside the deprecation
// window (version 1); anything else can only be fixed by rebuilding.
func VersionMismatch(module string, found, want int32) *Error {
	remedy := fmt.Sprintf("rebuild the module against SDK ABI v%d", want)
	if found == 1 && want == 2 {
		remedy += ", or opt into legacy_v1 during the v1 deprecation window"
	}
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindVersionMismatch,
		Module: module,
		Detail: fmt.Sprintf("module reports ABI version %d, host expects %d", found, want),
		Remedy: remedy,
	}
}

// MissingExport reports a required ABI symbol absent from the module's
// export table. Missing symbols are fatal at load, never deferred to call time.
func MissingExport(module, symbol string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindMissingExport,
		Module: module,
		Detail: fmt.Sprintf("required export %q not found", symbol),
		Remedy: "rebuild the module against the current SDK",
	}
}

// UnexpectedImport reports a module import the host does not provide.
func UnexpectedImport(module, namespace, name string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindUnexpectedImport,
		Module: module,
		Detail: fmt.Sprintf("module imports %s.%s which the host does not provide", namespace, name),
		Remedy: "build the module freestanding, or enable WASI support in the host config",
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// OutOfRange reports a parameter value outside its declared range.
func OutOfRange(id string, value, min, max float64) *Error {
	return &Error{
		Phase:  PhaseControl,
		Kind:   KindOutOfRange,
		Module: id,
		Detail: fmt.Sprintf("value %g outside declared range [%g, %g]", value, min, max),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTimeout,
		Detail: detail,
		Cause:  cause,
	}
}

// Cancelled marks work discarded because a newer generation superseded it.
// Cancellation is not a failure; callers log it at low severity and move on.
func Cancelled(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCancelled,
		Detail: detail,
	}
}

// Crashed reports a subprocess that exited abnormally.
func Crashed(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseExtract,
		Kind:   KindCrashed,
		Detail: detail,
		Cause:  cause,
	}
}

// ParseFailed creates a parsing error
func ParseFailed(phase Phase, what string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindParse,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

// IO wraps a filesystem or pipe error.
func IO(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kindIOFor(cause),
		Detail: detail,
		Cause:  cause,
	}
}

func kindIOFor(cause error) Kind {
	if errors.Is(cause, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindIO
}

// Wrap wraps an existing error with phase and kind context.
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// IsCancelled reports whether err represents cooperative cancellation,
// either ours or the context package's.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.Kind == KindCancelled
}

// IsTimeout reports whether err represents a deadline overrun.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTimeout
}
