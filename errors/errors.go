package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLoad    Phase = "load"    // artifact loading and linking
	PhaseResolve Phase = "resolve" // export lookup before a call
	PhaseCompile Phase = "compile" // wasm to artifact
	PhaseRuntime Phase = "runtime" // context lifecycle
	PhaseHost    Phase = "host"    // host function binding
	PhaseCache   Phase = "cache"   // code manager caches
	PhaseConfig  Phase = "config"
)

// Kind categorizes the error
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindMalformed         Kind = "malformed"
	KindMissingImport     Kind = "missing_import"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindTypeMismatch      Kind = "type_mismatch"
	KindUnsupported       Kind = "unsupported"
	KindInvalidInput      Kind = "invalid_input"
	KindLimitExceeded     Kind = "limit_exceeded"
	KindReleased          Kind = "released"
	KindNotInitialized    Kind = "not_initialized"
	KindInstantiation     Kind = "instantiation"
	KindIO                Kind = "io"
)

// Sentinels for errors.Is. Matching compares Phase and Kind only.
var (
	ErrNotFound          = &Error{Phase: PhaseLoad, Kind: KindNotFound}
	ErrMalformed         = &Error{Phase: PhaseLoad, Kind: KindMalformed}
	ErrUnresolvedImport  = &Error{Phase: PhaseLoad, Kind: KindMissingImport}
	ErrSignatureMismatch = &Error{Phase: PhaseLoad, Kind: KindSignatureMismatch}
	ErrUnknownExport     = &Error{Phase: PhaseResolve, Kind: KindNotFound}
	ErrTypeMismatch      = &Error{Phase: PhaseResolve, Kind: KindTypeMismatch}
	ErrReleased          = &Error{Phase: PhaseRuntime, Kind: KindReleased}
	ErrLimitExceeded     = &Error{Phase: PhaseCompile, Kind: KindLimitExceeded}
)

// Error is the structured error type used throughout xvm
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string
	Name   string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	switch {
	case e.Module != "" || e.Name != "":
		b.WriteString(" at ")
		b.WriteString(e.Module)
		b.WriteByte('.')
		b.WriteString(e.Name)
	case len(e.Path) > 0:
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
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

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Import sets the import module and name
func (b *Builder) Import(module, name string) *Builder {
	b.err.Module = module
	b.err.Name = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Load package constructors

// NotFound creates a not-found error for an artifact locator
func NotFound(path string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("artifact %q not found", path),
		Cause:  cause,
	}
}

// Malformed creates an error for an artifact that does not expose the expected surface
func Malformed(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindMalformed,
		Detail: detail,
		Cause:  cause,
	}
}

// UnresolvedImport creates an error for an import the resolver cannot satisfy
func UnresolvedImport(module, name string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindMissingImport,
		Module: module,
		Name:   name,
		Detail: "import can't be resolved",
	}
}

// SignatureMismatch creates an error for a resolved function incompatible with its import type
func SignatureMismatch(module, name, detail string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindSignatureMismatch,
		Module: module,
		Name:   name,
		Detail: detail,
	}
}

// Resolve package constructors

// UnknownExport creates an error for a call to a name that is not an exported function
func UnknownExport(name string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindNotFound,
		Name:   name,
		Detail: fmt.Sprintf("export %q not found", name),
	}
}

// TypeMismatch creates an error for call arguments that do not match the export type
func TypeMismatch(name, detail string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindTypeMismatch,
		Path:   []string{name},
		Detail: detail,
	}
}

// LimitExceeded creates a compile limit error
func LimitExceeded(what string, value, limit uint64) *Error {
	return &Error{
		Phase:  PhaseCompile,
		Kind:   KindLimitExceeded,
		Path:   []string{what},
		Detail: fmt.Sprintf("%d exceeds limit %d", value, limit),
		Value:  value,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Released creates an error for use of a released code or context
func Released(what string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindReleased,
		Detail: fmt.Sprintf("%s released", what),
	}
}

// NotInitialized creates a not-initialized error for missing module/instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
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

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// IsLoadError reports whether err is a load phase error
func IsLoadError(err error) bool {
	return phaseOf(err) == PhaseLoad
}

// IsResolutionError reports whether err was raised before execution by export resolution
func IsResolutionError(err error) bool {
	return phaseOf(err) == PhaseResolve
}

func phaseOf(err error) Phase {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Phase
	}
	return ""
}
