// Package errors provides structured error types for the xvm execution host.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Load failures use PhaseLoad, failures detected before a call starts executing use
// PhaseResolve. Traps raised during execution are not *Error values; they live in
// the exec package as *exec.TrapError.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindMalformed).
//		Path("meta", "version").
//		Detail("unsupported artifact version %d", v).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UnresolvedImport("env", "missing")
//	err := errors.UnknownExport("transfer")
//
// Sentinels such as ErrUnresolvedImport match any error with the same Phase and Kind:
//
//	if errors.Is(err, xerrors.ErrUnresolvedImport) { ... }
package errors
