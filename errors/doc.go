// Package errors provides structured error types for the sandbox host.
//
// Errors are categorized by Phase (where in the sandbox lifecycle the error
// occurred) and Kind (error category). Configuration and linking errors are
// fatal and surface at build or load time; deadline, memory and exit errors
// cross the sandbox boundary and are recoverable.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseConfig, errors.KindInvalidConfig).
//		Path("pool", "instance_count").
//		Value("abc").
//		Detail("must be a positive integer").
//		Build()
//
// Kind-only sentinels match regardless of phase:
//
//	if errors.Is(err, errors.ErrDeadlineExceeded) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
