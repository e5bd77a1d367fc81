package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Phase indicates where in the sandbox lifecycle the error occurred
type Phase string

const (
	PhaseConfig      Phase = "config"      // engine and pool configuration
	PhaseLinking     Phase = "linking"     // import resolution
	PhaseLoad        Phase = "load"        // module compilation
	PhaseHost        Phase = "host"        // host function registration
	PhaseStore       Phase = "store"       // store construction
	PhaseInstantiate Phase = "instantiate" // instance creation
	PhaseRuntime     Phase = "runtime"     // guest execution
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidConfig    Kind = "invalid_config"
	KindMissingImport    Kind = "missing_import"
	KindRegistration     Kind = "registration"
	KindFinalized        Kind = "finalized"
	KindNotFound         Kind = "not_found"
	KindInvalidInput     Kind = "invalid_input"
	KindPoolLimit        Kind = "pool_limit"
	KindMemoryLimit      Kind = "memory_limit"
	KindDeadlineExceeded Kind = "deadline_exceeded"
	KindExit             Kind = "exit"
	KindTrap             Kind = "trap"
	KindNotPermitted     Kind = "not_permitted"
	KindInstantiation    Kind = "instantiation"
)

// Sentinels for errors.Is matching on kind regardless of phase.
var (
	ErrDeadlineExceeded = &Error{Kind: KindDeadlineExceeded}
	ErrMemoryLimit      = &Error{Kind: KindMemoryLimit}
	ErrPoolLimit        = &Error{Kind: KindPoolLimit}
	ErrInvalidConfig    = &Error{Kind: KindInvalidConfig}
	ErrNotPermitted     = &Error{Kind: KindNotPermitted}
	ErrFinalized        = &Error{Kind: KindFinalized}
)

// Error is the structured error type used throughout the host
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
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

// Is reports whether target matches this error.
// A target without a phase matches on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
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

// Path sets the config or import path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
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

// InvalidConfig creates a configuration error for a named setting
func InvalidConfig(setting string, value any, cause error) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidConfig,
		Path:   []string{setting},
		Value:  value,
		Detail: fmt.Sprintf("invalid value %q", fmt.Sprint(value)),
		Cause:  cause,
	}
}

// Registration creates a registration error
func Registration(namespace, name string, cause error) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s#%s", namespace, name),
		Cause:  cause,
	}
}

// Finalized reports use of a builder after Build
func Finalized(what string) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindFinalized,
		Detail: fmt.Sprintf("%s is already finalized", what),
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

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Load wraps a compilation failure
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}

// Instantiation wraps a substrate instantiation failure
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// PoolLimit reports a module exceeding a per-instance pooling limit
func PoolLimit(limit string, want, max uint64) *Error {
	return &Error{
		Phase:  PhaseLinking,
		Kind:   KindPoolLimit,
		Path:   []string{limit},
		Value:  want,
		Detail: fmt.Sprintf("module requires %d, pool allows %d", want, max),
	}
}

// MemoryLimit reports a memory request denied by the store limiter
func MemoryLimit(phase Phase, requested, consumed, max uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindMemoryLimit,
		Value:  requested,
		Detail: fmt.Sprintf("requested %d bytes with %d of %d consumed", requested, consumed, max),
	}
}

// DeadlineExceeded reports a guest trapped at an epoch checkpoint
func DeadlineExceeded(phase Phase, target, epoch uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindDeadlineExceeded,
		Detail: fmt.Sprintf("epoch %d passed deadline %d", epoch, target),
	}
}

// Exit reports a guest that terminated with an exit code
func Exit(code uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindExit,
		Value:  code,
		Detail: fmt.Sprintf("guest exited with code %d", code),
		Cause:  cause,
	}
}

// Trap wraps a guest trap
func Trap(phase Phase, cause error) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindTrap,
		Cause: cause,
	}
}

// NotPermitted reports an outbound address rejected by the allowlist
func NotPermitted(address, scheme string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindNotPermitted,
		Value:  address,
		Detail: fmt.Sprintf("%s address %q is not permitted", scheme, address),
	}
}

// ExitCode returns the guest exit code carried by err, if any.
func ExitCode(err error) (uint32, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindExit {
			code, ok := e.Value.(uint32)
			return code, ok
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Module   string // e.g., "wasi:cli/environment@0.2.0"
	Function string // e.g., "get-arguments"
	Reason   string // empty when the name is unknown
}

// MissingImportsError is returned when a program declares imports the
// engine's import table cannot satisfy
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of unresolved imports
func NewMissingImportsError(imports []MissingImport) *MissingImportsError {
	sorted := append([]MissingImport(nil), imports...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Module < sorted[j].Module
	})
	return &MissingImportsError{Imports: sorted}
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[linking] missing_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[linking] missing %d host function(s):\n", len(e.Imports))

	// Group by module for cleaner output
	byModule := make(map[string][]MissingImport)
	var order []string
	for _, imp := range e.Imports {
		if _, exists := byModule[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp)
	}

	for _, mod := range order {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, imp := range byModule[mod] {
			b.WriteString("    - ")
			b.WriteString(imp.Function)
			if imp.Reason != "" {
				b.WriteString(" (")
				b.WriteString(imp.Reason)
				b.WriteByte(')')
			}
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	if _, ok := target.(*MissingImportsError); ok {
		return true
	}
	t, ok := target.(*Error)
	return ok && t.Kind == KindMissingImport
}
