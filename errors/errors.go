package errors

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Phase indicates which bridge operation the error occurred in
type Phase string

const (
	PhaseLoad        Phase = "load"        // engine binary validation and compilation
	PhaseInstantiate Phase = "instantiate" // engine module instantiation
	PhaseOpen        Phase = "open"        // connection open
	PhaseClose       Phase = "close"       // connection close
	PhaseExec        Phase = "exec"        // one-shot statement execution
	PhasePrepare     Phase = "prepare"     // statement compilation
	PhaseBind        Phase = "bind"        // parameter binding
	PhaseStep        Phase = "step"        // statement stepping
	PhaseColumn      Phase = "column"      // result column access
	PhaseFunction    Phase = "function"    // scalar function dispatch
	PhaseAggregate   Phase = "aggregate"   // aggregate function dispatch
	PhaseHook        Phase = "hook"        // update hook dispatch
	PhaseModule      Phase = "module"      // virtual table registration and connect
	PhasePlan        Phase = "plan"        // virtual table planning
	PhaseCursor      Phase = "cursor"      // virtual table cursor operations
	PhaseMutate      Phase = "mutate"      // virtual table mutation
	PhaseBackup      Phase = "backup"      // online backup session
	PhaseBlob        Phase = "blob"        // incremental blob session
	PhaseSerialize   Phase = "serialize"   // database image transfer
)

// Kind categorizes the error
type Kind string

const (
	KindEngine        Kind = "engine"         // engine reported a non-success result code
	KindHostFailure   Kind = "host_failure"   // host computation returned an error
	KindInvalidHandle Kind = "invalid_handle" // operation on a finished or closed handle
	KindInvalidInput  Kind = "invalid_input"  // caller-supplied argument rejected
	KindNotFound      Kind = "not_found"      // named entity does not exist
	KindAllocation    Kind = "allocation"     // guest memory allocation failed
	KindOutOfBounds   Kind = "out_of_bounds"  // guest memory access outside linear memory
	KindInvalidUTF8   Kind = "invalid_utf8"   // text payload is not valid UTF-8
	KindCorrupt       Kind = "corrupt"        // engine binary malformed
	KindMissingExport Kind = "missing_export" // engine binary lacks a required export
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Cause   error
	Phase   Phase
	Kind    Kind
	Code    Code   // engine primary result code, CodeOK when not engine-originated
	Message string // engine diagnostic text
	Detail  string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Code != CodeOK {
		b.WriteString(": ")
		b.WriteString(e.Code.String())
	}

	if e.Message != "" {
		if e.Code != CodeOK {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
	}

	if e.Detail != "" {
		if e.Code != CodeOK || e.Message != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
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

// Code sets the engine result code
func (b *Builder) Code(code Code) *Builder {
	b.err.Code = code
	return b
}

// Message sets the engine diagnostic text
func (b *Builder) Message(msg string) *Builder {
	b.err.Message = msg
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

// Convenience constructors for common error patterns

// Engine creates an error for a non-success engine result code
func Engine(phase Phase, code Code, message string) *Error {
	return &Error{
		Phase:   phase,
		Kind:    KindEngine,
		Code:    code,
		Message: message,
	}
}

// HostFailure creates an error for a failed host computation. The cause is
// kept on the Go side only; the engine observes a generic error status.
func HostFailure(phase Phase, cause error) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindHostFailure,
		Cause: cause,
	}
}

// InvalidHandle creates an error for an operation on a finished or closed handle
func InvalidHandle(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidHandle,
		Detail: what,
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

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes in guest memory", size),
	}
}

// OutOfBounds creates an out of bounds error for a guest memory access
func OutOfBounds(phase Phase, offset, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("memory range [%d, %d) outside linear memory", offset, uint64(offset)+uint64(length)),
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(phase Phase, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidUTF8,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
	}
}

// Corrupt creates an error for a malformed engine binary
func Corrupt(detail string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindCorrupt,
		Detail: detail,
	}
}

// Load creates an engine loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindCorrupt,
		Detail: detail,
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindEngine,
		Detail: "instantiate engine module",
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

// ValidText checks that data is valid UTF-8 and reports an InvalidUTF8
// error for phase otherwise
func ValidText(phase Phase, data []byte) error {
	if !utf8.Valid(data) {
		return InvalidUTF8(phase, data)
	}
	return nil
}

// IsKind reports whether err is an *Error of the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// IsCode reports whether err carries the given engine result code
func IsCode(err error, code Code) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// IsInvalidHandle reports whether err is an invalid-handle error
func IsInvalidHandle(err error) bool {
	return IsKind(err, KindInvalidHandle)
}

// CodeOf returns the engine result code carried by err, or CodeOK when err
// is nil or carries none
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return CodeOK
	}
	return e.Code
}

// MissingExportsError is returned when a candidate engine binary lacks
// required exports
type MissingExportsError struct {
	Names []string
}

// NewMissingExportsError creates an error from the list of absent export names
func NewMissingExportsError(names []string) *MissingExportsError {
	return &MissingExportsError{Names: names}
}

func (e *MissingExportsError) Error() string {
	if len(e.Names) == 0 {
		return "[load] missing_export: no exports specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("engine binary is missing %d required export(s):\n", len(e.Names)))

	for _, name := range e.Names {
		b.WriteString("  - ")
		b.WriteString(name)
		b.WriteByte('\n')
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingExportsError) Is(target error) bool {
	_, ok := target.(*MissingExportsError)
	return ok
}
