// Package apierrors defines the typed error taxonomy used at command and
// subsystem boundaries throughout substrate, per the orchestration core's
// error handling design: validation/state-conflict/not-found errors exit
// with code 2, budget/adapter/subprocess/system errors exit with code 1.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for exit-code mapping and programmatic handling.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindStateConflict
	KindBudgetExceeded
	KindAdapterUnavailable
	KindSubprocessFailure
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindAdapterUnavailable:
		return "adapter_unavailable"
	case KindSubprocessFailure:
		return "subprocess_failure"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Error is the typed error carried across command and subsystem
// boundaries. It wraps an underlying cause while attaching a Kind used to
// decide the process exit code.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// ExitCode maps a Kind to the process exit code fixed by the CLI surface.
func (e *Error) ExitCode() int {
	switch e.Kind {
	case KindValidation, KindStateConflict, KindNotFound:
		return 2
	case KindBudgetExceeded, KindAdapterUnavailable, KindSubprocessFailure, KindSystem:
		return 1
	default:
		return 1
	}
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...interface{}) *Error { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...interface{}) *Error   { return newf(KindNotFound, format, args...) }
func StateConflict(format string, args ...interface{}) *Error {
	return newf(KindStateConflict, format, args...)
}
func BudgetExceeded(format string, args ...interface{}) *Error {
	return newf(KindBudgetExceeded, format, args...)
}
func AdapterUnavailable(format string, args ...interface{}) *Error {
	return newf(KindAdapterUnavailable, format, args...)
}
func SubprocessFailure(cause error, format string, args ...interface{}) *Error {
	return wrap(KindSubprocessFailure, cause, format, args...)
}
func System(cause error, format string, args ...interface{}) *Error {
	return wrap(KindSystem, cause, format, args...)
}

// As recovers a *Error from err, if any exists in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ExitCodeFor inspects err and returns the exit code the CLI should use.
// Errors with no *Error in their chain are treated as system errors (1).
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := As(err); ok {
		return e.ExitCode()
	}
	return 1
}
