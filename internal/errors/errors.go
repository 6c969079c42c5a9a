// Package errors defines the coordination error taxonomy. Every failure the
// checklist, queue, bus and registry can report wraps one of the sentinel
// kinds below, so callers branch with Is instead of matching strings.
//
//	if errors.Is(err, errors.ErrNotEligible) { // lost a claim race, try the next task }
//	if errors.IsRetryable(err) { // back off and retry the whole operation }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions so callers import only this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel kinds.
var (
	// ErrValidation indicates malformed input: unknown priority or kind,
	// missing payload keys, unknown dependency ids.
	ErrValidation = New("validation failed")
	// ErrNotEligible indicates a claim on a task that is not claimable now.
	// It is an expected outcome of losing a race, not a fault.
	ErrNotEligible = New("task not eligible")
	// ErrInvalidTransition indicates a status change outside the state machine.
	ErrInvalidTransition = New("invalid status transition")
	// ErrRetryExhausted indicates a requeue pushed a task past max retries.
	// The task has been moved to blocked when this is returned.
	ErrRetryExhausted = New("retries exhausted")
	// ErrLockTimeout indicates the checklist lock was not acquired in time.
	ErrLockTimeout = New("timed out waiting for lock")
	// ErrNotFound indicates an unknown task, subtask, project or message.
	ErrNotFound = New("not found")
	// ErrDuplicatePath indicates a project path is already registered.
	ErrDuplicatePath = New("project path already registered")
	// ErrDependencyCycle indicates a dependency edge would close a cycle.
	ErrDependencyCycle = New("dependency cycle detected")
)

// Error carries the operation and subject of a failure alongside its kind.
type Error struct {
	Kind error
	Op   string
	ID   string
	Msg  string
}

func (e *Error) Error() string {
	s := e.Op
	if e.ID != "" {
		s += " " + e.ID
	}
	if s != "" {
		s += ": "
	}
	if e.Msg != "" {
		return s + e.Msg
	}
	return s + e.Kind.Error()
}

// Unwrap exposes the sentinel kind to errors.Is.
func (e *Error) Unwrap() error { return e.Kind }

// E builds an *Error of the given kind.
func E(kind error, op, id, format string, args ...any) error {
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, ID: id, Msg: msg}
}

// Validation builds an ErrValidation error.
func Validation(op, format string, args ...any) error {
	return E(ErrValidation, op, "", format, args...)
}

// NotFound builds an ErrNotFound error for a named resource.
func NotFound(resource, id string) error {
	return E(ErrNotFound, resource, id, "%s %s not found", resource, id)
}

// NotEligible builds an ErrNotEligible error with a reason.
func NotEligible(id, reason string) error {
	return E(ErrNotEligible, "claim", id, "not eligible: %s", reason)
}

// InvalidTransition builds an ErrInvalidTransition error.
func InvalidTransition(id string, from, to any) error {
	return E(ErrInvalidTransition, "transition", id, "cannot move from %v to %v", from, to)
}

// KindOf returns the sentinel kind wrapped by err, or nil.
func KindOf(err error) error {
	for _, k := range []error{
		ErrValidation, ErrNotEligible, ErrInvalidTransition, ErrRetryExhausted,
		ErrLockTimeout, ErrNotFound, ErrDuplicatePath, ErrDependencyCycle,
	} {
		if Is(err, k) {
			return k
		}
	}
	return nil
}

// IsRetryable reports whether the whole operation may succeed if retried.
func IsRetryable(err error) bool {
	return Is(err, ErrLockTimeout)
}

// IsExpected reports whether err is a normal outcome of concurrency that
// should not be logged as a fault.
func IsExpected(err error) bool {
	return Is(err, ErrNotEligible)
}
