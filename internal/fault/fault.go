// Package fault defines the error taxonomy shared across the access broker.
//
// Errors are classified by cause, not by type: handlers map each class to an
// HTTP status, and the audit trail decides per class whether an event is a
// user problem or a configuration problem.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalArgument is returned for malformed input (bad IDs, missing
	// required form fields). Never retried.
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrNotAuthenticated is returned when the ingress did not provide a
	// verified end-user identity.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAccessDenied is returned for ACL denials, unsatisfied constraints at
	// enforce time, and unauthorized approvers. Surfaced with a generic
	// message; detail goes to the log only.
	ErrAccessDenied = errors.New("access denied")

	// ErrAlreadyExists is returned when an optimistic-concurrency update lost
	// the race but the final state matches the intended state. Usually mapped
	// to success by the caller.
	ErrAlreadyExists = errors.New("already exists")

	// ErrResourceNotFound is returned when an upstream lookup returned 404,
	// and for "denied or does not exist" API responses.
	ErrResourceNotFound = errors.New("resource not found")
)

// ConstraintUnsatisfiedError indicates a constraint expression evaluated to
// false. This is a user-input problem and carries a readable explanation.
type ConstraintUnsatisfiedError struct {
	Name    string
	Display string
}

func (e *ConstraintUnsatisfiedError) Error() string {
	if e.Display != "" {
		return fmt.Sprintf("constraint %q not satisfied: %s", e.Name, e.Display)
	}
	return fmt.Sprintf("constraint %q not satisfied", e.Name)
}

// ConstraintFailedError indicates a constraint could not be evaluated: the
// expression does not compile, references an undeclared variable, or threw
// during evaluation. This is a configuration problem; it is audited and
// presented to callers as an access denial.
type ConstraintFailedError struct {
	Name string
	Err  error
}

func (e *ConstraintFailedError) Error() string {
	return fmt.Sprintf("constraint %q failed: %v", e.Name, e.Err)
}

func (e *ConstraintFailedError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is attributable to policy
// configuration rather than user input.
func IsConfigurationError(err error) bool {
	var cf *ConstraintFailedError
	return errors.As(err, &cf)
}
