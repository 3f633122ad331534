// Package cloudiam abstracts the cloud IAM policy API used to grant and
// revoke temporary role bindings.
package cloudiam

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Binding grants a role to a set of members, optionally narrowed by a
// condition expression.
type Binding struct {
	Role      string
	Members   []string
	Condition *Condition
}

// Condition is an IAM condition attached to a binding.
type Condition struct {
	Title       string
	Description string
	Expression  string
}

// Policy is a resource's IAM policy. Etag implements optimistic concurrency:
// a SetPolicy with a stale etag fails with a conflict and the caller re-reads
// and retries.
type Policy struct {
	Etag     string
	Version  int
	Bindings []*Binding
}

// Client is the IAM policy backend.
type Client interface {
	GetPolicy(ctx context.Context, resource string) (*Policy, error)
	SetPolicy(ctx context.Context, resource string, policy *Policy) error

	// ListGrantableRoles returns the roles that can be bound on the
	// resource hierarchy, used by the policy linter.
	ListGrantableRoles(ctx context.Context, resource string) ([]string, error)
}

// APIError carries the HTTP status and reason of a failed IAM API call.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("iam api error %d (%s): %s", e.StatusCode, e.Reason, e.Message)
}

// ReasonRoleNotGrantable marks a 400 response caused by binding a role the
// resource does not support.
const ReasonRoleNotGrantable = "roleNotGrantable"

// IsConflict reports whether err is a stale-etag conflict that warrants a
// re-read and retry.
func IsConflict(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusPreconditionFailed || apiErr.StatusCode == http.StatusConflict
	}
	return false
}

// IsRoleNotGrantable reports whether err means the role cannot be bound on
// the target resource. This is a policy configuration problem, not a
// transient failure.
func IsRoleNotGrantable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusBadRequest && apiErr.Reason == ReasonRoleNotGrantable
	}
	return false
}
