package cloudiam

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Fake is an in-memory Client enforcing etag optimistic concurrency, for
// tests and local development.
type Fake struct {
	mu       sync.Mutex
	policies map[string]*Policy
	etagSeq  int

	// GrantableRoles configures ListGrantableRoles. Nil allows everything.
	GrantableRoles []string

	// FailSetsWithConflict makes the next N SetPolicy calls fail with a
	// 412 regardless of etag, to exercise retry paths.
	FailSetsWithConflict int

	// SetCalls counts SetPolicy invocations.
	SetCalls int
}

// NewFake creates an empty in-memory IAM backend.
func NewFake() *Fake {
	return &Fake{policies: make(map[string]*Policy)}
}

func (f *Fake) GetPolicy(ctx context.Context, resource string) (*Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[resource]
	if !ok {
		f.etagSeq++
		p = &Policy{Etag: fmt.Sprintf("etag-%d", f.etagSeq), Version: 3}
		f.policies[resource] = p
	}
	return copyPolicy(p), nil
}

func (f *Fake) SetPolicy(ctx context.Context, resource string, policy *Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetCalls++

	if f.FailSetsWithConflict > 0 {
		f.FailSetsWithConflict--
		return &APIError{StatusCode: http.StatusPreconditionFailed, Reason: "conditionNotMet", Message: "etag mismatch"}
	}

	current, ok := f.policies[resource]
	if ok && policy.Etag != current.Etag {
		return &APIError{StatusCode: http.StatusPreconditionFailed, Reason: "conditionNotMet", Message: "etag mismatch"}
	}
	if f.GrantableRoles != nil {
		for _, b := range policy.Bindings {
			if !contains(f.GrantableRoles, b.Role) {
				return &APIError{StatusCode: http.StatusBadRequest, Reason: ReasonRoleNotGrantable,
					Message: fmt.Sprintf("role %s is not grantable on %s", b.Role, resource)}
			}
		}
	}

	f.etagSeq++
	next := copyPolicy(policy)
	next.Etag = fmt.Sprintf("etag-%d", f.etagSeq)
	f.policies[resource] = next
	return nil
}

func (f *Fake) ListGrantableRoles(ctx context.Context, resource string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.GrantableRoles...), nil
}

// Policy returns the stored policy for assertions.
func (f *Fake) Policy(resource string) *Policy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyPolicy(f.policies[resource])
}

func copyPolicy(p *Policy) *Policy {
	if p == nil {
		return nil
	}
	out := &Policy{Etag: p.Etag, Version: p.Version}
	for _, b := range p.Bindings {
		nb := &Binding{Role: b.Role, Members: append([]string(nil), b.Members...)}
		if b.Condition != nil {
			c := *b.Condition
			nb.Condition = &c
		}
		out.Bindings = append(out.Bindings, nb)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ Client = (*Fake)(nil)
