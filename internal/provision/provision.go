// Package provision translates approved joins into external mutations: a
// temporary directory-group membership plus the group's privileges, each
// applied by a provisioner registered for its privilege type.
package provision

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/principal"
)

// PrivilegeProvisioner applies one privilege type.
type PrivilegeProvisioner interface {
	// Provision grants the privilege to the member for [start, start+duration).
	// Must be idempotent: re-provisioning the same window is a no-op.
	Provision(ctx context.Context, p policy.Privilege, member principal.IamID, start time.Time, duration time.Duration) error

	// Reconcile compares the privilege's desired state against the live
	// cloud state and reports drift.
	Reconcile(ctx context.Context, p policy.Privilege, now time.Time) ([]Finding, error)
}

// Finding is one reconciliation result.
type Finding struct {
	Resource string       `json:"resource"`
	Role     string       `json:"role"`
	Member   string       `json:"member,omitempty"`
	State    FindingState `json:"state"`
	Details  string       `json:"details,omitempty"`
}

// FindingState classifies a reconciliation finding.
type FindingState string

const (
	FindingOK       FindingState = "OK"
	FindingExpired  FindingState = "EXPIRED"
	FindingOrphaned FindingState = "ORPHANED"
)

// Service provisions joins. Privilege provisioners register by type; a
// policy referencing an unregistered type is a configuration error.
type Service struct {
	membership   *MembershipProvisioner
	provisioners map[policy.PrivilegeType]PrivilegeProvisioner
}

// NewService creates a provisioning service around a membership provisioner.
func NewService(membership *MembershipProvisioner) *Service {
	return &Service{
		membership:   membership,
		provisioners: make(map[policy.PrivilegeType]PrivilegeProvisioner),
	}
}

// Register adds a provisioner for a privilege type.
func (s *Service) Register(t policy.PrivilegeType, p PrivilegeProvisioner) {
	s.provisioners[t] = p
}

// Provision grants a user temporary membership of a group and applies all of
// the group's privileges. Returns the membership expiry.
//
// The start time is "now" truncated to the second, so approvers racing the
// same proposal within the same second produce identical binding conditions
// and the writes collapse into no-ops.
func (s *Service) Provision(ctx context.Context, group *policy.GroupPolicy, user principal.EndUserID, duration time.Duration) (time.Time, error) {
	if duration <= 0 {
		return time.Time{}, fmt.Errorf("non-positive duration: %w", fault.ErrIllegalArgument)
	}
	start := time.Now().UTC().Truncate(time.Second)

	expiry, err := s.membership.Provision(ctx, group, user, start, duration)
	if err != nil {
		return time.Time{}, fmt.Errorf("provision membership of %s in %s: %w", user, group.ID(), err)
	}

	for _, p := range group.Privileges {
		prov, ok := s.provisioners[p.PrivilegeType()]
		if !ok {
			return time.Time{}, &fault.ConstraintFailedError{
				Name: string(p.PrivilegeType()),
				Err:  fmt.Errorf("no provisioner registered for privilege type %q", p.PrivilegeType()),
			}
		}
		if err := prov.Provision(ctx, p, user, start, duration); err != nil {
			return time.Time{}, fmt.Errorf("provision %s for %s: %w", p.PrivilegeType(), user, err)
		}
	}

	log.Printf("INFO: provisioned %s in %s until %s", user, group.ID(), expiry.Format(time.RFC3339))
	return expiry, nil
}

// Reconcile checks all privileges of a group against the live cloud state.
func (s *Service) Reconcile(ctx context.Context, group *policy.GroupPolicy) ([]Finding, error) {
	now := time.Now().UTC()
	var findings []Finding
	for _, p := range group.Privileges {
		prov, ok := s.provisioners[p.PrivilegeType()]
		if !ok {
			return nil, &fault.ConstraintFailedError{
				Name: string(p.PrivilegeType()),
				Err:  fmt.Errorf("no provisioner registered for privilege type %q", p.PrivilegeType()),
			}
		}
		found, err := prov.Reconcile(ctx, p, now)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", p.PrivilegeType(), err)
		}
		findings = append(findings, found...)
	}
	return findings, nil
}
