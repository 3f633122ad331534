package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/terraconstructs/jitaccess/internal/directory"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/principal"
)

// startSkewTolerance allows for clock drift when asserting that a start time
// is not in the future.
const startSkewTolerance = 10 * time.Second

// MembershipProvisioner provisions temporary directory-group memberships.
type MembershipProvisioner struct {
	directory directory.Client
	mapping   *directory.GroupMapping
}

// NewMembershipProvisioner creates a membership provisioner.
func NewMembershipProvisioner(dir directory.Client, mapping *directory.GroupMapping) *MembershipProvisioner {
	return &MembershipProvisioner{directory: dir, mapping: mapping}
}

// Provision adds or extends the user's membership in the group's backing
// directory group. The directory cannot schedule a future start, so start
// must not be ahead of the wall clock; the expiry is start + duration.
//
// Idempotent by (group, user): an existing membership has its expiry
// replaced rather than accumulating a second entry.
func (p *MembershipProvisioner) Provision(ctx context.Context, group *policy.GroupPolicy, user principal.EndUserID, start time.Time, duration time.Duration) (time.Time, error) {
	if start.After(time.Now().Add(startSkewTolerance)) {
		return time.Time{}, fmt.Errorf("start time %s is in the future: %w", start.Format(time.RFC3339), fault.ErrIllegalArgument)
	}

	email := p.mapping.GroupEmail(group.ID())
	if err := p.directory.EnsureGroup(ctx, email, group.NodeDisplayName(), group.Description); err != nil {
		return time.Time{}, fmt.Errorf("ensure group %s: %w", email, err)
	}

	expiry := start.Add(duration).UTC()
	if err := p.directory.UpsertMembership(ctx, email, user, expiry); err != nil {
		return time.Time{}, fmt.Errorf("upsert membership: %w", err)
	}
	return expiry, nil
}
