// Package directory abstracts the groups directory: membership lookups for
// subject resolution and membership writes for provisioning.
package directory

import (
	"context"
	"time"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

// Membership is one user's membership in a directory group. JIT-provisioned
// memberships carry an expiry; permanent memberships do not. Directories
// that model multiple roles per membership, each with its own expiry, must
// fold them to the earliest expiry when adapting to this type: access ends
// when the first role lapses.
type Membership struct {
	Group  principal.GroupID
	User   principal.EndUserID
	Expiry *time.Time
}

// Member is an entry of a group's member list, used to resolve proposal
// audiences.
type Member struct {
	User   principal.EndUserID
	Expiry *time.Time
}

// Client is the directory backend. Implementations wrap the cloud directory
// API; tests use the in-memory Fake.
type Client interface {
	// ListMembershipGroups returns the groups a user is a member of,
	// including transitive memberships. Expiry details require a
	// GetMembership call per group.
	ListMembershipGroups(ctx context.Context, user principal.EndUserID) ([]principal.GroupID, error)

	// GetMembership returns the membership details of a user in a group.
	// Expiry is populated for time-bound memberships only.
	GetMembership(ctx context.Context, group principal.GroupID, user principal.EndUserID) (*Membership, error)

	// ListMembers returns the direct members of a group.
	ListMembers(ctx context.Context, group principal.GroupID) ([]Member, error)

	// UpsertMembership adds the user to the group with the given expiry,
	// replacing any existing expiry. Idempotent.
	UpsertMembership(ctx context.Context, group principal.GroupID, user principal.EndUserID, expiry time.Time) error

	// EnsureGroup creates the group if it does not exist yet. Idempotent.
	EnsureGroup(ctx context.Context, group principal.GroupID, displayName, description string) error
}
