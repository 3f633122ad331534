package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

func testTree(envACL, sysACL, groupACL *ACL) (*EnvironmentPolicy, *SystemPolicy, *GroupPolicy) {
	env := &EnvironmentPolicy{Name: "prod", ACL: envACL}
	sys := &SystemPolicy{Name: "billing", ACL: sysACL, Environment: env}
	g := &GroupPolicy{Name: "admins", ACL: groupACL, System: sys}
	sys.Groups = []*GroupPolicy{g}
	env.Systems = []*SystemPolicy{sys}
	return env, sys, g
}

func TestEffectiveACL(t *testing.T) {
	alice := principal.NewEndUserID("alice@example.com")

	t.Run("root entries come first", func(t *testing.T) {
		envACL := &ACL{Entries: []Entry{{Kind: Deny, Principal: alice, Mask: PermissionJoin}}}
		groupACL := &ACL{Entries: []Entry{{Kind: Allow, Principal: alice, Mask: PermissionJoin}}}
		_, _, g := testTree(envACL, nil, groupACL)

		effective := EffectiveACL(g)
		require.Len(t, effective.Entries, 2)
		assert.Equal(t, Deny, effective.Entries[0].Kind)

		// The environment DENY shadows the group ALLOW.
		assert.False(t, IsAccessAllowed(g, []principal.ID{alice}, PermissionJoin))
	})

	t.Run("environment without ACL grants VIEW to everyone", func(t *testing.T) {
		env, _, g := testTree(nil, nil, nil)

		held := []principal.ID{principal.AuthenticatedUsers}
		assert.True(t, IsAccessAllowed(env, held, PermissionView))
		// The default only grants VIEW; nothing else leaks down.
		assert.True(t, IsAccessAllowed(g, held, PermissionView))
		assert.False(t, IsAccessAllowed(g, held, PermissionJoin))
	})

	t.Run("system grant applies to its groups", func(t *testing.T) {
		sysACL := &ACL{Entries: []Entry{{Kind: Allow, Principal: alice, Mask: PermissionView | PermissionJoin}}}
		_, sys, g := testTree(nil, sysACL, nil)

		assert.True(t, IsAccessAllowed(sys, []principal.ID{alice}, PermissionJoin))
		assert.True(t, IsAccessAllowed(g, []principal.ID{alice}, PermissionJoin))
	})
}

func TestEffectiveConstraints(t *testing.T) {
	envExpiry := &ExpiryConstraint{Min: time.Hour, Max: 8 * time.Hour, Default: time.Hour}
	groupExpiry := FixedExpiry(30 * time.Minute)
	ticket := &CelConstraint{Name: "ticket", Expression: `input.ticket != ""`}

	env := &EnvironmentPolicy{
		Name: "prod",
		ConstraintMap: map[ConstraintClass][]Constraint{
			ConstraintClassJoin: {envExpiry, ticket},
		},
	}
	sys := &SystemPolicy{Name: "billing", Environment: env}
	g := &GroupPolicy{
		Name:   "admins",
		System: sys,
		ConstraintMap: map[ConstraintClass][]Constraint{
			ConstraintClassJoin: {groupExpiry},
		},
	}

	t.Run("descendant overrides by name in place", func(t *testing.T) {
		join := EffectiveConstraints(g, ConstraintClassJoin)
		require.Len(t, join, 2)
		// The group expiry replaced the environment expiry at its position.
		assert.Same(t, Constraint(groupExpiry), join[0])
		assert.Same(t, Constraint(ticket), join[1])
	})

	t.Run("untouched classes pass through", func(t *testing.T) {
		assert.Empty(t, EffectiveConstraints(g, ConstraintClassApprove))
	})

	t.Run("effective expiry extraction", func(t *testing.T) {
		e, err := EffectiveExpiry(EffectiveConstraints(g, ConstraintClassJoin))
		require.NoError(t, err)
		assert.Equal(t, 30*time.Minute, e.Default)

		_, err = EffectiveExpiry([]Constraint{ticket})
		assert.Error(t, err)
	})
}

func TestExpiryClamp(t *testing.T) {
	c := &ExpiryConstraint{Min: time.Hour, Max: 8 * time.Hour, Default: 2 * time.Hour}

	dur := func(d time.Duration) *time.Duration { return &d }

	assert.Equal(t, 2*time.Hour, c.Clamp(nil))
	assert.Equal(t, time.Hour, c.Clamp(dur(10*time.Minute)))
	assert.Equal(t, 8*time.Hour, c.Clamp(dur(24*time.Hour)))
	assert.Equal(t, 4*time.Hour, c.Clamp(dur(4*time.Hour)))
}

func TestGroupID(t *testing.T) {
	_, _, g := testTree(nil, nil, nil)
	id := g.ID()
	assert.Equal(t, "jit-group:prod.billing.admins", id.String())
	assert.Equal(t, "prod.billing.admins", id.Value())
}

func TestIamRoleBindingChecksum(t *testing.T) {
	a := &IamRoleBinding{Resource: "projects/p1", Role: "roles/viewer"}
	same := &IamRoleBinding{Resource: "projects/p1", Role: "roles/viewer"}
	other := &IamRoleBinding{Resource: "projects/p1", Role: "roles/editor"}

	assert.Equal(t, a.Checksum(), same.Checksum())
	assert.NotEqual(t, a.Checksum(), other.Checksum())

	// Description participates in the fingerprint.
	described := &IamRoleBinding{Resource: "projects/p1", Role: "roles/viewer", Description: "x"}
	assert.NotEqual(t, a.Checksum(), described.Checksum())
}
