package provision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/jitaccess/internal/cloudiam"
	"github.com/terraconstructs/jitaccess/internal/directory"
	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/principal"
)

func testGroup(privileges ...policy.Privilege) *policy.GroupPolicy {
	env := &policy.EnvironmentPolicy{Name: "prod"}
	sys := &policy.SystemPolicy{Name: "billing", Environment: env}
	g := &policy.GroupPolicy{Name: "admins", System: sys, Privileges: privileges}
	sys.Groups = []*policy.GroupPolicy{g}
	env.Systems = []*policy.SystemPolicy{sys}
	return g
}

func testMapping(t *testing.T) *directory.GroupMapping {
	t.Helper()
	mapping, err := directory.NewGroupMapping("groups.example.com")
	require.NoError(t, err)
	return mapping
}

func TestMembershipProvisioner(t *testing.T) {
	ctx := context.Background()
	alice := principal.NewEndUserID("alice@example.com")
	mapping := testMapping(t)

	t.Run("creates group and membership", func(t *testing.T) {
		fake := directory.NewFake()
		p := NewMembershipProvisioner(fake, mapping)
		g := testGroup()

		start := time.Now().UTC().Truncate(time.Second)
		expiry, err := p.Provision(ctx, g, alice, start, 2*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, start.Add(2*time.Hour), expiry)

		email := mapping.GroupEmail(g.ID())
		assert.True(t, fake.HasGroup(email))
		stored, ok := fake.MembershipExpiry(email, alice)
		require.True(t, ok)
		assert.Equal(t, expiry, *stored)
	})

	t.Run("replaces existing expiry", func(t *testing.T) {
		fake := directory.NewFake()
		p := NewMembershipProvisioner(fake, mapping)
		g := testGroup()

		start := time.Now().UTC().Truncate(time.Second)
		_, err := p.Provision(ctx, g, alice, start, time.Hour)
		require.NoError(t, err)
		expiry, err := p.Provision(ctx, g, alice, start, 3*time.Hour)
		require.NoError(t, err)

		stored, ok := fake.MembershipExpiry(mapping.GroupEmail(g.ID()), alice)
		require.True(t, ok)
		assert.Equal(t, expiry, *stored)
	})

	t.Run("future start is rejected", func(t *testing.T) {
		p := NewMembershipProvisioner(directory.NewFake(), mapping)
		_, err := p.Provision(ctx, testGroup(), alice, time.Now().Add(time.Minute), time.Hour)
		assert.ErrorIs(t, err, fault.ErrIllegalArgument)
	})
}

func TestBindingProvisioner(t *testing.T) {
	ctx := context.Background()
	alice := principal.NewEndUserID("alice@example.com")
	binding := &policy.IamRoleBinding{Resource: "projects/p1", Role: "roles/viewer"}
	start := time.Now().UTC().Truncate(time.Second)

	t.Run("adds a conditional binding", func(t *testing.T) {
		fake := cloudiam.NewFake()
		p := NewBindingProvisioner(fake)

		require.NoError(t, p.Provision(ctx, binding, alice, start, time.Hour))

		stored := fake.Policy("projects/p1")
		require.Len(t, stored.Bindings, 1)
		b := stored.Bindings[0]
		assert.Equal(t, "roles/viewer", b.Role)
		assert.Equal(t, []string{"user:alice@example.com"}, b.Members)
		require.NotNil(t, b.Condition)
		assert.Equal(t, conditionTitle, b.Condition.Title)

		window, ok := expr.ParseTemporaryCondition(b.Condition.Expression)
		require.True(t, ok)
		assert.Equal(t, start, window.Start())
		assert.Equal(t, start.Add(time.Hour), window.Expiry())
	})

	t.Run("identical binding is a no-op", func(t *testing.T) {
		fake := cloudiam.NewFake()
		p := NewBindingProvisioner(fake)

		require.NoError(t, p.Provision(ctx, binding, alice, start, time.Hour))
		writes := fake.SetCalls
		require.NoError(t, p.Provision(ctx, binding, alice, start, time.Hour))
		assert.Equal(t, writes, fake.SetCalls, "second provision must not write")
		assert.Len(t, fake.Policy("projects/p1").Bindings, 1)
	})

	t.Run("stale bindings for the same member and role are purged", func(t *testing.T) {
		fake := cloudiam.NewFake()
		p := NewBindingProvisioner(fake)

		require.NoError(t, p.Provision(ctx, binding, alice, start.Add(-2*time.Hour), time.Hour))
		require.NoError(t, p.Provision(ctx, binding, alice, start, time.Hour))

		stored := fake.Policy("projects/p1")
		require.Len(t, stored.Bindings, 1)
		window, ok := expr.ParseTemporaryCondition(stored.Bindings[0].Condition.Expression)
		require.True(t, ok)
		assert.Equal(t, start, window.Start())
	})

	t.Run("other members survive the purge", func(t *testing.T) {
		fake := cloudiam.NewFake()
		p := NewBindingProvisioner(fake)
		bob := principal.NewEndUserID("bob@example.com")

		require.NoError(t, p.Provision(ctx, binding, bob, start.Add(-time.Hour), 2*time.Hour))
		require.NoError(t, p.Provision(ctx, binding, alice, start, time.Hour))

		stored := fake.Policy("projects/p1")
		assert.Len(t, stored.Bindings, 2)
	})

	t.Run("retries on etag conflict", func(t *testing.T) {
		fake := cloudiam.NewFake()
		fake.FailSetsWithConflict = 2
		p := NewBindingProvisioner(fake)

		require.NoError(t, p.Provision(ctx, binding, alice, start, time.Hour))
		assert.Equal(t, 3, fake.SetCalls)
	})

	t.Run("gives up after bounded conflict retries", func(t *testing.T) {
		fake := cloudiam.NewFake()
		fake.FailSetsWithConflict = 10
		p := NewBindingProvisioner(fake)

		err := p.Provision(ctx, binding, alice, start, time.Hour)
		assert.Error(t, err)
		assert.LessOrEqual(t, fake.SetCalls, maxSetAttempts)
	})

	t.Run("role not grantable maps to access denied", func(t *testing.T) {
		fake := cloudiam.NewFake()
		fake.GrantableRoles = []string{"roles/editor"}
		p := NewBindingProvisioner(fake)

		err := p.Provision(ctx, binding, alice, start, time.Hour)
		assert.ErrorIs(t, err, fault.ErrAccessDenied)
	})

	t.Run("extra policy condition is preserved", func(t *testing.T) {
		fake := cloudiam.NewFake()
		p := NewBindingProvisioner(fake)
		conditioned := &policy.IamRoleBinding{
			Resource:  "projects/p1",
			Role:      "roles/viewer",
			Condition: `resource.name.startsWith("projects/p1/buckets/b")`,
		}

		require.NoError(t, p.Provision(ctx, conditioned, alice, start, time.Hour))
		stored := fake.Policy("projects/p1")
		require.Len(t, stored.Bindings, 1)
		expression := stored.Bindings[0].Condition.Expression
		assert.Contains(t, expression, conditioned.Condition)

		window, ok := findTemporaryWindow(expression)
		require.True(t, ok)
		assert.Equal(t, start, window.Start())
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	alice := principal.NewEndUserID("alice@example.com")
	binding := &policy.IamRoleBinding{Resource: "projects/p1", Role: "roles/viewer"}
	now := time.Now().UTC().Truncate(time.Second)

	fake := cloudiam.NewFake()
	p := NewBindingProvisioner(fake)

	// One live and one expired window; purge is keyed by member+role, so use
	// two members to keep both bindings in place.
	bob := principal.NewEndUserID("bob@example.com")
	require.NoError(t, p.Provision(ctx, binding, alice, now.Add(-2*time.Hour), time.Hour))
	require.NoError(t, p.Provision(ctx, binding, bob, now, time.Hour))

	findings, err := p.Reconcile(ctx, binding, now)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	states := map[string]FindingState{}
	for _, f := range findings {
		states[f.Member] = f.State
	}
	assert.Equal(t, FindingExpired, states["user:alice@example.com"])
	assert.Equal(t, FindingOK, states["user:bob@example.com"])
}

func TestService(t *testing.T) {
	ctx := context.Background()
	alice := principal.NewEndUserID("alice@example.com")
	mapping := testMapping(t)

	t.Run("provisions membership and privileges", func(t *testing.T) {
		dir := directory.NewFake()
		iam := cloudiam.NewFake()
		svc := NewService(NewMembershipProvisioner(dir, mapping))
		svc.Register(policy.PrivilegeIamRoleBinding, NewBindingProvisioner(iam))

		g := testGroup(&policy.IamRoleBinding{Resource: "projects/p1", Role: "roles/viewer"})
		expiry, err := svc.Provision(ctx, g, alice, time.Hour)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Hour), expiry, 5*time.Second)

		assert.True(t, dir.HasGroup(mapping.GroupEmail(g.ID())))
		assert.Len(t, iam.Policy("projects/p1").Bindings, 1)
	})

	t.Run("unregistered privilege type is a configuration error", func(t *testing.T) {
		svc := NewService(NewMembershipProvisioner(directory.NewFake(), mapping))
		g := testGroup(&policy.IamRoleBinding{Resource: "projects/p1", Role: "roles/viewer"})

		_, err := svc.Provision(ctx, g, alice, time.Hour)
		require.Error(t, err)
		assert.True(t, fault.IsConfigurationError(err), "got %v", err)
	})
}
