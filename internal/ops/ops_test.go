package ops

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/jitaccess/internal/audit"
	"github.com/terraconstructs/jitaccess/internal/catalog"
	"github.com/terraconstructs/jitaccess/internal/cloudiam"
	"github.com/terraconstructs/jitaccess/internal/db/models"
	"github.com/terraconstructs/jitaccess/internal/directory"
	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/principal"
	"github.com/terraconstructs/jitaccess/internal/proposal"
	"github.com/terraconstructs/jitaccess/internal/provision"
	"github.com/terraconstructs/jitaccess/internal/repository"
	"github.com/terraconstructs/jitaccess/internal/subject"
)

const opsPolicyYAML = `
policy:
  name: "prod"
  systems:
    - name: "billing"
      groups:
        - name: "selfserve"
          access:
            - {principal: "user:alice@example.com", access: "ALLOW", permissions: ["VIEW", "JOIN", "APPROVE_SELF"]}
          constraints:
            join:
              - {type: "expiry", min: "PT1H", max: "PT8H", default: "PT2H"}
              - type: "expression"
                name: "ticket"
                displayName: "Ticket number"
                expression: 'input.ticket.startsWith("JIRA-")'
                variables:
                  - {type: "string", name: "ticket", displayName: "Ticket"}
          privileges:
            - {type: "iam-role-binding", resource: "projects/p1", role: "roles/viewer"}
        - name: "guarded"
          access:
            - {principal: "user:bob@example.com", access: "ALLOW", permissions: ["VIEW", "JOIN"]}
            - {principal: "user:carol@example.com", access: "ALLOW", permissions: ["VIEW", "APPROVE_OTHERS"]}
            - {principal: "user:dave@example.com", access: "ALLOW", permissions: ["VIEW", "APPROVE_OTHERS"]}
          constraints:
            join:
              - {type: "expiry", duration: "PT2H"}
            approve:
              - type: "expression"
                name: "reason"
                expression: 'size(input.reason) >= 4'
                variables:
                  - {type: "string", name: "reason"}
          privileges:
            - {type: "iam-role-binding", resource: "projects/p1", role: "roles/editor"}
`

func proposalSigner(key []byte) (*proposal.TokenSigner, error) {
	return proposal.NewTokenSigner(jwt.SigningMethodHS256, key, key, "key-1", "jitaccess@example.iam.gserviceaccount.com", time.Hour)
}

type fakeLedger struct {
	mu      sync.Mutex
	records map[string]*models.ProposalRecord
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]*models.ProposalRecord)}
}

func (f *fakeLedger) Record(ctx context.Context, r *models.ProposalRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.records[r.ID]; dup {
		return repository.ErrDuplicateProposal
	}
	f.records[r.ID] = r
	return nil
}

func (f *fakeLedger) IsExecuted(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	return ok, nil
}

func (f *fakeLedger) GetByID(ctx context.Context, id string) (*models.ProposalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id], nil
}

func (f *fakeLedger) DeleteExpired(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	return 0, nil
}

type harness struct {
	engine   *Engine
	catalog  *catalog.Catalog
	resolver *subject.Resolver
	dir      *directory.Fake
	iam      *cloudiam.Fake
	ledger   *fakeLedger
	audit    *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	celEngine, err := expr.NewEngine()
	require.NoError(t, err)

	tmp := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "p.yaml"), []byte(opsPolicyYAML), 0o600))
	store, err := policy.NewStore(context.Background(), []string{tmp}, celEngine, nil)
	require.NoError(t, err)

	mapping, err := directory.NewGroupMapping("groups.example.com")
	require.NoError(t, err)

	dir := directory.NewFake()
	iam := cloudiam.NewFake()
	resolver := subject.NewResolver(dir, mapping)
	provisioner := provision.NewService(provision.NewMembershipProvisioner(dir, mapping))
	provisioner.Register(policy.PrivilegeIamRoleBinding, provision.NewBindingProvisioner(iam))

	key := []byte("ops-test-key")
	signer, err := proposalSigner(key)
	require.NoError(t, err)

	ledger := newFakeLedger()
	auditBuf := &bytes.Buffer{}
	cat := catalog.New(store)

	engine := NewEngine(EngineParams{
		Catalog:     cat,
		Resolver:    resolver,
		Provisioner: provisioner,
		Signer:      signer,
		Directory:   dir,
		Mapping:     mapping,
		Expr:        celEngine,
		Ledger:      ledger,
		Audit:       audit.NewLoggerWithWriter(auditBuf),
	})
	return &harness{
		engine:   engine,
		catalog:  cat,
		resolver: resolver,
		dir:      dir,
		iam:      iam,
		ledger:   ledger,
		audit:    auditBuf,
	}
}

func (h *harness) subjectFor(t *testing.T, email string) *subject.Subject {
	t.Helper()
	s, err := h.resolver.Resolve(context.Background(), principal.NewEndUserID(email))
	require.NoError(t, err)
	return s
}

func (h *harness) group(t *testing.T, s *subject.Subject, name string) *policy.GroupPolicy {
	t.Helper()
	g, err := h.catalog.Group(s, principal.NewJitGroupID("prod", "billing", name))
	require.NoError(t, err)
	return g
}

func TestJoinSelfApproval(t *testing.T) {
	ctx := context.Background()

	t.Run("executes and provisions", func(t *testing.T) {
		h := newHarness(t)
		alice := h.subjectFor(t, "alice@example.com")
		g := h.group(t, alice, "selfserve")

		result, err := h.engine.ExecuteJoin(ctx, alice, g, map[string]string{"ticket": "JIRA-1"})
		require.NoError(t, err)
		assert.Equal(t, StatusExecuted, result.Status)
		assert.Equal(t, principal.ID(g.ID()), result.Principal.ID)
		assert.WithinDuration(t, time.Now().Add(2*time.Hour), result.Expiry, 5*time.Second)

		// Membership and binding landed.
		require.Len(t, h.iam.Policy("projects/p1").Bindings, 1)
		assert.Contains(t, h.audit.String(), audit.EventJoinExecuted)

		// The new membership is visible on the next resolve.
		refreshed := h.subjectFor(t, "alice@example.com")
		_, active := refreshed.ActiveMembership(g.ID(), time.Now())
		assert.True(t, active)
	})

	t.Run("requested expiry is clamped", func(t *testing.T) {
		h := newHarness(t)
		alice := h.subjectFor(t, "alice@example.com")
		g := h.group(t, alice, "selfserve")

		result, err := h.engine.ExecuteJoin(ctx, alice, g, map[string]string{
			"ticket": "JIRA-1",
			"expiry": "PT24H",
		})
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(8*time.Hour), result.Expiry, 5*time.Second)
	})

	t.Run("unsatisfied constraint denies without provisioning", func(t *testing.T) {
		h := newHarness(t)
		alice := h.subjectFor(t, "alice@example.com")
		g := h.group(t, alice, "selfserve")

		_, err := h.engine.ExecuteJoin(ctx, alice, g, map[string]string{"ticket": "nope"})
		require.Error(t, err)
		var unsatisfied *fault.ConstraintUnsatisfiedError
		assert.ErrorAs(t, err, &unsatisfied)
		assert.Equal(t, "ticket", unsatisfied.Name)
		assert.Equal(t, 0, h.iam.SetCalls)
		assert.NotContains(t, h.audit.String(), audit.EventJoinExecuted)
	})

	t.Run("missing required input is a user error", func(t *testing.T) {
		h := newHarness(t)
		alice := h.subjectFor(t, "alice@example.com")
		g := h.group(t, alice, "selfserve")

		_, err := h.engine.ExecuteJoin(ctx, alice, g, nil)
		assert.ErrorIs(t, err, fault.ErrIllegalArgument)
		assert.Equal(t, 0, h.iam.SetCalls)
	})

	t.Run("missing JOIN grant denies", func(t *testing.T) {
		h := newHarness(t)
		bob := h.subjectFor(t, "bob@example.com")

		g, err := h.catalog.Group(h.subjectFor(t, "alice@example.com"),
			principal.NewJitGroupID("prod", "billing", "selfserve"))
		require.NoError(t, err)

		_, err = h.engine.ExecuteJoin(ctx, bob, g, map[string]string{"ticket": "JIRA-1"})
		assert.ErrorIs(t, err, fault.ErrAccessDenied)
	})
}

func TestJoinProposal(t *testing.T) {
	ctx := context.Background()

	t.Run("join without APPROVE_SELF mints a proposal", func(t *testing.T) {
		h := newHarness(t)
		bob := h.subjectFor(t, "bob@example.com")
		g := h.group(t, bob, "guarded")

		result, err := h.engine.ExecuteJoin(ctx, bob, g, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusProposed, result.Status)
		require.NotNil(t, result.Proposal)
		assert.Equal(t, []principal.EndUserID{
			principal.NewEndUserID("carol@example.com"),
			principal.NewEndUserID("dave@example.com"),
		}, result.Proposal.Recipients)
		assert.Equal(t, "PT2H", result.Proposal.Inputs["expiry"])
		assert.NotEmpty(t, result.Token)
		assert.Equal(t, 0, h.iam.SetCalls, "proposal must not provision")
		assert.Contains(t, h.audit.String(), audit.EventJoinProposed)
	})

	t.Run("analysis in ignore mode checks the ACL only", func(t *testing.T) {
		h := newHarness(t)
		bob := h.subjectFor(t, "bob@example.com")
		g := h.group(t, bob, "guarded")

		analysis, err := h.engine.AnalyzeJoin(bob, g, nil, IgnoreConstraints)
		require.NoError(t, err)
		assert.True(t, analysis.Allowed)

		carol := h.subjectFor(t, "carol@example.com")
		analysis, err = h.engine.AnalyzeJoin(carol, g, nil, IgnoreConstraints)
		require.NoError(t, err)
		assert.False(t, analysis.Allowed)
	})
}

func TestApproval(t *testing.T) {
	ctx := context.Background()

	propose := func(t *testing.T, h *harness) (string, *subject.Subject) {
		t.Helper()
		bob := h.subjectFor(t, "bob@example.com")
		g := h.group(t, bob, "guarded")
		result, err := h.engine.ExecuteJoin(ctx, bob, g, nil)
		require.NoError(t, err)
		require.Equal(t, StatusProposed, result.Status)
		return result.Token, bob
	}

	t.Run("approver provisions the proposer", func(t *testing.T) {
		h := newHarness(t)
		token, _ := propose(t, h)
		carol := h.subjectFor(t, "carol@example.com")

		p, g, err := h.engine.AcceptProposal(carol, token)
		require.NoError(t, err)
		assert.Equal(t, principal.NewEndUserID("bob@example.com"), p.User)

		result, err := h.engine.ExecuteApproval(ctx, carol, p, g, map[string]string{"reason": "oncall"})
		require.NoError(t, err)
		assert.Equal(t, StatusExecuted, result.Status)
		assert.WithinDuration(t, time.Now().Add(2*time.Hour), result.Expiry, 5*time.Second)

		// The joiner, not the approver, got the access.
		bindings := h.iam.Policy("projects/p1").Bindings
		require.Len(t, bindings, 1)
		assert.Equal(t, []string{"user:bob@example.com"}, bindings[0].Members)

		// The approval variant shares the joinExecuted event name and
		// carries the approver in the labels.
		assert.Contains(t, h.audit.String(), audit.EventJoinExecuted)
		assert.Contains(t, h.audit.String(), "proposal/approver")
		assert.Contains(t, h.audit.String(), "carol@example.com")
	})

	t.Run("proposer cannot approve", func(t *testing.T) {
		h := newHarness(t)
		token, bob := propose(t, h)

		p, g, err := h.engine.AcceptProposal(bob, token)
		require.NoError(t, err)
		_, err = h.engine.ExecuteApproval(ctx, bob, p, g, map[string]string{"reason": "oncall"})
		assert.ErrorIs(t, err, fault.ErrAccessDenied)
	})

	t.Run("non-recipient cannot approve", func(t *testing.T) {
		h := newHarness(t)
		token, _ := propose(t, h)
		alice := h.subjectFor(t, "alice@example.com")

		// Alice can see the group is out of the audience and lacks
		// APPROVE_OTHERS; accepting fails at the catalog because she
		// cannot VIEW the guarded group... but she can, via env default.
		p, g, err := h.engine.AcceptProposal(alice, token)
		require.NoError(t, err)
		_, err = h.engine.ExecuteApproval(ctx, alice, p, g, map[string]string{"reason": "oncall"})
		assert.ErrorIs(t, err, fault.ErrAccessDenied)
	})

	t.Run("approver constraint must be satisfied", func(t *testing.T) {
		h := newHarness(t)
		token, _ := propose(t, h)
		carol := h.subjectFor(t, "carol@example.com")

		p, g, err := h.engine.AcceptProposal(carol, token)
		require.NoError(t, err)
		_, err = h.engine.ExecuteApproval(ctx, carol, p, g, map[string]string{"reason": "no"})
		require.Error(t, err)
		var unsatisfied *fault.ConstraintUnsatisfiedError
		assert.ErrorAs(t, err, &unsatisfied)
		assert.Equal(t, "reason", unsatisfied.Name)
		assert.Equal(t, 0, h.iam.SetCalls)
	})

	t.Run("replayed approval converges without re-provisioning", func(t *testing.T) {
		h := newHarness(t)
		token, _ := propose(t, h)
		carol := h.subjectFor(t, "carol@example.com")
		dave := h.subjectFor(t, "dave@example.com")

		p, g, err := h.engine.AcceptProposal(carol, token)
		require.NoError(t, err)
		first, err := h.engine.ExecuteApproval(ctx, carol, p, g, map[string]string{"reason": "oncall"})
		require.NoError(t, err)
		setCalls := h.iam.SetCalls

		p2, g2, err := h.engine.AcceptProposal(dave, token)
		require.NoError(t, err)
		second, err := h.engine.ExecuteApproval(ctx, dave, p2, g2, map[string]string{"reason": "oncall"})
		require.NoError(t, err)
		assert.Equal(t, StatusExecuted, second.Status)
		assert.Equal(t, first.Expiry, second.Expiry)

		// The second approval neither writes nor audits again: one
		// joinExecuted per proposal id.
		assert.Equal(t, setCalls, h.iam.SetCalls)
		assert.Equal(t, 1, strings.Count(h.audit.String(), audit.EventJoinExecuted))
	})

	t.Run("garbage token is a generic denial", func(t *testing.T) {
		h := newHarness(t)
		carol := h.subjectFor(t, "carol@example.com")

		_, _, err := h.engine.AcceptProposal(carol, "not-a-token")
		assert.ErrorIs(t, err, fault.ErrNotAuthenticated)
	})
}

func TestJoinProperties(t *testing.T) {
	h := newHarness(t)
	alice := h.subjectFor(t, "alice@example.com")
	g := h.group(t, alice, "selfserve")

	props := JoinProperties(g)
	names := make(map[string]Property, len(props))
	for _, p := range props {
		names[p.Name] = p
	}
	require.Contains(t, names, "expiry")
	require.Contains(t, names, "ticket")
	assert.Equal(t, "PT2H", names["expiry"].Default)
	assert.True(t, names["ticket"].Required)
}
