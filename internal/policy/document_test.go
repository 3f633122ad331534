package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/jitaccess/internal/expr"
)

type fakeRoleResolver map[string]bool

func (f fakeRoleResolver) IsKnownRole(role string) bool { return f[role] }

func testEngine(t *testing.T) *expr.Engine {
	t.Helper()
	engine, err := expr.NewEngine()
	require.NoError(t, err)
	return engine
}

const validPolicyYAML = `
policy:
  name: "prod"
  displayName: "Production"
  access:
    - principal: "group:devs@example.com"
      access: "ALLOW"
      permissions: ["VIEW"]
  constraints:
    join:
      - type: "expiry"
        min: "PT1H"
        max: "PT8H"
  systems:
    - name: "billing"
      groups:
        - name: "admins"
          access:
            - principal: "user:alice@example.com"
              access: "ALLOW"
              permissions: ["VIEW", "JOIN", "APPROVE_SELF"]
          constraints:
            join:
              - type: "expression"
                name: "ticket"
                displayName: "Ticket number"
                expression: 'input.ticket != ""'
                variables:
                  - type: "string"
                    name: "ticket"
                    displayName: "Ticket"
          privileges:
            - type: "iam-role-binding"
              resource: "projects/p1"
              role: "roles/viewer"
`

func TestParseDocument(t *testing.T) {
	engine := testEngine(t)
	roles := fakeRoleResolver{"roles/viewer": true, "roles/editor": true}

	t.Run("valid yaml document", func(t *testing.T) {
		docs, err := ParseDocument([]byte(validPolicyYAML), "prod.yaml", engine, roles)
		require.NoError(t, err)
		require.Len(t, docs, 1)

		env := docs[0].Environment
		assert.Equal(t, "prod", env.Name)
		assert.Equal(t, "Production", env.DisplayName)
		assert.Equal(t, "prod.yaml", env.Metadata.Source)

		sys := env.System("billing")
		require.NotNil(t, sys)
		g := sys.Group("admins")
		require.NotNil(t, g)

		join := EffectiveConstraints(g, ConstraintClassJoin)
		expiry, err := EffectiveExpiry(join)
		require.NoError(t, err)
		assert.Equal(t, time.Hour, expiry.Min)
		assert.Equal(t, 8*time.Hour, expiry.Max)

		require.Len(t, g.Privileges, 1)
		binding, ok := g.Privileges[0].(*IamRoleBinding)
		require.True(t, ok)
		assert.Equal(t, "roles/viewer", binding.Role)

		assert.NotEmpty(t, docs[0].Raw)
	})

	t.Run("json is accepted as-is", func(t *testing.T) {
		doc := `{"policy": {"name": "dev", "systems": [{"name": "s1", "groups": [
			{"name": "g1", "constraints": {"join": [{"type": "expiry", "duration": "PT1H"}]},
			 "access": [{"principal": "class:authenticatedUsers", "access": "ALLOW", "permissions": ["JOIN"]}]}]}]}}`
		docs, err := ParseDocument([]byte(doc), "dev.json", engine, roles)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "dev", docs[0].Environment.Name)
	})

	t.Run("group missing name is an error", func(t *testing.T) {
		doc := `
policy:
  name: "prod"
  systems:
    - name: "billing"
      groups:
        - displayName: "No name"
`
		_, err := ParseDocument([]byte(doc), "t.yaml", engine, roles)
		requireIssue(t, err, SeverityError, CodeRoleMissingName)
	})

	t.Run("duplicate policy names", func(t *testing.T) {
		doc := `
policies:
  - name: "prod"
    systems: [{name: "s1", groups: [{name: "g1", constraints: {join: [{type: "expiry", duration: "PT1H"}]}}]}]
  - name: "prod"
    systems: [{name: "s1", groups: [{name: "g1", constraints: {join: [{type: "expiry", duration: "PT1H"}]}}]}]
`
		_, err := ParseDocument([]byte(doc), "t.yaml", engine, roles)
		requireIssue(t, err, SeverityError, CodePolicyDuplicateID)
	})

	t.Run("missing expiry constraint", func(t *testing.T) {
		doc := `
policy:
  name: "prod"
  systems:
    - name: "billing"
      groups:
        - name: "admins"
`
		_, err := ParseDocument([]byte(doc), "t.yaml", engine, roles)
		requireIssue(t, err, SeverityError, CodeConstraintDurationConstraintsMissing)
	})

	t.Run("invalid principal", func(t *testing.T) {
		doc := `
policy:
  name: "prod"
  access:
    - principal: "robot:r2d2"
      access: "ALLOW"
      permissions: ["VIEW"]
  systems:
    - name: "s1"
      groups:
        - name: "g1"
          constraints: {join: [{type: "expiry", duration: "PT1H"}]}
`
		_, err := ParseDocument([]byte(doc), "t.yaml", engine, roles)
		requireIssue(t, err, SeverityError, CodeAccessInvalidPrincipal)
	})

	t.Run("invalid effect and permission", func(t *testing.T) {
		doc := `
policy:
  name: "prod"
  access:
    - principal: "user:a@example.com"
      access: "GRANT"
      permissions: ["VIEW"]
    - principal: "user:b@example.com"
      access: "ALLOW"
      permissions: ["FLY"]
  systems:
    - name: "s1"
      groups:
        - name: "g1"
          constraints: {join: [{type: "expiry", duration: "PT1H"}]}
`
		_, err := ParseDocument([]byte(doc), "t.yaml", engine, roles)
		requireIssue(t, err, SeverityError, CodeAccessInvalidEffect)
		requireIssue(t, err, SeverityError, CodeAccessInvalidAction)
	})

	t.Run("cel expression must compile", func(t *testing.T) {
		doc := `
policy:
  name: "prod"
  systems:
    - name: "s1"
      groups:
        - name: "g1"
          constraints:
            join:
              - {type: "expiry", duration: "PT1H"}
              - {type: "expression", name: "broken", expression: "input.x ==="}
`
		_, err := ParseDocument([]byte(doc), "t.yaml", engine, roles)
		requireIssue(t, err, SeverityError, CodeFileInvalidSyntax)
	})

	t.Run("unknown iam role", func(t *testing.T) {
		doc := `
policy:
  name: "prod"
  systems:
    - name: "s1"
      groups:
        - name: "g1"
          constraints: {join: [{type: "expiry", duration: "PT1H"}]}
          privileges:
            - {type: "iam-role-binding", resource: "projects/p1", role: "roles/madeUp"}
`
		_, err := ParseDocument([]byte(doc), "t.yaml", engine, roles)
		requireIssue(t, err, SeverityError, CodePrivilegeInvalidRole)
	})

	t.Run("empty systems is an error", func(t *testing.T) {
		doc := `{"policy": {"name": "prod", "systems": []}}`
		_, err := ParseDocument([]byte(doc), "t.json", engine, roles)
		requireIssue(t, err, SeverityError, CodePolicyMissingRoles)
	})

	t.Run("unknown top-level key fails the schema pass", func(t *testing.T) {
		doc := `{"policy": {"name": "prod", "systems": []}, "extra": true}`
		_, err := ParseDocument([]byte(doc), "t.json", engine, roles)
		requireIssue(t, err, SeverityError, CodeFileInvalidSyntax)
	})

	t.Run("unjoinable group is a warning only", func(t *testing.T) {
		doc := `
policy:
  name: "prod"
  systems:
    - name: "s1"
      groups:
        - name: "g1"
          constraints: {join: [{type: "expiry", duration: "PT1H"}]}
`
		docs, err := ParseDocument([]byte(doc), "t.yaml", engine, roles)
		require.NoError(t, err)
		require.Len(t, docs, 1)

		found := false
		for _, w := range docs[0].Warnings {
			if w.Code == CodeRoleMissingAccess {
				found = true
			}
		}
		assert.True(t, found, "expected ROLE_MISSING_ACCESS warning, got %v", docs[0].Warnings)
	})

	t.Run("approval limits", func(t *testing.T) {
		doc := `
policy:
  name: "prod"
  systems:
    - name: "s1"
      groups:
        - name: "g1"
          approval: {minimumPeers: 2, maximumPeers: 5}
          access:
            - {principal: "user:a@example.com", access: "ALLOW", permissions: ["JOIN"]}
            - {principal: "group:approvers@example.com", access: "ALLOW", permissions: ["APPROVE_OTHERS"]}
          constraints: {join: [{type: "expiry", duration: "PT1H"}]}
`
		docs, err := ParseDocument([]byte(doc), "t.yaml", engine, roles)
		require.NoError(t, err)
		g := docs[0].Environment.System("s1").Group("g1")
		require.NotNil(t, g.ApprovalLimits)
		assert.Equal(t, 2, g.ApprovalLimits.MinimumPeers)
		assert.Equal(t, 5, g.ApprovalLimits.MaximumPeers)
	})

	t.Run("inverted approval limits are an error", func(t *testing.T) {
		doc := `
policy:
  name: "prod"
  systems:
    - name: "s1"
      groups:
        - name: "g1"
          approval: {minimumPeers: 5, maximumPeers: 2}
          constraints: {join: [{type: "expiry", duration: "PT1H"}]}
`
		_, err := ParseDocument([]byte(doc), "t.yaml", engine, roles)
		requireIssue(t, err, SeverityError, CodeConstraintApprovalLimitsInvalid)
	})
}

// requireIssue asserts that err is a *SyntaxError containing an issue of the
// given severity and code.
func requireIssue(t *testing.T, err error, severity Severity, code IssueCode) {
	t.Helper()
	require.Error(t, err)
	syntaxErr, ok := err.(*SyntaxError)
	require.True(t, ok, "expected *SyntaxError, got %T: %v", err, err)
	for _, i := range syntaxErr.Issues {
		if i.Severity == severity && i.Code == code {
			return
		}
	}
	t.Fatalf("no %s issue with code %s in %v", severity, code, syntaxErr.Issues)
}

func TestParseISODuration(t *testing.T) {
	cases := []struct {
		literal string
		want    time.Duration
		wantErr bool
	}{
		{"PT15M", 15 * time.Minute, false},
		{"PT1H", time.Hour, false},
		{"PT1H30M", 90 * time.Minute, false},
		{"P1D", 24 * time.Hour, false},
		{"P1DT12H", 36 * time.Hour, false},
		{"PT45S", 45 * time.Second, false},
		{"90m", 90 * time.Minute, false},
		{"P", 0, true},
		{"1 hour", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.literal, func(t *testing.T) {
			got, err := ParseISODuration(tc.literal)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
