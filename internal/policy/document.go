package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/principal"
)

// RoleResolver answers whether an IAM role name is known to the cloud
// platform. The parser consults it during the semantic pass; unknown roles
// produce PRIVILEGE_INVALID_ROLE issues.
type RoleResolver interface {
	IsKnownRole(role string) bool
}

// Document is the result of a successful parse: one environment policy plus
// any non-fatal findings.
type Document struct {
	Environment *EnvironmentPolicy
	Warnings    []Issue

	// Raw is the normalized JSON source of this environment, retained for
	// the policy export endpoint.
	Raw json.RawMessage
}

// Document transfer shapes. Constraints and privileges are decoded in two
// steps: the generic map first, then mapstructure into the variant selected
// by the "type" discriminator.
type (
	docEnvelope struct {
		Policy   *docPolicy  `json:"policy"`
		Policies []docPolicy `json:"policies"`
	}

	docPolicy struct {
		Name        string         `json:"name"`
		DisplayName string         `json:"displayName,omitempty"`
		Description string         `json:"description,omitempty"`
		Access      []docACE       `json:"access,omitempty"`
		Constraints *docConstraints `json:"constraints,omitempty"`
		Systems     []docSystem    `json:"systems"`
	}

	docSystem struct {
		Name        string         `json:"name"`
		DisplayName string         `json:"displayName,omitempty"`
		Description string         `json:"description,omitempty"`
		Access      []docACE       `json:"access,omitempty"`
		Constraints *docConstraints `json:"constraints,omitempty"`
		Groups      []docGroup     `json:"groups"`
	}

	docGroup struct {
		Name        string           `json:"name"`
		DisplayName string           `json:"displayName,omitempty"`
		Description string           `json:"description,omitempty"`
		Access      []docACE         `json:"access,omitempty"`
		Constraints *docConstraints  `json:"constraints,omitempty"`
		Approval    *docApproval     `json:"approval,omitempty"`
		Privileges  []map[string]any `json:"privileges,omitempty"`
	}

	docACE struct {
		Principal   string   `json:"principal"`
		Access      string   `json:"access"`
		Permissions []string `json:"permissions"`
	}

	docConstraints struct {
		Join    []map[string]any `json:"join,omitempty"`
		Approve []map[string]any `json:"approve,omitempty"`
	}

	docApproval struct {
		MinimumPeers *int `json:"minimumPeers,omitempty"`
		MaximumPeers *int `json:"maximumPeers,omitempty"`
	}

	docExpiryConstraint struct {
		Duration string `mapstructure:"duration"`
		Min      string `mapstructure:"min"`
		Max      string `mapstructure:"max"`
		Default  string `mapstructure:"default"`
	}

	docCelConstraint struct {
		Name        string        `mapstructure:"name"`
		DisplayName string        `mapstructure:"displayName"`
		Expression  string        `mapstructure:"expression"`
		Variables   []docVariable `mapstructure:"variables"`
	}

	docVariable struct {
		Type        string `mapstructure:"type"`
		Name        string `mapstructure:"name"`
		DisplayName string `mapstructure:"displayName"`
		Pattern     string `mapstructure:"pattern"`
		Min         *int64 `mapstructure:"min"`
		Max         *int64 `mapstructure:"max"`
		Default     any    `mapstructure:"default"`
	}

	docIamRoleBinding struct {
		Resource    string `mapstructure:"resource"`
		Role        string `mapstructure:"role"`
		Description string `mapstructure:"description"`
		Condition   string `mapstructure:"condition"`
	}
)

// ApprovalLimits bounds the approver audience of a proposal.
type ApprovalLimits struct {
	MinimumPeers int
	MaximumPeers int
}

// ParseDocument parses and validates one policy document, JSON or YAML.
//
// Validation is two-pass. Pass 1 is structural: JSON-Schema conformance,
// identifier patterns, parseable durations and principals, unique constraint
// names. Pass 2 is semantic: every group must end up with exactly one
// effective JOIN expiry constraint, every CEL expression must compile, and
// every IAM role must be known to the resolver.
//
// On any ERROR-severity issue the returned error is a *SyntaxError carrying
// the full ordered issue list; otherwise the documents carry the warnings.
func ParseDocument(data []byte, source string, engine *expr.Engine, roles RoleResolver) ([]*Document, error) {
	c := &issueCollector{}

	jsonData, err := normalizeToJSON(data)
	if err != nil {
		c.errorf("file", CodeFileInvalidSyntax, "cannot parse document %s: %v", source, err)
		return nil, &SyntaxError{Issues: c.issues}
	}

	// Structural schema check; failures short-circuit since the envelope
	// decode below could not be trusted anyway.
	if schemaIssues := validateDocumentSchema(jsonData); len(schemaIssues) > 0 {
		c.issues = append(c.issues, schemaIssues...)
		return nil, &SyntaxError{Issues: c.issues}
	}

	var envelope docEnvelope
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	if err := dec.Decode(&envelope); err != nil {
		c.errorf("file", CodeFileInvalidSyntax, "cannot decode document %s: %v", source, err)
		return nil, &SyntaxError{Issues: c.issues}
	}

	policies := envelope.Policies
	if envelope.Policy != nil {
		policies = append([]docPolicy{*envelope.Policy}, policies...)
	}
	if len(policies) == 0 {
		c.errorf("file", CodePolicyMissingName, "document %s contains no policy", source)
		return nil, &SyntaxError{Issues: c.issues}
	}

	seen := make(map[string]struct{})
	var docs []*Document
	for i := range policies {
		dp := &policies[i]
		if _, dup := seen[dp.Name]; dp.Name != "" && dup {
			c.errorf(dp.Name, CodePolicyDuplicateID, "duplicate policy %q", dp.Name)
			continue
		}
		seen[dp.Name] = struct{}{}

		env := buildEnvironment(dp, source, c)
		if env == nil {
			continue
		}

		raw, err := json.Marshal(map[string]any{"policy": dp})
		if err != nil {
			return nil, fmt.Errorf("re-encode policy %q: %w", dp.Name, err)
		}
		docs = append(docs, &Document{Environment: env, Raw: raw})
	}

	// Pass 2: semantic validation over the assembled trees.
	for _, d := range docs {
		validateSemantics(d.Environment, c, engine, roles)
	}

	if c.hasErrors() {
		return nil, &SyntaxError{Issues: c.issues}
	}
	for _, d := range docs {
		d.Warnings = c.warnings()
	}
	return docs, nil
}

// normalizeToJSON accepts JSON as-is and converts YAML documents to JSON.
func normalizeToJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return data, nil
	}
	var value any
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAMLValue(value))
}

// normalizeYAMLValue rewrites yaml.v3's map[string]any trees so nested
// non-string keys cannot leak into json.Marshal.
func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAMLValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAMLValue(t[i])
		}
		return t
	default:
		return v
	}
}

func buildEnvironment(dp *docPolicy, source string, c *issueCollector) *EnvironmentPolicy {
	scope := dp.Name
	if scope == "" {
		scope = "file"
	}

	if dp.Name == "" {
		c.errorf(scope, CodePolicyMissingName, "policy is missing a name")
		return nil
	}
	if !NamePattern.MatchString(dp.Name) {
		c.errorf(scope, CodePolicyInvalidID, "policy name %q does not match %s", dp.Name, NamePattern)
		return nil
	}

	env := &EnvironmentPolicy{
		Name:        dp.Name,
		DisplayName: dp.DisplayName,
		Description: dp.Description,
		Metadata: Metadata{
			Source:       source,
			LastModified: time.Now().UTC().Format(time.RFC3339),
		},
		ACL:           buildACL(dp.Access, dp.Name, c),
		ConstraintMap: buildConstraints(dp.Constraints, dp.Name, c),
	}

	if len(dp.Systems) == 0 {
		c.errorf(dp.Name, CodePolicyMissingRoles, "policy %q defines no systems", dp.Name)
		return env
	}

	for i := range dp.Systems {
		ds := &dp.Systems[i]
		sysScope := dp.Name + "/" + ds.Name
		if ds.Name == "" {
			c.errorf(dp.Name, CodeRoleMissingName, "system is missing a name")
			continue
		}
		if !NamePattern.MatchString(ds.Name) {
			c.errorf(sysScope, CodeRoleInvalidID, "system name %q does not match %s", ds.Name, NamePattern)
			continue
		}

		sys := &SystemPolicy{
			Name:          ds.Name,
			DisplayName:   ds.DisplayName,
			Description:   ds.Description,
			ACL:           buildACL(ds.Access, sysScope, c),
			ConstraintMap: buildConstraints(ds.Constraints, sysScope, c),
			Environment:   env,
		}

		if len(ds.Groups) == 0 {
			c.errorf(sysScope, CodePolicyMissingRoles, "system %q defines no groups", ds.Name)
		}

		for j := range ds.Groups {
			dg := &ds.Groups[j]
			if g := buildGroup(dg, sys, sysScope, c); g != nil {
				sys.Groups = append(sys.Groups, g)
			}
		}
		env.Systems = append(env.Systems, sys)
	}
	return env
}

func buildGroup(dg *docGroup, sys *SystemPolicy, sysScope string, c *issueCollector) *GroupPolicy {
	if dg.Name == "" {
		c.errorf(sysScope, CodeRoleMissingName, "group is missing a name")
		return nil
	}
	scope := sysScope + "/" + dg.Name
	if !NamePattern.MatchString(dg.Name) {
		c.errorf(scope, CodeRoleInvalidID, "group name %q does not match %s", dg.Name, NamePattern)
		return nil
	}

	g := &GroupPolicy{
		Name:          dg.Name,
		DisplayName:   dg.DisplayName,
		Description:   dg.Description,
		ACL:           buildACL(dg.Access, scope, c),
		ConstraintMap: buildConstraints(dg.Constraints, scope, c),
		System:        sys,
	}

	if dg.Approval != nil {
		if dg.Approval.MinimumPeers == nil && dg.Approval.MaximumPeers == nil {
			c.errorf(scope, CodeConstraintApprovalLimitsMissing, "approval section defines no peer limits")
		} else {
			min, max := 1, 10
			if dg.Approval.MinimumPeers != nil {
				min = *dg.Approval.MinimumPeers
			}
			if dg.Approval.MaximumPeers != nil {
				max = *dg.Approval.MaximumPeers
			}
			if min < 1 || max < min {
				c.errorf(scope, CodeConstraintApprovalLimitsInvalid,
					"approval peer limits [%d, %d] are invalid", min, max)
			} else {
				g.ApprovalLimits = &ApprovalLimits{MinimumPeers: min, MaximumPeers: max}
			}
		}
	}

	for _, dp := range dg.Privileges {
		if p := buildPrivilege(dp, scope, c); p != nil {
			g.Privileges = append(g.Privileges, p)
		}
	}
	return g
}

func buildACL(aces []docACE, scope string, c *issueCollector) *ACL {
	if aces == nil {
		return nil
	}
	acl := &ACL{}
	for _, ace := range aces {
		id, err := principal.Parse(ace.Principal)
		if err != nil {
			c.errorf(scope, CodeAccessInvalidPrincipal, "%v", err)
			continue
		}

		var kind EntryKind
		switch ace.Access {
		case string(Allow):
			kind = Allow
		case string(Deny):
			kind = Deny
		default:
			c.errorf(scope, CodeAccessInvalidEffect, "access effect %q must be ALLOW or DENY", ace.Access)
			continue
		}

		var mask Mask
		valid := true
		for _, name := range ace.Permissions {
			bit, err := ParsePermission(name)
			if err != nil {
				c.errorf(scope, CodeAccessInvalidAction, "%v", err)
				valid = false
				break
			}
			mask |= bit
		}
		if !valid {
			continue
		}
		if mask == 0 {
			c.errorf(scope, CodeAccessInvalidAction, "entry for %s grants no permissions", id)
			continue
		}
		acl.Entries = append(acl.Entries, Entry{Kind: kind, Principal: id, Mask: mask})
	}
	return acl
}

func buildConstraints(dc *docConstraints, scope string, c *issueCollector) map[ConstraintClass][]Constraint {
	if dc == nil {
		return nil
	}
	out := make(map[ConstraintClass][]Constraint, 2)
	for class, raw := range map[ConstraintClass][]map[string]any{
		ConstraintClassJoin:    dc.Join,
		ConstraintClassApprove: dc.Approve,
	} {
		var constraints []Constraint
		for _, m := range raw {
			if con := buildConstraint(m, scope, c); con != nil {
				constraints = append(constraints, con)
			}
		}
		if name, dup := duplicateConstraintName(constraints); dup {
			c.errorf(scope, CodeFileInvalidSyntax, "duplicate constraint name %q", name)
		}
		if constraints != nil {
			out[class] = constraints
		}
	}
	return out
}

func buildConstraint(m map[string]any, scope string, c *issueCollector) Constraint {
	typ, _ := m["type"].(string)
	switch typ {
	case "expiry":
		var d docExpiryConstraint
		if err := mapstructure.Decode(m, &d); err != nil {
			c.errorf(scope, CodeConstraintDurationConstraintInvalid, "cannot decode expiry constraint: %v", err)
			return nil
		}
		return buildExpiryConstraint(&d, scope, c)

	case "expression":
		var d docCelConstraint
		if err := mapstructure.Decode(m, &d); err != nil {
			c.errorf(scope, CodeFileInvalidSyntax, "cannot decode expression constraint: %v", err)
			return nil
		}
		return buildCelConstraint(&d, scope, c)

	default:
		c.errorf(scope, CodeFileInvalidSyntax, "unknown constraint type %q", typ)
		return nil
	}
}

func buildExpiryConstraint(d *docExpiryConstraint, scope string, c *issueCollector) Constraint {
	if d.Duration == "" && d.Min == "" && d.Max == "" && d.Default == "" {
		c.errorf(scope, CodeConstraintDurationConstraintEmpty, "expiry constraint defines no duration")
		return nil
	}

	parse := func(field, literal string) (time.Duration, bool) {
		if literal == "" {
			return 0, true
		}
		dur, err := ParseISODuration(literal)
		if err != nil {
			c.errorf(scope, CodeConstraintDurationConstraintInvalid, "expiry %s %q: %v", field, literal, err)
			return 0, false
		}
		if dur < 0 {
			c.errorf(scope, CodeConstraintDurationConstraintInvalid, "expiry %s %q is negative", field, literal)
			return 0, false
		}
		return dur, true
	}

	duration, ok1 := parse("duration", d.Duration)
	min, ok2 := parse("min", d.Min)
	max, ok3 := parse("max", d.Max)
	def, ok4 := parse("default", d.Default)
	if !(ok1 && ok2 && ok3 && ok4) {
		return nil
	}

	if d.Duration != "" {
		return FixedExpiry(duration)
	}
	if min == 0 && max == 0 {
		c.errorf(scope, CodeConstraintDurationConstraintEmpty, "expiry constraint defines no duration")
		return nil
	}
	if max == 0 {
		max = min
	}
	if min > max {
		c.errorf(scope, CodeConstraintDurationConstraintInvalid, "expiry min exceeds max")
		return nil
	}
	if def == 0 {
		def = max
	}
	return &ExpiryConstraint{Min: min, Max: max, Default: def}
}

func buildCelConstraint(d *docCelConstraint, scope string, c *issueCollector) Constraint {
	if d.Name == "" {
		c.errorf(scope, CodeFileInvalidSyntax, "expression constraint is missing a name")
		return nil
	}
	if d.Expression == "" {
		c.errorf(scope, CodeFileInvalidSyntax, "expression constraint %q has no expression", d.Name)
		return nil
	}

	con := &CelConstraint{Name: d.Name, DisplayName: d.DisplayName, Expression: d.Expression}
	for _, dv := range d.Variables {
		v := expr.Variable{
			Name:        dv.Name,
			DisplayName: dv.DisplayName,
			Pattern:     dv.Pattern,
			MinValue:    dv.Min,
			MaxValue:    dv.Max,
		}
		switch dv.Type {
		case "boolean":
			v.Type = expr.VariableBoolean
		case "string":
			v.Type = expr.VariableString
		case "long":
			v.Type = expr.VariableLong
		default:
			c.errorf(scope, CodeFileInvalidSyntax, "variable %q has unknown type %q", dv.Name, dv.Type)
			continue
		}
		if dv.Name == "" {
			c.errorf(scope, CodeFileInvalidSyntax, "constraint %q declares an unnamed variable", d.Name)
			continue
		}
		v.Default = normalizeDefault(v.Type, dv.Default)
		con.Variables = append(con.Variables, v)
	}
	return con
}

// normalizeDefault coerces a decoded default into the variable's Go type.
// JSON numbers decode as float64; long variables store int64.
func normalizeDefault(t expr.VariableType, def any) any {
	if def == nil {
		return nil
	}
	switch t {
	case expr.VariableLong:
		switch n := def.(type) {
		case float64:
			return int64(n)
		case int:
			return int64(n)
		case int64:
			return n
		case string:
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return parsed
			}
		}
		return nil
	case expr.VariableBoolean:
		if b, ok := def.(bool); ok {
			return b
		}
		return nil
	default:
		if s, ok := def.(string); ok {
			return s
		}
		return nil
	}
}

func buildPrivilege(m map[string]any, scope string, c *issueCollector) Privilege {
	typ, _ := m["type"].(string)
	switch PrivilegeType(typ) {
	case PrivilegeIamRoleBinding:
		var d docIamRoleBinding
		if err := mapstructure.Decode(m, &d); err != nil {
			c.errorf(scope, CodePrivilegeInvalidRole, "cannot decode role binding: %v", err)
			return nil
		}
		if d.Resource == "" || d.Role == "" {
			c.errorf(scope, CodePrivilegeInvalidRole, "role binding requires resource and role")
			return nil
		}
		return &IamRoleBinding{
			Resource:    d.Resource,
			Role:        d.Role,
			Description: d.Description,
			Condition:   d.Condition,
		}
	default:
		c.errorf(scope, CodePrivilegeInvalidRole, "unknown privilege type %q", typ)
		return nil
	}
}

// validateSemantics runs the second validation pass over an assembled tree.
func validateSemantics(env *EnvironmentPolicy, c *issueCollector, engine *expr.Engine, roles RoleResolver) {
	checkCel := func(scope string, constraints []Constraint) {
		for _, con := range constraints {
			cel, ok := con.(*CelConstraint)
			if !ok {
				continue
			}
			if engine != nil {
				if err := engine.CompileConstraint(cel.Expression); err != nil {
					c.errorf(scope, CodeFileInvalidSyntax, "constraint %q does not compile: %v", cel.Name, err)
				}
			}
		}
	}

	for _, sys := range env.Systems {
		for _, g := range sys.Groups {
			scope := env.Name + "/" + sys.Name + "/" + g.Name

			join := EffectiveConstraints(g, ConstraintClassJoin)
			expiries := 0
			for _, con := range join {
				if _, ok := con.(*ExpiryConstraint); ok {
					expiries++
				}
			}
			if expiries == 0 {
				c.errorf(scope, CodeConstraintDurationConstraintsMissing,
					"group %q has no effective expiry constraint", g.Name)
			}

			checkCel(scope, join)
			checkCel(scope, EffectiveConstraints(g, ConstraintClassApprove))

			effective := EffectiveACL(g)
			joinable := false
			approvable := false
			for _, e := range effective.Entries {
				if e.Kind == Allow && e.Mask.Covers(PermissionJoin) {
					joinable = true
				}
				if e.Kind == Allow && e.Mask.Covers(PermissionApproveOthers) {
					approvable = true
				}
			}
			if !joinable {
				c.warnf(scope, CodeRoleMissingAccess, "no ACL entry grants JOIN on group %q", g.Name)
			}
			if g.ApprovalLimits != nil && !approvable {
				c.warnf(scope, CodeConstraintApprovalConstraintsMissing,
					"group %q configures approval limits but nobody holds APPROVE_OTHERS", g.Name)
			}

			if roles != nil {
				for _, p := range g.Privileges {
					if b, ok := p.(*IamRoleBinding); ok && !roles.IsKnownRole(b.Role) {
						c.errorf(scope, CodePrivilegeInvalidRole, "role %q is not a known IAM role", b.Role)
					}
				}
			}
		}
	}
}

var isoDurationPattern = regexp.MustCompile(
	`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISODuration parses the day/time subset of ISO-8601 durations used in
// policy documents ("PT15M", "P1D", "PT1H30M"). Go-style literals ("90m")
// are accepted as a convenience.
func ParseISODuration(literal string) (time.Duration, error) {
	if m := isoDurationPattern.FindStringSubmatch(literal); m != nil && literal != "P" {
		var total time.Duration
		for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second} {
			if m[i+1] == "" {
				continue
			}
			n, err := strconv.ParseInt(m[i+1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", literal, err)
			}
			total += time.Duration(n) * unit
		}
		return total, nil
	}
	if d, err := time.ParseDuration(literal); err == nil {
		return d, nil
	}
	return 0, fmt.Errorf("invalid duration %q", literal)
}
