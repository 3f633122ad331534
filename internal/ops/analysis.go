// Package ops implements the join and approval operations: policy analysis,
// the self-approval path, and the multi-party approval path backed by signed
// proposal tokens.
package ops

import (
	"errors"
	"fmt"
	"time"

	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/fault"
	"github.com/terraconstructs/jitaccess/internal/policy"
	"github.com/terraconstructs/jitaccess/internal/subject"
)

// CheckMode controls whether constraints participate in an analysis.
type CheckMode int

const (
	// EnforceConstraints evaluates constraints against the supplied inputs.
	EnforceConstraints CheckMode = iota

	// IgnoreConstraints checks the ACL only, for listing which groups a
	// subject could request at all.
	IgnoreConstraints
)

// Property is one input slot a user must fill before an operation.
type Property struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"displayName"`
	Type        expr.VariableType `json:"type"`
	Required    bool              `json:"required"`
	Default     any               `json:"default,omitempty"`
	MinValue    *int64            `json:"minValue,omitempty"`
	MaxValue    *int64            `json:"maxValue,omitempty"`
}

// Unsatisfied describes a constraint the subject's inputs did not satisfy.
type Unsatisfied struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// Analysis is the outcome of checking a subject against a group for a given
// permission and constraint class.
type Analysis struct {
	Allowed     bool          `json:"allowed"`
	Satisfied   []string      `json:"satisfiedConstraints,omitempty"`
	Unsatisfied []Unsatisfied `json:"unsatisfiedConstraints,omitempty"`

	// Input lists the properties the user must supply, with defaults
	// merged in. Populated regardless of the outcome so a caller can
	// render the form.
	Input []Property `json:"input,omitempty"`
}

// JoinProperties lists the input slots of a group's JOIN path: one slot per
// variable declared by effective CEL constraints, plus the membership
// duration governed by the expiry constraint.
func JoinProperties(g *policy.GroupPolicy) []Property {
	return properties(policy.EffectiveConstraints(g, policy.ConstraintClassJoin), true)
}

// ApproveProperties lists the input slots an approver must fill.
func ApproveProperties(g *policy.GroupPolicy) []Property {
	return properties(policy.EffectiveConstraints(g, policy.ConstraintClassApprove), false)
}

func properties(constraints []policy.Constraint, includeExpiry bool) []Property {
	var props []Property
	seen := make(map[string]struct{})
	for _, c := range constraints {
		switch t := c.(type) {
		case *policy.ExpiryConstraint:
			if !includeExpiry {
				continue
			}
			props = append(props, Property{
				Name:        InputExpiry,
				DisplayName: t.ConstraintDisplayName(),
				Type:        expr.VariableString,
				Required:    false,
				Default:     formatISODuration(t.Default),
			})
		case *policy.CelConstraint:
			for _, v := range t.Variables {
				if _, dup := seen[v.Name]; dup {
					continue
				}
				seen[v.Name] = struct{}{}
				props = append(props, Property{
					Name:        v.Name,
					DisplayName: v.DisplayName,
					Type:        v.Type,
					Required:    v.Default == nil,
					Default:     v.Default,
					MinValue:    v.MinValue,
					MaxValue:    v.MaxValue,
				})
			}
		}
	}
	return props
}

// analyze checks the ACL for the required permission and, in enforce mode,
// evaluates the CEL constraints of the class against the supplied inputs.
//
// Returned errors are either binding problems (ErrIllegalArgument) or
// configuration problems (ConstraintFailedError); an unsatisfied constraint
// is not an error but an !Allowed analysis.
func (e *Engine) analyze(s *subject.Subject, g *policy.GroupPolicy, required policy.Mask, class policy.ConstraintClass, inputs map[string]string, mode CheckMode) (*Analysis, error) {
	now := time.Now()
	analysis := &Analysis{}
	if class == policy.ConstraintClassJoin {
		analysis.Input = JoinProperties(g)
	} else {
		analysis.Input = ApproveProperties(g)
	}

	if !policy.IsAccessAllowed(g, s.ValidPrincipals(now), required) {
		return analysis, nil
	}
	if mode == IgnoreConstraints {
		analysis.Allowed = true
		return analysis, nil
	}

	activation, err := e.buildActivation(s, g, class, inputs)
	if err != nil {
		return nil, err
	}

	for _, c := range policy.EffectiveConstraints(g, class) {
		cel, ok := c.(*policy.CelConstraint)
		if !ok {
			continue
		}
		err := cel.Check(e.expr, activation)
		switch {
		case err == nil:
			analysis.Satisfied = append(analysis.Satisfied, cel.Name)
		case isUnsatisfied(err):
			analysis.Unsatisfied = append(analysis.Unsatisfied, Unsatisfied{
				Name:        cel.Name,
				DisplayName: cel.ConstraintDisplayName(),
			})
		default:
			return nil, err
		}
	}

	analysis.Allowed = len(analysis.Unsatisfied) == 0
	return analysis, nil
}

// buildActivation binds the declared variables and assembles the CEL
// activation: the typed input map plus subject and group records.
func (e *Engine) buildActivation(s *subject.Subject, g *policy.GroupPolicy, class policy.ConstraintClass, inputs map[string]string) (map[string]any, error) {
	bound := make(map[string]any)
	for _, c := range policy.EffectiveConstraints(g, class) {
		cel, ok := c.(*policy.CelConstraint)
		if !ok {
			continue
		}
		for _, v := range cel.Variables {
			value, err := v.Bind(inputs[v.Name])
			if err != nil {
				return nil, err
			}
			bound[v.Name] = value
		}
	}

	id := g.ID()
	return map[string]any{
		"input": bound,
		"subject": map[string]any{
			"email": s.User.Value(),
		},
		"group": map[string]any{
			"environment": id.Environment,
			"system":      id.System,
			"name":        id.Name,
		},
	}, nil
}

func isUnsatisfied(err error) bool {
	var unsatisfied *fault.ConstraintUnsatisfiedError
	return errors.As(err, &unsatisfied)
}

// resolveDuration determines the membership duration: the expiry input if
// supplied, clamped to the effective expiry constraint, or the constraint's
// default.
func resolveDuration(g *policy.GroupPolicy, inputs map[string]string) (time.Duration, error) {
	expiry, err := policy.EffectiveExpiry(policy.EffectiveConstraints(g, policy.ConstraintClassJoin))
	if err != nil {
		return 0, err
	}
	raw, ok := inputs[InputExpiry]
	if !ok || raw == "" {
		return expiry.Clamp(nil), nil
	}
	requested, err := policy.ParseISODuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid expiry input %q: %w", raw, fault.ErrIllegalArgument)
	}
	return expiry.Clamp(&requested), nil
}

// formatISODuration renders a duration in the ISO-8601 subset used by
// policy documents.
func formatISODuration(d time.Duration) string {
	d = d.Round(time.Second)
	out := "PT"
	if h := int64(d.Hours()); h > 0 {
		out += fmt.Sprintf("%dH", h)
		d -= time.Duration(h) * time.Hour
	}
	if m := int64(d.Minutes()); m > 0 {
		out += fmt.Sprintf("%dM", m)
		d -= time.Duration(m) * time.Minute
	}
	if s := int64(d.Seconds()); s > 0 || out == "PT" {
		out += fmt.Sprintf("%dS", s)
	}
	return out
}
