package policy

import (
	"errors"
	"time"

	"github.com/terraconstructs/jitaccess/internal/expr"
	"github.com/terraconstructs/jitaccess/internal/fault"
)

// ConstraintClass separates constraints that guard joining from constraints
// that guard approving.
type ConstraintClass string

const (
	ConstraintClassJoin    ConstraintClass = "JOIN"
	ConstraintClassApprove ConstraintClass = "APPROVE"
)

// Constraint is a predicate guarding a policy-permitted action. The two
// variants are ExpiryConstraint and CelConstraint. Constraints are addressed
// by name for ancestor-override resolution.
type Constraint interface {
	ConstraintName() string
	ConstraintDisplayName() string
}

// ExpiryConstraintName is the reserved name of the expiry constraint; a
// child policy redefining it overrides the ancestor's duration bounds.
const ExpiryConstraintName = "expiry"

// ExpiryConstraint bounds the duration of a JIT membership. Every group's
// effective JOIN constraint set must contain exactly one, either directly or
// inherited.
type ExpiryConstraint struct {
	Min     time.Duration
	Max     time.Duration
	Default time.Duration
}

// FixedExpiry returns an expiry constraint with a single permitted duration.
func FixedExpiry(d time.Duration) *ExpiryConstraint {
	return &ExpiryConstraint{Min: d, Max: d, Default: d}
}

func (c *ExpiryConstraint) ConstraintName() string        { return ExpiryConstraintName }
func (c *ExpiryConstraint) ConstraintDisplayName() string { return "Membership duration" }

// Clamp resolves the duration to provision: a requested duration is clamped
// to [Min, Max]; absent a request, the default applies.
func (c *ExpiryConstraint) Clamp(requested *time.Duration) time.Duration {
	if requested == nil {
		return c.Default
	}
	d := *requested
	if d < c.Min {
		return c.Min
	}
	if d > c.Max {
		return c.Max
	}
	return d
}

// CelConstraint guards an action with a CEL boolean expression over typed
// user inputs and the subject/group records.
type CelConstraint struct {
	Name        string
	DisplayName string
	Variables   []expr.Variable
	Expression  string
}

func (c *CelConstraint) ConstraintName() string { return c.Name }

func (c *CelConstraint) ConstraintDisplayName() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}

// Check evaluates the constraint against a typed activation.
//
// A false result is a user problem (ConstraintUnsatisfiedError). A compile
// or evaluation error is a configuration problem (ConstraintFailedError);
// callers audit it and convert it to a denial.
func (c *CelConstraint) Check(engine *expr.Engine, activation map[string]any) error {
	ok, err := engine.EvaluateConstraint(c.Expression, activation)
	if err != nil {
		return &fault.ConstraintFailedError{Name: c.Name, Err: err}
	}
	if !ok {
		return &fault.ConstraintUnsatisfiedError{Name: c.Name, Display: c.ConstraintDisplayName()}
	}
	return nil
}

// EffectiveExpiry extracts the single expiry constraint from an effective
// JOIN constraint set. The parser guarantees presence for loaded policies;
// absence at runtime is a configuration error.
func EffectiveExpiry(constraints []Constraint) (*ExpiryConstraint, error) {
	for _, c := range constraints {
		if e, ok := c.(*ExpiryConstraint); ok {
			return e, nil
		}
	}
	return nil, &fault.ConstraintFailedError{
		Name: ExpiryConstraintName,
		Err:  errors.New("no expiry constraint in effect"),
	}
}

// mergeConstraints composes ancestor and descendant constraint lists.
// Ancestor constraints come first; a descendant constraint with the same
// name replaces the ancestor's in place.
func mergeConstraints(ancestor, descendant []Constraint) []Constraint {
	merged := make([]Constraint, 0, len(ancestor)+len(descendant))
	overridden := make(map[string]int)

	for _, c := range ancestor {
		overridden[c.ConstraintName()] = len(merged)
		merged = append(merged, c)
	}
	for _, c := range descendant {
		if i, ok := overridden[c.ConstraintName()]; ok {
			merged[i] = c
			continue
		}
		overridden[c.ConstraintName()] = len(merged)
		merged = append(merged, c)
	}
	return merged
}

// duplicateConstraintName returns the first duplicated name in a single
// node's constraint list, if any.
func duplicateConstraintName(constraints []Constraint) (string, bool) {
	seen := make(map[string]struct{}, len(constraints))
	for _, c := range constraints {
		name := c.ConstraintName()
		if _, dup := seen[name]; dup {
			return name, true
		}
		seen[name] = struct{}{}
	}
	return "", false
}
