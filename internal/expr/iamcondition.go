package expr

import (
	"fmt"
	"regexp"
	"time"
)

// temporaryConditionPattern matches the exact shape of condition expressions
// this service writes. Anything else on a binding is treated as foreign and
// left alone by the provisioners.
var temporaryConditionPattern = regexp.MustCompile(
	`^\s*\(?request\.time >= timestamp\("([^"]+)"\) && request\.time < timestamp\("([^"]+)"\)\)?\s*$`)

// TemporaryCondition is the CEL condition carried on a temporary IAM role
// binding: valid from a start instant for a fixed duration.
//
// Timestamps are truncated to the second and rendered in UTC so that two
// provisioners producing a condition for the same window emit byte-identical
// expressions.
type TemporaryCondition struct {
	start    time.Time
	duration time.Duration
}

// NewTemporaryCondition creates a condition starting at start (truncated to
// the second, UTC) and lasting for duration.
func NewTemporaryCondition(start time.Time, duration time.Duration) TemporaryCondition {
	return TemporaryCondition{
		start:    start.UTC().Truncate(time.Second),
		duration: duration,
	}
}

// Start returns the truncated start instant.
func (c TemporaryCondition) Start() time.Time { return c.start }

// Expiry returns the end of the validity window.
func (c TemporaryCondition) Expiry() time.Time { return c.start.Add(c.duration) }

// String renders the condition as a CEL expression over request.time.
func (c TemporaryCondition) String() string {
	return fmt.Sprintf(
		`(request.time >= timestamp("%s") && request.time < timestamp("%s"))`,
		c.start.Format(time.RFC3339),
		c.Expiry().Format(time.RFC3339))
}

// ParseTemporaryCondition recognizes condition expressions written by this
// service and recovers their window. The second return value is false for
// foreign expressions.
func ParseTemporaryCondition(expression string) (TemporaryCondition, bool) {
	m := temporaryConditionPattern.FindStringSubmatch(expression)
	if m == nil {
		return TemporaryCondition{}, false
	}
	start, err := time.Parse(time.RFC3339, m[1])
	if err != nil {
		return TemporaryCondition{}, false
	}
	end, err := time.Parse(time.RFC3339, m[2])
	if err != nil || !end.After(start) {
		return TemporaryCondition{}, false
	}
	return TemporaryCondition{start: start.UTC(), duration: end.Sub(start)}, true
}

// IsTemporaryCondition reports whether the expression was written by this
// service's provisioners.
func IsTemporaryCondition(expression string) bool {
	_, ok := ParseTemporaryCondition(expression)
	return ok
}

// Condition is an arbitrary IAM condition expression, evaluated with a
// synthetic request record. Used during reconciliation to decide whether a
// live binding is still effective.
type Condition struct {
	Expression string
}

// Evaluate runs the condition with request.time set to the given instant.
// Compile and evaluation errors bubble up; callers classify them as
// configuration failures or audit events depending on context.
func (c Condition) Evaluate(engine *Engine, at time.Time) (bool, error) {
	return engine.EvaluateCondition(c.Expression, map[string]any{
		"time": at.UTC(),
	})
}
