package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/jitaccess/internal/fault"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine()
	require.NoError(t, err)
	return engine
}

func TestEngine_EvaluateConstraint(t *testing.T) {
	engine := newTestEngine(t)

	t.Run("boolean result", func(t *testing.T) {
		ok, err := engine.EvaluateConstraint(`input.region == "eu"`, map[string]any{
			"input": map[string]any{"region": "eu"},
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = engine.EvaluateConstraint(`input.region == "eu"`, map[string]any{
			"input": map[string]any{"region": "us"},
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("subject and group records are available", func(t *testing.T) {
		ok, err := engine.EvaluateConstraint(
			`subject.email.endsWith("@example.com") && group.environment == "env-1"`,
			map[string]any{
				"input":   map[string]any{},
				"subject": map[string]any{"email": "alice@example.com"},
				"group":   map[string]any{"environment": "env-1", "system": "sys-1", "name": "g-1"},
			})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("compile error surfaces", func(t *testing.T) {
		_, err := engine.EvaluateConstraint(`this is not CEL`, map[string]any{})
		assert.Error(t, err)
	})

	t.Run("missing input key is an evaluation error", func(t *testing.T) {
		_, err := engine.EvaluateConstraint(`input.region == "eu"`, map[string]any{
			"input": map[string]any{},
		})
		assert.Error(t, err)
	})

	t.Run("non-boolean result is an error", func(t *testing.T) {
		_, err := engine.EvaluateConstraint(`"a string"`, map[string]any{})
		assert.Error(t, err)
	})
}

func TestEngine_CompileConstraint(t *testing.T) {
	engine := newTestEngine(t)

	assert.NoError(t, engine.CompileConstraint(`input.count > 2`))
	assert.Error(t, engine.CompileConstraint(`input.count >`))
}

func TestVariable_Bind(t *testing.T) {
	t.Run("boolean", func(t *testing.T) {
		v := Variable{Type: VariableBoolean, Name: "confirmed"}

		got, err := v.Bind("true")
		require.NoError(t, err)
		assert.Equal(t, true, got)

		got, err = v.Bind("no")
		require.NoError(t, err)
		assert.Equal(t, false, got)

		_, err = v.Bind("maybe")
		assert.ErrorIs(t, err, fault.ErrIllegalArgument)
	})

	t.Run("string with pattern", func(t *testing.T) {
		v := Variable{Type: VariableString, Name: "ticket", Pattern: `^JIRA-[0-9]+$`}

		got, err := v.Bind("JIRA-123")
		require.NoError(t, err)
		assert.Equal(t, "JIRA-123", got)

		_, err = v.Bind("nope")
		assert.ErrorIs(t, err, fault.ErrIllegalArgument)
	})

	t.Run("invalid pattern is a configuration failure", func(t *testing.T) {
		v := Variable{Type: VariableString, Name: "ticket", Pattern: `([`}
		_, err := v.Bind("anything")

		var cf *fault.ConstraintFailedError
		assert.True(t, errors.As(err, &cf))
	})

	t.Run("long with range", func(t *testing.T) {
		min, max := int64(1), int64(10)
		v := Variable{Type: VariableLong, Name: "count", MinValue: &min, MaxValue: &max}

		got, err := v.Bind("5")
		require.NoError(t, err)
		assert.Equal(t, int64(5), got)

		_, err = v.Bind("0")
		assert.ErrorIs(t, err, fault.ErrIllegalArgument)
		_, err = v.Bind("11")
		assert.ErrorIs(t, err, fault.ErrIllegalArgument)
		_, err = v.Bind("abc")
		assert.ErrorIs(t, err, fault.ErrIllegalArgument)
	})

	t.Run("default applied for empty input", func(t *testing.T) {
		v := Variable{Type: VariableString, Name: "region", Default: "eu"}
		got, err := v.Bind("")
		require.NoError(t, err)
		assert.Equal(t, "eu", got)
	})

	t.Run("empty input without default is required", func(t *testing.T) {
		v := Variable{Type: VariableString, Name: "region"}
		_, err := v.Bind("")
		assert.ErrorIs(t, err, fault.ErrIllegalArgument)
	})
}
