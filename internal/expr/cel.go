// Package expr wraps CEL for the two expression dialects the broker uses:
// policy constraints evaluated against typed user input, and IAM condition
// expressions carried on temporary role bindings.
package expr

import (
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/terraconstructs/jitaccess/internal/fault"
)

// programCacheSize bounds the number of compiled CEL programs kept in memory.
// Policies are compiled once per load; the cache mostly exists so the lint
// endpoint cannot grow memory without bound.
const programCacheSize = 512

// Engine compiles and evaluates CEL expressions. Programs are compiled once
// and cached; evaluation is safe for concurrent use.
type Engine struct {
	constraintEnv *cel.Env
	conditionEnv  *cel.Env
	programs      *lru.Cache[string, cel.Program]
}

// NewEngine creates an engine with the constraint and condition environments.
func NewEngine() (*Engine, error) {
	constraintEnv, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("group", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create constraint environment: %w", err)
	}

	conditionEnv, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create condition environment: %w", err)
	}

	programs, err := lru.New[string, cel.Program](programCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create program cache: %w", err)
	}

	return &Engine{
		constraintEnv: constraintEnv,
		conditionEnv:  conditionEnv,
		programs:      programs,
	}, nil
}

// CompileConstraint checks that a constraint expression compiles. Used by the
// policy parser's semantic pass; the compiled program is cached for later
// evaluation.
func (e *Engine) CompileConstraint(expression string) error {
	_, err := e.program(e.constraintEnv, "c\x00"+expression, expression)
	return err
}

// EvaluateConstraint evaluates a constraint expression against an activation
// of input, subject, and group records. The result must be a boolean.
func (e *Engine) EvaluateConstraint(expression string, activation map[string]any) (bool, error) {
	prg, err := e.program(e.constraintEnv, "c\x00"+expression, expression)
	if err != nil {
		return false, err
	}
	return e.evalBool(prg, activation)
}

// EvaluateCondition evaluates an IAM condition expression with a synthetic
// request record. The result must be a boolean.
func (e *Engine) EvaluateCondition(expression string, request map[string]any) (bool, error) {
	prg, err := e.program(e.conditionEnv, "r\x00"+expression, expression)
	if err != nil {
		return false, err
	}
	return e.evalBool(prg, map[string]any{"request": request})
}

func (e *Engine) program(env *cel.Env, key, expression string) (cel.Program, error) {
	if prg, ok := e.programs.Get(key); ok {
		return prg, nil
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	e.programs.Add(key, prg)
	return prg, nil
}

func (e *Engine) evalBool(prg cel.Program, activation map[string]any) (bool, error) {
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression result is %T, not bool", out.Value())
	}
	return val, nil
}

// VariableType enumerates the supported typed-variable kinds.
type VariableType string

const (
	VariableBoolean VariableType = "boolean"
	VariableString  VariableType = "string"
	VariableLong    VariableType = "long"
)

// Variable declares a typed input slot of a constraint expression.
type Variable struct {
	Type        VariableType
	Name        string
	DisplayName string

	// Pattern optionally restricts string variables.
	Pattern string

	// MinValue and MaxValue optionally restrict long variables.
	MinValue *int64
	MaxValue *int64

	// Default is applied when the user supplies no value. Its dynamic type
	// matches the variable type (bool, string, or int64).
	Default any
}

// Bind converts a raw form value into the variable's typed representation,
// applying the default when raw is empty. Violations of the declared pattern
// or range are user errors (fault.ErrIllegalArgument).
func (v Variable) Bind(raw string) (any, error) {
	if raw == "" {
		if v.Default != nil {
			return v.Default, nil
		}
		return nil, fmt.Errorf("%w: input %q is required", fault.ErrIllegalArgument, v.Name)
	}

	switch v.Type {
	case VariableBoolean:
		switch raw {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("%w: input %q must be a boolean", fault.ErrIllegalArgument, v.Name)

	case VariableString:
		if v.Pattern != "" {
			re, err := regexp.Compile(v.Pattern)
			if err != nil {
				return nil, &fault.ConstraintFailedError{
					Name: v.Name,
					Err:  fmt.Errorf("invalid pattern %q: %w", v.Pattern, err),
				}
			}
			if !re.MatchString(raw) {
				return nil, fmt.Errorf("%w: input %q does not match the required format", fault.ErrIllegalArgument, v.Name)
			}
		}
		return raw, nil

	case VariableLong:
		var n int64
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
			return nil, fmt.Errorf("%w: input %q must be a number", fault.ErrIllegalArgument, v.Name)
		}
		if v.MinValue != nil && n < *v.MinValue {
			return nil, fmt.Errorf("%w: input %q must be at least %d", fault.ErrIllegalArgument, v.Name, *v.MinValue)
		}
		if v.MaxValue != nil && n > *v.MaxValue {
			return nil, fmt.Errorf("%w: input %q must be at most %d", fault.ErrIllegalArgument, v.Name, *v.MaxValue)
		}
		return n, nil

	default:
		return nil, &fault.ConstraintFailedError{
			Name: v.Name,
			Err:  fmt.Errorf("unknown variable type %q", v.Type),
		}
	}
}
