package validate

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/openclaw/guardian/pkg/contracts"
)

// RuleEngine compiles CEL outcome rules and caches the compiled programs.
// A rule sees two variables: "result" (the value the performed action
// returned, flattened to plain JSON types) and "metadata" (the guarded
// call's metadata map). A rule may yield a bool (success/fail) or a tier
// name string.
type RuleEngine struct {
	env   *cel.Env
	cache map[string]cel.Program
	mu    sync.RWMutex
}

func NewRuleEngine() (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("result", cel.DynType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &RuleEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Compile checks an expression eagerly. Useful at config-load time so a
// broken rule is rejected before any guarded call runs.
func (e *RuleEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Func adapts a compiled rule into the validator contract. Metadata is
// bound at wrap time, the result at call time.
func (e *RuleEngine) Func(expression string, metadata contracts.Evidence) Func {
	return func(result any) (Outcome, error) {
		return e.Evaluate(expression, result, metadata)
	}
}

// Evaluate runs one rule against an action result.
func (e *RuleEngine) Evaluate(expression string, result any, metadata contracts.Evidence) (Outcome, error) {
	prg, err := e.program(expression)
	if err != nil {
		return Outcome{}, err
	}

	activation := map[string]any{
		"result":   flatten(result),
		"metadata": map[string]any(metadata),
	}
	if metadata == nil {
		activation["metadata"] = map[string]any{}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return Outcome{}, fmt.Errorf("CEL eval error: %w", err)
	}

	evidence := contracts.Evidence{"rule": expression}
	switch v := out.Value().(type) {
	case bool:
		evidence["value"] = v
		if v {
			return Success(evidence), nil
		}
		return Fail(evidence), nil
	case string:
		evidence["value"] = v
		return Normalize(Outcome{Tier: contracts.Tier(v), Evidence: evidence}), nil
	default:
		return Outcome{}, fmt.Errorf("rule %q returned %T, want bool or tier string", expression, out.Value())
	}
}

func (e *RuleEngine) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expression]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expression]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	p, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	e.cache[expression] = p
	return p, nil
}

// flatten reduces an arbitrary result value to JSON-native types so CEL's
// default adapter can traverse it. Non-serializable results degrade to
// their string form rather than failing the rule.
func flatten(result any) any {
	switch result.(type) {
	case nil, bool, string, float64, int, int64, map[string]any, []any:
		return result
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}
