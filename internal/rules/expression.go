package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ExpressionEvaluator evaluates CEL expressions against the evaluation
// context. Programs are compiled once per expression and cached; compile
// errors surface at rule load via Validate and degrade to non-firing
// results during evaluation.
type ExpressionEvaluator struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program // keyed by expression text
	risk     domain.RiskConfig
}

// NewExpressionEvaluator creates the CEL environment with context variables.
func NewExpressionEvaluator(risk domain.RiskConfig) *ExpressionEvaluator {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("profile_id", cel.StringType),
		cel.Variable("device", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("behavior_score", cel.DoubleType),
		cel.Variable("counters", cel.MapType(cel.StringType, cel.IntType)),
	)
	if err != nil {
		// The variable declarations above are static; a failure here is a
		// programming error, not a configuration error.
		panic(fmt.Sprintf("expression evaluator environment: %v", err))
	}
	return &ExpressionEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
		risk:     risk,
	}
}

// Validate compiles a rule's expression without caching it, so invalid
// expressions are rejected at rule creation time.
func (e *ExpressionEvaluator) Validate(rule *domain.RuleDefinition) error {
	expr := condString(rule.Conditions, "expression", "")
	if expr == "" {
		return fmt.Errorf("rule %s: expression is required", rule.Name)
	}
	_, err := e.compile(expr)
	return err
}

func (e *ExpressionEvaluator) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("expression must return bool, int, or double, got %s", outputType)
	}

	return e.env.Program(ast)
}

func (e *ExpressionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Evaluate runs the rule's expression. Boolean results fire with the
// configured risk_score; numeric results fire when positive, using the
// clamped value as the risk contribution.
func (e *ExpressionEvaluator) Evaluate(rule *domain.RuleDefinition, ectx *domain.EvaluationContext) domain.RuleResult {
	expr := condString(rule.Conditions, "expression", "")
	if expr == "" {
		return notFired(rule.Name, "no expression configured")
	}

	prg, err := e.program(expr)
	if err != nil {
		return notFired(rule.Name, fmt.Sprintf("expression error: %v", err))
	}

	out, _, err := prg.Eval(e.activation(ectx))
	if err != nil {
		return notFired(rule.Name, fmt.Sprintf("expression evaluation error: %v", err))
	}

	switch v := toFloat(out); {
	case v > 0:
		risk := v
		if _, isBool := out.(types.Bool); isBool {
			risk = condFloat(rule.Conditions, "risk_score", e.risk.KeywordRisk)
		}
		return fired(rule.Name, fmt.Sprintf("expression matched: %s", expr), risk)
	default:
		return notFired(rule.Name, "expression did not match")
	}
}

func (e *ExpressionEvaluator) activation(ectx *domain.EvaluationContext) map[string]any {
	counters := make(map[string]int64, len(ectx.Counters))
	for scope, count := range ectx.Counters {
		counters[scope] = count
	}

	profileID := ectx.Event.ProfileID
	data := ectx.Event.Data
	if data == nil {
		data = map[string]any{}
	}

	return map[string]any{
		"event":          data,
		"event_type":     string(ectx.Event.Type),
		"amount":         ectx.Event.Amount,
		"profile_id":     profileID,
		"device":         ectx.Event.DeviceFingerprint,
		"ip":             ectx.Event.IPAddress,
		"behavior_score": ectx.BehaviorScore,
		"counters":       counters,
	}
}

// toFloat converts a CEL value to a numeric magnitude.
func toFloat(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
