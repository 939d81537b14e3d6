package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates loaded rules and compositions against an evaluation
// context. Rule sets are swapped atomically under a lock, enabling
// hot-reloading from the database.
type Engine struct {
	mu           sync.RWMutex
	registry     *Registry
	rules        []*domain.RuleDefinition
	compositions []*domain.CompositionDefinition
	logger       *slog.Logger
}

// NewEngine creates a rule engine with evaluators for every rule kind.
func NewEngine(risk domain.RiskConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: NewRegistry(risk),
		logger:   logger,
	}
}

// ValidateRule checks a rule without mutating the loaded rule set.
// Expression rules are compiled so syntax errors surface at creation time.
func (e *Engine) ValidateRule(rule *domain.RuleDefinition) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if rule.Name == "" {
		return fmt.Errorf("rule name is required")
	}

	ev, ok := e.registry.Lookup(rule.Kind)
	if !ok {
		return fmt.Errorf("rule %s: unknown kind %q", rule.Name, rule.Kind)
	}

	if v, ok := ev.(interface {
		Validate(*domain.RuleDefinition) error
	}); ok {
		return v.Validate(rule)
	}
	return nil
}

// ReloadRules replaces the loaded rule set. Disabled rules are skipped.
// Rules are ordered by descending priority; equal priorities keep the
// order they were passed in.
func (e *Engine) ReloadRules(rules []*domain.RuleDefinition) error {
	enabled := make([]*domain.RuleDefinition, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if err := e.ValidateRule(rule); err != nil {
			return err
		}
		enabled = append(enabled, rule)
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority > enabled[j].Priority
	})

	e.mu.Lock()
	e.rules = enabled
	e.mu.Unlock()

	return nil
}

// ReloadCompositions replaces the loaded composition set. Disabled
// compositions are skipped.
func (e *Engine) ReloadCompositions(comps []*domain.CompositionDefinition) error {
	enabled := make([]*domain.CompositionDefinition, 0, len(comps))
	for _, comp := range comps {
		if !comp.Enabled {
			continue
		}
		switch comp.Operator {
		case domain.OperatorAnd, domain.OperatorOr, domain.OperatorMajority:
		default:
			return fmt.Errorf("composition %s: unknown operator %q", comp.Name, comp.Operator)
		}
		if len(comp.Rules) == 0 {
			return fmt.Errorf("composition %s: at least one member rule is required", comp.Name)
		}
		enabled = append(enabled, comp)
	}

	e.mu.Lock()
	e.compositions = enabled
	e.mu.Unlock()

	return nil
}

// EvaluateAll runs every loaded rule in priority order, then every loaded
// composition over the individual results. A panicking evaluator is
// contained and reported as a non-firing result.
func (e *Engine) EvaluateAll(ectx *domain.EvaluationContext) []domain.RuleResult {
	e.mu.RLock()
	rules := e.rules
	comps := e.compositions
	e.mu.RUnlock()

	results := make([]domain.RuleResult, 0, len(rules)+len(comps))
	byName := make(map[string]domain.RuleResult, len(rules))

	for _, rule := range rules {
		result := e.evaluateOne(rule, ectx)
		results = append(results, result)
		byName[rule.Name] = result
	}

	for _, comp := range comps {
		results = append(results, EvaluateComposition(comp, byName))
	}

	return results
}

// evaluateOne evaluates a single rule, recovering from evaluator panics so
// one bad rule cannot take down the decision path.
func (e *Engine) evaluateOne(rule *domain.RuleDefinition, ectx *domain.EvaluationContext) (result domain.RuleResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule evaluation panic",
				"rule", rule.Name,
				"kind", rule.Kind,
				"panic", fmt.Sprintf("%v", r))
			result = domain.RuleResult{
				RuleName: rule.Name,
				Fired:    false,
				Reason:   fmt.Sprintf("evaluation panic: %v", r),
			}
		}
	}()

	return e.registry.Evaluate(rule, ectx)
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// CompositionsCount returns the number of loaded compositions.
func (e *Engine) CompositionsCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compositions)
}

// LoadedRules returns the currently loaded rule definitions in evaluation
// order.
func (e *Engine) LoadedRules() []*domain.RuleDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.RuleDefinition, len(e.rules))
	copy(out, e.rules)
	return out
}

// Close clears the loaded rule set.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
	e.compositions = nil
	return nil
}
