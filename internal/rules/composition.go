package rules

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EvaluateComposition combines the results of member rules under the
// composition's operator. Members with no result (unknown names, rules
// filtered out at load) count as non-firing.
func EvaluateComposition(comp *domain.CompositionDefinition, results map[string]domain.RuleResult) domain.RuleResult {
	members := make([]domain.RuleResult, 0, len(comp.Rules))
	for _, name := range comp.Rules {
		if r, ok := results[name]; ok {
			members = append(members, r)
		} else {
			members = append(members, domain.RuleResult{
				RuleName: name,
				Fired:    false,
				Reason:   "rule not evaluated",
			})
		}
	}

	switch comp.Operator {
	case domain.OperatorAnd:
		return evaluateAnd(comp, members)
	case domain.OperatorOr:
		return evaluateOr(comp, members)
	case domain.OperatorMajority:
		return evaluateMajority(comp, members)
	default:
		return domain.RuleResult{
			RuleName: comp.Name,
			Fired:    false,
			Reason:   fmt.Sprintf("unknown composition operator: %s", comp.Operator),
		}
	}
}

// evaluateAnd fires only when every member fired. The combined risk is the
// maximum member risk.
func evaluateAnd(comp *domain.CompositionDefinition, members []domain.RuleResult) domain.RuleResult {
	if len(members) == 0 {
		return domain.RuleResult{RuleName: comp.Name, Fired: false, Reason: "no member rules"}
	}

	maxRisk := 0.0
	reasons := make([]string, 0, len(members))
	for _, m := range members {
		if !m.Fired {
			return domain.RuleResult{
				RuleName: comp.Name,
				Fired:    false,
				Reason:   fmt.Sprintf("member %s did not fire", m.RuleName),
			}
		}
		if m.RiskScore > maxRisk {
			maxRisk = m.RiskScore
		}
		reasons = append(reasons, m.Reason)
	}

	return domain.RuleResult{
		RuleName:  comp.Name,
		Fired:     true,
		RiskScore: maxRisk,
		Reason:    fmt.Sprintf("all %d rules fired: %s", len(members), strings.Join(reasons, "; ")),
	}
}

// evaluateOr fires when any member fired. The combined risk is the maximum
// risk among the members that fired.
func evaluateOr(comp *domain.CompositionDefinition, members []domain.RuleResult) domain.RuleResult {
	maxRisk := 0.0
	var reasons []string
	for _, m := range members {
		if !m.Fired {
			continue
		}
		if m.RiskScore > maxRisk {
			maxRisk = m.RiskScore
		}
		reasons = append(reasons, m.Reason)
	}

	if len(reasons) == 0 {
		return domain.RuleResult{RuleName: comp.Name, Fired: false, Reason: "no member rules fired"}
	}

	return domain.RuleResult{
		RuleName:  comp.Name,
		Fired:     true,
		RiskScore: maxRisk,
		Reason:    strings.Join(reasons, "; "),
	}
}

// evaluateMajority fires when more than half of the members fired. The
// combined risk is the average risk among the members that fired.
func evaluateMajority(comp *domain.CompositionDefinition, members []domain.RuleResult) domain.RuleResult {
	if len(members) == 0 {
		return domain.RuleResult{RuleName: comp.Name, Fired: false, Reason: "no member rules"}
	}

	firedCount := 0
	riskSum := 0.0
	var reasons []string
	for _, m := range members {
		if !m.Fired {
			continue
		}
		firedCount++
		riskSum += m.RiskScore
		reasons = append(reasons, m.Reason)
	}

	if firedCount*2 <= len(members) {
		return domain.RuleResult{
			RuleName: comp.Name,
			Fired:    false,
			Reason:   fmt.Sprintf("%d of %d rules fired, majority not reached", firedCount, len(members)),
		}
	}

	return domain.RuleResult{
		RuleName:  comp.Name,
		Fired:     true,
		RiskScore: riskSum / float64(firedCount),
		Reason:    fmt.Sprintf("%d of %d rules fired: %s", firedCount, len(members), strings.Join(reasons, "; ")),
	}
}
