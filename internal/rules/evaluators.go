// Package rules provides the table-driven rule evaluation engine.
//
// Each rule kind has one pure evaluator. Evaluators are total: configuration
// errors and missing context fields degrade to a non-firing result with a
// diagnostic reason, never an error or panic.
package rules

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator inspects an evaluation context against one rule's conditions.
type Evaluator interface {
	Evaluate(rule *domain.RuleDefinition, ectx *domain.EvaluationContext) domain.RuleResult
}

// Registry dispatches rule kinds to their evaluators. The set of kinds is
// closed at construction; unknown kinds fall through to a diagnostic result.
type Registry struct {
	evaluators map[domain.RuleKind]Evaluator
}

// NewRegistry builds the standard evaluator set with the given risk tuning.
func NewRegistry(risk domain.RiskConfig) *Registry {
	return &Registry{
		evaluators: map[domain.RuleKind]Evaluator{
			domain.RuleRateLimit:   &RateLimitEvaluator{Risk: risk},
			domain.RuleVelocity:    &VelocityEvaluator{Risk: risk},
			domain.RuleDevice:      &DeviceEvaluator{Risk: risk},
			domain.RuleCustom:      &CustomEvaluator{Risk: risk},
			domain.RuleGeolocation: &GeolocationEvaluator{Risk: risk},
			domain.RuleBehavior:    &BehaviorEvaluator{Risk: risk},
			domain.RuleExpression:  NewExpressionEvaluator(risk),
		},
	}
}

// Lookup returns the evaluator for a kind, or false for unknown kinds.
func (r *Registry) Lookup(kind domain.RuleKind) (Evaluator, bool) {
	e, ok := r.evaluators[kind]
	return e, ok
}

// Evaluate dispatches a rule to its evaluator. Unknown kinds are non-fatal.
func (r *Registry) Evaluate(rule *domain.RuleDefinition, ectx *domain.EvaluationContext) domain.RuleResult {
	if e, ok := r.evaluators[rule.Kind]; ok {
		return e.Evaluate(rule, ectx)
	}
	return notFired(rule.Name, fmt.Sprintf("unknown rule kind: %s", rule.Kind))
}

func notFired(ruleName, reason string) domain.RuleResult {
	return domain.RuleResult{
		Fired:     false,
		Reason:    reason,
		RiskScore: 0,
		RuleName:  ruleName,
	}
}

func fired(ruleName, reason string, risk float64) domain.RuleResult {
	return domain.RuleResult{
		Fired:     true,
		Reason:    reason,
		RiskScore: domain.Clamp01(risk),
		RuleName:  ruleName,
	}
}

// RateLimitEvaluator fires when the scoped event count exceeds max_events
// within the configured window.
type RateLimitEvaluator struct {
	Risk domain.RiskConfig
}

func (e *RateLimitEvaluator) Evaluate(rule *domain.RuleDefinition, ectx *domain.EvaluationContext) domain.RuleResult {
	scope := condString(rule.Conditions, "scope", domain.ScopeIP)
	window := condInt(rule.Conditions, "time_window_minutes", 60)
	maxEvents := condInt(rule.Conditions, "max_events", 100)

	switch scope {
	case domain.ScopeIP, domain.ScopeDevice:
	case domain.ScopeProfile:
		if ectx.Profile == nil {
			return notFired(rule.Name, "rate limit on profile scope requires a profile")
		}
	default:
		return notFired(rule.Name, fmt.Sprintf("invalid rate limit scope: %s", scope))
	}

	count := ectx.Counter(scope)
	if maxEvents <= 0 {
		return notFired(rule.Name, "rate limit max_events must be positive")
	}

	if count > maxEvents {
		risk := math.Min(e.Risk.RateLimitCap, float64(count)/float64(maxEvents))
		return fired(rule.Name, fmt.Sprintf("rate limit exceeded: %d events in %d minutes", count, window), risk)
	}
	return notFired(rule.Name, fmt.Sprintf("rate limit ok: %d/%d events", count, maxEvents))
}

// VelocityEvaluator fires when the profile velocity counter exceeds
// max_velocity. Velocity is defined on profile scope only.
type VelocityEvaluator struct {
	Risk domain.RiskConfig
}

func (e *VelocityEvaluator) Evaluate(rule *domain.RuleDefinition, ectx *domain.EvaluationContext) domain.RuleResult {
	scope := condString(rule.Conditions, "scope", domain.ScopeProfile)
	window := condInt(rule.Conditions, "time_window_minutes", 60)
	maxVelocity := condInt(rule.Conditions, "max_velocity", 10)

	if scope != domain.ScopeProfile || ectx.Profile == nil {
		return notFired(rule.Name, "velocity check requires profile scope")
	}
	if maxVelocity <= 0 {
		return notFired(rule.Name, "velocity max_velocity must be positive")
	}

	count := ectx.Counter(domain.ScopeProfileVelocity)
	if count > maxVelocity {
		risk := math.Min(e.Risk.VelocityCap, float64(count)/float64(maxVelocity))
		return fired(rule.Name, fmt.Sprintf("velocity exceeded: %d events in %d minutes", count, window), risk)
	}
	return notFired(rule.Name, fmt.Sprintf("velocity ok: %d/%d events", count, maxVelocity))
}

// DeviceEvaluator fires on device fingerprint reuse beyond max_device_uses.
type DeviceEvaluator struct {
	Risk domain.RiskConfig
}

func (e *DeviceEvaluator) Evaluate(rule *domain.RuleDefinition, ectx *domain.EvaluationContext) domain.RuleResult {
	if ectx.Event.DeviceFingerprint == "" {
		return notFired(rule.Name, "no device fingerprint available")
	}

	if condBool(rule.Conditions, "check_device_reuse") {
		maxUses := condInt(rule.Conditions, "max_device_uses", 5)
		count := ectx.Counter(domain.ScopeDevice)

		if count > maxUses {
			risk := math.Min(e.Risk.DeviceCap, float64(count)/e.Risk.DeviceDivisor)
			return fired(rule.Name, fmt.Sprintf("device overuse: %d events from same device", count), risk)
		}
	}
	return notFired(rule.Name, "device fingerprint ok")
}

// CustomEvaluator scans string-valued event data for suspicious keywords,
// case-insensitively, firing on the first match.
type CustomEvaluator struct {
	Risk domain.RiskConfig
}

func (e *CustomEvaluator) Evaluate(rule *domain.RuleDefinition, ectx *domain.EvaluationContext) domain.RuleResult {
	if !condBool(rule.Conditions, "check_event_data") {
		return notFired(rule.Name, "custom rule conditions not met")
	}

	keywords := condStrings(rule.Conditions, "suspicious_keywords")
	if len(keywords) == 0 {
		return notFired(rule.Name, "no suspicious keywords configured")
	}

	for _, value := range ectx.Event.Data {
		s, ok := value.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		for _, keyword := range keywords {
			if strings.Contains(lower, strings.ToLower(keyword)) {
				return fired(rule.Name, fmt.Sprintf("suspicious keyword detected: %s", keyword), e.Risk.KeywordRisk)
			}
		}
	}
	return notFired(rule.Name, "custom rule conditions not met")
}

// GeolocationEvaluator fires on VPN usage or excessive location changes.
type GeolocationEvaluator struct {
	Risk domain.RiskConfig
}

func (e *GeolocationEvaluator) Evaluate(rule *domain.RuleDefinition, ectx *domain.EvaluationContext) domain.RuleResult {
	if ectx.Geo == nil {
		return notFired(rule.Name, "no geolocation data available")
	}

	if condBool(rule.Conditions, "enable_vpn_detection") && ectx.Geo.IsVPN {
		return fired(rule.Name, "VPN detected", e.Risk.VPNRisk)
	}

	if condBool(rule.Conditions, "enable_location_consistency") {
		maxChanges := condInt(rule.Conditions, "max_location_changes", 3)
		changes := int64(ectx.Geo.LocationChanges)

		if changes > maxChanges {
			risk := math.Min(e.Risk.LocationCap, float64(changes)/e.Risk.LocationDivisor)
			return fired(rule.Name, fmt.Sprintf("too many location changes: %d", changes), risk)
		}
	}
	return notFired(rule.Name, "geolocation checks passed")
}

// BehaviorEvaluator fires when the behavior anomaly score crosses the
// configured threshold.
type BehaviorEvaluator struct {
	Risk domain.RiskConfig
}

func (e *BehaviorEvaluator) Evaluate(rule *domain.RuleDefinition, ectx *domain.EvaluationContext) domain.RuleResult {
	if !condBool(rule.Conditions, "enable_behavioral_analysis") {
		return notFired(rule.Name, "behavioral analysis not enabled")
	}

	threshold := condFloat(rule.Conditions, "behavior_threshold", 0.7)
	if ectx.BehaviorScore > threshold {
		risk := math.Min(e.Risk.BehaviorCap, ectx.BehaviorScore)
		return fired(rule.Name, fmt.Sprintf("unusual behavior detected: score %.2f", ectx.BehaviorScore), risk)
	}
	return notFired(rule.Name, fmt.Sprintf("behavior normal: score %.2f", ectx.BehaviorScore))
}
