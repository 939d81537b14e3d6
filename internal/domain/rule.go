package domain

import "time"

// RuleKind identifies which evaluator handles a rule.
type RuleKind string

const (
	RuleRateLimit   RuleKind = "rate_limit"
	RuleVelocity    RuleKind = "velocity"
	RuleDevice      RuleKind = "device"
	RuleCustom      RuleKind = "custom"
	RuleGeolocation RuleKind = "geolocation"
	RuleBehavior    RuleKind = "behavior"

	// RuleExpression evaluates a CEL expression against the context.
	RuleExpression RuleKind = "expression"
)

// Action is a verdict the engine can render for an event.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionDeny   Action = "deny"
	ActionReview Action = "review"
	ActionStepUp Action = "step_up"
)

// KnownAction reports whether a is a supported verdict.
func KnownAction(a Action) bool {
	switch a {
	case ActionAllow, ActionDeny, ActionReview, ActionStepUp:
		return true
	}
	return false
}

// RuleDefinition is a configured fraud-detection check. Rules are data, not
// code: new behavior requires a new evaluator kind, not a new rule instance.
type RuleDefinition struct {
	Name      string   `json:"name"`
	ProjectID string   `json:"projectId"`
	Kind      RuleKind `json:"kind"`

	// Kind-specific condition parameters.
	Conditions map[string]any `json:"conditions"`

	// Action is informational only; the decision matrix makes the final call.
	Action      Action `json:"action"`
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleResult is the outcome of evaluating one rule or composition.
// A non-firing result always carries a zero risk score.
type RuleResult struct {
	Fired     bool    `json:"fired"`
	Reason    string  `json:"reason"`
	RiskScore float64 `json:"riskScore"`
	RuleName  string  `json:"ruleName"`
}

// CompositionOperator combines member rule results into one result.
type CompositionOperator string

const (
	OperatorAnd      CompositionOperator = "AND"
	OperatorOr       CompositionOperator = "OR"
	OperatorMajority CompositionOperator = "MAJORITY"
)

// CompositionDefinition is a named boolean combinator over rule names.
type CompositionDefinition struct {
	Name      string              `json:"name"`
	ProjectID string              `json:"projectId"`
	Operator  CompositionOperator `json:"operator"`
	Rules     []string            `json:"rules"`
	Enabled   bool                `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
