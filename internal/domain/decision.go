package domain

import (
	"fmt"
	"strings"
	"time"
)

// RiskBand is an ordinal classification of the aggregate risk score.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandMedium   RiskBand = "medium"
	BandHigh     RiskBand = "high"
	BandCritical RiskBand = "critical"
)

// Rank orders bands for monotonicity checks; higher is riskier.
func (b RiskBand) Rank() int {
	switch b {
	case BandLow:
		return 0
	case BandMedium:
		return 1
	case BandHigh:
		return 2
	case BandCritical:
		return 3
	}
	return -1
}

// Score is the nominal risk score attributed to a band, used to derive
// decision confidence as 1 - Score.
func (b RiskBand) Score() float64 {
	switch b {
	case BandLow:
		return 0.2
	case BandMedium:
		return 0.5
	case BandHigh:
		return 0.7
	case BandCritical:
		return 0.9
	}
	return 0.5
}

// KnownRiskBand reports whether b is a valid band.
func KnownRiskBand(b RiskBand) bool {
	return b.Rank() >= 0
}

// DecisionMatrixEntry maps (event type, risk band, customer segment) to a
// verdict and its false-positive-rate budget.
type DecisionMatrixEntry struct {
	EventType           EventType `json:"eventType"`
	RiskBand            RiskBand  `json:"riskBand"`
	CustomerSegment     string    `json:"customerSegment"`
	Action              Action    `json:"action"`
	MaxFPR              float64   `json:"maxFpr"`
	ConfidenceThreshold float64   `json:"confidenceThreshold"`
	Notes               string    `json:"notes,omitempty"`
}

// Key returns the composite lookup key for this entry.
func (e DecisionMatrixEntry) Key() string {
	return MatrixKey(e.EventType, e.RiskBand, e.CustomerSegment)
}

// MatrixKey builds the composite decision-matrix lookup key.
func MatrixKey(eventType EventType, band RiskBand, segment string) string {
	return fmt.Sprintf("%s:%s:%s", eventType, band, segment)
}

// ParseMatrixKey splits a lookup key back into its parts. Segments may not
// contain colons, so the split is unambiguous.
func ParseMatrixKey(key string) (EventType, RiskBand, string, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid matrix key: %q", key)
	}
	return EventType(parts[0]), RiskBand(parts[1]), parts[2], nil
}

// DecisionResult is the sole externally visible output of the decision core.
type DecisionResult struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	EventID   string `json:"eventId"`

	Action     Action   `json:"action"`
	RiskScore  float64  `json:"riskScore"`
	RiskBand   RiskBand `json:"riskBand"`
	Confidence float64  `json:"confidence"`

	// Matrix-derived reasons first, then fired-rule reasons.
	Reasons    []string `json:"reasons"`
	RulesFired []string `json:"rulesFired"`

	Metadata map[string]any `json:"metadata"`

	CreatedAt time.Time `json:"createdAt"`
}

// Metadata keys set by the decision matrix.
const (
	MetaMatrixKey    = "matrix_key"
	MetaIsDefault    = "is_default"
	MetaIsEscalation = "is_escalation"
	MetaIsNormal     = "is_normal"
)

// DecisionFeedback is an analyst verdict on a rendered decision, used to
// track observed false-positive rates per matrix cell.
type DecisionFeedback struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"projectId"`
	DecisionID    string    `json:"decisionId"`
	MatrixKey     string    `json:"matrixKey"`
	FalsePositive bool      `json:"falsePositive"`
	CreatedAt     time.Time `json:"createdAt"`
}

// RiskConfig exposes the aggregation and per-kind risk caps as tunable
// parameters rather than hard-coded constants.
type RiskConfig struct {
	// Per-kind risk contribution caps.
	RateLimitCap float64 `json:"rateLimitCap"`
	VelocityCap  float64 `json:"velocityCap"`
	DeviceCap    float64 `json:"deviceCap"`
	KeywordRisk  float64 `json:"keywordRisk"`
	VPNRisk      float64 `json:"vpnRisk"`
	LocationCap  float64 `json:"locationCap"`
	BehaviorCap  float64 `json:"behaviorCap"`

	// Divisors normalizing raw counts into risk contributions.
	DeviceDivisor   float64 `json:"deviceDivisor"`
	LocationDivisor float64 `json:"locationDivisor"`

	// Multi-violation amplification: 1 + AmplifyStep per extra fired rule,
	// capped at AmplifyCap.
	AmplifyStep float64 `json:"amplifyStep"`
	AmplifyCap  float64 `json:"amplifyCap"`
}

// DefaultRiskConfig returns the stock risk tuning.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		RateLimitCap:    0.9,
		VelocityCap:     0.8,
		DeviceCap:       0.7,
		KeywordRisk:     0.6,
		VPNRisk:         0.5,
		LocationCap:     0.6,
		BehaviorCap:     0.8,
		DeviceDivisor:   10,
		LocationDivisor: 10,
		AmplifyStep:     0.1,
		AmplifyCap:      1.2,
	}
}

// Clamp01 clamps v to the [0,1] interval.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
