// Package decision implements the decision orchestrator. It chains context
// assembly, rule evaluation, risk aggregation, and the decision matrix into
// a single verdict per event.
package decision

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matrix"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// EngineVersion is stamped into decision metadata.
const EngineVersion = "kestrel-1.0"

// ContextBuilder assembles the evaluation context for an event.
type ContextBuilder interface {
	Build(ctx context.Context, event *domain.EventContext) (*domain.EvaluationContext, error)
}

// FPRSource reports the observed false positive rate for a matrix cell.
type FPRSource interface {
	CurrentFPR(ctx context.Context, projectID, matrixKey string) (float64, error)
}

// Orchestrator produces one DecisionResult per event. It performs no
// persistence; callers save and publish the result.
type Orchestrator struct {
	engine     *rules.Engine
	aggregator *risk.Aggregator
	matrix     *matrix.Matrix
	builder    ContextBuilder
	fpr        FPRSource
	logger     *slog.Logger
}

// NewOrchestrator wires the decision pipeline.
func NewOrchestrator(engine *rules.Engine, aggregator *risk.Aggregator, m *matrix.Matrix, builder ContextBuilder, fpr FPRSource, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engine:     engine,
		aggregator: aggregator,
		matrix:     m,
		builder:    builder,
		fpr:        fpr,
		logger:     logger,
	}
}

// Decide evaluates one event end to end.
func (o *Orchestrator) Decide(ctx context.Context, event *domain.EventContext) (*domain.DecisionResult, error) {
	start := time.Now()

	ectx, err := o.builder.Build(ctx, event)
	if err != nil {
		return nil, err
	}

	results := o.engine.EvaluateAll(ectx)
	score, fired := o.aggregator.Aggregate(results)
	band := risk.Classify(score)

	matrixKey := domain.MatrixKey(event.Type, band, ectx.CustomerSegment)
	currentFPR := 0.0
	if o.fpr != nil {
		fpr, err := o.fpr.CurrentFPR(ctx, event.ProjectID, matrixKey)
		if err != nil {
			o.logger.Warn("fpr lookup failed, assuming zero",
				"matrix_key", matrixKey, "error", err)
		} else {
			currentFPR = fpr
		}
	}
	ectx.CurrentFPR = currentFPR

	outcome := o.matrix.Decide(event.Type, band, ectx.CustomerSegment, currentFPR)

	reasons := make([]string, 0, len(outcome.Reasons)+len(fired))
	reasons = append(reasons, outcome.Reasons...)
	rulesFired := make([]string, 0, len(outcome.RulesFired)+len(fired))
	rulesFired = append(rulesFired, outcome.RulesFired...)
	for _, result := range results {
		if result.Fired && result.Reason != "" {
			reasons = append(reasons, result.Reason)
		}
	}
	rulesFired = append(rulesFired, fired...)

	metadata := make(map[string]any, len(outcome.Metadata)+4)
	for k, v := range outcome.Metadata {
		metadata[k] = v
	}
	metadata["rules_evaluated"] = len(results)
	metadata["behavior_score"] = ectx.BehaviorScore
	metadata["decision_ms"] = time.Since(start).Milliseconds()
	metadata["engine_version"] = EngineVersion

	result := &domain.DecisionResult{
		ID:         uuid.New().String(),
		ProjectID:  event.ProjectID,
		EventID:    event.ID,
		Action:     outcome.Action,
		RiskScore:  score,
		RiskBand:   band,
		Confidence: outcome.Confidence,
		Reasons:    reasons,
		RulesFired: rulesFired,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}

	o.logger.Info("decision",
		"project", event.ProjectID,
		"event", event.ID,
		"action", result.Action,
		"band", result.RiskBand,
		"score", result.RiskScore,
		"rules_fired", len(fired))

	return result, nil
}

// ShouldAlert reports whether a decision warrants an alert publication.
func ShouldAlert(result *domain.DecisionResult) bool {
	return result.Action == domain.ActionDeny || result.Action == domain.ActionReview
}
