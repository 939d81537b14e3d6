package decision

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matrix"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type stubBuilder struct {
	segment  string
	behavior float64
	err      error
}

func (b *stubBuilder) Build(_ context.Context, event *domain.EventContext) (*domain.EvaluationContext, error) {
	if b.err != nil {
		return nil, b.err
	}
	segment := b.segment
	if segment == "" {
		segment = "new_user"
	}
	return &domain.EvaluationContext{
		Event:           *event,
		Counters:        map[string]int64{},
		CustomerSegment: segment,
		BehaviorScore:   b.behavior,
	}, nil
}

type stubFPR struct {
	fpr float64
	err error

	lastKey string
}

func (s *stubFPR) CurrentFPR(_ context.Context, _, matrixKey string) (float64, error) {
	s.lastKey = matrixKey
	return s.fpr, s.err
}

func newTestOrchestrator(t *testing.T, builder ContextBuilder, fpr FPRSource) *Orchestrator {
	t.Helper()

	cfg := domain.DefaultRiskConfig()
	engine := rules.NewEngine(cfg, nil)
	err := engine.ReloadRules([]*domain.RuleDefinition{
		{
			Name:    "keyword-check",
			Kind:    domain.RuleCustom,
			Enabled: true,
			Conditions: map[string]any{
				"check_event_data":    true,
				"suspicious_keywords": []any{"fraud"},
			},
		},
	})
	if err != nil {
		t.Fatalf("ReloadRules failed: %v", err)
	}

	m := matrix.New(domain.MatrixConfig{DefaultAction: domain.ActionReview, DefaultMaxFPR: 0.01})
	if err := m.Load(matrix.DefaultEntries(), domain.ActionReview, 0.01); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	return NewOrchestrator(engine, risk.NewAggregator(cfg), m, builder, fpr, nil)
}

func testEvent(eventType domain.EventType, data map[string]any) *domain.EventContext {
	return &domain.EventContext{
		ID:        "ev-1",
		ProjectID: "proj-1",
		Type:      eventType,
		ProfileID: "user-1",
		Amount:    25,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

func TestDecide(t *testing.T) {
	t.Run("BenignEvent", func(t *testing.T) {
		o := newTestOrchestrator(t, &stubBuilder{}, &stubFPR{})
		result, err := o.Decide(context.Background(), testEvent(domain.EventLogin, nil))
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if result.Action != domain.ActionAllow {
			t.Errorf("expected allow, got %s", result.Action)
		}
		if result.RiskScore != 0 || result.RiskBand != domain.BandLow {
			t.Errorf("expected zero score in low band, got %.2f %s", result.RiskScore, result.RiskBand)
		}
		if result.EventID != "ev-1" || result.ProjectID != "proj-1" {
			t.Errorf("identifiers not carried through: %s %s", result.EventID, result.ProjectID)
		}
		if result.ID == "" {
			t.Error("expected a generated decision ID")
		}
	})

	t.Run("FiredRuleRaisesBand", func(t *testing.T) {
		o := newTestOrchestrator(t, &stubBuilder{}, &stubFPR{})
		event := testEvent(domain.EventPayment, map[string]any{"note": "obvious fraud attempt"})
		result, err := o.Decide(context.Background(), event)
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		// Single keyword hit scores 0.6, which lands in the high band and
		// maps payment:high:new_user to review.
		if result.RiskBand != domain.BandHigh {
			t.Errorf("expected high band, got %s", result.RiskBand)
		}
		if result.Action != domain.ActionReview {
			t.Errorf("expected review, got %s", result.Action)
		}

		foundRule := false
		for _, name := range result.RulesFired {
			if name == "keyword-check" {
				foundRule = true
			}
		}
		if !foundRule {
			t.Errorf("fired rule missing from rules_fired: %v", result.RulesFired)
		}
		if result.RulesFired[0] != "matrix_payment_high" {
			t.Errorf("matrix attribution should lead rules_fired, got %v", result.RulesFired)
		}

		// Matrix reasons come first, then the fired rule's reason.
		last := result.Reasons[len(result.Reasons)-1]
		if !strings.Contains(last, "suspicious keyword") {
			t.Errorf("expected rule reason last, got %q", last)
		}
	})

	t.Run("Metadata", func(t *testing.T) {
		o := newTestOrchestrator(t, &stubBuilder{behavior: 0.2}, &stubFPR{})
		result, err := o.Decide(context.Background(), testEvent(domain.EventLogin, nil))
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if result.Metadata["rules_evaluated"] != 1 {
			t.Errorf("unexpected rules_evaluated: %v", result.Metadata["rules_evaluated"])
		}
		if result.Metadata["behavior_score"] != 0.2 {
			t.Errorf("unexpected behavior_score: %v", result.Metadata["behavior_score"])
		}
		if result.Metadata["engine_version"] != EngineVersion {
			t.Errorf("unexpected engine_version: %v", result.Metadata["engine_version"])
		}
		if _, ok := result.Metadata["decision_ms"]; !ok {
			t.Error("expected decision_ms metadata")
		}
		if result.Metadata[domain.MetaMatrixKey] != "login:low:new_user" {
			t.Errorf("unexpected matrix key: %v", result.Metadata[domain.MetaMatrixKey])
		}
	})

	t.Run("FPRPassedToMatrix", func(t *testing.T) {
		fpr := &stubFPR{fpr: 0.05}
		o := newTestOrchestrator(t, &stubBuilder{}, fpr)
		event := testEvent(domain.EventPayment, map[string]any{"note": "fraud"})
		result, err := o.Decide(context.Background(), event)
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if fpr.lastKey != "payment:high:new_user" {
			t.Errorf("unexpected matrix key queried: %s", fpr.lastKey)
		}
		// payment:high:new_user is already review, so escalation keeps it
		// there but stamps the escalation metadata.
		if result.Metadata[domain.MetaIsEscalation] != true {
			t.Error("expected escalation metadata when the FPR budget is blown")
		}
	})

	t.Run("FPRErrorDegradesToZero", func(t *testing.T) {
		o := newTestOrchestrator(t, &stubBuilder{}, &stubFPR{err: errors.New("redis down")})
		result, err := o.Decide(context.Background(), testEvent(domain.EventLogin, nil))
		if err != nil {
			t.Fatalf("Decide should tolerate FPR lookup failure: %v", err)
		}
		if result.Metadata[domain.MetaIsEscalation] == true {
			t.Error("escalation should not trigger when FPR is unavailable")
		}
	})

	t.Run("BuilderErrorPropagates", func(t *testing.T) {
		o := newTestOrchestrator(t, &stubBuilder{err: errors.New("profile store down")}, &stubFPR{})
		if _, err := o.Decide(context.Background(), testEvent(domain.EventLogin, nil)); err == nil {
			t.Error("expected builder error to propagate")
		}
	})
}

func TestShouldAlert(t *testing.T) {
	tests := []struct {
		action domain.Action
		want   bool
	}{
		{domain.ActionAllow, false},
		{domain.ActionStepUp, false},
		{domain.ActionReview, true},
		{domain.ActionDeny, true},
	}
	for _, tt := range tests {
		result := &domain.DecisionResult{Action: tt.action}
		if got := ShouldAlert(result); got != tt.want {
			t.Errorf("ShouldAlert(%s) = %v, want %v", tt.action, got, tt.want)
		}
	}
}
