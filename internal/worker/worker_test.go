package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matrix"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// stubBuilder assembles contexts without any I/O.
type stubBuilder struct {
	counters map[string]int64
}

func (b *stubBuilder) Build(ctx context.Context, event *domain.EventContext) (*domain.EvaluationContext, error) {
	return &domain.EvaluationContext{
		Event:           *event,
		Counters:        b.counters,
		CustomerSegment: "new_user",
	}, nil
}

type zeroFPR struct{}

func (zeroFPR) CurrentFPR(ctx context.Context, projectID, matrixKey string) (float64, error) {
	return 0, nil
}

func newTestOrchestrator(t *testing.T) *decision.Orchestrator {
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
				"suspicious_keywords": []any{"test"},
			},
		},
	})
	if err != nil {
		t.Fatalf("ReloadRules failed: %v", err)
	}

	m := matrix.New(domain.MatrixConfig{
		DefaultAction: domain.ActionReview,
		DefaultMaxFPR: 0.01,
	})
	if err := m.Load(matrix.DefaultEntries(), domain.ActionReview, 0.01); err != nil {
		t.Fatalf("matrix Load failed: %v", err)
	}

	return decision.NewOrchestrator(
		engine,
		risk.NewAggregator(cfg),
		m,
		&stubBuilder{},
		zeroFPR{},
		nil,
	)
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	orchestrator := newTestOrchestrator(t)

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, nil, orchestrator)

		cfg := Config{
			ProjectIDs: []string{"project-001"},
		}

		if err := w.Start(cfg); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions (events + replay), got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessEvent", func(t *testing.T) {
		w := NewWorker(eventBus, nil, orchestrator)

		cfg := Config{
			ProjectIDs: []string{"project-test"},
		}
		w.Start(cfg)
		defer w.Stop()

		// Track decision results
		var decisionReceived atomic.Bool
		var decisionPayload []byte

		eventBus.Subscribe(context.Background(), "project-test", domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			decisionPayload = msg.Payload
			decisionReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		// Publish a benign login event
		event := domain.EventContext{
			ID:        "ev-001",
			ProjectID: "project-test",
			Type:      domain.EventLogin,
			IPAddress: "203.0.113.7",
			CreatedAt: time.Now().UTC(),
		}

		payload, _ := json.Marshal(event)
		if err := eventBus.Publish(context.Background(), "project-test", domain.TopicEventReceived, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		time.Sleep(100 * time.Millisecond)

		if !decisionReceived.Load() {
			t.Fatal("expected decision to be published")
		}

		var result domain.DecisionResult
		if err := json.Unmarshal(decisionPayload, &result); err != nil {
			t.Fatalf("failed to parse decision: %v", err)
		}

		if result.EventID != "ev-001" {
			t.Errorf("expected eventID 'ev-001', got '%s'", result.EventID)
		}
		if result.ProjectID != "project-test" {
			t.Errorf("expected projectID 'project-test', got '%s'", result.ProjectID)
		}
		if result.Action != domain.ActionAllow {
			t.Errorf("expected allow for benign login, got '%s'", result.Action)
		}
		if result.RiskBand != domain.BandLow {
			t.Errorf("expected low band, got '%s'", result.RiskBand)
		}
	})

	t.Run("AlertPublished", func(t *testing.T) {
		w := NewWorker(eventBus, nil, orchestrator)

		cfg := Config{
			ProjectIDs: []string{"project-alert"},
		}
		w.Start(cfg)
		defer w.Stop()

		// Track alerts
		var alertReceived atomic.Bool

		eventBus.Subscribe(context.Background(), "project-alert", domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			alertReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		// Suspicious keyword pushes the score into the high band, where the
		// payment matrix says review
		event := domain.EventContext{
			ID:        "ev-alert",
			ProjectID: "project-alert",
			Type:      domain.EventPayment,
			Amount:    100.0,
			Data:      map[string]any{"note": "test payment"},
			CreatedAt: time.Now().UTC(),
		}

		payload, _ := json.Marshal(event)
		eventBus.Publish(context.Background(), "project-alert", domain.TopicEventReceived, payload)

		time.Sleep(100 * time.Millisecond)

		if !alertReceived.Load() {
			t.Error("expected alert to be published for high-risk event")
		}
	})

	t.Run("Replay", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "kestrel-worker-*.db")
		if err != nil {
			t.Fatalf("failed to create temp file: %v", err)
		}
		tmpPath := tmpFile.Name()
		tmpFile.Close()
		defer os.Remove(tmpPath)

		repo, err := repository.New(domain.RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: tmpPath,
		})
		if err != nil {
			t.Fatalf("failed to create repository: %v", err)
		}
		defer repo.Close()

		ctx := context.Background()
		event := &domain.EventContext{
			ID:        "ev-replay",
			ProjectID: "project-replay",
			Type:      domain.EventLogin,
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.SaveEvent(ctx, "project-replay", event); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}

		w := NewWorker(eventBus, repo, orchestrator)
		w.Start(Config{ProjectIDs: []string{"project-replay"}})
		defer w.Stop()

		var decisionReceived atomic.Bool
		var decisionPayload []byte
		eventBus.Subscribe(ctx, "project-replay", domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
			decisionPayload = msg.Payload
			decisionReceived.Store(true)
			return nil
		})

		time.Sleep(50 * time.Millisecond)

		replay, _ := json.Marshal(ReplayMessage{
			ProjectID: "project-replay",
			EventID:   "ev-replay",
		})
		eventBus.Publish(ctx, "project-replay", domain.TopicReplay, replay)

		time.Sleep(100 * time.Millisecond)

		if !decisionReceived.Load() {
			t.Fatal("expected replayed decision to be published")
		}

		var result domain.DecisionResult
		if err := json.Unmarshal(decisionPayload, &result); err != nil {
			t.Fatalf("failed to parse decision: %v", err)
		}
		if result.EventID != "ev-replay" {
			t.Errorf("expected eventID 'ev-replay', got '%s'", result.EventID)
		}
	})

	t.Run("MultiProject", func(t *testing.T) {
		w := NewWorker(eventBus, nil, orchestrator)

		cfg := Config{
			ProjectIDs: []string{"project-a", "project-b"},
		}
		w.Start(cfg)
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 4 {
			t.Errorf("expected 4 subscriptions for 2 projects, got %d", stats.SubscriptionCount)
		}
	})
}

func TestReplayMessageParsing(t *testing.T) {
	msg := ReplayMessage{
		ProjectID: "project-001",
		EventID:   "ev-123",
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed ReplayMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.ProjectID != msg.ProjectID {
		t.Errorf("expected ProjectID '%s', got '%s'", msg.ProjectID, parsed.ProjectID)
	}
	if parsed.EventID != msg.EventID {
		t.Errorf("expected EventID '%s', got '%s'", msg.EventID, parsed.EventID)
	}
}
