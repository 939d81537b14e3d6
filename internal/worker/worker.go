// Package worker provides async decision processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Worker processes events asynchronously from the EventBus. It handles two
// topics: newly ingested events and replay requests for stored events,
// which re-run the decision pipeline under the current rules and matrix.
type Worker struct {
	bus          domain.EventBus
	repo         domain.Repository
	orchestrator *decision.Orchestrator

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// ProjectIDs is the list of projects to process (empty = global worker)
	ProjectIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, orchestrator *decision.Orchestrator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:          bus,
		repo:         repo,
		orchestrator: orchestrator,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing messages for the given projects.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.ProjectIDs) == 0 {
		return w.startProjectWorker("_global")
	}

	for _, projectID := range cfg.ProjectIDs {
		if err := w.startProjectWorker(projectID); err != nil {
			slog.Error("failed to start worker for project",
				"project_id", projectID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"project_count", len(cfg.ProjectIDs),
	)

	return nil
}

// startProjectWorker subscribes the event and replay topics for one project.
func (w *Worker) startProjectWorker(projectID string) error {
	eventSub, err := w.bus.Subscribe(w.ctx, projectID, domain.TopicEventReceived, w.handleEvent)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, eventSub)

	replaySub, err := w.bus.Subscribe(w.ctx, projectID, domain.TopicReplay, w.handleReplay)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, replaySub)

	slog.Info("project worker started",
		"project_id", projectID,
		"topics", []string{domain.TopicEventReceived, domain.TopicReplay},
	)

	return nil
}

// handleEvent decides an event delivered through the bus.
func (w *Worker) handleEvent(ctx context.Context, msg *domain.Message) error {
	var event domain.EventContext
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse event message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if event.ProjectID == "" {
		event.ProjectID = msg.ProjectID
	}

	return w.decide(ctx, &event)
}

// ReplayMessage is the payload for replay requests.
type ReplayMessage struct {
	ProjectID string `json:"projectId"`
	EventID   string `json:"eventId"`
}

// handleReplay re-decides a stored event.
func (w *Worker) handleReplay(ctx context.Context, msg *domain.Message) error {
	var replay ReplayMessage
	if err := json.Unmarshal(msg.Payload, &replay); err != nil {
		slog.Error("failed to parse replay message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if replay.ProjectID == "" {
		replay.ProjectID = msg.ProjectID
	}
	if replay.EventID == "" {
		return fmt.Errorf("replay message %s: eventId is required", msg.ID)
	}

	if w.repo == nil {
		return fmt.Errorf("replay requires a repository")
	}

	event, err := w.repo.GetEvent(ctx, replay.ProjectID, replay.EventID)
	if err != nil {
		slog.Error("failed to load event for replay",
			"project_id", replay.ProjectID,
			"event_id", replay.EventID,
			"error", err,
		)
		return err
	}

	return w.decide(ctx, event)
}

// decide runs the pipeline for one event, persists and publishes the result.
func (w *Worker) decide(ctx context.Context, event *domain.EventContext) error {
	start := time.Now()

	result, err := w.orchestrator.Decide(ctx, event)
	if err != nil {
		slog.Error("decision failed",
			"event_id", event.ID,
			"error", err,
		)
		return err
	}

	if w.repo != nil {
		if err := w.repo.SaveDecision(ctx, event.ProjectID, result); err != nil {
			slog.Error("failed to save decision",
				"event_id", event.ID,
				"error", err,
			)
		}
	}

	resultPayload, _ := json.Marshal(result)
	if err := w.bus.Publish(ctx, event.ProjectID, domain.TopicDecision, resultPayload); err != nil {
		slog.Error("failed to publish decision",
			"event_id", event.ID,
			"error", err,
		)
	}

	if decision.ShouldAlert(result) {
		if err := w.bus.Publish(ctx, event.ProjectID, domain.TopicAlert, resultPayload); err != nil {
			slog.Error("failed to publish alert",
				"event_id", event.ID,
				"error", err,
			)
		}
	}

	slog.Info("event processed",
		"event_id", event.ID,
		"project_id", event.ProjectID,
		"action", result.Action,
		"score", result.RiskScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
