package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/counters"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/matrix"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// GlobalProjectID is used for rules, compositions and matrix entries that
// apply to all projects.
const GlobalProjectID = "*"

// Handler holds dependencies for API handlers.
type Handler struct {
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	engine       *rules.Engine
	matrix       *matrix.Matrix
	orchestrator *decision.Orchestrator
	fpr          *counters.FPRTracker
	version      string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, m *matrix.Matrix, orchestrator *decision.Orchestrator, fpr *counters.FPRTracker, version string) *Handler {
	return &Handler{
		repo:         repo,
		cache:        cache,
		bus:          bus,
		engine:       engine,
		matrix:       m,
		orchestrator: orchestrator,
		fpr:          fpr,
		version:      version,
	}
}

// EventRequest is the request body for POST /events.
type EventRequest struct {
	Type              string         `json:"type"`
	ProfileID         string         `json:"profileId,omitempty"`
	DeviceFingerprint string         `json:"deviceFingerprint,omitempty"`
	IPAddress         string         `json:"ipAddress,omitempty"`
	Amount            float64        `json:"amount,omitempty"`
	Data              map[string]any `json:"data,omitempty"`
}

// DecideResponse is the response for POST /events.
type DecideResponse struct {
	DecisionID string   `json:"decisionId"`
	EventID    string   `json:"eventId"`
	Action     string   `json:"action"`
	RiskScore  float64  `json:"riskScore"`
	RiskBand   string   `json:"riskBand"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
	RulesFired []string `json:"rulesFired,omitempty"`
	Metadata   struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// DecideEvent handles POST /events: it ingests the event and renders a
// decision synchronously.
func (h *Handler) DecideEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	projectID := GetProjectID(ctx)
	traceID := GetTraceID(ctx)

	// Parse request
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Validate required fields
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "type is required",
		})
		return
	}
	if !domain.KnownEventType(domain.EventType(req.Type)) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown event type: " + req.Type,
		})
		return
	}
	if req.Amount < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must not be negative",
		})
		return
	}

	event := &domain.EventContext{
		ID:                uuid.New().String(),
		ProjectID:         projectID,
		Type:              domain.EventType(req.Type),
		Data:              req.Data,
		ProfileID:         req.ProfileID,
		DeviceFingerprint: req.DeviceFingerprint,
		IPAddress:         req.IPAddress,
		Amount:            req.Amount,
		CreatedAt:         time.Now().UTC(),
	}

	// Persist the event before context assembly so repository-backed
	// counters see it.
	if h.repo != nil {
		if err := h.repo.SaveEvent(ctx, projectID, event); err != nil {
			slog.Error("failed to save event", "event_id", event.ID, "error", err)
		}
	}

	// The ingest topic belongs to external producers feeding the async
	// worker; HTTP events are decided here and never published to it.
	result, err := h.orchestrator.Decide(ctx, event)
	if err != nil {
		slog.Error("decision failed", "event_id", event.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "decision failed",
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveDecision(ctx, projectID, result); err != nil {
			slog.Error("failed to save decision", "event_id", event.ID, "error", err)
		}
	}

	if h.bus != nil {
		if payload, err := json.Marshal(result); err == nil {
			if err := h.bus.Publish(ctx, projectID, domain.TopicDecision, payload); err != nil {
				slog.Error("failed to publish decision", "decision_id", result.ID, "error", err)
			}
			if decision.ShouldAlert(result) {
				if err := h.bus.Publish(ctx, projectID, domain.TopicAlert, payload); err != nil {
					slog.Error("failed to publish alert", "decision_id", result.ID, "error", err)
				}
			}
		}
	}

	resp := DecideResponse{
		DecisionID: result.ID,
		EventID:    event.ID,
		Action:     string(result.Action),
		RiskScore:  result.RiskScore,
		RiskBand:   string(result.RiskBand),
		Confidence: result.Confidence,
		Reasons:    result.Reasons,
		RulesFired: result.RulesFired,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// GetEvent retrieves an event by ID.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := GetProjectID(ctx)
	eventID := chi.URLParam(r, "id")

	if eventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "event id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	event, err := h.repo.GetEvent(ctx, projectID, eventID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "event not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// GetDecision retrieves a decision by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := GetProjectID(ctx)
	decisionID := chi.URLParam(r, "id")

	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "decision id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	result, err := h.repo.GetDecision(ctx, projectID, decisionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "decision not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// FeedbackRequest is the request body for decision feedback.
type FeedbackRequest struct {
	FalsePositive bool `json:"falsePositive"`
}

// SubmitFeedback records an analyst verdict against a decision. Feedback
// feeds the per-cell false positive rate that drives escalation.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := GetProjectID(ctx)
	decisionID := chi.URLParam(r, "id")

	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "decision id is required",
		})
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	result, err := h.repo.GetDecision(ctx, projectID, decisionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "decision not found",
		})
		return
	}

	matrixKey, _ := result.Metadata[domain.MetaMatrixKey].(string)
	if matrixKey == "" {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "decision has no matrix key",
		})
		return
	}

	fb := &domain.DecisionFeedback{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		DecisionID:    decisionID,
		MatrixKey:     matrixKey,
		FalsePositive: req.FalsePositive,
		CreatedAt:     time.Now().UTC(),
	}

	if err := h.repo.SaveFeedback(ctx, projectID, fb); err != nil {
		slog.Error("failed to save feedback", "decision_id", decisionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save feedback",
		})
		return
	}

	// Drop the cached rate so the next lookup sees this feedback
	if h.fpr != nil {
		h.fpr.Invalidate(ctx, projectID, matrixKey)
	}

	slog.Info("feedback recorded",
		"decision_id", decisionID,
		"matrix_key", matrixKey,
		"false_positive", req.FalsePositive)

	writeJSON(w, http.StatusCreated, fb)
}

// ReplayRequest is the request body for POST /replay.
type ReplayRequest struct {
	EventID string `json:"eventId"`
}

// Replay enqueues a stored event for re-decision under the currently loaded
// rules and matrix. The worker consumes the replay topic.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := GetProjectID(ctx)

	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.EventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "eventId is required",
		})
		return
	}

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"projectId": projectID,
		"eventId":   req.EventID,
	})

	if err := h.bus.Publish(ctx, projectID, domain.TopicReplay, payload); err != nil {
		slog.Error("failed to publish replay request", "event_id", req.EventID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to enqueue replay",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "replay enqueued",
		"eventId": req.EventID,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
