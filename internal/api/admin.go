package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ListRules returns all rules currently loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.LoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule retrieves a loaded rule by name.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule name is required",
		})
		return
	}

	for _, rule := range h.engine.LoadedRules() {
		if rule.Name == name {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	Description string         `json:"description,omitempty"`
	Conditions  map[string]any `json:"conditions"`
	Action      string         `json:"action"`
	Priority    int            `json:"priority"`
	Enabled     bool           `json:"enabled"`
}

// CreateRule validates a rule and saves it to the database. Rules are saved
// globally so they apply to all projects. Changes take effect after
// POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Name == "" || req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and kind are required",
		})
		return
	}
	if req.Action != "" && !domain.KnownAction(domain.Action(req.Action)) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown action: " + req.Action,
		})
		return
	}

	now := time.Now().UTC()
	rule := &domain.RuleDefinition{
		Name:        req.Name,
		ProjectID:   GlobalProjectID,
		Kind:        domain.RuleKind(req.Kind),
		Conditions:  req.Conditions,
		Action:      domain.Action(req.Action),
		Priority:    req.Priority,
		Enabled:     req.Enabled,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Expression rules are compiled here so bad CEL fails fast
	if err := h.engine.ValidateRule(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.SaveRule(ctx, GlobalProjectID, rule); err != nil {
		slog.Error("failed to save rule", "name", rule.Name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "name", rule.Name, "kind", rule.Kind)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "rule created, call POST /rules/reload to apply",
	})
}

// DeleteRule removes a rule from the database.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule name is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.DeleteRule(ctx, GlobalProjectID, name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	slog.Info("rule deleted", "name", name)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted, call POST /rules/reload to apply",
	})
}

// ReloadRules reloads rules and compositions from the database into the
// engine without a restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListRules(ctx, GlobalProjectID)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	dbComps, err := h.repo.ListCompositions(ctx, GlobalProjectID)
	if err != nil {
		slog.Error("failed to list compositions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load compositions from database",
		})
		return
	}

	if err := h.engine.ReloadCompositions(dbComps); err != nil {
		slog.Error("failed to reload compositions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload compositions: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded", "rules", len(dbRules), "compositions", len(dbComps))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":      "rules reloaded",
		"rules":        len(dbRules),
		"compositions": len(dbComps),
	})
}

// ListCompositions returns all compositions stored in the database.
func (h *Handler) ListCompositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	comps, err := h.repo.ListCompositions(ctx, GlobalProjectID)
	if err != nil {
		slog.Error("failed to list compositions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list compositions",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"compositions": comps,
		"count":        len(comps),
	})
}

// CreateCompositionRequest is the request body for creating a composition.
type CreateCompositionRequest struct {
	Name     string   `json:"name"`
	Operator string   `json:"operator"`
	Rules    []string `json:"rules"`
	Enabled  bool     `json:"enabled"`
}

// CreateComposition saves a composition to the database.
func (h *Handler) CreateComposition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateCompositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}
	switch domain.CompositionOperator(req.Operator) {
	case domain.OperatorAnd, domain.OperatorOr, domain.OperatorMajority:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown operator: " + req.Operator,
		})
		return
	}
	if len(req.Rules) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rules must not be empty",
		})
		return
	}

	now := time.Now().UTC()
	comp := &domain.CompositionDefinition{
		Name:      req.Name,
		ProjectID: GlobalProjectID,
		Operator:  domain.CompositionOperator(req.Operator),
		Rules:     req.Rules,
		Enabled:   req.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.SaveComposition(ctx, GlobalProjectID, comp); err != nil {
		slog.Error("failed to save composition", "name", comp.Name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save composition",
		})
		return
	}

	slog.Info("composition created", "name", comp.Name, "operator", comp.Operator)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"composition": comp,
		"message":     "composition created, call POST /rules/reload to apply",
	})
}

// DeleteComposition removes a composition from the database.
func (h *Handler) DeleteComposition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "composition name is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.DeleteComposition(ctx, GlobalProjectID, name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "composition not found",
		})
		return
	}

	slog.Info("composition deleted", "name", name)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "composition deleted, call POST /rules/reload to apply",
	})
}

// ListMatrix returns the active decision matrix.
func (h *Handler) ListMatrix(w http.ResponseWriter, r *http.Request) {
	entries := h.matrix.Entries()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// ImportMatrixRequest is the request body for POST /matrix/import. The
// fallback defaults are optional; when omitted the current ones are kept.
type ImportMatrixRequest struct {
	Entries       []*domain.DecisionMatrixEntry `json:"entries"`
	DefaultAction string                        `json:"defaultAction,omitempty"`
	DefaultMaxFPR *float64                      `json:"defaultMaxFpr,omitempty"`
}

// ImportMatrix replaces the decision matrix with the supplied entries, in
// memory and in storage. The import is atomic: decisions in flight keep
// the old table, nothing changes if validation fails, and stale stored
// cells do not survive a reload or a restart.
func (h *Handler) ImportMatrix(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ImportMatrixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if len(req.Entries) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "entries must not be empty",
		})
		return
	}

	defaultAction := h.matrix.DefaultAction()
	if req.DefaultAction != "" {
		defaultAction = domain.Action(req.DefaultAction)
	}
	defaultMaxFPR := h.matrix.DefaultMaxFPR()
	if req.DefaultMaxFPR != nil {
		defaultMaxFPR = *req.DefaultMaxFPR
	}

	if err := h.matrix.Load(req.Entries, defaultAction, defaultMaxFPR); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid matrix: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.ReplaceMatrixEntries(ctx, GlobalProjectID, req.Entries); err != nil {
			slog.Error("failed to persist imported matrix", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to persist imported matrix",
			})
			return
		}
	}

	slog.Info("matrix imported", "entries", len(req.Entries))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "matrix imported",
		"entries": len(req.Entries),
	})
}

// ReloadMatrix reloads the decision matrix from the database.
func (h *Handler) ReloadMatrix(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	stored, err := h.repo.ListMatrixEntries(ctx, GlobalProjectID)
	if err != nil {
		slog.Error("failed to list matrix entries", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load matrix from database",
		})
		return
	}

	if err := h.matrix.Load(stored, h.matrix.DefaultAction(), h.matrix.DefaultMaxFPR()); err != nil {
		slog.Error("failed to reload matrix", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload matrix: " + err.Error(),
		})
		return
	}

	slog.Info("matrix reloaded", "entries", len(stored))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "matrix reloaded",
		"entries": len(stored),
	})
}

// DeleteMatrixEntry removes a single cell from the matrix and the database.
func (h *Handler) DeleteMatrixEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := r.URL.Query().Get("key")

	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "key query parameter is required",
		})
		return
	}

	if _, _, _, err := domain.ParseMatrixKey(key); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid matrix key: " + key,
		})
		return
	}

	h.matrix.Remove(key)

	if h.repo != nil {
		if err := h.repo.DeleteMatrixEntry(ctx, GlobalProjectID, key); err != nil {
			slog.Error("failed to delete matrix entry", "key", key, "error", err)
		}
	}

	slog.Info("matrix entry removed", "key", key)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "matrix entry removed",
		"key":     key,
	})
}
