// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent stores an event with project isolation.
func (r *SQLRepository) SaveEvent(ctx context.Context, projectID string, event *domain.EventContext) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	data, _ := json.Marshal(event.Data)

	query := `
		INSERT INTO events (
			id, project_id, type, data, profile_id,
			device_fingerprint, ip_address, amount, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, projectID, string(event.Type), string(data),
		event.ProfileID, event.DeviceFingerprint, event.IPAddress,
		event.Amount, event.CreatedAt,
	)
	return err
}

// GetEvent retrieves an event by ID with project isolation.
func (r *SQLRepository) GetEvent(ctx context.Context, projectID string, eventID string) (*domain.EventContext, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, project_id, type, data, profile_id,
			   device_fingerprint, ip_address, amount, created_at
		FROM events
		WHERE project_id = ? AND id = ?
	`

	var event domain.EventContext
	var eventType, data string

	err := r.db.QueryRowContext(ctx, r.rebind(query), projectID, eventID).Scan(
		&event.ID, &event.ProjectID, &eventType, &data,
		&event.ProfileID, &event.DeviceFingerprint, &event.IPAddress,
		&event.Amount, &event.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	event.Type = domain.EventType(eventType)
	if data != "" && data != "null" {
		json.Unmarshal([]byte(data), &event.Data)
	}

	return &event, nil
}

// CountEvents counts events for a counter scope since the given time.
func (r *SQLRepository) CountEvents(ctx context.Context, projectID string, scope string, identifier string, since time.Time) (int64, error) {
	if projectID == "" {
		return 0, fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	column, err := scopeColumn(scope)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM events
		WHERE project_id = ? AND %s = ? AND created_at >= ?
	`, column)

	var count int64
	err = r.db.QueryRowContext(ctx, r.rebind(query), projectID, identifier, since).Scan(&count)
	return count, err
}

// scopeColumn maps a counter scope to its events column. The scope is
// matched against a fixed set before interpolation into SQL.
func scopeColumn(scope string) (string, error) {
	switch scope {
	case domain.ScopeIP:
		return "ip_address", nil
	case domain.ScopeProfile, domain.ScopeProfileVelocity:
		return "profile_id", nil
	case domain.ScopeDevice:
		return "device_fingerprint", nil
	}
	return "", fmt.Errorf("%w: unknown counter scope %q", ErrInvalidInput, scope)
}

// SaveProfile stores or updates a profile snapshot.
func (r *SQLRepository) SaveProfile(ctx context.Context, projectID string, profile *domain.ProfileContext) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	var lastActivity sql.NullTime
	if profile.LastActivity != nil {
		lastActivity = sql.NullTime{Time: *profile.LastActivity, Valid: true}
	}

	query := `
		INSERT INTO profiles (id, project_id, created_at, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id, project_id) DO UPDATE SET
			last_activity = excluded.last_activity
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		profile.ID, projectID, profile.CreatedAt, lastActivity,
	)
	return err
}

// GetProfile retrieves a profile snapshot with project isolation.
func (r *SQLRepository) GetProfile(ctx context.Context, projectID string, profileID string) (*domain.ProfileContext, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, project_id, created_at, last_activity
		FROM profiles
		WHERE project_id = ? AND id = ?
	`

	var profile domain.ProfileContext
	var lastActivity sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), projectID, profileID).Scan(
		&profile.ID, &profile.ProjectID, &profile.CreatedAt, &lastActivity,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastActivity.Valid {
		t := lastActivity.Time
		profile.LastActivity = &t
	}

	return &profile, nil
}

// SaveRule stores a rule definition, updating any existing rule with the
// same name.
func (r *SQLRepository) SaveRule(ctx context.Context, projectID string, rule *domain.RuleDefinition) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	conditions, _ := json.Marshal(rule.Conditions)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rules (
			name, project_id, kind, conditions, action, priority, enabled, description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, project_id) DO UPDATE SET
			kind = excluded.kind,
			conditions = excluded.conditions,
			action = excluded.action,
			priority = excluded.priority,
			enabled = excluded.enabled,
			description = excluded.description,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.Name, projectID, string(rule.Kind), string(conditions),
		string(rule.Action), rule.Priority, enabled, rule.Description,
		now, now,
	)
	return err
}

// GetRule retrieves a rule by name with project isolation.
func (r *SQLRepository) GetRule(ctx context.Context, projectID string, name string) (*domain.RuleDefinition, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	query := `
		SELECT name, project_id, kind, conditions, action, priority, enabled, description, created_at, updated_at
		FROM rules
		WHERE project_id = ? AND name = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), projectID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves all rule definitions for a project.
func (r *SQLRepository) ListRules(ctx context.Context, projectID string) ([]*domain.RuleDefinition, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	query := `
		SELECT name, project_id, kind, conditions, action, priority, enabled, description, created_at, updated_at
		FROM rules
		WHERE project_id = ?
		ORDER BY priority DESC, name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RuleDefinition
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteRule removes a rule by name.
func (r *SQLRepository) DeleteRule(ctx context.Context, projectID string, name string) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	query := `DELETE FROM rules WHERE project_id = ? AND name = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), projectID, name)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.RuleDefinition, error) {
	var rule domain.RuleDefinition
	var kind, action, conditions string
	var enabled int

	err := row.Scan(
		&rule.Name, &rule.ProjectID, &kind, &conditions,
		&action, &rule.Priority, &enabled, &rule.Description,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Kind = domain.RuleKind(kind)
	rule.Action = domain.Action(action)
	rule.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse conditions for rule %s: %w", rule.Name, err)
	}

	return &rule, nil
}

// SaveComposition stores a composition definition.
func (r *SQLRepository) SaveComposition(ctx context.Context, projectID string, comp *domain.CompositionDefinition) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	members, _ := json.Marshal(comp.Rules)

	enabled := 0
	if comp.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO compositions (
			name, project_id, operator, rules, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, project_id) DO UPDATE SET
			operator = excluded.operator,
			rules = excluded.rules,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		comp.Name, projectID, string(comp.Operator), string(members),
		enabled, now, now,
	)
	return err
}

// ListCompositions retrieves all composition definitions for a project.
func (r *SQLRepository) ListCompositions(ctx context.Context, projectID string) ([]*domain.CompositionDefinition, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	query := `
		SELECT name, project_id, operator, rules, enabled, created_at, updated_at
		FROM compositions
		WHERE project_id = ?
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comps []*domain.CompositionDefinition
	for rows.Next() {
		var comp domain.CompositionDefinition
		var operator, members string
		var enabled int

		if err := rows.Scan(
			&comp.Name, &comp.ProjectID, &operator, &members,
			&enabled, &comp.CreatedAt, &comp.UpdatedAt,
		); err != nil {
			return nil, err
		}

		comp.Operator = domain.CompositionOperator(operator)
		comp.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(members), &comp.Rules); err != nil {
			return nil, fmt.Errorf("failed to parse member rules for composition %s: %w", comp.Name, err)
		}
		comps = append(comps, &comp)
	}

	return comps, rows.Err()
}

// DeleteComposition removes a composition by name.
func (r *SQLRepository) DeleteComposition(ctx context.Context, projectID string, name string) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	query := `DELETE FROM compositions WHERE project_id = ? AND name = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), projectID, name)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveMatrixEntry stores a decision matrix entry, updating the cell if it
// already exists.
func (r *SQLRepository) SaveMatrixEntry(ctx context.Context, projectID string, entry *domain.DecisionMatrixEntry) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO matrix_entries (
			project_id, event_type, risk_band, customer_segment,
			action, max_fpr, confidence_threshold, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, event_type, risk_band, customer_segment) DO UPDATE SET
			action = excluded.action,
			max_fpr = excluded.max_fpr,
			confidence_threshold = excluded.confidence_threshold,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		projectID, string(entry.EventType), string(entry.RiskBand), entry.CustomerSegment,
		string(entry.Action), entry.MaxFPR, entry.ConfidenceThreshold, entry.Notes,
		now, now,
	)
	return err
}

// ReplaceMatrixEntries deletes the project's stored matrix and inserts the
// given set in a single transaction, so a reload after an import sees
// exactly the imported entries.
func (r *SQLRepository) ReplaceMatrixEntries(ctx context.Context, projectID string, entries []*domain.DecisionMatrixEntry) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	deleteQuery := `DELETE FROM matrix_entries WHERE project_id = ?`
	if _, err := tx.ExecContext(ctx, r.rebind(deleteQuery), projectID); err != nil {
		return err
	}

	now := time.Now().UTC()
	insertQuery := r.rebind(`
		INSERT INTO matrix_entries (
			project_id, event_type, risk_band, customer_segment,
			action, max_fpr, confidence_threshold, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, insertQuery,
			projectID, string(entry.EventType), string(entry.RiskBand), entry.CustomerSegment,
			string(entry.Action), entry.MaxFPR, entry.ConfidenceThreshold, entry.Notes,
			now, now,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListMatrixEntries retrieves all matrix entries for a project.
func (r *SQLRepository) ListMatrixEntries(ctx context.Context, projectID string) ([]*domain.DecisionMatrixEntry, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	query := `
		SELECT event_type, risk_band, customer_segment, action, max_fpr, confidence_threshold, notes
		FROM matrix_entries
		WHERE project_id = ?
		ORDER BY event_type, risk_band, customer_segment
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.DecisionMatrixEntry
	for rows.Next() {
		var entry domain.DecisionMatrixEntry
		var eventType, band, action string

		if err := rows.Scan(
			&eventType, &band, &entry.CustomerSegment,
			&action, &entry.MaxFPR, &entry.ConfidenceThreshold, &entry.Notes,
		); err != nil {
			return nil, err
		}

		entry.EventType = domain.EventType(eventType)
		entry.RiskBand = domain.RiskBand(band)
		entry.Action = domain.Action(action)
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// DeleteMatrixEntry removes the matrix cell identified by its lookup key.
func (r *SQLRepository) DeleteMatrixEntry(ctx context.Context, projectID string, key string) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	eventType, band, segment, err := domain.ParseMatrixKey(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `
		DELETE FROM matrix_entries
		WHERE project_id = ? AND event_type = ? AND risk_band = ? AND customer_segment = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		projectID, string(eventType), string(band), segment)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveDecision stores a decision result with project isolation.
func (r *SQLRepository) SaveDecision(ctx context.Context, projectID string, decision *domain.DecisionResult) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	reasons, _ := json.Marshal(decision.Reasons)
	rulesFired, _ := json.Marshal(decision.RulesFired)
	metadata, _ := json.Marshal(decision.Metadata)

	query := `
		INSERT INTO decisions (
			id, project_id, event_id, action, risk_score, risk_band,
			confidence, reasons, rules_fired, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		decision.ID, projectID, decision.EventID,
		string(decision.Action), decision.RiskScore, string(decision.RiskBand),
		decision.Confidence, string(reasons), string(rulesFired), string(metadata),
		decision.CreatedAt,
	)
	return err
}

// GetDecision retrieves a decision by ID with project isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, projectID string, decisionID string) (*domain.DecisionResult, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, project_id, event_id, action, risk_score, risk_band,
			   confidence, reasons, rules_fired, metadata, created_at
		FROM decisions
		WHERE project_id = ? AND id = ?
	`

	var decision domain.DecisionResult
	var action, band, reasons, rulesFired, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), projectID, decisionID).Scan(
		&decision.ID, &decision.ProjectID, &decision.EventID,
		&action, &decision.RiskScore, &band,
		&decision.Confidence, &reasons, &rulesFired, &metadata,
		&decision.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	decision.Action = domain.Action(action)
	decision.RiskBand = domain.RiskBand(band)
	json.Unmarshal([]byte(reasons), &decision.Reasons)
	json.Unmarshal([]byte(rulesFired), &decision.RulesFired)
	json.Unmarshal([]byte(metadata), &decision.Metadata)

	return &decision, nil
}

// SaveFeedback stores an analyst verdict on a decision.
func (r *SQLRepository) SaveFeedback(ctx context.Context, projectID string, fb *domain.DecisionFeedback) error {
	if projectID == "" {
		return fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	falsePositive := 0
	if fb.FalsePositive {
		falsePositive = 1
	}

	query := `
		INSERT INTO decision_feedback (
			id, project_id, decision_id, matrix_key, false_positive, created_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		fb.ID, projectID, fb.DecisionID, fb.MatrixKey, falsePositive, fb.CreatedAt,
	)
	return err
}

// CountFeedback returns false-positive and total feedback counts for a
// matrix cell.
func (r *SQLRepository) CountFeedback(ctx context.Context, projectID string, matrixKey string) (int64, int64, error) {
	if projectID == "" {
		return 0, 0, fmt.Errorf("%w: projectID is required", ErrInvalidInput)
	}

	query := `
		SELECT COALESCE(SUM(false_positive), 0), COUNT(*)
		FROM decision_feedback
		WHERE project_id = ? AND matrix_key = ?
	`

	var falsePositives, total int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), projectID, matrixKey).Scan(&falsePositives, &total)
	return falsePositives, total, err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
