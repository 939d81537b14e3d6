package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require projectID for strict multi-project isolation.
type Repository interface {
	// Event operations
	SaveEvent(ctx context.Context, projectID string, event *EventContext) error
	GetEvent(ctx context.Context, projectID string, eventID string) (*EventContext, error)

	// CountEvents returns the number of events matching a counter scope
	// (ip, profile, device) and identifier since the given time.
	CountEvents(ctx context.Context, projectID string, scope string, identifier string, since time.Time) (int64, error)

	// Profile snapshots
	SaveProfile(ctx context.Context, projectID string, profile *ProfileContext) error
	GetProfile(ctx context.Context, projectID string, profileID string) (*ProfileContext, error)

	// Rule configuration
	SaveRule(ctx context.Context, projectID string, rule *RuleDefinition) error
	GetRule(ctx context.Context, projectID string, name string) (*RuleDefinition, error)
	ListRules(ctx context.Context, projectID string) ([]*RuleDefinition, error)
	DeleteRule(ctx context.Context, projectID string, name string) error

	// Composition configuration
	SaveComposition(ctx context.Context, projectID string, comp *CompositionDefinition) error
	ListCompositions(ctx context.Context, projectID string) ([]*CompositionDefinition, error)
	DeleteComposition(ctx context.Context, projectID string, name string) error

	// Decision matrix configuration. ReplaceMatrixEntries swaps the stored
	// set wholesale so an import leaves no stale cells behind.
	SaveMatrixEntry(ctx context.Context, projectID string, entry *DecisionMatrixEntry) error
	ReplaceMatrixEntries(ctx context.Context, projectID string, entries []*DecisionMatrixEntry) error
	ListMatrixEntries(ctx context.Context, projectID string) ([]*DecisionMatrixEntry, error)
	DeleteMatrixEntry(ctx context.Context, projectID string, key string) error

	// Decision results
	SaveDecision(ctx context.Context, projectID string, decision *DecisionResult) error
	GetDecision(ctx context.Context, projectID string, decisionID string) (*DecisionResult, error)

	// Feedback and false-positive accounting per matrix cell
	SaveFeedback(ctx context.Context, projectID string, fb *DecisionFeedback) error
	CountFeedback(ctx context.Context, projectID string, matrixKey string) (falsePositives int64, total int64, err error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
