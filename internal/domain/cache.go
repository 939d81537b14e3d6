package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require projectID for strict multi-project isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, projectID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, projectID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, projectID string, key string) error

	// GetProfile retrieves a cached profile snapshot.
	GetProfile(ctx context.Context, projectID string, profileID string) (*ProfileContext, error)

	// SetProfile caches a profile snapshot for context assembly.
	SetProfile(ctx context.Context, projectID string, profileID string, profile *ProfileContext, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for velocity accounting (e.g., event count in time window).
	IncrementCounter(ctx context.Context, projectID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
