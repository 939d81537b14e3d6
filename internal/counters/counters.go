// Package counters assembles evaluation contexts: per-scope activity
// counters, profile snapshots, geo signals, and the behavior score. All
// I/O for a decision happens here so the decision core stays pure.
package counters

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Counting windows per scope.
const (
	IPWindow       = 5 * time.Minute
	ProfileWindow  = 10 * time.Minute
	VelocityWindow = time.Hour
	DeviceWindow   = 15 * time.Minute

	profileCacheTTL = 5 * time.Minute
)

// Customer segments recognized by the decision matrix defaults.
const (
	SegmentNewUser   = "new_user"
	SegmentReturning = "returning"

	// Profiles older than this are considered returning customers.
	returningAge = 30 * 24 * time.Hour
)

// Builder assembles an EvaluationContext for one event. Counters are
// maintained in the cache and fall back to repository counts when the
// cache is unavailable.
type Builder struct {
	repo     domain.Repository
	cache    domain.Cache
	analyzer *behavior.Analyzer
	logger   *slog.Logger
}

// NewBuilder creates a context builder.
func NewBuilder(repo domain.Repository, cache domain.Cache, analyzer *behavior.Analyzer, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		repo:     repo,
		cache:    cache,
		analyzer: analyzer,
		logger:   logger,
	}
}

// Build resolves all context for the event. The event itself is included
// in every counter it matches, so a rule with max_events of 5 fires on the
// sixth event in the window.
func (b *Builder) Build(ctx context.Context, event *domain.EventContext) (*domain.EvaluationContext, error) {
	ectx := &domain.EvaluationContext{
		Event:    *event,
		Counters: make(map[string]int64, 4),
	}

	b.countScope(ctx, event, ectx, domain.ScopeIP, event.IPAddress, IPWindow)
	b.countScope(ctx, event, ectx, domain.ScopeProfile, event.ProfileID, ProfileWindow)
	b.countScope(ctx, event, ectx, domain.ScopeProfileVelocity, event.ProfileID, VelocityWindow)
	b.countScope(ctx, event, ectx, domain.ScopeDevice, event.DeviceFingerprint, DeviceWindow)

	if event.ProfileID != "" {
		ectx.Profile = b.loadProfile(ctx, event.ProjectID, event.ProfileID)
	}

	ectx.Geo = geoFromEvent(event)
	ectx.CustomerSegment = segmentFor(event, ectx.Profile)

	if b.analyzer != nil {
		ectx.BehaviorScore = b.analyzer.Score(event, ectx.Counters)
	}

	return ectx, nil
}

// countScope resolves one counter. The cache increment covers the current
// event; the repository fallback counts stored events, which also includes
// it when the event is saved before context assembly.
func (b *Builder) countScope(ctx context.Context, event *domain.EventContext, ectx *domain.EvaluationContext, scope, identifier string, window time.Duration) {
	if identifier == "" {
		return
	}

	if b.cache != nil {
		key := counterKey(scope, identifier)
		count, err := b.cache.IncrementCounter(ctx, event.ProjectID, key, window)
		if err == nil {
			ectx.Counters[scope] = count
			return
		}
		b.logger.Warn("counter increment failed, falling back to repository",
			"scope", scope, "error", err)
	}

	if b.repo == nil {
		return
	}

	// profile_velocity counts the same events as profile, over its own window
	repoScope := scope
	if scope == domain.ScopeProfileVelocity {
		repoScope = domain.ScopeProfile
	}

	count, err := b.repo.CountEvents(ctx, event.ProjectID, repoScope, identifier, time.Now().UTC().Add(-window))
	if err != nil {
		b.logger.Warn("event count failed", "scope", scope, "error", err)
		return
	}
	ectx.Counters[scope] = count
}

func (b *Builder) loadProfile(ctx context.Context, projectID, profileID string) *domain.ProfileContext {
	if b.cache != nil {
		if profile, err := b.cache.GetProfile(ctx, projectID, profileID); err == nil && profile != nil {
			return profile
		}
	}

	if b.repo == nil {
		return nil
	}

	profile, err := b.repo.GetProfile(ctx, projectID, profileID)
	if err != nil || profile == nil {
		return nil
	}

	if b.cache != nil {
		if err := b.cache.SetProfile(ctx, projectID, profileID, profile, profileCacheTTL); err != nil {
			b.logger.Warn("profile cache write failed", "profile", profileID, "error", err)
		}
	}

	return profile
}

func counterKey(scope, identifier string) string {
	return fmt.Sprintf("counter:%s:%s", scope, identifier)
}

// geoFromEvent lifts pre-resolved geo signals out of the event payload.
// Returns nil when the event carries none.
func geoFromEvent(event *domain.EventContext) *domain.GeoContext {
	if event.Data == nil {
		return nil
	}

	geo := &domain.GeoContext{}
	found := false

	if v, ok := event.Data["is_vpn"].(bool); ok {
		geo.IsVPN = v
		found = true
	}
	if v, ok := event.Data["location_changes"].(float64); ok {
		geo.LocationChanges = int(v)
		found = true
	}

	if !found {
		return nil
	}
	return geo
}

// segmentFor picks the customer segment: an explicit payload override wins,
// otherwise profile age decides.
func segmentFor(event *domain.EventContext, profile *domain.ProfileContext) string {
	if event.Data != nil {
		if s, ok := event.Data["customer_segment"].(string); ok && s != "" {
			return s
		}
	}

	if profile != nil && time.Since(profile.CreatedAt) >= returningAge {
		return SegmentReturning
	}
	return SegmentNewUser
}
