package counters

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func newTestBuilder(t *testing.T) (*Builder, domain.Repository, domain.Cache) {
	t.Helper()
	repo := newTestRepo(t)
	c := cache.NewLRUCache(100)
	return NewBuilder(repo, c, behavior.NewAnalyzer(behavior.DefaultWeights()), nil), repo, c
}

func saveEvents(t *testing.T, repo domain.Repository, projectID string, n int, mutate func(*domain.EventContext)) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		event := &domain.EventContext{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			Type:      domain.EventLogin,
			CreatedAt: time.Now().UTC(),
		}
		if mutate != nil {
			mutate(event)
		}
		if err := repo.SaveEvent(ctx, projectID, event); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}
	}
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	projectID := "proj-ctx"

	t.Run("CountersFromCache", func(t *testing.T) {
		builder, _, _ := newTestBuilder(t)
		event := &domain.EventContext{
			ID:        "ev-1",
			ProjectID: projectID,
			Type:      domain.EventLogin,
			ProfileID: "user-1",
			IPAddress: "203.0.113.10",
		}

		first, err := builder.Build(ctx, event)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if first.Counters[domain.ScopeIP] != 1 {
			t.Errorf("expected ip counter 1, got %d", first.Counters[domain.ScopeIP])
		}

		second, err := builder.Build(ctx, event)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if second.Counters[domain.ScopeIP] != 2 {
			t.Errorf("expected ip counter 2, got %d", second.Counters[domain.ScopeIP])
		}
		if second.Counters[domain.ScopeProfile] != 2 {
			t.Errorf("expected profile counter 2, got %d", second.Counters[domain.ScopeProfile])
		}
		if second.Counters[domain.ScopeProfileVelocity] != 2 {
			t.Errorf("expected velocity counter 2, got %d", second.Counters[domain.ScopeProfileVelocity])
		}
	})

	t.Run("RepositoryFallback", func(t *testing.T) {
		repo := newTestRepo(t)
		builder := NewBuilder(repo, nil, nil, nil)

		saveEvents(t, repo, projectID, 3, func(e *domain.EventContext) {
			e.IPAddress = "198.51.100.7"
			e.ProfileID = "user-2"
		})

		ectx, err := builder.Build(ctx, &domain.EventContext{
			ID:        "ev-fallback",
			ProjectID: projectID,
			Type:      domain.EventLogin,
			ProfileID: "user-2",
			IPAddress: "198.51.100.7",
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if ectx.Counters[domain.ScopeIP] != 3 {
			t.Errorf("expected ip counter 3 from repository, got %d", ectx.Counters[domain.ScopeIP])
		}
		if ectx.Counters[domain.ScopeProfileVelocity] != 3 {
			t.Errorf("expected velocity counter 3 from repository, got %d", ectx.Counters[domain.ScopeProfileVelocity])
		}
	})

	t.Run("SkipsEmptyIdentifiers", func(t *testing.T) {
		builder, _, _ := newTestBuilder(t)
		ectx, err := builder.Build(ctx, &domain.EventContext{
			ID:        "ev-bare",
			ProjectID: projectID,
			Type:      domain.EventLogin,
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if len(ectx.Counters) != 0 {
			t.Errorf("expected no counters for an event without identifiers, got %v", ectx.Counters)
		}
	})

	t.Run("ProfileLoadedAndCached", func(t *testing.T) {
		builder, repo, c := newTestBuilder(t)
		created := time.Now().UTC().Add(-90 * 24 * time.Hour)
		err := repo.SaveProfile(ctx, projectID, &domain.ProfileContext{
			ID:        "user-old",
			ProjectID: projectID,
			CreatedAt: created,
		})
		if err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}

		ectx, err := builder.Build(ctx, &domain.EventContext{
			ID:        "ev-profile",
			ProjectID: projectID,
			Type:      domain.EventLogin,
			ProfileID: "user-old",
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if ectx.Profile == nil {
			t.Fatal("expected profile to be loaded")
		}
		if ectx.CustomerSegment != SegmentReturning {
			t.Errorf("expected returning segment for an old profile, got %s", ectx.CustomerSegment)
		}

		cached, err := c.GetProfile(ctx, projectID, "user-old")
		if err != nil || cached == nil {
			t.Errorf("expected profile in cache after build: %v", err)
		}
	})

	t.Run("BehaviorScoreComputed", func(t *testing.T) {
		builder, _, _ := newTestBuilder(t)
		ectx, err := builder.Build(ctx, &domain.EventContext{
			ID:        "ev-behavior",
			ProjectID: projectID,
			Type:      domain.EventLogin,
			Data:      map[string]any{"user_agent": "selenium"},
		})
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if ectx.BehaviorScore <= 0 {
			t.Errorf("expected a positive behavior score, got %.2f", ectx.BehaviorScore)
		}
	})
}

func TestSegmentFor(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name    string
		event   *domain.EventContext
		profile *domain.ProfileContext
		want    string
	}{
		{
			name:  "NoProfile",
			event: &domain.EventContext{},
			want:  SegmentNewUser,
		},
		{
			name:    "YoungProfile",
			event:   &domain.EventContext{},
			profile: &domain.ProfileContext{CreatedAt: now.Add(-24 * time.Hour)},
			want:    SegmentNewUser,
		},
		{
			name:    "OldProfile",
			event:   &domain.EventContext{},
			profile: &domain.ProfileContext{CreatedAt: now.Add(-60 * 24 * time.Hour)},
			want:    SegmentReturning,
		},
		{
			name: "PayloadOverride",
			event: &domain.EventContext{
				Data: map[string]any{"customer_segment": "vip"},
			},
			profile: &domain.ProfileContext{CreatedAt: now.Add(-60 * 24 * time.Hour)},
			want:    "vip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := segmentFor(tt.event, tt.profile); got != tt.want {
				t.Errorf("segmentFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGeoFromEvent(t *testing.T) {
	t.Run("NoData", func(t *testing.T) {
		if geo := geoFromEvent(&domain.EventContext{}); geo != nil {
			t.Errorf("expected nil geo, got %+v", geo)
		}
	})

	t.Run("NoGeoKeys", func(t *testing.T) {
		event := &domain.EventContext{Data: map[string]any{"email": "x@example.com"}}
		if geo := geoFromEvent(event); geo != nil {
			t.Errorf("expected nil geo, got %+v", geo)
		}
	})

	t.Run("VPNAndLocationChanges", func(t *testing.T) {
		event := &domain.EventContext{Data: map[string]any{
			"is_vpn":           true,
			"location_changes": float64(4),
		}}
		geo := geoFromEvent(event)
		if geo == nil {
			t.Fatal("expected geo context")
		}
		if !geo.IsVPN || geo.LocationChanges != 4 {
			t.Errorf("unexpected geo: %+v", geo)
		}
	})
}
