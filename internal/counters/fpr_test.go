package counters

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func saveFeedback(t *testing.T, repo domain.Repository, projectID, matrixKey string, falsePositives, total int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < total; i++ {
		fb := &domain.DecisionFeedback{
			ID:            uuid.New().String(),
			ProjectID:     projectID,
			DecisionID:    uuid.New().String(),
			MatrixKey:     matrixKey,
			FalsePositive: i < falsePositives,
			CreatedAt:     time.Now().UTC(),
		}
		if err := repo.SaveFeedback(ctx, projectID, fb); err != nil {
			t.Fatalf("SaveFeedback failed: %v", err)
		}
	}
}

func TestCurrentFPR(t *testing.T) {
	ctx := context.Background()
	projectID := "proj-fpr"
	matrixKey := "payment:critical:new_user"

	t.Run("EnoughFeedback", func(t *testing.T) {
		repo := newTestRepo(t)
		tracker := NewFPRTracker(repo, nil, 10, nil)
		saveFeedback(t, repo, projectID, matrixKey, 3, 12)

		fpr, err := tracker.CurrentFPR(ctx, projectID, matrixKey)
		if err != nil {
			t.Fatalf("CurrentFPR failed: %v", err)
		}
		if fpr != 0.25 {
			t.Errorf("expected 0.25, got %.4f", fpr)
		}
	})

	t.Run("BelowMinSample", func(t *testing.T) {
		repo := newTestRepo(t)
		tracker := NewFPRTracker(repo, nil, 10, nil)
		saveFeedback(t, repo, projectID, matrixKey, 3, 5)

		fpr, err := tracker.CurrentFPR(ctx, projectID, matrixKey)
		if err != nil {
			t.Fatalf("CurrentFPR failed: %v", err)
		}
		if fpr != 0 {
			t.Errorf("expected 0 below the sample floor, got %.4f", fpr)
		}
	})

	t.Run("NoFeedback", func(t *testing.T) {
		repo := newTestRepo(t)
		tracker := NewFPRTracker(repo, nil, 10, nil)

		fpr, err := tracker.CurrentFPR(ctx, projectID, matrixKey)
		if err != nil {
			t.Fatalf("CurrentFPR failed: %v", err)
		}
		if fpr != 0 {
			t.Errorf("expected 0 with no feedback, got %.4f", fpr)
		}
	})

	t.Run("CachesComputedRate", func(t *testing.T) {
		repo := newTestRepo(t)
		c := cache.NewLRUCache(100)
		tracker := NewFPRTracker(repo, c, 10, nil)
		saveFeedback(t, repo, projectID, matrixKey, 6, 12)

		first, err := tracker.CurrentFPR(ctx, projectID, matrixKey)
		if err != nil {
			t.Fatalf("CurrentFPR failed: %v", err)
		}
		if first != 0.5 {
			t.Errorf("expected 0.5, got %.4f", first)
		}

		// More feedback arrives but the cached rate is still served.
		saveFeedback(t, repo, projectID, matrixKey, 0, 12)
		second, err := tracker.CurrentFPR(ctx, projectID, matrixKey)
		if err != nil {
			t.Fatalf("CurrentFPR failed: %v", err)
		}
		if second != 0.5 {
			t.Errorf("expected cached 0.5, got %.4f", second)
		}

		t.Run("InvalidateForcesRecompute", func(t *testing.T) {
			tracker.Invalidate(ctx, projectID, matrixKey)
			fpr, err := tracker.CurrentFPR(ctx, projectID, matrixKey)
			if err != nil {
				t.Fatalf("CurrentFPR failed: %v", err)
			}
			if fpr != 0.25 {
				t.Errorf("expected recomputed 0.25, got %.4f", fpr)
			}
		})
	})

	t.Run("DefaultMinSample", func(t *testing.T) {
		repo := newTestRepo(t)
		tracker := NewFPRTracker(repo, nil, 0, nil)
		saveFeedback(t, repo, projectID, matrixKey, 4, 9)

		fpr, err := tracker.CurrentFPR(ctx, projectID, matrixKey)
		if err != nil {
			t.Fatalf("CurrentFPR failed: %v", err)
		}
		if fpr != 0 {
			t.Errorf("expected 0 below the default sample floor, got %.4f", fpr)
		}
	})
}
