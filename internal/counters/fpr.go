package counters

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	fprCacheTTL = 30 * time.Second

	// Below this many feedback records a cell's FPR is treated as zero;
	// a handful of early reports should not flip a cell into escalation.
	defaultMinSample = 10
)

// FPRTracker computes the observed false positive rate for a matrix cell
// from analyst feedback. Rates are cached briefly since feedback arrives
// far slower than decisions.
type FPRTracker struct {
	repo      domain.Repository
	cache     domain.Cache
	minSample int64
	logger    *slog.Logger
}

// NewFPRTracker creates a tracker. minSample <= 0 selects the default.
func NewFPRTracker(repo domain.Repository, cache domain.Cache, minSample int64, logger *slog.Logger) *FPRTracker {
	if minSample <= 0 {
		minSample = defaultMinSample
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FPRTracker{
		repo:      repo,
		cache:     cache,
		minSample: minSample,
		logger:    logger,
	}
}

// CurrentFPR returns falsePositives/total for the matrix cell, or zero when
// there is not yet enough feedback to trust the rate.
func (t *FPRTracker) CurrentFPR(ctx context.Context, projectID, matrixKey string) (float64, error) {
	cacheKey := "fpr:" + matrixKey

	if t.cache != nil {
		if raw, err := t.cache.Get(ctx, projectID, cacheKey); err == nil && raw != nil {
			if fpr, err := strconv.ParseFloat(string(raw), 64); err == nil {
				return fpr, nil
			}
		}
	}

	if t.repo == nil {
		return 0, nil
	}

	falsePositives, total, err := t.repo.CountFeedback(ctx, projectID, matrixKey)
	if err != nil {
		return 0, err
	}

	fpr := 0.0
	if total >= t.minSample {
		fpr = float64(falsePositives) / float64(total)
	}

	if t.cache != nil {
		raw := []byte(strconv.FormatFloat(fpr, 'f', -1, 64))
		if err := t.cache.Set(ctx, projectID, cacheKey, raw, fprCacheTTL); err != nil {
			t.logger.Warn("fpr cache write failed", "key", matrixKey, "error", err)
		}
	}

	return fpr, nil
}

// Invalidate drops the cached rate for a cell, used after new feedback.
func (t *FPRTracker) Invalidate(ctx context.Context, projectID, matrixKey string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Delete(ctx, projectID, "fpr:"+matrixKey); err != nil {
		t.logger.Warn("fpr cache invalidation failed", "key", matrixKey, "error", err)
	}
}
