// Package risk turns individual rule results into a single risk score and
// band.
package risk

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Aggregator combines fired rule results into one score. The base score is
// the maximum fired risk, amplified by a small factor per additional fired
// rule so corroborating signals raise the score without any single rule
// having to.
type Aggregator struct {
	cfg domain.RiskConfig
}

// NewAggregator creates an aggregator with the given tuning.
func NewAggregator(cfg domain.RiskConfig) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Aggregate returns the combined risk score in [0, 1] along with the names
// of the rules that fired, in input order.
func (a *Aggregator) Aggregate(results []domain.RuleResult) (float64, []string) {
	maxRisk := 0.0
	var fired []string
	for _, r := range results {
		if !r.Fired {
			continue
		}
		fired = append(fired, r.RuleName)
		if r.RiskScore > maxRisk {
			maxRisk = r.RiskScore
		}
	}

	if len(fired) == 0 {
		return 0, nil
	}

	amplification := 1.0 + a.cfg.AmplifyStep*float64(len(fired)-1)
	if amplification > a.cfg.AmplifyCap {
		amplification = a.cfg.AmplifyCap
	}

	return domain.Clamp01(maxRisk * amplification), fired
}

// Classify maps a risk score to its band. The partition is contiguous:
// [0, 0.3) low, [0.3, 0.6) medium, [0.6, 0.8) high, [0.8, 1] critical.
func Classify(score float64) domain.RiskBand {
	switch {
	case score < 0.3:
		return domain.BandLow
	case score < 0.6:
		return domain.BandMedium
	case score < 0.8:
		return domain.BandHigh
	default:
		return domain.BandCritical
	}
}
