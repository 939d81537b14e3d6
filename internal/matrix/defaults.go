package matrix

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultEntries returns the built-in matrix covering the common
// login and payment cells. Projects typically replace these with their own
// entries via the import API.
func DefaultEntries() []*domain.DecisionMatrixEntry {
	return []*domain.DecisionMatrixEntry{
		{
			EventType:           domain.EventLogin,
			RiskBand:            domain.BandLow,
			CustomerSegment:     "new_user",
			Action:              domain.ActionAllow,
			MaxFPR:              0.01,
			ConfidenceThreshold: 0.8,
			Notes:               "New user login with low risk",
		},
		{
			EventType:           domain.EventLogin,
			RiskBand:            domain.BandLow,
			CustomerSegment:     "returning",
			Action:              domain.ActionAllow,
			MaxFPR:              0.005,
			ConfidenceThreshold: 0.9,
			Notes:               "Returning user login with low risk",
		},
		{
			EventType:           domain.EventPayment,
			RiskBand:            domain.BandMedium,
			CustomerSegment:     "new_user",
			Action:              domain.ActionStepUp,
			MaxFPR:              0.008,
			ConfidenceThreshold: 0.7,
			Notes:               "New user payment with medium risk",
		},
		{
			EventType:           domain.EventPayment,
			RiskBand:            domain.BandMedium,
			CustomerSegment:     "returning",
			Action:              domain.ActionAllow,
			MaxFPR:              0.003,
			ConfidenceThreshold: 0.8,
			Notes:               "Returning user payment with medium risk",
		},
		{
			EventType:           domain.EventPayment,
			RiskBand:            domain.BandHigh,
			CustomerSegment:     "new_user",
			Action:              domain.ActionReview,
			MaxFPR:              0.005,
			ConfidenceThreshold: 0.6,
			Notes:               "New user payment with high risk",
		},
		{
			EventType:           domain.EventPayment,
			RiskBand:            domain.BandHigh,
			CustomerSegment:     "returning",
			Action:              domain.ActionStepUp,
			MaxFPR:              0.002,
			ConfidenceThreshold: 0.7,
			Notes:               "Returning user payment with high risk",
		},
		{
			EventType:           domain.EventPayment,
			RiskBand:            domain.BandCritical,
			CustomerSegment:     "new_user",
			Action:              domain.ActionDeny,
			MaxFPR:              0.001,
			ConfidenceThreshold: 0.5,
			Notes:               "New user payment with critical risk",
		},
		{
			EventType:           domain.EventPayment,
			RiskBand:            domain.BandCritical,
			CustomerSegment:     "returning",
			Action:              domain.ActionReview,
			MaxFPR:              0.001,
			ConfidenceThreshold: 0.6,
			Notes:               "Returning user payment with critical risk",
		},
	}
}
