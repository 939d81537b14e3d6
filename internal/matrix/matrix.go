// Package matrix implements the configuration-driven decision matrix that
// maps (event type, risk band, customer segment) to an action.
package matrix

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Outcome is the matrix's verdict for one lookup, before the orchestrator
// folds in rule reasons and persistence identifiers.
type Outcome struct {
	Action     domain.Action
	Confidence float64
	Reasons    []string
	RulesFired []string
	Metadata   map[string]any
}

type table struct {
	entries       map[string]*domain.DecisionMatrixEntry
	defaultAction domain.Action
	defaultMaxFPR float64
}

// Matrix holds the active lookup table. The table, including the fallback
// defaults, is swapped wholesale on reload via an atomic pointer, so
// lookups on the decision path never take a lock and never observe a
// partially loaded table.
type Matrix struct {
	current atomic.Pointer[table]
}

// New creates a matrix with the given fallback behavior and an empty table.
func New(cfg domain.MatrixConfig) *Matrix {
	m := &Matrix{}
	m.current.Store(&table{
		entries:       map[string]*domain.DecisionMatrixEntry{},
		defaultAction: cfg.DefaultAction,
		defaultMaxFPR: cfg.DefaultMaxFPR,
	})
	return m
}

// Load validates the entries and the fallback behavior and swaps them in
// as the active table. Duplicate keys are a configuration error; in-flight
// lookups keep the previous table until the swap.
func (m *Matrix) Load(entries []*domain.DecisionMatrixEntry, defaultAction domain.Action, defaultMaxFPR float64) error {
	if !domain.KnownAction(defaultAction) {
		return fmt.Errorf("matrix default: unknown action %q", defaultAction)
	}
	if defaultMaxFPR < 0 || defaultMaxFPR > 1 {
		return fmt.Errorf("matrix default: max_fpr must be in [0, 1]")
	}

	next := make(map[string]*domain.DecisionMatrixEntry, len(entries))
	for _, entry := range entries {
		if err := validate(entry); err != nil {
			return err
		}
		key := entry.Key()
		if _, exists := next[key]; exists {
			return fmt.Errorf("duplicate matrix entry: %s", key)
		}
		next[key] = entry
	}

	m.current.Store(&table{
		entries:       next,
		defaultAction: defaultAction,
		defaultMaxFPR: defaultMaxFPR,
	})
	return nil
}

// DefaultAction returns the fallback action for cells with no entry.
func (m *Matrix) DefaultAction() domain.Action {
	return m.current.Load().defaultAction
}

// DefaultMaxFPR returns the FPR budget applied to the fallback decision.
func (m *Matrix) DefaultMaxFPR() float64 {
	return m.current.Load().defaultMaxFPR
}

func validate(entry *domain.DecisionMatrixEntry) error {
	if entry.EventType == "" {
		return fmt.Errorf("matrix entry: event type is required")
	}
	if !domain.KnownRiskBand(entry.RiskBand) {
		return fmt.Errorf("matrix entry %s: unknown risk band %q", entry.Key(), entry.RiskBand)
	}
	if entry.CustomerSegment == "" {
		return fmt.Errorf("matrix entry %s: customer segment is required", entry.Key())
	}
	if !domain.KnownAction(entry.Action) {
		return fmt.Errorf("matrix entry %s: unknown action %q", entry.Key(), entry.Action)
	}
	if entry.MaxFPR < 0 || entry.MaxFPR > 1 {
		return fmt.Errorf("matrix entry %s: max_fpr must be in [0, 1]", entry.Key())
	}
	return nil
}

// Upsert adds or replaces a single entry without disturbing the rest of
// the table.
func (m *Matrix) Upsert(entry *domain.DecisionMatrixEntry) error {
	if err := validate(entry); err != nil {
		return err
	}

	cur := m.current.Load()
	next := make(map[string]*domain.DecisionMatrixEntry, len(cur.entries)+1)
	for k, v := range cur.entries {
		next[k] = v
	}
	next[entry.Key()] = entry
	m.current.Store(&table{
		entries:       next,
		defaultAction: cur.defaultAction,
		defaultMaxFPR: cur.defaultMaxFPR,
	})
	return nil
}

// Remove deletes the entry for the given key. Removing a missing key is a
// no-op.
func (m *Matrix) Remove(key string) {
	cur := m.current.Load()
	if _, ok := cur.entries[key]; !ok {
		return
	}
	next := make(map[string]*domain.DecisionMatrixEntry, len(cur.entries))
	for k, v := range cur.entries {
		if k != key {
			next[k] = v
		}
	}
	m.current.Store(&table{
		entries:       next,
		defaultAction: cur.defaultAction,
		defaultMaxFPR: cur.defaultMaxFPR,
	})
}

// Entries returns the active entries sorted by key.
func (m *Matrix) Entries() []*domain.DecisionMatrixEntry {
	cur := m.current.Load()
	out := make([]*domain.DecisionMatrixEntry, 0, len(cur.entries))
	for _, entry := range cur.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Size returns the number of active entries.
func (m *Matrix) Size() int {
	return len(m.current.Load().entries)
}

// Decide resolves the action for an event given its risk band, customer
// segment, and the observed false positive rate for the matching cell.
// Unknown cells fall back to the default action; cells whose FPR budget is
// exceeded are escalated to review regardless of their configured action.
func (m *Matrix) Decide(eventType domain.EventType, band domain.RiskBand, segment string, currentFPR float64) Outcome {
	cur := m.current.Load()
	key := domain.MatrixKey(eventType, band, segment)
	entry, ok := cur.entries[key]

	if !ok {
		return Outcome{
			Action:     cur.defaultAction,
			Confidence: 1.0 - band.Score(),
			Reasons: []string{
				fmt.Sprintf("Using default decision for %s", eventType),
				fmt.Sprintf("Risk band: %s", band),
				fmt.Sprintf("Customer segment: %s", segment),
				fmt.Sprintf("Max FPR: %.3f", cur.defaultMaxFPR),
			},
			RulesFired: []string{"default_decision"},
			Metadata: map[string]any{
				domain.MetaMatrixKey: key,
				domain.MetaIsDefault: true,
			},
		}
	}

	if currentFPR > entry.MaxFPR {
		return Outcome{
			Action:     domain.ActionReview,
			Confidence: 0.8,
			Reasons: []string{
				fmt.Sprintf("FPR %.3f exceeds threshold %.3f", currentFPR, entry.MaxFPR),
				fmt.Sprintf("Escalating %s to review", entry.Action),
			},
			RulesFired: []string{"fpr_escalation"},
			Metadata: map[string]any{
				domain.MetaMatrixKey:    key,
				"original_action":       string(entry.Action),
				"fpr_threshold":         entry.MaxFPR,
				"current_fpr":           currentFPR,
				domain.MetaIsEscalation: true,
			},
		}
	}

	return Outcome{
		Action:     entry.Action,
		Confidence: 1.0 - band.Score(),
		Reasons: []string{
			fmt.Sprintf("Risk band: %s", band),
			fmt.Sprintf("Customer segment: %s", segment),
			fmt.Sprintf("Action: %s", entry.Action),
			fmt.Sprintf("Max FPR: %.3f", entry.MaxFPR),
			fmt.Sprintf("Confidence threshold: %.3f", entry.ConfidenceThreshold),
		},
		RulesFired: []string{fmt.Sprintf("matrix_%s_%s", entry.EventType, band)},
		Metadata: map[string]any{
			domain.MetaMatrixKey:   key,
			"confidence_threshold": entry.ConfidenceThreshold,
			domain.MetaIsNormal:    true,
		},
	}
}
