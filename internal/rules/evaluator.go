// Package rules implements the fraud heuristics.
//
// Evaluation is pure: given a transaction and the prior per-user state it
// returns the verdicts and the successor state, with no I/O and no side
// effects. That purity is what makes redelivery safe — replaying an event
// against the same prior state yields the same verdicts every time.
package rules

import (
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Evaluator evaluates every heuristic against one transaction. Thresholds
// are tunables and may be swapped at runtime via UpdateConfig; a single
// Evaluate call always sees one consistent snapshot.
type Evaluator struct {
	mu  sync.RWMutex
	cfg domain.RulesConfig
}

// NewEvaluator creates an evaluator with the given thresholds.
func NewEvaluator(cfg domain.RulesConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// UpdateConfig swaps the threshold set. Used by config hot-reload.
func (e *Evaluator) UpdateConfig(cfg domain.RulesConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Config returns the current threshold snapshot.
func (e *Evaluator) Config() domain.RulesConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Evaluate runs all heuristics against one transaction and the prior state.
// A single transaction may trigger zero, one, or all of them.
//
// The update ordering is fixed: the timestamp history is pushed and trimmed
// before the rapid-succession span is computed, and the location comparison
// reads the PRIOR state before the location is refreshed. LocationChange
// therefore never compares a transaction against its own location.
func (e *Evaluator) Evaluate(tx *domain.Transaction, prior domain.UserState) ([]domain.Reason, domain.UserState) {
	cfg := e.Config()

	var verdicts []domain.Reason
	next := prior.Clone()

	// Large amount: stateless, strict inequality at the threshold.
	if tx.Amount > cfg.LargeAmountThreshold {
		verdicts = append(verdicts, domain.ReasonLargeAmount)
	}

	// Rapid succession: push newest-first, trim to the bounded depth, then
	// span the full window. Fewer than HistorySize transactions ever seen
	// means insufficient history, not a near-miss.
	next.RecentTimestamps = pushAndTrim(next.RecentTimestamps, tx.Timestamp, domain.HistorySize)
	if len(next.RecentTimestamps) == domain.HistorySize {
		newest := next.RecentTimestamps[0]
		oldest := next.RecentTimestamps[domain.HistorySize-1]
		firstFill := len(prior.RecentTimestamps) < domain.HistorySize

		if newest.Sub(oldest) <= cfg.RapidWindow && (cfg.RetriggerWhileSliding || firstFill) {
			verdicts = append(verdicts, domain.ReasonRapidSuccession)
		}
	}

	// Location change: compare against the prior location only. Refresh
	// unconditionally, even when nothing fired.
	if prior.LastLocation != "" && prior.LastLocation != tx.Location {
		verdicts = append(verdicts, domain.ReasonLocationChange)
	}
	next.LastLocation = tx.Location

	return verdicts, next
}

// pushAndTrim prepends ts and keeps at most limit entries.
func pushAndTrim(history []time.Time, ts time.Time, limit int) []time.Time {
	out := make([]time.Time, 0, limit)
	out = append(out, ts)
	for _, t := range history {
		if len(out) == limit {
			break
		}
		out = append(out, t)
	}
	return out
}
