/*
run.go - Calculation run and item types

PURPOSE:
  A CalculationRun is one batch execution of the engine for a tenant over
  a period; it is the unit of atomicity and audit. Items are the per-event
  outputs: exactly one per qualifying conversion, applied rule nullable,
  zero bonus when nothing matched.

STATE MACHINE:
  pending -> running -> completed
                     -> failed

  No transition leaves a terminal state. A failed or completed run is
  superseded by a brand-new run; re-running the same tenant+period is
  idempotent in value (identical item set) but never in identity (fresh
  run id, prior history retained).
*/
package engine

import (
	"time"
)

// =============================================================================
// RUN
// =============================================================================

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// CanTransition reports whether moving to `next` is legal.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next == RunFailed
	case RunRunning:
		return next == RunCompleted || next == RunFailed
	default:
		return false
	}
}

// CalculationRun is one batch execution record.
type CalculationRun struct {
	ID          RunID
	TenantID    TenantID
	PeriodStart time.Time
	PeriodEnd   time.Time
	TriggeredBy string
	Status      RunStatus

	// Message is human-readable: the first fatal cause for failed runs,
	// a summary of skipped/zero items for completed ones.
	Message string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Period returns the run's calculation window.
func (r CalculationRun) Period() Period {
	return Period{Start: r.PeriodStart, End: r.PeriodEnd}
}

// =============================================================================
// ITEM
// =============================================================================

// CalculationItem is one computed bonus within a run. Immutable once
// written; runs only ever insert items, never update them.
type CalculationItem struct {
	ID    ItemID
	RunID RunID

	AgentID      *AgentID
	OutletID     *OutletID
	ConversionID ConversionID
	LeadID       *LeadID

	// AppliedRuleID is nil when no rule matched; the item then
	// contributes zero and exists purely for audit completeness.
	AppliedRuleID *RuleID

	GrossBonus Money

	// Notes records which dimension/operator fired, attribution
	// fallbacks, and any per-item data warnings.
	Notes string
}

// Matched reports whether a rule was applied to this item.
func (i CalculationItem) Matched() bool { return i.AppliedRuleID != nil }

// ItemFilter narrows ListItems queries.
type ItemFilter struct {
	AgentID      *AgentID
	ConversionID *ConversionID
	MatchedOnly  bool
}
