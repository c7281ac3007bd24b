/*
store.go - Persistence interfaces for the bonus engine

PURPOSE:
  Defines the boundary between the engine and the database. The engine is
  read-only against rules, policies, and event data; its only mutation is
  the append-only write of runs and their items.

KEY INTERFACES:
  RuleSource / PolicySource:  Tenant rule & policy snapshots (read-only)
  EventSource:                Conversions, leads, agents, tenants (read-only)
  RunStore:                   Run lifecycle + atomic item persistence

ATOMICITY CONTRACT:
  CompleteRun persists the full item set AND the completed status in a
  single atomic unit. A run must never be observable as completed with a
  partial item set; if persistence fails, zero items remain visible and
  the run transitions to failed instead.

TERMINAL-STATE ENFORCEMENT:
  Implementations must refuse transitions out of completed/failed with
  ErrRunTerminal (conditional update, not read-then-write), so two
  concurrent executors cannot both finalize the same run.

IMPLEMENTATIONS:
  - store/sqlite: production store
  - engine/store: in-memory store for tests/dev
*/
package engine

import (
	"context"
	"time"
)

// RuleSource provides tenant rule snapshots.
type RuleSource interface {
	// ActiveRules returns the tenant's active rules. Effectivity
	// filtering happens per event in the selector, not here.
	ActiveRules(ctx context.Context, tenantID TenantID) ([]BonusRule, error)
}

// PolicySource provides tenant commission policy snapshots.
type PolicySource interface {
	ActivePolicies(ctx context.Context, tenantID TenantID) ([]CommissionPolicy, error)
}

// EventSource provides the read-only event data a run iterates over.
type EventSource interface {
	GetTenant(ctx context.Context, tenantID TenantID) (*Tenant, error)

	// ConversionsInPeriod returns all conversions whose converted_at
	// falls in the period, the run's qualifying event set.
	ConversionsInPeriod(ctx context.Context, tenantID TenantID, period Period) ([]Conversion, error)

	// LeadsByCustomer returns the customer's full interaction history;
	// attribution applies the window itself.
	LeadsByCustomer(ctx context.Context, tenantID TenantID, customerRef string) ([]Lead, error)

	GetLead(ctx context.Context, id LeadID) (*Lead, error)
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)
}

// RunStore owns run lifecycle persistence.
type RunStore interface {
	// CreateRun persists a new pending run.
	CreateRun(ctx context.Context, run CalculationRun) error

	// MarkRunning transitions pending -> running. ErrRunTerminal if the
	// run is already terminal.
	MarkRunning(ctx context.Context, id RunID, startedAt time.Time) error

	// CompleteRun atomically persists every item and transitions
	// running -> completed with the given summary message.
	CompleteRun(ctx context.Context, id RunID, items []CalculationItem, message string, completedAt time.Time) error

	// FailRun transitions a non-terminal run to failed with the fatal
	// cause in message.
	FailRun(ctx context.Context, id RunID, message string, completedAt time.Time) error

	GetRun(ctx context.Context, id RunID) (*CalculationRun, error)
	ListRuns(ctx context.Context, tenantID TenantID) ([]CalculationRun, error)
	ListItems(ctx context.Context, id RunID, filter ItemFilter) ([]CalculationItem, error)

	// LatestCompletedRun returns the tenant's newest completed run, or
	// nil. A non-zero period narrows to runs covering exactly that
	// period. This is the "current truth" lookup payout consumers use.
	LatestCompletedRun(ctx context.Context, tenantID TenantID, period Period) (*CalculationRun, error)

	// StaleRunningRuns returns runs stuck in running since before the
	// cutoff; the watchdog forces these to failed.
	StaleRunningRuns(ctx context.Context, cutoff time.Time) ([]CalculationRun, error)
}

// Store is the full persistence surface the orchestrator needs.
type Store interface {
	RuleSource
	PolicySource
	EventSource
	RunStore
}
