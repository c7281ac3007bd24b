/*
Package engine implements the bonus/commission calculation engine.

PURPOSE:
  This package contains the tenant-scoped rule engine that turns conversion
  events into agent bonus payouts. Rules are declarative data (dimension +
  operator + operands + amount), evaluation is pure, and execution happens
  as auditable calculation runs: one atomic batch per tenant and period.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A fixed-point currency amount (decimal, never float64)
  - Period: The [start, end] window a calculation run covers
  - Tenant/Agent/Lead/Conversion: Read-only snapshots of the event data
  - Typed IDs: Prevent mixing rule/run/agent identifiers

DESIGN PRINCIPLES:
  1. Purity: Matching, attribution, selection, and amount computation are
     side-effect-free functions over immutable inputs
  2. Precision: shopspring/decimal for all monetary math
  3. Auditability: Every conversion in a run produces exactly one item,
     including the no-match zero-bonus case
  4. Immutability: Runs and items are never updated in place; a re-run is
     a brand-new run

SEE ALSO:
  - rule.go: Rule model and write-time validation
  - predicate.go: Dimension/operator matching
  - policy.go: Commission policy attribution
  - orchestrator.go: Run lifecycle
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point currency amount
// =============================================================================

// Money is a currency amount in the tenant's configured currency.
// All amounts within one calculation run share that currency; conversion
// between currencies is out of scope.
type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money         { return Money{Value: decimal.NewFromFloat(value)} }
func NewMoneyFromInt(value int64) Money    { return Money{Value: decimal.NewFromInt(value)} }
func MoneyFromDecimal(d decimal.Decimal) Money { return Money{Value: d} }

// MustParseMoney parses a decimal string, returning zero on failure.
func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{Value: decimal.Zero}
	}
	return Money{Value: d}
}

func ZeroMoney() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money        { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money        { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) IsNegative() bool         { return m.Value.IsNegative() }
func (m Money) IsZero() bool             { return m.Value.IsZero() }
func (m Money) IsPositive() bool         { return m.Value.IsPositive() }
func (m Money) GreaterThan(o Money) bool { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool    { return m.Value.LessThan(o.Value) }
func (m Money) Equal(o Money) bool       { return m.Value.Equal(o.Value) }
func (m Money) String() string           { return m.Value.StringFixed(2) }

// Round2 rounds to 2 decimal places, half up. Bonus amounts are never
// negative, so decimal's round-half-away-from-zero is round-half-up here.
func (m Money) Round2() Money { return Money{Value: m.Value.Round(2)} }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type AgentID string
type OutletID string
type LeadID string
type ConversionID string
type RuleID string
type PolicyID string
type RunID string
type ItemID string

// =============================================================================
// PERIOD - Calculation run boundary
// =============================================================================

// Period is the half-open [Start, End) window a run covers. Conversions
// qualify by their converted_at timestamp; end-exclusivity means
// consecutive monthly periods never double-count a boundary conversion.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Valid reports whether the period is well-formed.
func (p Period) Valid() bool {
	return !p.Start.IsZero() && !p.End.IsZero() && !p.End.Before(p.Start)
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + ")"
}

// =============================================================================
// EVENT SNAPSHOTS - Read-only inputs owned by external collaborators
// =============================================================================

// Tenant carries the per-tenant evaluation settings the engine needs:
// the timezone temporal predicates are evaluated in, and the currency
// all run amounts are denominated in.
type Tenant struct {
	ID        TenantID
	Name      string
	Code      string
	Timezone  string // IANA name, e.g. "Asia/Tashkent"
	Currency  string
	IsActive  bool
	CreatedAt time.Time
}

// Location resolves the tenant timezone, falling back to UTC.
func (t Tenant) Location() *time.Location {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil || t.Timezone == "" {
		return time.UTC
	}
	return loc
}

type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentOnLeave  AgentStatus = "on_leave"
	AgentDisabled AgentStatus = "disabled"
)

// Agent is a sales agent snapshot. UserRegisteredAt feeds the
// USER_REG_TIME rule dimension.
type Agent struct {
	ID               AgentID
	TenantID         TenantID
	AgentCode        string
	OutletID         *OutletID
	UserRegisteredAt *time.Time
	Status           AgentStatus
	HiredAt          *time.Time
}

// Outlet is referenced by calculation items for denormalized export.
type Outlet struct {
	ID       OutletID
	TenantID TenantID
	Name     string
	Code     string
}

// Lead is a captured lead/interaction. CapturedAt is both the LEAD_TIME
// dimension value and the attribution-window anchor.
type Lead struct {
	ID               LeadID
	TenantID         TenantID
	AgentID          *AgentID
	CustomerRef      string
	PotentialProduct string
	CapturedAt       time.Time
}

// Conversion is a successful lead-to-sale event, the unit the engine
// iterates over. ConvertedAt is the reference timestamp for rule
// effectivity and period membership.
type Conversion struct {
	ID               ConversionID
	TenantID         TenantID
	LeadID           *LeadID
	AgentID          *AgentID
	OutletID         *OutletID
	ExternalSaleID   string
	SaleAmount       Money
	SaleCurrency     string
	ConvertedAt      time.Time
	PotentialProduct string
	SourceSystem     string
}

// =============================================================================
// EVENT CONTEXT - Everything a predicate can inspect for one conversion
// =============================================================================

// EventContext bundles a conversion with its attributed lead and agent.
// Lead and Agent may be nil; dimensions that need them simply never match.
type EventContext struct {
	Conversion Conversion
	Lead       *Lead
	Agent      *Agent

	// Location is the tenant timezone temporal comparisons happen in.
	Location *time.Location
}

// Loc returns the evaluation timezone, defaulting to UTC.
func (ev EventContext) Loc() *time.Location {
	if ev.Location == nil {
		return time.UTC
	}
	return ev.Location
}
