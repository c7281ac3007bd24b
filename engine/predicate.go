/*
predicate.go - Dimension/operator matching against one event

PURPOSE:
  Pure predicate evaluation: does this rule match this conversion?
  Normal mismatches are just `false`. Structural problems (a rule whose
  operands don't fit its dimension, an event missing the data a dimension
  needs) also evaluate to `false`, and CheckOperands exists so callers can
  surface them as data-integrity warnings without failing the run.

TEMPORAL SEMANTICS:
  Timestamps are compared as instants after normalizing into the tenant's
  timezone. Date-only rule bounds are anchored to tenant-local midnight at
  parse time (see factory package), so "before 2025-03-01" means before
  that date in the tenant's calendar, not UTC's.

OPERATOR SEMANTICS (spec'd once, used by every value family):
  BETWEEN  inclusive on both bounds
  GT/GTE   against the from bound
  LT/LTE   against the to bound
  EQ/NEQ   against the from bound (text family: TextValue)
  IN/NOT_IN membership in the parsed TextValues set
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Matches reports whether the rule's predicate holds for the event.
// Pure. Rules that are inactive, out of their effectivity window relative
// to the event's reference timestamp, or structurally invalid never match.
func Matches(rule BonusRule, ev EventContext) bool {
	if !rule.IsActive || !rule.EffectiveAt(ev.Conversion.ConvertedAt) {
		return false
	}
	if CheckOperands(rule) != nil {
		return false
	}

	switch rule.Dimension {
	case DimSellAmount:
		return compareDecimal(rule.Operator, ev.Conversion.SaleAmount.Value, rule.NumFrom, rule.NumTo)

	case DimSellTime:
		return compareTime(rule.Operator, ev.Conversion.ConvertedAt, rule.TsFrom, rule.TsTo, ev.Loc())

	case DimLeadTime:
		if ev.Lead == nil {
			return false
		}
		return compareTime(rule.Operator, ev.Lead.CapturedAt, rule.TsFrom, rule.TsTo, ev.Loc())

	case DimUserRegTime:
		if ev.Agent == nil || ev.Agent.UserRegisteredAt == nil {
			return false
		}
		return compareTime(rule.Operator, *ev.Agent.UserRegisteredAt, rule.TsFrom, rule.TsTo, ev.Loc())

	case DimLeadToSellDelta:
		if ev.Lead == nil {
			return false
		}
		delta := ev.Conversion.ConvertedAt.Sub(ev.Lead.CapturedAt)
		return compareDuration(rule.Operator, delta, rule.IntervalFrom, rule.IntervalTo)

	case DimPotentialProduct:
		return compareText(rule, ev.Conversion.PotentialProduct)
	}

	return false
}

// CheckOperands reports whether the rule carries the operands its
// dimension/operator combination needs. A non-nil result means the rule
// can never match and should be reported as a data-integrity warning.
// This reuses write-time validation: evaluation trusts nothing.
func CheckOperands(rule BonusRule) error {
	return rule.Validate()
}

// =============================================================================
// VALUE-FAMILY COMPARISONS
// =============================================================================

func compareDecimal(op Operator, v decimal.Decimal, from, to *decimal.Decimal) bool {
	switch op {
	case OpEQ:
		return from != nil && v.Equal(*from)
	case OpNEQ:
		return from != nil && !v.Equal(*from)
	case OpGT:
		return from != nil && v.GreaterThan(*from)
	case OpGTE:
		return from != nil && v.GreaterThanOrEqual(*from)
	case OpLT:
		return to != nil && v.LessThan(*to)
	case OpLTE:
		return to != nil && v.LessThanOrEqual(*to)
	case OpBetween:
		return from != nil && to != nil && v.GreaterThanOrEqual(*from) && v.LessThanOrEqual(*to)
	}
	return false
}

func compareTime(op Operator, v time.Time, from, to *time.Time, loc *time.Location) bool {
	lv := v.In(loc)
	switch op {
	case OpEQ:
		return from != nil && lv.Equal(from.In(loc))
	case OpNEQ:
		return from != nil && !lv.Equal(from.In(loc))
	case OpGT:
		return from != nil && lv.After(from.In(loc))
	case OpGTE:
		return from != nil && !lv.Before(from.In(loc))
	case OpLT:
		return to != nil && lv.Before(to.In(loc))
	case OpLTE:
		return to != nil && !lv.After(to.In(loc))
	case OpBetween:
		return from != nil && to != nil && !lv.Before(from.In(loc)) && !lv.After(to.In(loc))
	}
	return false
}

func compareDuration(op Operator, v time.Duration, from, to *time.Duration) bool {
	switch op {
	case OpEQ:
		return from != nil && v == *from
	case OpNEQ:
		return from != nil && v != *from
	case OpGT:
		return from != nil && v > *from
	case OpGTE:
		return from != nil && v >= *from
	case OpLT:
		return to != nil && v < *to
	case OpLTE:
		return to != nil && v <= *to
	case OpBetween:
		return from != nil && to != nil && v >= *from && v <= *to
	}
	return false
}

func compareText(rule BonusRule, v string) bool {
	switch rule.Operator {
	case OpEQ:
		return v == rule.TextValue
	case OpNEQ:
		return v != rule.TextValue
	case OpIn:
		return textSetContains(rule.TextSet(), v)
	case OpNotIn:
		return !textSetContains(rule.TextSet(), v)
	}
	return false
}

func textSetContains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
