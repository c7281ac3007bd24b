/*
rule.go - BonusRule model and write-time validation

PURPOSE:
  A BonusRule is pure data: WHAT to inspect (dimension), HOW to compare
  (operator), WHICH bounds or values to compare against (typed operands),
  and WHAT to pay on a match (fixed amount or percent of sale, optionally
  capped). No rule carries code or free-text condition expressions; the
  tagged operand fields per dimension replace the stringly-typed condition
  encoding an earlier design used.

OPERAND TYPING:
  Each dimension reads exactly one operand family. A rule whose populated
  operands do not match its dimension is rejected at write time by
  Validate(); a rule that slips through anyway (data drift) never matches
  at evaluation time and is reported as a data-integrity warning, not a
  run failure.

  SELL_AMOUNT          -> NumFrom/NumTo (decimal)
  SELL_TIME            -> TsFrom/TsTo (timestamps)
  LEAD_TIME            -> TsFrom/TsTo
  USER_REG_TIME        -> TsFrom/TsTo
  LEAD_TO_SELL_DELTA   -> IntervalFrom/IntervalTo (durations)
  POTENTIAL_PRODUCT    -> TextValue (EQ/NEQ) or TextValues (IN/NOT_IN)

VERSIONING:
  Rules referenced by a completed run are immutable for audit integrity.
  Updating such a rule creates a new row with Version+1 and deactivates
  the old one; items keep pointing at the version that actually fired.

SEE ALSO:
  - predicate.go: How operands are compared at evaluation time
  - selector.go: Priority ordering and first-match-wins
*/
package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIMENSIONS AND OPERATORS
// =============================================================================

// Dimension is the category of event data a rule inspects.
type Dimension string

const (
	DimSellAmount       Dimension = "SELL_AMOUNT"
	DimSellTime         Dimension = "SELL_TIME"
	DimLeadTime         Dimension = "LEAD_TIME"
	DimUserRegTime      Dimension = "USER_REG_TIME"
	DimPotentialProduct Dimension = "POTENTIAL_PRODUCT"
	DimLeadToSellDelta  Dimension = "LEAD_TO_SELL_DELTA"
)

// Operator is the comparison applied between an event value and the
// rule's configured bound(s).
type Operator string

const (
	OpEQ      Operator = "EQ"
	OpNEQ     Operator = "NEQ"
	OpGT      Operator = "GT"
	OpGTE     Operator = "GTE"
	OpLT      Operator = "LT"
	OpLTE     Operator = "LTE"
	OpBetween Operator = "BETWEEN"
	OpIn      Operator = "IN"
	OpNotIn   Operator = "NOT_IN"
)

// AmountType determines how the bonus amount is derived on a match.
type AmountType string

const (
	AmountFixed         AmountType = "fixed"
	AmountPercentOfSale AmountType = "percent_of_sale"
)

// =============================================================================
// BONUS RULE
// =============================================================================

// BonusRule is one declarative bonus rule, tenant-scoped.
type BonusRule struct {
	ID       RuleID
	TenantID TenantID
	Name     string

	Dimension Dimension
	Operator  Operator

	// Typed operands. Which family must be populated depends on Dimension.
	NumFrom      *decimal.Decimal
	NumTo        *decimal.Decimal
	TsFrom       *time.Time
	TsTo         *time.Time
	IntervalFrom *time.Duration
	IntervalTo   *time.Duration
	TextValue    string
	TextValues   string // comma-separated set for IN / NOT_IN

	AmountType  AmountType
	AmountValue decimal.Decimal
	CapAmount   *decimal.Decimal

	// Lower priority is evaluated first. Default 100.
	Priority int

	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
	IsActive      bool

	Version   int
	CreatedAt time.Time
}

// EffectiveAt reports whether the rule's validity window covers the
// event's reference timestamp. Nil bounds are open-ended.
func (r BonusRule) EffectiveAt(ref time.Time) bool {
	if r.EffectiveFrom != nil && ref.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && ref.After(*r.EffectiveTo) {
		return false
	}
	return true
}

// TextSet parses the comma-separated TextValues into a trimmed set.
func (r BonusRule) TextSet() []string {
	if r.TextValues == "" {
		return nil
	}
	parts := strings.Split(r.TextValues, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// =============================================================================
// WRITE-TIME VALIDATION
// =============================================================================

var rangeOperators = map[Operator]bool{
	OpEQ: true, OpNEQ: true, OpGT: true, OpGTE: true, OpLT: true, OpLTE: true, OpBetween: true,
}

var setOperators = map[Operator]bool{
	OpEQ: true, OpNEQ: true, OpIn: true, OpNotIn: true,
}

// Validate checks dimension/operator compatibility and operand coherence.
// Called on rule create/update; evaluation assumes valid rules but
// degrades to never-match on drift (see predicate.go).
func (r BonusRule) Validate() error {
	switch r.Dimension {
	case DimSellAmount:
		if !rangeOperators[r.Operator] {
			return &RuleValidationError{RuleID: r.ID, Field: "operator",
				Reason: fmt.Sprintf("operator %s not valid for %s", r.Operator, r.Dimension)}
		}
		if err := r.checkBounds("num", r.NumFrom != nil, r.NumTo != nil); err != nil {
			return err
		}
		if r.NumFrom != nil && r.NumTo != nil && r.NumTo.LessThan(*r.NumFrom) {
			return &RuleValidationError{RuleID: r.ID, Field: "num_to", Reason: "range is inverted"}
		}

	case DimSellTime, DimLeadTime, DimUserRegTime:
		if !rangeOperators[r.Operator] {
			return &RuleValidationError{RuleID: r.ID, Field: "operator",
				Reason: fmt.Sprintf("operator %s not valid for %s", r.Operator, r.Dimension)}
		}
		if err := r.checkBounds("ts", r.TsFrom != nil, r.TsTo != nil); err != nil {
			return err
		}
		if r.TsFrom != nil && r.TsTo != nil && r.TsTo.Before(*r.TsFrom) {
			return &RuleValidationError{RuleID: r.ID, Field: "ts_to", Reason: "range is inverted"}
		}

	case DimLeadToSellDelta:
		if !rangeOperators[r.Operator] {
			return &RuleValidationError{RuleID: r.ID, Field: "operator",
				Reason: fmt.Sprintf("operator %s not valid for %s", r.Operator, r.Dimension)}
		}
		if err := r.checkBounds("interval", r.IntervalFrom != nil, r.IntervalTo != nil); err != nil {
			return err
		}
		if r.IntervalFrom != nil && r.IntervalTo != nil && *r.IntervalTo < *r.IntervalFrom {
			return &RuleValidationError{RuleID: r.ID, Field: "interval_to", Reason: "range is inverted"}
		}

	case DimPotentialProduct:
		if !setOperators[r.Operator] {
			return &RuleValidationError{RuleID: r.ID, Field: "operator",
				Reason: fmt.Sprintf("operator %s not valid for %s", r.Operator, r.Dimension)}
		}
		switch r.Operator {
		case OpEQ, OpNEQ:
			if r.TextValue == "" {
				return &RuleValidationError{RuleID: r.ID, Field: "text_value", Reason: "required for EQ/NEQ"}
			}
		case OpIn, OpNotIn:
			if len(r.TextSet()) == 0 {
				return &RuleValidationError{RuleID: r.ID, Field: "text_values", Reason: "required for IN/NOT_IN"}
			}
		}

	default:
		return &RuleValidationError{RuleID: r.ID, Field: "dimension",
			Reason: fmt.Sprintf("unknown dimension %q", r.Dimension)}
	}

	// Cross-family leakage: a numeric rule must not carry text operands etc.
	if r.Dimension != DimPotentialProduct && (r.TextValue != "" || r.TextValues != "") {
		return &RuleValidationError{RuleID: r.ID, Field: "text_values",
			Reason: fmt.Sprintf("text operands not valid for %s", r.Dimension)}
	}

	switch r.AmountType {
	case AmountFixed, AmountPercentOfSale:
	default:
		return &RuleValidationError{RuleID: r.ID, Field: "amount_type",
			Reason: fmt.Sprintf("unknown amount type %q", r.AmountType)}
	}
	if r.AmountValue.IsNegative() {
		return &RuleValidationError{RuleID: r.ID, Field: "amount_value", Reason: "must not be negative"}
	}
	if r.CapAmount != nil && r.CapAmount.IsNegative() {
		return &RuleValidationError{RuleID: r.ID, Field: "cap_amount", Reason: "must not be negative"}
	}

	if r.EffectiveFrom != nil && r.EffectiveTo != nil && r.EffectiveTo.Before(*r.EffectiveFrom) {
		return &RuleValidationError{RuleID: r.ID, Field: "effective_to", Reason: "before effective_from"}
	}

	return nil
}

// checkBounds enforces the operator's operand requirements: BETWEEN needs
// both bounds, GT/GTE/LT/LTE exactly the relevant one, EQ/NEQ the from bound.
func (r BonusRule) checkBounds(family string, hasFrom, hasTo bool) error {
	switch r.Operator {
	case OpBetween:
		if !hasFrom || !hasTo {
			return &RuleValidationError{RuleID: r.ID, Field: family + "_from",
				Reason: "BETWEEN requires both bounds"}
		}
	case OpGT, OpGTE:
		if !hasFrom {
			return &RuleValidationError{RuleID: r.ID, Field: family + "_from",
				Reason: string(r.Operator) + " requires the lower bound"}
		}
	case OpLT, OpLTE:
		if !hasTo {
			return &RuleValidationError{RuleID: r.ID, Field: family + "_to",
				Reason: string(r.Operator) + " requires the upper bound"}
		}
	case OpEQ, OpNEQ:
		if !hasFrom {
			return &RuleValidationError{RuleID: r.ID, Field: family + "_from",
				Reason: string(r.Operator) + " compares against the from bound"}
		}
	}
	return nil
}
