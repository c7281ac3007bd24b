/*
amount.go - Bonus amount computation

PURPOSE:
  Turns a selected rule plus a sale amount into the payable bonus.
  Fixed-point decimal all the way down: percent-of-sale results are
  rounded to 2 decimal places half-up, and an optional cap is a hard
  ceiling (never a floor).

INPUT ERRORS:
  Negative sale amounts and negative computed bonuses are input-data
  errors, not rule-engine conditions. They surface as a per-item error
  (zero bonus, note recorded) and never abort the run.
*/
package engine

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputeAmount computes the gross bonus for one rule application. Pure.
func ComputeAmount(rule BonusRule, saleAmount Money) (Money, error) {
	if saleAmount.IsNegative() {
		return ZeroMoney(), &AmountError{
			RuleID: rule.ID,
			Reason: "negative sale amount " + saleAmount.String(),
		}
	}

	var bonus Money
	switch rule.AmountType {
	case AmountFixed:
		bonus = Money{Value: rule.AmountValue}
	case AmountPercentOfSale:
		bonus = Money{Value: saleAmount.Value.Mul(rule.AmountValue).Div(hundred)}.Round2()
	default:
		return ZeroMoney(), &AmountError{
			RuleID: rule.ID,
			Reason: "unknown amount type " + string(rule.AmountType),
		}
	}

	if bonus.IsNegative() {
		return ZeroMoney(), &AmountError{
			RuleID: rule.ID,
			Reason: "computed bonus is negative: " + bonus.String(),
		}
	}

	if rule.CapAmount != nil {
		ceiling := Money{Value: *rule.CapAmount}
		if bonus.GreaterThan(ceiling) {
			bonus = ceiling
		}
	}

	return bonus, nil
}
