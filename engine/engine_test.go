package engine_test

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/posightful/bonus-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func tsPtr(t time.Time) *time.Time { return &t }

func durPtr(d time.Duration) *time.Duration { return &d }

func agentPtr(id string) *engine.AgentID {
	v := engine.AgentID(id)
	return &v
}

func leadPtr(id string) *engine.LeadID {
	v := engine.LeadID(id)
	return &v
}

// sellAmountRule builds a valid, active SELL_AMOUNT rule paying a fixed 10.
func sellAmountRule(id string, op engine.Operator, from, to string) engine.BonusRule {
	r := engine.BonusRule{
		ID:          engine.RuleID(id),
		TenantID:    "t1",
		Name:        "test " + id,
		Dimension:   engine.DimSellAmount,
		Operator:    op,
		AmountType:  engine.AmountFixed,
		AmountValue: dec("10"),
		Priority:    100,
		IsActive:    true,
		Version:     1,
	}
	if from != "" {
		r.NumFrom = decPtr(from)
	}
	if to != "" {
		r.NumTo = decPtr(to)
	}
	return r
}

// saleEvent builds an event with the given sale amount converted at `at`.
func saleEvent(sale string, at time.Time) engine.EventContext {
	return engine.EventContext{
		Conversion: engine.Conversion{
			ID:          "c1",
			TenantID:    "t1",
			AgentID:     agentPtr("a1"),
			SaleAmount:  engine.MustParseMoney(sale),
			ConvertedAt: at,
		},
		Location: time.UTC,
	}
}

func june(day, hour int) time.Time {
	return time.Date(2025, time.June, day, hour, 0, 0, 0, time.UTC)
}
