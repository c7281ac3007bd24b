package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posightful/bonus-engine/engine"
)

// =============================================================================
// OPERATOR / DIMENSION COMPATIBILITY
// =============================================================================

func TestValidate_OperatorDimensionCompatibility(t *testing.T) {
	// GIVEN: SELL_AMOUNT only works with range operators
	// WHEN: Validating an IN rule on SELL_AMOUNT
	// THEN: Rejected as a validation error
	r := sellAmountRule("r1", engine.OpIn, "", "")
	r.TextValues = "a,b"

	err := r.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrInvalidRule))

	var verr *engine.RuleValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "operator", verr.Field)

	// GIVEN: POTENTIAL_PRODUCT only works with set operators
	text := engine.BonusRule{
		ID: "r2", TenantID: "t1", Dimension: engine.DimPotentialProduct,
		Operator: engine.OpGT, TextValue: "tv",
		AmountType: engine.AmountFixed, AmountValue: dec("5"), IsActive: true,
	}
	assert.Error(t, text.Validate(), "GT is not valid for a text dimension")
}

func TestValidate_BetweenRequiresBothBounds(t *testing.T) {
	r := sellAmountRule("r1", engine.OpBetween, "100", "")
	require.Error(t, r.Validate())

	r.NumTo = decPtr("500")
	assert.NoError(t, r.Validate())
}

func TestValidate_InvertedRangeRejected(t *testing.T) {
	r := sellAmountRule("r1", engine.OpBetween, "500", "100")
	err := r.Validate()
	require.Error(t, err)

	var verr *engine.RuleValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "num_to", verr.Field)
}

func TestValidate_DirectionalOperatorsRequireTheirBound(t *testing.T) {
	// GTE without a lower bound
	gte := sellAmountRule("r1", engine.OpGTE, "", "")
	assert.Error(t, gte.Validate())

	// LTE without an upper bound
	lte := sellAmountRule("r2", engine.OpLTE, "", "")
	assert.Error(t, lte.Validate())

	// EQ compares against the from bound
	eq := sellAmountRule("r3", engine.OpEQ, "", "")
	assert.Error(t, eq.Validate())
	eq.NumFrom = decPtr("100")
	assert.NoError(t, eq.Validate())
}

func TestValidate_CrossFamilyOperandsRejected(t *testing.T) {
	// GIVEN: A numeric rule carrying text operands
	r := sellAmountRule("r1", engine.OpGTE, "100", "")
	r.TextValue = "tv"

	// THEN: Rejected; operands must belong to the dimension's family
	assert.Error(t, r.Validate())
}

func TestValidate_IntervalDimension(t *testing.T) {
	r := engine.BonusRule{
		ID: "r1", TenantID: "t1", Dimension: engine.DimLeadToSellDelta,
		Operator: engine.OpLTE, IntervalTo: durPtr(48 * time.Hour),
		AmountType: engine.AmountFixed, AmountValue: dec("50"), IsActive: true,
	}
	assert.NoError(t, r.Validate())

	// Inverted interval range
	r.Operator = engine.OpBetween
	r.IntervalFrom = durPtr(72 * time.Hour)
	assert.Error(t, r.Validate())
}

func TestValidate_TextOperandsRequired(t *testing.T) {
	in := engine.BonusRule{
		ID: "r1", TenantID: "t1", Dimension: engine.DimPotentialProduct,
		Operator:   engine.OpIn,
		AmountType: engine.AmountFixed, AmountValue: dec("5"), IsActive: true,
	}
	assert.Error(t, in.Validate(), "IN needs a non-empty set")

	in.TextValues = "tv, soundbar"
	assert.NoError(t, in.Validate())
	assert.Equal(t, []string{"tv", "soundbar"}, in.TextSet())
}

// =============================================================================
// AMOUNT AND WINDOW VALIDATION
// =============================================================================

func TestValidate_NegativeAmountsRejected(t *testing.T) {
	r := sellAmountRule("r1", engine.OpGTE, "100", "")
	r.AmountValue = dec("-5")
	assert.Error(t, r.Validate())

	r.AmountValue = dec("5")
	r.CapAmount = decPtr("-1")
	assert.Error(t, r.Validate())
}

func TestValidate_UnknownAmountTypeRejected(t *testing.T) {
	r := sellAmountRule("r1", engine.OpGTE, "100", "")
	r.AmountType = "per_unit"
	assert.Error(t, r.Validate())
}

func TestValidate_EffectiveWindowOrdering(t *testing.T) {
	r := sellAmountRule("r1", engine.OpGTE, "100", "")
	r.EffectiveFrom = tsPtr(june(10, 0))
	r.EffectiveTo = tsPtr(june(1, 0))
	assert.Error(t, r.Validate())
}

func TestEffectiveAt_Boundaries(t *testing.T) {
	r := sellAmountRule("r1", engine.OpGTE, "100", "")
	r.EffectiveFrom = tsPtr(june(1, 0))
	r.EffectiveTo = tsPtr(june(30, 0))

	assert.True(t, r.EffectiveAt(june(1, 0)), "window start is inclusive")
	assert.True(t, r.EffectiveAt(june(30, 0)), "window end is inclusive")
	assert.False(t, r.EffectiveAt(time.Date(2025, time.May, 31, 23, 0, 0, 0, time.UTC)))
	assert.False(t, r.EffectiveAt(time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)))
}
