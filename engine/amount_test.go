package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posightful/bonus-engine/engine"
)

func TestComputeAmount_Fixed(t *testing.T) {
	r := sellAmountRule("r1", engine.OpGTE, "100", "")
	r.AmountValue = dec("50")

	got, err := engine.ComputeAmount(r, engine.MustParseMoney("8000"))
	require.NoError(t, err)
	assert.Equal(t, "50.00", got.String(), "fixed amount ignores the sale value")
}

func TestComputeAmount_PercentOfSale(t *testing.T) {
	r := sellAmountRule("r1", engine.OpGTE, "100", "")
	r.AmountType = engine.AmountPercentOfSale
	r.AmountValue = dec("15")

	got, err := engine.ComputeAmount(r, engine.MustParseMoney("1200"))
	require.NoError(t, err)
	assert.Equal(t, "180.00", got.String())
}

func TestComputeAmount_PercentRoundsHalfUp(t *testing.T) {
	// GIVEN: 3.5% of 100.10 = 3.5035, which rounds half-up to 3.50;
	// 1.5% of 100.10 = 1.5015 -> 1.50; 2.5% of 10.01 = 0.25025 -> 0.25.
	// The half-up case: 5% of 100.10 = 5.005 -> 5.01.
	r := sellAmountRule("r1", engine.OpGTE, "0", "")
	r.AmountType = engine.AmountPercentOfSale
	r.AmountValue = dec("5")

	got, err := engine.ComputeAmount(r, engine.MustParseMoney("100.10"))
	require.NoError(t, err)
	assert.Equal(t, "5.01", got.String(), "0.005 fractions round up")
}

func TestComputeAmount_CapIsAHardCeiling(t *testing.T) {
	// GIVEN: 15% of 8000 = 1200, cap 1000
	r := sellAmountRule("r1", engine.OpGTE, "5000", "")
	r.AmountType = engine.AmountPercentOfSale
	r.AmountValue = dec("15")
	r.CapAmount = decPtr("1000")

	got, err := engine.ComputeAmount(r, engine.MustParseMoney("8000"))
	require.NoError(t, err)
	assert.Equal(t, "1000.00", got.String())

	// AND: The cap never raises a smaller bonus
	got, err = engine.ComputeAmount(r, engine.MustParseMoney("6000"))
	require.NoError(t, err)
	assert.Equal(t, "900.00", got.String())
}

func TestComputeAmount_NegativeSaleIsAnInputError(t *testing.T) {
	r := sellAmountRule("r1", engine.OpGTE, "0", "")

	got, err := engine.ComputeAmount(r, engine.MustParseMoney("-10"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrAmountInput))
	assert.True(t, got.IsZero())

	var aerr *engine.AmountError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, engine.RuleID("r1"), aerr.RuleID)
}

func TestComputeAmount_ZeroSalePercent(t *testing.T) {
	r := sellAmountRule("r1", engine.OpGTE, "0", "")
	r.AmountType = engine.AmountPercentOfSale
	r.AmountValue = dec("15")

	got, err := engine.ComputeAmount(r, engine.MustParseMoney("0"))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
