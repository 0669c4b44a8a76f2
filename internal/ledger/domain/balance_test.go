package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	product "github.com/meterline/meterline/internal/product/domain"
)

func fptr(v float64) *float64 { return &v }

func TestApplyBalanceDeduction(t *testing.T) {
	t.Run("deducts within balance", func(t *testing.T) {
		res := ApplyBalanceDeduction(fptr(10), 4)
		require.NotNil(t, res.NewBalance)
		assert.Equal(t, 6.0, *res.NewBalance)
		assert.Equal(t, 4.0, res.Deducted)
		assert.Equal(t, 0.0, res.Leftover)
	})

	t.Run("caps at zero and reports leftover", func(t *testing.T) {
		res := ApplyBalanceDeduction(fptr(3), 10)
		require.NotNil(t, res.NewBalance)
		assert.Equal(t, 0.0, *res.NewBalance)
		assert.Equal(t, 3.0, res.Deducted)
		assert.Equal(t, 7.0, res.Leftover)
	})

	t.Run("exhausted balance passes everything through", func(t *testing.T) {
		res := ApplyBalanceDeduction(fptr(0), 5)
		require.NotNil(t, res.NewBalance)
		assert.Equal(t, 0.0, *res.NewBalance)
		assert.Equal(t, 0.0, res.Deducted)
		assert.Equal(t, 5.0, res.Leftover)
	})

	t.Run("refund is fully absorbed even when exhausted", func(t *testing.T) {
		res := ApplyBalanceDeduction(fptr(0), -5)
		require.NotNil(t, res.NewBalance)
		assert.Equal(t, 5.0, *res.NewBalance)
		assert.Equal(t, -5.0, res.Deducted)
		assert.Equal(t, 0.0, res.Leftover)
	})

	t.Run("unlimited absorbs everything", func(t *testing.T) {
		res := ApplyBalanceDeduction(nil, 1000)
		assert.Nil(t, res.NewBalance)
		assert.Equal(t, 1000.0, res.Deducted)
		assert.Equal(t, 0.0, res.Leftover)
	})
}

func TestApplyBalanceDeductionConservation(t *testing.T) {
	// deducted + leftover must always equal the event value for
	// non-negative amounts.
	for _, tc := range []struct {
		balance float64
		amount  float64
	}{
		{10, 4}, {3, 10}, {0, 5}, {0.5, 0.25}, {7, 7},
	} {
		res := ApplyBalanceDeduction(fptr(tc.balance), tc.amount)
		assert.InDelta(t, tc.amount, res.Deducted+res.Leftover, 1e-9)
		require.NotNil(t, res.NewBalance)
		assert.InDelta(t, tc.balance, *res.NewBalance+res.Deducted, 1e-9)
		assert.GreaterOrEqual(t, *res.NewBalance, 0.0)
	}
}

func TestAbsorbOverage(t *testing.T) {
	b := AbsorbOverage(fptr(0), 7)
	require.NotNil(t, b)
	assert.Equal(t, -7.0, *b)

	b = AbsorbOverage(nil, 3)
	require.NotNil(t, b)
	assert.Equal(t, -3.0, *b)
}

func TestCarryOverBalance(t *testing.T) {
	// allowance 10, balance 3 → usage 7; upgrading to 20 keeps 13.
	assert.Equal(t, 13.0, CarryOverBalance(10, 3, 20))
	// downgrading below consumed usage clamps at zero.
	assert.Equal(t, 0.0, CarryOverBalance(10, 3, 5))
	assert.Equal(t, 20.0, CarryOverBalance(10, 10, 20))
}

func TestNextResetAlignedToAnchor(t *testing.T) {
	anchor := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

	next := NextReset(product.ResetMonth, now, &anchor)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC), *next)

	assert.Nil(t, NextReset(product.ResetNone, now, &anchor))
}

func TestResetIfDue(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	due := now.Add(-time.Hour).Unix()

	t.Run("resets to allowance and advances", func(t *testing.T) {
		ce := &CustomerEntitlement{
			Balance:       fptr(2),
			Allowance:     fptr(10),
			ResetInterval: product.ResetMonth,
			NextResetAt:   &due,
		}
		require.True(t, ResetIfDue(ce, now, nil))
		require.NotNil(t, ce.Balance)
		assert.Equal(t, 10.0, *ce.Balance)
		require.NotNil(t, ce.NextResetAt)
		assert.Greater(t, *ce.NextResetAt, now.Unix())
	})

	t.Run("carries unused remainder when configured", func(t *testing.T) {
		ce := &CustomerEntitlement{
			Balance:           fptr(2),
			Allowance:         fptr(10),
			ResetInterval:     product.ResetMonth,
			NextResetAt:       &due,
			CarryFromPrevious: true,
		}
		require.True(t, ResetIfDue(ce, now, nil))
		assert.Equal(t, 12.0, *ce.Balance)
	})

	t.Run("not due is untouched", func(t *testing.T) {
		future := now.Add(time.Hour).Unix()
		ce := &CustomerEntitlement{
			Balance:       fptr(2),
			Allowance:     fptr(10),
			ResetInterval: product.ResetMonth,
			NextResetAt:   &future,
		}
		assert.False(t, ResetIfDue(ce, now, nil))
		assert.Equal(t, 2.0, *ce.Balance)
	})
}

func TestComputeResetBalance(t *testing.T) {
	ent := product.Entitlement{AllowanceType: product.AllowanceFixed, Allowance: fptr(5)}
	b := ComputeResetBalance(&ent, 3, nil)
	require.NotNil(t, b)
	assert.Equal(t, 15.0, *b)

	unlimited := product.Entitlement{AllowanceType: product.AllowanceUnlimited}
	assert.Nil(t, ComputeResetBalance(&unlimited, 1, nil))
}

func TestGroupSlots(t *testing.T) {
	ce := &CustomerEntitlement{}

	assert.False(t, ce.AllocateGroup("seat-a", fptr(10)))
	assert.False(t, ce.AllocateGroup("seat-b", fptr(10)))
	assert.Equal(t, 2, ce.LiveGroupCount())

	require.True(t, ce.TombstoneGroup("seat-a"))
	assert.Equal(t, 1, ce.LiveGroupCount())
	// Removing twice is a no-op.
	assert.False(t, ce.TombstoneGroup("seat-a"))

	// A fresh key reuses the tombstoned slot instead of growing the map.
	assert.True(t, ce.AllocateGroup("seat-c", fptr(10)))
	assert.Equal(t, 2, ce.LiveGroupCount())
	assert.Len(t, ce.Balances.Data(), 2)

	// Re-adding a tombstoned key revives it in place.
	require.True(t, ce.TombstoneGroup("seat-b"))
	assert.True(t, ce.AllocateGroup("seat-b", fptr(10)))
	assert.Equal(t, 2, ce.LiveGroupCount())
}

func TestBalanceFor(t *testing.T) {
	ce := &CustomerEntitlement{Balance: fptr(4)}
	b, ok := ce.BalanceFor("")
	require.True(t, ok)
	assert.Equal(t, 4.0, *b)

	_, ok = ce.BalanceFor("missing")
	assert.False(t, ok)

	ce.AllocateGroup("seat-a", fptr(9))
	b, ok = ce.BalanceFor("seat-a")
	require.True(t, ok)
	assert.Equal(t, 9.0, *b)

	ce.TombstoneGroup("seat-a")
	_, ok = ce.BalanceFor("seat-a")
	assert.False(t, ok)
}
