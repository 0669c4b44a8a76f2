package domain

import (
	"time"

	pricedomain "github.com/meterline/meterline/internal/price/domain"
	product "github.com/meterline/meterline/internal/product/domain"
)

// DeductionResult is the outcome of applying one deduction to one balance.
type DeductionResult struct {
	NewBalance *float64
	Deducted   float64
	Leftover   float64
}

// ApplyBalanceDeduction is the core arithmetic law of the ledger:
//
//   - a nil balance is unlimited and absorbs everything;
//   - a negative amount is a refund, added back and fully absorbed;
//   - a balance already at or below zero absorbs nothing; the full amount
//     is reported as leftover for the overage row to pick up;
//   - otherwise min(amount, balance) is deducted and the excess is leftover.
//
// A plain ledger row therefore never goes negative here; only the
// usage-allowed overage row (see AbsorbOverage) may.
func ApplyBalanceDeduction(balance *float64, amount float64) DeductionResult {
	if balance == nil {
		return DeductionResult{NewBalance: nil, Deducted: amount}
	}
	current := *balance

	if amount < 0 {
		next := current - amount
		return DeductionResult{NewBalance: &next, Deducted: amount}
	}
	if current <= 0 {
		return DeductionResult{NewBalance: &current, Leftover: amount}
	}
	if amount <= current {
		next := current - amount
		return DeductionResult{NewBalance: &next, Deducted: amount}
	}
	next := 0.0
	return DeductionResult{NewBalance: &next, Deducted: current, Leftover: amount - current}
}

// AbsorbOverage subtracts unconditionally; the overage row tracks usage past
// the free allowance, so it is allowed to go negative.
func AbsorbOverage(balance *float64, amount float64) *float64 {
	if balance == nil {
		zero := 0.0
		balance = &zero
	}
	next := *balance - amount
	return &next
}

// CarryOverBalance preserves consumed usage across a product swap:
// usage already burned under the old allowance stays burned under the new.
func CarryOverBalance(oldAllowance, oldBalance, newAllowance float64) float64 {
	used := oldAllowance - oldBalance
	next := newAllowance - used
	if next < 0 {
		return 0
	}
	return next
}

// ComputeResetBalance determines the starting balance for an entitlement:
// allowance times quantity, falling back to the usage price's free tier when
// the entitlement itself grants nothing. nil means unlimited.
func ComputeResetBalance(ent *product.Entitlement, quantity float64, relatedPrice *pricedomain.Price) *float64 {
	if ent.Unlimited() {
		return nil
	}
	if quantity <= 0 {
		quantity = 1
	}
	allowance := ent.AllowanceValue() * quantity
	if allowance == 0 && relatedPrice != nil && relatedPrice.Kind.Usage() {
		allowance = pricedomain.FreeTierLimit(relatedPrice.UsageTiers)
	}
	return &allowance
}

// NextReset returns the first interval boundary strictly after from,
// stepping from the billing anchor when one is set so resets stay aligned
// with the processor's billing cycle.
func NextReset(interval product.ResetInterval, from time.Time, anchor *time.Time) *time.Time {
	if interval == product.ResetNone || interval == "" {
		return nil
	}
	next := from
	if anchor != nil {
		next = *anchor
	}
	for !next.After(from) {
		next = step(next, interval)
	}
	return &next
}

func step(t time.Time, interval product.ResetInterval) time.Time {
	switch interval {
	case product.ResetDay:
		return t.AddDate(0, 0, 1)
	case product.ResetWeek:
		return t.AddDate(0, 0, 7)
	case product.ResetMonth:
		return t.AddDate(0, 1, 0)
	case product.ResetYear:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// ResetIfDue rolls the row over to a new period when next_reset_at has
// passed: the balance returns to the template allowance (plus any unused
// remainder when the row carries over), and next_reset_at advances past now
// on the anchored grid. It reports whether a rollover happened.
func ResetIfDue(ce *CustomerEntitlement, now time.Time, anchor *time.Time) bool {
	if ce.NextResetAt == nil || *ce.NextResetAt > now.Unix() {
		return false
	}
	if ce.Allowance != nil {
		fresh := *ce.Allowance
		if ce.CarryFromPrevious && ce.Balance != nil && *ce.Balance > 0 {
			fresh += *ce.Balance
		}
		ce.Balance = &fresh
	}
	next := time.Unix(*ce.NextResetAt, 0).UTC()
	if anchor != nil {
		next = *anchor
	}
	for !next.After(now) {
		next = step(next, ce.ResetInterval)
	}
	ts := next.Unix()
	ce.NextResetAt = &ts
	return true
}
