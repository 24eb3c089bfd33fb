// Package pricing computes appointment prices, deposits and cancellation
// fees. All functions are pure: money goes in and out as integer cents and
// the current time is always an explicit parameter.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	depositRate      = 0.20
	cancellationRate = 0.15
	freeCancelWindow = 24 * time.Hour
)

// Quote is the pricing snapshot captured when an appointment is created.
// Final = Base + EmergencyFee + WeekendFee holds exactly.
type Quote struct {
	BaseCents         int64
	EmergencyFeeCents int64
	WeekendFeeCents   int64
	FinalCents        int64
	DepositCents      int64
}

// Compute applies the surcharge rules: the emergency multiplier only when
// the service supports it and the booking asked for it, the weekend
// multiplier independently. Multipliers compound multiplicatively and the
// result is rounded half-up to whole cents once, after both are applied.
func Compute(baseCents int64, emergencyEligible, emergencyRequested bool, emergencyMultiplier float64, weekend bool, weekendMultiplier float64) Quote {
	base := decimal.NewFromInt(baseCents)

	applyEmergency := emergencyEligible && emergencyRequested && emergencyMultiplier > 0
	applyWeekend := weekend && weekendMultiplier > 0

	final := base
	if applyEmergency {
		final = final.Mul(decimal.NewFromFloat(emergencyMultiplier))
	}
	if applyWeekend {
		final = final.Mul(decimal.NewFromFloat(weekendMultiplier))
	}
	finalCents := roundCents(final)

	// Attribute the surcharge so the additive invariant holds exactly:
	// the emergency fee is what the emergency multiplier alone adds, the
	// weekend fee absorbs the remainder.
	emergencyFee := int64(0)
	if applyEmergency {
		emergencyFee = roundCents(base.Mul(decimal.NewFromFloat(emergencyMultiplier))) - baseCents
	}
	weekendFee := finalCents - baseCents - emergencyFee

	return Quote{
		BaseCents:         baseCents,
		EmergencyFeeCents: emergencyFee,
		WeekendFeeCents:   weekendFee,
		FinalCents:        finalCents,
		DepositCents:      Deposit(finalCents),
	}
}

// Deposit is 20% of the final price, rounded half-up to whole cents.
func Deposit(finalCents int64) int64 {
	return roundCents(decimal.NewFromInt(finalCents).Mul(decimal.NewFromFloat(depositRate)))
}

// CancellationFee returns the fee charged when a client cancels. Free when
// the appointment is at least 24 hours away; otherwise 15% of the service
// price (not of the deposit). Must be computed at cancellation time.
func CancellationFee(finalCents int64, scheduledStart, now time.Time) int64 {
	if scheduledStart.Sub(now) >= freeCancelWindow {
		return 0
	}
	return roundCents(decimal.NewFromInt(finalCents).Mul(decimal.NewFromFloat(cancellationRate)))
}

// RefundAmount is the deposit minus the cancellation fee, floored at zero.
func RefundAmount(depositCents, feeCents int64) int64 {
	refund := depositCents - feeCents
	if refund < 0 {
		return 0
	}
	return refund
}

// IsWeekend reports whether t falls on Saturday or Sunday in its location.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func roundCents(d decimal.Decimal) int64 {
	// Round(0) rounds half away from zero; prices are non-negative, so
	// this is round-half-up.
	return d.Round(0).IntPart()
}
