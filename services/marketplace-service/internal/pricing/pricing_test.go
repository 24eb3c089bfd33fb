package pricing

import (
	"testing"
	"time"
)

func TestCompute_EmergencyAndWeekend(t *testing.T) {
	q := Compute(10000, true, true, 1.5, true, 1.2)

	if q.FinalCents != 18000 {
		t.Fatalf("expected final 18000, got %d", q.FinalCents)
	}
	if q.EmergencyFeeCents != 5000 {
		t.Fatalf("expected emergency fee 5000, got %d", q.EmergencyFeeCents)
	}
	if q.WeekendFeeCents != 3000 {
		t.Fatalf("expected weekend fee 3000, got %d", q.WeekendFeeCents)
	}
	if q.DepositCents != 3600 {
		t.Fatalf("expected deposit 3600, got %d", q.DepositCents)
	}
	if q.BaseCents+q.EmergencyFeeCents+q.WeekendFeeCents != q.FinalCents {
		t.Fatalf("fee decomposition does not add up: %+v", q)
	}
}

func TestCompute_EmergencyRequiresEligibility(t *testing.T) {
	q := Compute(10000, false, true, 1.5, false, 1.2)
	if q.FinalCents != 10000 || q.EmergencyFeeCents != 0 {
		t.Fatalf("ineligible service must not get emergency surcharge: %+v", q)
	}

	q = Compute(10000, true, false, 1.5, false, 1.2)
	if q.FinalCents != 10000 || q.EmergencyFeeCents != 0 {
		t.Fatalf("unrequested emergency must not surcharge: %+v", q)
	}
}

func TestCompute_WeekendOnly(t *testing.T) {
	q := Compute(10000, true, false, 1.5, true, 1.2)
	if q.FinalCents != 12000 {
		t.Fatalf("expected final 12000, got %d", q.FinalCents)
	}
	if q.EmergencyFeeCents != 0 || q.WeekendFeeCents != 2000 {
		t.Fatalf("unexpected fee split: %+v", q)
	}
	if q.DepositCents != 2400 {
		t.Fatalf("expected deposit 2400, got %d", q.DepositCents)
	}
}

func TestCompute_RoundsHalfUpOnce(t *testing.T) {
	// 999 * 1.5 = 1498.5, rounds up to 1499.
	q := Compute(999, true, true, 1.5, false, 1.2)
	if q.FinalCents != 1499 {
		t.Fatalf("expected final 1499, got %d", q.FinalCents)
	}
	if q.BaseCents+q.EmergencyFeeCents+q.WeekendFeeCents != q.FinalCents {
		t.Fatalf("fee decomposition does not add up: %+v", q)
	}

	// Compounding rounds once at the end, not per multiplier:
	// 1001 * 1.5 * 1.2 = 1801.8 -> 1802.
	q = Compute(1001, true, true, 1.5, true, 1.2)
	if q.FinalCents != 1802 {
		t.Fatalf("expected final 1802, got %d", q.FinalCents)
	}
	if q.BaseCents+q.EmergencyFeeCents+q.WeekendFeeCents != q.FinalCents {
		t.Fatalf("fee decomposition does not add up: %+v", q)
	}
}

func TestCancellationFee(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	// Exactly 24h out is still free.
	if fee := CancellationFee(18000, now.Add(24*time.Hour), now); fee != 0 {
		t.Fatalf("expected free cancellation at 24h, got %d", fee)
	}
	if fee := CancellationFee(18000, now.Add(24*time.Hour-time.Second), now); fee != 2700 {
		t.Fatalf("expected fee 2700 inside 24h, got %d", fee)
	}
	// Fee is a share of the service price, not of the deposit.
	if fee := CancellationFee(10000, now.Add(time.Hour), now); fee != 1500 {
		t.Fatalf("expected fee 1500, got %d", fee)
	}
}

func TestRefundAmount(t *testing.T) {
	if r := RefundAmount(3600, 2700); r != 900 {
		t.Fatalf("expected refund 900, got %d", r)
	}
	if r := RefundAmount(3600, 0); r != 3600 {
		t.Fatalf("expected full deposit refund, got %d", r)
	}
	// A fee larger than the deposit never produces a negative refund.
	if r := RefundAmount(2000, 2700); r != 0 {
		t.Fatalf("expected refund clamped to 0, got %d", r)
	}
}

func TestIsWeekend(t *testing.T) {
	sat := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)
	sun := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
	mon := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	if !IsWeekend(sat) || !IsWeekend(sun) {
		t.Fatal("saturday and sunday are weekend")
	}
	if IsWeekend(mon) {
		t.Fatal("monday is not weekend")
	}
}
