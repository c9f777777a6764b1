package scheduler

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestNewUpdaterRejectsIntervalBelowMinimum(t *testing.T) {
	t.Parallel()

	_, err := NewUpdater(RateLimitMax, true, 30*time.Second, 1*time.Minute, 60*time.Minute)
	if err == nil {
		t.Fatal("NewUpdater() = nil error, want error for interval below minimum")
	}
}

func TestNewUpdaterRejectsIntervalNotLessThanSlot(t *testing.T) {
	t.Parallel()

	_, err := NewUpdater(RateLimitMax, true, 60*time.Minute, 1*time.Minute, 60*time.Minute)
	if err == nil {
		t.Fatal("NewUpdater() = nil error, want error for interval >= slot length")
	}
}

func TestPopulateSlotRejectsOfferRateOrdering(t *testing.T) {
	t.Parallel()

	u, err := NewUpdater(RateLimitMax, true, 15*time.Minute, 1*time.Minute, 60*time.Minute)
	if err != nil {
		t.Fatalf("NewUpdater() err = %v", err)
	}
	slot := time.Unix(0, 0)
	if err := u.PopulateSlot(slot, dec("10"), dec("20"), decimal.Zero); err == nil {
		t.Fatal("PopulateSlot() = nil, want error: initial_selling_rate must be >= final_selling_rate")
	}
}

func TestGetUpdatedRateOfferDecreasesAndClampsAtFinal(t *testing.T) {
	t.Parallel()

	u, err := NewUpdater(RateLimitMax, true, 15*time.Minute, 1*time.Minute, 60*time.Minute)
	if err != nil {
		t.Fatalf("NewUpdater() err = %v", err)
	}
	slot := time.Unix(0, 0)
	if err := u.PopulateSlot(slot, dec("30"), dec("10"), decimal.Zero); err != nil {
		t.Fatalf("PopulateSlot() err = %v", err)
	}

	rate, ok := u.GetUpdatedRate(slot)
	if !ok || !rate.Equal(dec("30")) {
		t.Fatalf("initial rate = %s (ok=%v), want 30", rate, ok)
	}

	for i := 0; i < 10; i++ {
		u.IncrementUpdateCounter(slot, time.Duration(i+1)*15*time.Minute)
	}
	rate, _ = u.GetUpdatedRate(slot)
	if !rate.Equal(dec("10")) {
		t.Fatalf("rate after many updates = %s, want clamped at final 10", rate)
	}
}

func TestGetUpdatedRateBidIncreasesAndClampsAtFinal(t *testing.T) {
	t.Parallel()

	u, err := NewUpdater(RateLimitMin, true, 15*time.Minute, 1*time.Minute, 60*time.Minute)
	if err != nil {
		t.Fatalf("NewUpdater() err = %v", err)
	}
	slot := time.Unix(0, 0)
	if err := u.PopulateSlot(slot, dec("5"), dec("15"), decimal.Zero); err != nil {
		t.Fatalf("PopulateSlot() err = %v", err)
	}

	for i := 0; i < 10; i++ {
		u.IncrementUpdateCounter(slot, time.Duration(i+1)*15*time.Minute)
	}
	rate, _ := u.GetUpdatedRate(slot)
	if !rate.Equal(dec("15")) {
		t.Fatalf("rate after many updates = %s, want clamped at final 15", rate)
	}
}

func TestIncrementUpdateCounterRespectsBoundary(t *testing.T) {
	t.Parallel()

	u, err := NewUpdater(RateLimitMax, true, 15*time.Minute, 1*time.Minute, 60*time.Minute)
	if err != nil {
		t.Fatalf("NewUpdater() err = %v", err)
	}
	slot := time.Unix(0, 0)
	if err := u.PopulateSlot(slot, dec("30"), dec("10"), decimal.Zero); err != nil {
		t.Fatalf("PopulateSlot() err = %v", err)
	}

	if u.IncrementUpdateCounter(slot, 5*time.Minute) {
		t.Fatal("IncrementUpdateCounter() = true before the first update_interval boundary")
	}
	if !u.IncrementUpdateCounter(slot, 15*time.Minute) {
		t.Fatal("IncrementUpdateCounter() = false at the first update_interval boundary")
	}
}

func TestPopulateSlotFitToLimitFalseNegatesChangeForBidUpdater(t *testing.T) {
	t.Parallel()

	u, err := NewUpdater(RateLimitMin, false, 15*time.Minute, 1*time.Minute, 60*time.Minute)
	if err != nil {
		t.Fatalf("NewUpdater() err = %v", err)
	}
	slot := time.Unix(0, 0)
	if err := u.PopulateSlot(slot, dec("5"), dec("15"), dec("2")); err != nil {
		t.Fatalf("PopulateSlot() err = %v", err)
	}

	u.IncrementUpdateCounter(slot, 15*time.Minute)
	rate, _ := u.GetUpdatedRate(slot)
	if !rate.Equal(dec("7")) {
		t.Fatalf("rate after one bid update = %s, want 7 (5 - (-2)*1)", rate)
	}
}
