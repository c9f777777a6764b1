// Package scheduler implements the per-device, per-slot price updater
// (C4): a linear rate schedule, advanced on each simulator tick, shared
// by a device's offer-pricing updater (rate decreasing, clamped from
// below) and bid-pricing updater (rate increasing, clamped from above).
package scheduler

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RateLimit selects whether the computed rate clamps from below (an
// offer updater, floor at FinalRate) or from above (a bid updater,
// ceiling at FinalRate).
type RateLimit int

const (
	RateLimitMax RateLimit = iota // offer updater: clamp(computed, final) = max(computed, final)
	RateLimitMin                  // bid updater: clamp(computed, final) = min(computed, final)
)

func (r RateLimit) clamp(computed, final decimal.Decimal) decimal.Decimal {
	switch r {
	case RateLimitMin:
		if computed.LessThan(final) {
			return computed
		}
		return final
	default:
		if computed.GreaterThan(final) {
			return computed
		}
		return final
	}
}

// slotState holds the per-slot schedule parameters and live counter for
// one time slot.
type slotState struct {
	initialRate        decimal.Decimal
	finalRate          decimal.Decimal
	changePerUpdate    decimal.Decimal
	updateCounter      int
}

// Updater advances a single linear rate schedule tick by tick, shared by
// both offer and bid pricing (selected by RateLimit).
type Updater struct {
	rateLimit        RateLimit
	fitToLimit       bool
	updateInterval   time.Duration
	minUpdateInterval time.Duration
	slotLength       time.Duration

	slots map[time.Time]*slotState
}

// NewUpdater validates the §4.3 construction invariants and returns an
// Updater with no slots populated yet — call PopulateSlot for each slot
// before the first GetUpdatedRate/tick call for that slot.
func NewUpdater(rateLimit RateLimit, fitToLimit bool, updateInterval, minUpdateInterval, slotLength time.Duration) (*Updater, error) {
	if updateInterval < minUpdateInterval || updateInterval >= slotLength {
		return nil, fmt.Errorf("update_interval (%s) must be in [%s, %s)", updateInterval, minUpdateInterval, slotLength)
	}
	return &Updater{
		rateLimit:         rateLimit,
		fitToLimit:        fitToLimit,
		updateInterval:    updateInterval,
		minUpdateInterval: minUpdateInterval,
		slotLength:        slotLength,
		slots:             make(map[time.Time]*slotState),
	}, nil
}

// numberOfAvailableUpdates returns N, the interior update opportunities
// per slot: max(floor(slot_length/update_interval) - 1, 1).
func (u *Updater) numberOfAvailableUpdates() int {
	n := int(u.slotLength/u.updateInterval) - 1
	if n < 1 {
		return 1
	}
	return n
}

// PopulateSlot validates the per-slot rate ordering and installs the
// schedule for timeSlot: initialRate/finalRate as given, and either the
// fit-to-limit derived change-per-update or the caller-supplied one
// (sign-negated for bid updaters so the same clamp/formula holds for
// both rate limit directions).
func (u *Updater) PopulateSlot(timeSlot time.Time, initialRate, finalRate decimal.Decimal, changePerUpdate decimal.Decimal) error {
	if initialRate.IsNegative() || finalRate.IsNegative() {
		return fmt.Errorf("rates must be >= 0")
	}
	switch u.rateLimit {
	case RateLimitMax:
		if initialRate.LessThan(finalRate) {
			return fmt.Errorf("initial_selling_rate (%s) must be >= final_selling_rate (%s)", initialRate, finalRate)
		}
	case RateLimitMin:
		if initialRate.GreaterThan(finalRate) {
			return fmt.Errorf("initial_buying_rate (%s) must be <= final_buying_rate (%s)", initialRate, finalRate)
		}
	}

	var change decimal.Decimal
	if u.fitToLimit {
		n := decimal.NewFromInt(int64(u.numberOfAvailableUpdates()))
		change = initialRate.Sub(finalRate).Div(n)
	} else {
		if changePerUpdate.IsNegative() {
			return fmt.Errorf("energy_rate_change_per_update must be >= 0")
		}
		change = changePerUpdate
		if u.rateLimit == RateLimitMin {
			change = change.Neg()
		}
	}

	u.slots[timeSlot] = &slotState{
		initialRate:     initialRate,
		finalRate:       finalRate,
		changePerUpdate: change,
		updateCounter:   0,
	}
	return nil
}

// DeletePastSlot drops schedule state for a slot that has fallen out of
// the simulation window.
func (u *Updater) DeletePastSlot(timeSlot time.Time) {
	delete(u.slots, timeSlot)
}

// InitialRate returns the configured initial (pre-clamp, counter=0) rate
// for a slot.
func (u *Updater) InitialRate(timeSlot time.Time) (decimal.Decimal, bool) {
	s, ok := u.slots[timeSlot]
	if !ok {
		return decimal.Zero, false
	}
	return s.initialRate, true
}

// FinalRate returns the configured final (clamp bound) rate for a slot.
func (u *Updater) FinalRate(timeSlot time.Time) (decimal.Decimal, bool) {
	s, ok := u.slots[timeSlot]
	if !ok {
		return decimal.Zero, false
	}
	return s.finalRate, true
}

// GetUpdatedRate computes rate(slot) = clamp(initial - change*counter, final).
func (u *Updater) GetUpdatedRate(timeSlot time.Time) (decimal.Decimal, bool) {
	s, ok := u.slots[timeSlot]
	if !ok {
		return decimal.Zero, false
	}
	computed := s.initialRate.Sub(s.changePerUpdate.Mul(decimal.NewFromInt(int64(s.updateCounter))))
	return u.rateLimit.clamp(computed, s.finalRate), true
}

// TimeForPriceUpdate reports whether elapsedSeconds into the slot has
// reached the next update boundary: elapsed >= update_interval*counter.
func (u *Updater) TimeForPriceUpdate(timeSlot time.Time, elapsed time.Duration) bool {
	s, ok := u.slots[timeSlot]
	if !ok {
		return false
	}
	boundary := u.updateInterval * time.Duration(s.updateCounter)
	return elapsed >= boundary
}

// IncrementUpdateCounter advances the slot's counter if TimeForPriceUpdate
// holds, reporting whether it did (a re-pricing pass is now due).
func (u *Updater) IncrementUpdateCounter(timeSlot time.Time, elapsed time.Duration) bool {
	s, ok := u.slots[timeSlot]
	if !ok {
		return false
	}
	if !u.TimeForPriceUpdate(timeSlot, elapsed) {
		return false
	}
	s.updateCounter++
	return true
}

// ResetSlotCounter zeroes a slot's update counter, used when all open
// orders for a device are replaced with a fresh schedule (e.g. on a new
// market cycle reusing a still-open market).
func (u *Updater) ResetSlotCounter(timeSlot time.Time) {
	if s, ok := u.slots[timeSlot]; ok {
		s.updateCounter = 0
	}
}
