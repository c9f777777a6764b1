// Package storage implements the bidirectional storage device strategy
// (C5): a per-slot state machine that prices and posts sell offers and
// buy bids against the price schedule of internal/scheduler, tracks
// state-of-charge, and maintains FIFO origin accounting over the energy
// currently held.
package storage

import (
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"energymarket-sim/internal/marketerrors"
	"energymarket-sim/internal/scheduler"
	"energymarket-sim/pkg/types"
)

// AlternativePricingScheme overrides the offer/bid rate schedule for a
// slot independent of the device's configured initial/final rates.
type AlternativePricingScheme int

const (
	// AltPricingDisabled leaves the configured rate schedule untouched.
	AltPricingDisabled AlternativePricingScheme = iota
	// AltPricingZero forces both offer and bid rates to zero.
	AltPricingZero
	// AltPricingFeedInTariff prices at a percentage of the area's market
	// maker rate.
	AltPricingFeedInTariff
	// AltPricingMarketMakerRate prices directly at the market maker rate.
	AltPricingMarketMakerRate
)

// energyLot is one FIFO-tracked slice of stored energy tagged by where
// it entered the device.
type energyLot struct {
	origin types.Origin
	value  decimal.Decimal
}

// MarketView is the subset of *market.Market the storage strategy
// depends on, kept narrow so tests can fake it without constructing a
// full Market.
type MarketView interface {
	ID() string
	TimeSlot() time.Time
	Offer(price, energy decimal.Decimal, seller, sellerOrigin, sellerOriginID, sellerID string, offerID string, originalPrice *decimal.Decimal, adaptPriceWithFees, addToHistory bool) (types.Offer, error)
	Bid(price, energy decimal.Decimal, buyer, buyerOrigin, buyerOriginID, buyerID string, bidID string, originalBidPrice *decimal.Decimal, adaptPriceWithFees, addToHistory bool) (types.Bid, error)
	AcceptOffer(offerOrID string, buyer string, energy *decimal.Decimal, alreadyTracked bool, tradeInfo *types.TradeBidOfferInfo, buyerOrigin, buyerOriginID, buyerID string) (types.Trade, error)
	GetOffers() map[string]types.Offer
}

// Config parameterizes a Storage device at construction time.
type Config struct {
	OwnerName                 string
	CapacityKWh               decimal.Decimal
	MinAllowedSOC             decimal.Decimal // fraction in [0,1]
	MaxAbsBatteryPowerKW      decimal.Decimal
	InitialSOC                decimal.Decimal // fraction in [0,1]
	SlotLength                time.Duration
	TwoSided                  bool
	CapPriceStrategy          bool
	SellOnMostExpensiveMarket bool
}

// Storage is a bidirectional storage device: it buys energy below its
// bid rate schedule and sells held energy above its offer rate
// schedule, tracking FIFO-origin-tagged lots as it does.
type Storage struct {
	ownerName   string
	capacityKWh decimal.Decimal
	minAllowedSOC decimal.Decimal
	maxAbsBatteryPowerKW decimal.Decimal
	slotLength  time.Duration
	twoSided    bool
	capPriceStrategy bool
	sellOnMostExpensiveMarket bool
	logger      *slog.Logger

	usedStorage      decimal.Decimal
	usedStorageShare []energyLot

	pledgedBuy  map[time.Time]decimal.Decimal
	pledgedSell map[time.Time]decimal.Decimal
	offeredBuy  map[time.Time]decimal.Decimal
	offeredSell map[time.Time]decimal.Decimal
	energyToBuy map[time.Time]decimal.Decimal

	offerUpdater *scheduler.Updater
	bidUpdater   *scheduler.Updater

	alternativePricingScheme AlternativePricingScheme
	feedInTariffPercentage   decimal.Decimal
	marketMakerRate          map[time.Time]decimal.Decimal
}

// New constructs a Storage with the given price schedulers (already
// validated against §4.3's construction invariants by the caller).
func New(cfg Config, offerUpdater, bidUpdater *scheduler.Updater) *Storage {
	return &Storage{
		ownerName:                 cfg.OwnerName,
		capacityKWh:               cfg.CapacityKWh,
		minAllowedSOC:             cfg.MinAllowedSOC,
		maxAbsBatteryPowerKW:      cfg.MaxAbsBatteryPowerKW,
		slotLength:                cfg.SlotLength,
		twoSided:                  cfg.TwoSided,
		capPriceStrategy:          cfg.CapPriceStrategy,
		sellOnMostExpensiveMarket: cfg.SellOnMostExpensiveMarket,
		logger:                    slog.Default(),
		usedStorage:               cfg.InitialSOC.Mul(cfg.CapacityKWh),
		pledgedBuy:                make(map[time.Time]decimal.Decimal),
		pledgedSell:               make(map[time.Time]decimal.Decimal),
		offeredBuy:                make(map[time.Time]decimal.Decimal),
		offeredSell:               make(map[time.Time]decimal.Decimal),
		energyToBuy:               make(map[time.Time]decimal.Decimal),
		offerUpdater:              offerUpdater,
		bidUpdater:                bidUpdater,
		marketMakerRate:           make(map[time.Time]decimal.Decimal),
	}
}

// SetLogger overrides the device's logger (default slog.Default()).
func (s *Storage) SetLogger(logger *slog.Logger) { s.logger = logger }

// SetAlternativePricing installs scheme 1/2/3's override, or clears it
// with AltPricingDisabled. Schemes 2 and 3 read marketMakerRate per
// slot; a nil map or a missing slot prices at a rate of zero.
func (s *Storage) SetAlternativePricing(scheme AlternativePricingScheme, feedInTariffPercentage decimal.Decimal, marketMakerRate map[time.Time]decimal.Decimal) error {
	switch scheme {
	case AltPricingDisabled, AltPricingZero, AltPricingFeedInTariff, AltPricingMarketMakerRate:
	default:
		return &marketerrors.WrongMarketTypeError{Reason: "unknown alternative pricing scheme"}
	}
	s.alternativePricingScheme = scheme
	s.feedInTariffPercentage = feedInTariffPercentage
	s.marketMakerRate = marketMakerRate
	return nil
}

func (s *Storage) applyAlternativePricing(slots []time.Time) error {
	if s.alternativePricingScheme == AltPricingDisabled {
		return nil
	}
	for _, slot := range slots {
		var rate decimal.Decimal
		switch s.alternativePricingScheme {
		case AltPricingZero:
			if err := s.bidUpdater.PopulateSlot(slot, decimal.Zero, decimal.Zero, decimal.Zero); err != nil {
				return err
			}
			if err := s.offerUpdater.PopulateSlot(slot, decimal.Zero, decimal.Zero, decimal.Zero); err != nil {
				return err
			}
			continue
		case AltPricingFeedInTariff:
			rate = s.marketMakerRate[slot].Mul(s.feedInTariffPercentage).Div(decimal.NewFromInt(100))
		case AltPricingMarketMakerRate:
			rate = s.marketMakerRate[slot]
		default:
			return &marketerrors.WrongMarketTypeError{Reason: "unknown alternative pricing scheme"}
		}
		if err := s.bidUpdater.PopulateSlot(slot, decimal.Zero, rate, decimal.Zero); err != nil {
			return err
		}
		if err := s.offerUpdater.PopulateSlot(slot, rate, rate, decimal.Zero); err != nil {
			return err
		}
	}
	return nil
}

// RestoreUsedStorage overwrites the held-energy ledger, used to resume
// a device's state-of-charge from a persisted snapshot across restarts.
// It does not restore FIFO origin tags; restored energy is tracked as a
// single lot of unknown origin.
func (s *Storage) RestoreUsedStorage(usedStorageKWh decimal.Decimal) {
	s.usedStorage = usedStorageKWh
	s.usedStorageShare = []energyLot{{origin: types.OriginUnknown, value: usedStorageKWh}}
}

// SoC returns the current state of charge as a fraction of capacity.
func (s *Storage) SoC() decimal.Decimal {
	if s.capacityKWh.IsZero() {
		return decimal.Zero
	}
	return s.usedStorage.Div(s.capacityKWh)
}

// FreeStorage returns the remaining chargeable capacity for slot,
// reserving energy already committed to pending buy offers.
func (s *Storage) FreeStorage(slot time.Time) decimal.Decimal {
	free := s.capacityKWh.Sub(s.usedStorage).Sub(s.offeredBuy[slot])
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// hasBatteryReachedMaxPower reports whether committing signedEnergy
// (negative = charging, positive = discharging) this slot would exceed
// max_abs_battery_power_kW * slot_length.
func (s *Storage) hasBatteryReachedMaxPower(signedEnergy decimal.Decimal, slot time.Time) bool {
	maxEnergy := s.maxAbsBatteryPowerKW.Mul(decimal.NewFromFloat(s.slotLength.Hours()))
	committed := s.pledgedBuy[slot].Add(s.offeredBuy[slot]).Sub(s.pledgedSell[slot]).Sub(s.offeredSell[slot])
	projected := committed.Sub(signedEnergy)
	return projected.Abs().GreaterThan(maxEnergy)
}

// EventOnDisabledArea recomputes state-of-charge bookkeeping for a slot
// in which the enclosing area is disabled: the device posts nothing and
// runs no schedule for nextSlot, but its held energy (usedStorage)
// carries forward unchanged, and the per-slot commitment ledgers for
// every slot that closed before nextSlot are purged so a long-running
// simulation doesn't accumulate dead entries for slots the device was
// never re-activated to settle.
func (s *Storage) EventOnDisabledArea(nextSlot time.Time) {
	for slot := range s.pledgedBuy {
		if slot.Before(nextSlot) {
			delete(s.pledgedBuy, slot)
		}
	}
	for slot := range s.pledgedSell {
		if slot.Before(nextSlot) {
			delete(s.pledgedSell, slot)
		}
	}
	for slot := range s.offeredBuy {
		if slot.Before(nextSlot) {
			delete(s.offeredBuy, slot)
		}
	}
	for slot := range s.offeredSell {
		if slot.Before(nextSlot) {
			delete(s.offeredSell, slot)
		}
	}
	for slot := range s.energyToBuy {
		if slot.Before(nextSlot) {
			delete(s.energyToBuy, slot)
		}
	}
	s.logger.Debug("area disabled, storage stays dormant", "next_slot", nextSlot, "soc", s.SoC())
}

// MarketCycle runs the slot-entry state transition: resets price
// schedules for the new slot, and if energy is held, posts a sell offer
// into each market that selectMarketToSell picks from markets; in two-sided
// mode it also posts a first buy bid into the next market.
func (s *Storage) MarketCycle(nextSlot time.Time, markets []MarketView, energyToBuyKWh decimal.Decimal) error {
	for _, m := range markets {
		s.offerUpdater.ResetSlotCounter(m.TimeSlot())
		s.bidUpdater.ResetSlotCounter(m.TimeSlot())
	}
	if err := s.applyAlternativePricing(slotsOf(markets)); err != nil {
		return err
	}

	if s.usedStorage.Sign() > 0 {
		s.sellEnergy(markets)
	}

	if s.twoSided && len(markets) > 0 {
		clamped := energyToBuyKWh
		free := s.FreeStorage(nextSlot)
		if clamped.GreaterThan(free) {
			clamped = free
		}
		maxPowerEnergy := s.maxAbsBatteryPowerKW.Mul(decimal.NewFromFloat(s.slotLength.Hours()))
		if clamped.GreaterThan(maxPowerEnergy) {
			clamped = maxPowerEnergy
		}
		s.energyToBuy[nextSlot] = clamped
		if clamped.Sign() > 0 {
			next := markets[len(markets)-1]
			bidRate, ok := s.bidUpdater.GetUpdatedRate(next.TimeSlot())
			if ok {
				bid, err := next.Bid(clamped.Mul(bidRate), clamped, s.ownerName, s.ownerName, "", "", "", nil, true, true)
				if err == nil {
					s.offeredBuy[nextSlot] = s.offeredBuy[nextSlot].Add(bid.Energy)
				}
			}
		}
	}
	return nil
}

func slotsOf(markets []MarketView) []time.Time {
	out := make([]time.Time, len(markets))
	for i, m := range markets {
		out[i] = m.TimeSlot()
	}
	return out
}

// OnTick advances this slot's price schedule for market and, in
// one-sided mode, scans the market's open offers (ascending rate, so
// the scan can stop at the first unaffordable one) buying anything at
// or below the bid updater's current rate.
func (s *Storage) OnTick(m MarketView, elapsed time.Duration) {
	s.bidUpdater.IncrementUpdateCounter(m.TimeSlot(), elapsed)
	updated := s.offerUpdater.IncrementUpdateCounter(m.TimeSlot(), elapsed)
	if !updated || s.twoSided {
		return
	}
	s.buyEnergy(m)
}

// buyEnergy scans market's open offers in ascending-rate order and buys
// whatever it can afford, stopping at the first offer priced above the
// current bid rate.
func (s *Storage) buyEnergy(m MarketView) {
	if s.hasBatteryReachedMaxPower(types.FloatingPointTolerance.Neg(), m.TimeSlot()) {
		return
	}
	maxAffordableRate, ok := s.bidUpdater.GetUpdatedRate(m.TimeSlot())
	if !ok {
		return
	}
	if s.FreeStorage(m.TimeSlot()).Sign() <= 0 {
		return
	}

	offers := m.GetOffers()
	sorted := make([]types.Offer, 0, len(offers))
	for _, o := range offers {
		sorted = append(sorted, o)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Rate().LessThan(sorted[j].Rate())
	})

	for _, offer := range sorted {
		if s.tryToBuyOffer(offer, m, maxAffordableRate) {
			break
		}
	}
}

// tryToBuyOffer attempts to buy as much of offer as affordable/allowed.
// Returns true when the scan should stop (this offer, and therefore
// every subsequent, more expensive one, is unaffordable).
func (s *Storage) tryToBuyOffer(offer types.Offer, m MarketView, maxAffordableOfferRate decimal.Decimal) bool {
	if offer.Seller == s.ownerName {
		return false
	}
	if offer.Rate().GreaterThan(maxAffordableOfferRate) {
		return true
	}

	maxEnergy := offer.Energy
	free := s.FreeStorage(m.TimeSlot())
	if free.LessThan(maxEnergy) {
		maxEnergy = free
	}
	if maxEnergy.Sign() <= 0 {
		return false
	}
	if s.hasBatteryReachedMaxPower(maxEnergy.Neg(), m.TimeSlot()) {
		return false
	}

	s.pledgedBuy[m.TimeSlot()] = s.pledgedBuy[m.TimeSlot()].Add(maxEnergy)
	_, err := m.AcceptOffer(offer.ID, s.ownerName, &maxEnergy, false, nil, s.ownerName, "", s.ownerName)
	if err != nil {
		s.logger.Debug("buy attempt failed, offer likely already gone", "offer_id", offer.ID, "error", err)
	}
	return false
}

// sellEnergy posts a sell offer for the device's held energy into the
// markets selected by selectMarketToSell.
func (s *Storage) sellEnergy(markets []MarketView) {
	targets := s.selectMarketToSell(markets)
	for _, m := range targets {
		rate := s.calculateSellingRate(m)
		energy := s.usedStorage
		if s.hasBatteryReachedMaxPower(energy, m.TimeSlot()) {
			continue
		}
		if energy.Sign() <= 0 {
			continue
		}
		originalPrice := energy.Mul(rate)
		offer, err := m.Offer(energy.Mul(rate), energy, s.ownerName, s.ownerName, "", s.ownerName, "", &originalPrice, true, true)
		if err != nil {
			continue
		}
		s.offeredSell[m.TimeSlot()] = s.offeredSell[m.TimeSlot()].Add(offer.Energy)
	}
}

// selectMarketToSell returns either every open market, or (when
// sellOnMostExpensiveMarket is set) the single market whose best open
// offer commands the highest rate, falling back to the first market
// when no market yet has an offer.
func (s *Storage) selectMarketToSell(markets []MarketView) []MarketView {
	if !s.sellOnMostExpensiveMarket {
		return markets
	}
	if len(markets) == 0 {
		return nil
	}
	best := markets[0]
	maxRate := decimal.Zero
	for _, m := range markets {
		offers := m.GetOffers()
		for _, o := range offers {
			if o.Rate().GreaterThan(maxRate) {
				maxRate = o.Rate()
				best = m
			}
		}
	}
	return []MarketView{best}
}

// calculateSellingRate picks either the fixed offer-updater initial rate
// or, when capPriceStrategy is set, the SoC-scaled capacityDependantSellRate.
func (s *Storage) calculateSellingRate(m MarketView) decimal.Decimal {
	if s.capPriceStrategy {
		return s.capacityDependantSellRate(m)
	}
	rate, _ := s.offerUpdater.InitialRate(m.TimeSlot())
	return rate
}

// capacityDependantSellRate returns max - (max-min) * soc, degenerating
// to min unmodified when max < min (a misconfigured schedule should
// never invert into a negative discount).
func (s *Storage) capacityDependantSellRate(m MarketView) decimal.Decimal {
	maxRate, _ := s.offerUpdater.InitialRate(m.TimeSlot())
	minRate, _ := s.offerUpdater.FinalRate(m.TimeSlot())
	if maxRate.LessThan(minRate) {
		return minRate
	}
	return maxRate.Sub(maxRate.Sub(minRate).Mul(s.SoC()))
}

// OnTrade updates bookkeeping for a trade in which this device was
// either buyer or seller: FIFO origin tracking, pledged/offered buckets.
func (s *Storage) OnTrade(trade types.Trade, counterpartyIsLocal bool) {
	energy := trade.Energy()
	if trade.Buyer == s.ownerName {
		s.trackEnergyBoughtType(energy, counterpartyIsLocal, trade.SellerOrigin)
		s.pledgedBuy[trade.Time] = s.pledgedBuy[trade.Time].Add(energy)
		s.offeredBuy[trade.Time] = s.offeredBuy[trade.Time].Sub(energy)
	}
	if trade.Seller == s.ownerName {
		s.trackEnergySellType(energy)
		s.pledgedSell[trade.Time] = s.pledgedSell[trade.Time].Add(energy)
		s.offeredSell[trade.Time] = s.offeredSell[trade.Time].Sub(energy)
		s.usedStorage = s.usedStorage.Sub(energy)
	} else if trade.Buyer == s.ownerName {
		s.usedStorage = s.usedStorage.Add(energy)
	}
}

// trackEnergyBoughtType appends an origin-tagged lot: EXTERNAL if the
// seller origin is this device's own name, LOCAL if isLocal, UNKNOWN
// otherwise. There is no area tree here, so a seller outside the
// device's area is not recognised as EXTERNAL by any other test.
func (s *Storage) trackEnergyBoughtType(energy decimal.Decimal, isLocal bool, sellerOrigin string) {
	origin := types.OriginUnknown
	if sellerOrigin == s.ownerName {
		origin = types.OriginExternal
	} else if isLocal {
		origin = types.OriginLocal
	}
	s.usedStorageShare = append(s.usedStorageShare, energyLot{origin: origin, value: energy})
}

// trackEnergySellType consumes the FIFO lot queue head-first for energy
// kWh sold.
func (s *Storage) trackEnergySellType(energy decimal.Decimal) {
	for energy.Sign() > 0 && len(s.usedStorageShare) > 0 {
		head := s.usedStorageShare[0]
		if energy.GreaterThanOrEqual(head.value) {
			energy = energy.Sub(head.value)
			s.usedStorageShare = s.usedStorageShare[1:]
		} else {
			residual := head.value.Sub(energy)
			s.usedStorageShare[0] = energyLot{origin: head.origin, value: residual}
			energy = decimal.Zero
		}
	}
}

// UsedStorageShare returns a snapshot of the FIFO origin-tagged lots
// currently backing the device's stored energy.
func (s *Storage) UsedStorageShare() []types.Origin {
	out := make([]types.Origin, len(s.usedStorageShare))
	for i, l := range s.usedStorageShare {
		out[i] = l.origin
	}
	return out
}

// UsedStorage returns the currently held energy in kWh.
func (s *Storage) UsedStorage() decimal.Decimal { return s.usedStorage }
