// Package engine is the central orchestrator of the market simulator.
//
// It wires together all subsystems:
//
//  1. A sliding window of per-slot Markets (C1), advanced by a single
//     tick clock shared by every device and market in the simulation.
//  2. A fee engine (C2) shared by every market.
//  3. A matching engine (C3) invoked each tick against every two-sided
//     market's current snapshot, or an external matcher fed over the
//     bus in external-matcher mode.
//  4. One price-update scheduler pair (C4) per storage device.
//  5. One or more storage devices (C5), each acting across every
//     currently open market.
//  6. An optional message-bus Broker publishing market events and, in
//     external-matcher mode, one bus Subscriber per open market
//     accepting external offer/delete/accept requests and match
//     recommendations.
//
// Lifecycle: New() → StartSimulation() opens the initial window, then
// Run(ctx) drives the tick clock until ctx is cancelled.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"energymarket-sim/internal/api"
	"energymarket-sim/internal/bus"
	"energymarket-sim/internal/config"
	"energymarket-sim/internal/fee"
	"energymarket-sim/internal/market"
	"energymarket-sim/internal/matching"
	"energymarket-sim/internal/risk"
	"energymarket-sim/internal/scheduler"
	"energymarket-sim/internal/storage"
	"energymarket-sim/internal/store"
	"energymarket-sim/pkg/types"
)

// DeviceConfig parameterizes one storage device registered with the
// engine at construction time.
type DeviceConfig struct {
	Name                string
	Storage             storage.Config
	OfferInitialRate    decimal.Decimal
	OfferFinalRate      decimal.Decimal
	OfferChangePerUpdate decimal.Decimal
	BidInitialRate      decimal.Decimal
	BidFinalRate        decimal.Decimal
	BidChangePerUpdate  decimal.Decimal
	FitToLimit          bool
	DesiredBuyEnergyKWh decimal.Decimal

	// AlternativePricingScheme and FeedInTariffPercentage carry the
	// global storage.alternative_pricing_scheme config through to the
	// device's SetAlternativePricing call at registration.
	AlternativePricingScheme storage.AlternativePricingScheme
	FeedInTariffPercentage   decimal.Decimal
}

// deviceHandle bundles a running storage device with its own price
// schedulers, scoped one pair per device as required by §4.3 ("each
// device maintains two updaters"), plus the rate parameters needed to
// populate a newly opened slot in either updater.
type deviceHandle struct {
	name    string
	store   *storage.Storage
	desired decimal.Decimal

	offerUpdater *scheduler.Updater
	bidUpdater   *scheduler.Updater
	rates        DeviceConfig
}

// populateSlot installs this device's rate schedule for a newly opened
// market slot in both updaters.
func (h *deviceHandle) populateSlot(ts time.Time) error {
	if err := h.offerUpdater.PopulateSlot(ts, h.rates.OfferInitialRate, h.rates.OfferFinalRate, h.rates.OfferChangePerUpdate); err != nil {
		return fmt.Errorf("offer schedule: %w", err)
	}
	if err := h.bidUpdater.PopulateSlot(ts, h.rates.BidInitialRate, h.rates.BidFinalRate, h.rates.BidChangePerUpdate); err != nil {
		return fmt.Errorf("bid schedule: %w", err)
	}
	return nil
}

// slot is one entry in the engine's sliding market window.
type slot struct {
	timeSlot time.Time
	m        *market.Market
}

// Engine owns the tick clock, the sliding market window, the devices
// registered against it, and the optional bus integration.
type Engine struct {
	cfg        config.Config
	feeEngine  fee.Engine
	recommender matching.Recommender
	extMatcher *matching.ExternalMatcher
	broker     *bus.Broker
	guard      *risk.Manager
	logger     *slog.Logger

	mu      sync.Mutex
	devices []*deviceHandle
	window  []*slot // oldest first; window[len-1] is the newest (future) market

	elapsedInSlot time.Duration

	dashboardCh chan api.DashboardEvent
	recorder    *store.Store

	// extSubscribers holds one bus.Subscriber per currently open
	// external-matcher market, keyed by market id. Populated in
	// newMarket, torn down when that market rolls out of the window.
	extSubscribers map[string]*extSubscriberEntry

	wg sync.WaitGroup
}

// extSubscriberEntry bundles a running external-matcher bus.Subscriber
// with the cancel func that stops its Run goroutine when the market it
// serves closes.
type extSubscriberEntry struct {
	sub    *bus.Subscriber
	cancel context.CancelFunc
}

// SetRecorder attaches crash-safe device-state persistence: every
// already registered device's saved state (if present) is loaded back
// now, and every device's SoC is saved after each slot roll.
func (e *Engine) SetRecorder(recorder *store.Store) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = recorder
	for _, h := range e.devices {
		if saved, err := recorder.LoadDeviceState(h.name); err != nil {
			e.logger.Warn("failed to load persisted device state", "device", h.name, "error", err)
		} else if saved != nil {
			h.store.RestoreUsedStorage(saved.UsedStorage)
			e.logger.Info("restored device state", "device", h.name, "soc", saved.SoC)
		}
	}
}

// New wires a fresh Engine from cfg: the fee engine and recommender
// selected by cfg.Market.Type/cfg.Fee.Type, devices built from
// deviceCfgs, and (if cfg.Bus.Enabled) an in-process Broker.
func New(cfg config.Config, deviceCfgs []DeviceConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	feeEngine, err := buildFeeEngine(cfg.Fee)
	if err != nil {
		return nil, err
	}

	var recommender matching.Recommender
	var extMatcher *matching.ExternalMatcher
	switch config.MarketType(cfg.Market.Type) {
	case config.MarketTypeTwoSidedPayAsBid:
		recommender = matching.PayAsBid{}
	case config.MarketTypeTwoSidedPayAsClear:
		recommender = matching.PayAsClear{}
	case config.MarketTypeExternalMatcher:
		extMatcher = matching.NewExternalMatcher(cfg.Matching.ExternalMatcherWorkers)
	case config.MarketTypeOneSided:
		// no matching engine: storage devices buy directly off the order book.
	default:
		return nil, fmt.Errorf("unsupported market type %d", cfg.Market.Type)
	}

	var broker *bus.Broker
	if cfg.Bus.Enabled {
		broker = bus.NewBroker(logger)
	}

	e := &Engine{
		cfg:            cfg,
		feeEngine:      feeEngine,
		recommender:    recommender,
		extMatcher:     extMatcher,
		broker:         broker,
		guard:          risk.NewManager(cfg.Guard, logger),
		logger:         logger,
		dashboardCh:    make(chan api.DashboardEvent, 256),
		extSubscribers: make(map[string]*extSubscriberEntry),
	}

	for _, dc := range deviceCfgs {
		if err := e.registerDevice(dc); err != nil {
			return nil, fmt.Errorf("register device %q: %w", dc.Name, err)
		}
	}

	return e, nil
}

func buildFeeEngine(cfg config.FeeConfig) (fee.Engine, error) {
	switch cfg.Type {
	case "constant":
		return fee.ConstantFeeEngine{FeePerKWh: decimal.NewFromFloat(cfg.ConstantPerKWh)}, nil
	case "percentage":
		return fee.PercentageFeeEngine{Rate: decimal.NewFromFloat(cfg.PercentageRate)}, nil
	default:
		return nil, fmt.Errorf("unknown fee.type %q", cfg.Type)
	}
}

func (e *Engine) registerDevice(dc DeviceConfig) error {
	minInterval := time.Duration(e.cfg.Scheduler.MinUpdateIntervalMinutes) * time.Minute
	updateInterval := e.cfg.Scheduler.DefaultUpdateInterval

	offerUpdater, err := scheduler.NewUpdater(scheduler.RateLimitMax, dc.FitToLimit, updateInterval, minInterval, e.cfg.Market.SlotLength)
	if err != nil {
		return fmt.Errorf("offer updater: %w", err)
	}
	bidUpdater, err := scheduler.NewUpdater(scheduler.RateLimitMin, dc.FitToLimit, updateInterval, minInterval, e.cfg.Market.SlotLength)
	if err != nil {
		return fmt.Errorf("bid updater: %w", err)
	}
	if dc.BidFinalRate.GreaterThanOrEqual(dc.OfferFinalRate) {
		return fmt.Errorf("final_buying_rate (%s) must be < final_selling_rate (%s)", dc.BidFinalRate, dc.OfferFinalRate)
	}

	st := storage.New(dc.Storage, offerUpdater, bidUpdater)
	st.SetLogger(e.logger.With("device", dc.Name))
	if err := st.SetAlternativePricing(dc.AlternativePricingScheme, dc.FeedInTariffPercentage, nil); err != nil {
		return fmt.Errorf("alternative pricing: %w", err)
	}
	if e.recorder != nil {
		if saved, err := e.recorder.LoadDeviceState(dc.Name); err != nil {
			e.logger.Warn("failed to load persisted device state", "device", dc.Name, "error", err)
		} else if saved != nil {
			st.RestoreUsedStorage(saved.UsedStorage)
			e.logger.Info("restored device state", "device", dc.Name, "soc", saved.SoC)
		}
	}

	h := &deviceHandle{
		name:         dc.Name,
		store:        st,
		desired:      dc.DesiredBuyEnergyKWh,
		offerUpdater: offerUpdater,
		bidUpdater:   bidUpdater,
		rates:        dc,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.devices = append(e.devices, h)
	for _, s := range e.window {
		if err := h.populateSlot(s.timeSlot); err != nil {
			return err
		}
	}
	return nil
}

// StartSimulation opens the initial market window (length windowSize
// slots, the first starting at firstSlot) and registers each device's
// rate schedule for those slots via MarketCycle.
func (e *Engine) StartSimulation(firstSlot time.Time, windowSize int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if windowSize < 1 {
		windowSize = 1
	}
	for i := 0; i < windowSize; i++ {
		ts := firstSlot.Add(time.Duration(i) * e.cfg.Market.SlotLength)
		e.window = append(e.window, &slot{timeSlot: ts, m: e.newMarket(ts)})
		for _, h := range e.devices {
			if err := h.populateSlot(ts); err != nil {
				return fmt.Errorf("device %q schedule for slot %s: %w", h.name, ts, err)
			}
		}
	}

	for _, h := range e.devices {
		if err := h.store.MarketCycle(e.window[len(e.window)-1].timeSlot, e.marketViewsLocked(), h.desired); err != nil {
			return fmt.Errorf("device %q initial market cycle: %w", h.name, err)
		}
	}
	return nil
}

func (e *Engine) newMarket(ts time.Time) *market.Market {
	twoSided := config.MarketType(e.cfg.Market.Type) != config.MarketTypeOneSided
	m := market.New(ts.Format(time.RFC3339), ts, e.feeEngine, twoSided, true)
	m.SetLogger(e.logger.With("market_id", m.ID()))
	if e.broker != nil {
		channel := fmt.Sprintf("market/%s/notify_event", m.ID())
		m.AddListener(func(evt types.MarketEvent) {
			e.publishEvent(channel, evt)
		})
	}
	m.AddListener(e.publishDashboardEvent)
	if e.extMatcher != nil && e.cfg.Bus.Enabled {
		e.startExternalSubscriber(m)
	}
	return m
}

// startExternalSubscriber dials the configured bus for m's external
// matcher (§4.2/§6): a reconnecting subscriber that receives
// recommendations back on the MATCH_RECOMMENDATIONS channel and applies
// them through ApplyExternalRecommendations. Torn down in
// rollWindowLocked once m closes. Caller must hold e.mu.
func (e *Engine) startExternalSubscriber(m *market.Market) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.NewSubscriber(e.cfg.Bus.URL, m.ID(), &marketDispatcher{m: m, engine: e}, e.cfg.Bus.WorkerPoolSize, e.cfg.Bus.StopJoinTimeout, e.logger)
	e.extSubscribers[m.ID()] = &extSubscriberEntry{sub: sub, cancel: cancel}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("external matcher subscriber stopped", "market_id", m.ID(), "error", err)
		}
	}()
}

// publishExternalSnapshot marshals m's current order book into a
// MarketSnapshotWire and sends it to m's external matcher over its
// subscriber connection. A no-op if the matcher isn't connected yet or
// m isn't an external-matcher market. Caller must hold e.mu.
func (e *Engine) publishExternalSnapshot(m *market.Market) {
	entry, ok := e.extSubscribers[m.ID()]
	if !ok {
		return
	}
	snapshot := types.MarketSnapshotWire{
		MarketID:    m.ID(),
		CurrentTime: e.now(),
		Offers:      toOfferSlice(m.GetOffers()),
		Bids:        toBidSlice(m.GetBids()),
	}
	if err := entry.sub.PublishSnapshot(snapshot); err != nil {
		e.logger.Warn("failed to publish external matcher snapshot", "market_id", m.ID(), "error", err)
	}
}

// shutdownExternalSubscribers cancels every outstanding external-matcher
// subscriber goroutine.
func (e *Engine) shutdownExternalSubscribers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, entry := range e.extSubscribers {
		entry.cancel()
		delete(e.extSubscribers, id)
	}
}

// publishDashboardEvent forwards a market event to the dashboard's
// event channel, dropping it rather than blocking if nothing is
// reading (the dashboard is an optional, best-effort reporter).
func (e *Engine) publishDashboardEvent(evt types.MarketEvent) {
	var dash api.DashboardEvent
	dash.Timestamp = e.now()
	dash.MarketID = evt.MarketID

	if o, ok := api.NewOfferEvent(evt); ok {
		dash.Type, dash.Data = "offer", o
	} else if b, ok := api.NewBidEvent(evt); ok {
		dash.Type, dash.Data = "bid", b
	} else if t, ok := api.NewTradeEvent(evt); ok {
		dash.Type, dash.Data = "trade", t
	} else {
		return
	}

	select {
	case e.dashboardCh <- dash:
	default:
		e.logger.Warn("dashboard event channel full, dropping event")
	}
}

// DashboardEvents satisfies the dashboard server's event-stream seam.
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardCh
}

// GetMarketsSnapshot satisfies api.MarketSnapshotProvider.
func (e *Engine) GetMarketsSnapshot() []api.MarketStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]api.MarketStatus, 0, len(e.window))
	for _, s := range e.window {
		offers := s.m.GetOffers()
		bids := s.m.GetBids()
		out = append(out, api.MarketStatus{
			MarketID:    s.m.ID(),
			TimeSlot:    s.timeSlot,
			IsReadonly:  s.m.IsReadonly(),
			OfferCount:  len(offers),
			BidCount:    len(bids),
			BestOffer:   bestOfferRate(offers),
			BestBid:     bestBidRate(bids),
			TradeCount:  len(s.m.Trades()),
			TradeEnergy: toFloat(s.m.AccumulatedTradeEnergy()),
		})
	}
	return out
}

// GetDevicesSnapshot satisfies api.MarketSnapshotProvider.
func (e *Engine) GetDevicesSnapshot() []api.DeviceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]api.DeviceStatus, 0, len(e.devices))
	for _, h := range e.devices {
		out = append(out, api.DeviceStatus{
			Name:        h.name,
			SoC:         toFloat(h.store.SoC()),
			CapacityKWh: toFloat(h.rates.Storage.CapacityKWh),
		})
	}
	return out
}

func bestOfferRate(offers map[string]types.Offer) float64 {
	best, found := decimal.Decimal{}, false
	for _, o := range offers {
		rate := o.Rate()
		if !found || rate.LessThan(best) {
			best, found = rate, true
		}
	}
	f, _ := best.Float64()
	return f
}

func bestBidRate(bids map[string]types.Bid) float64 {
	best, found := decimal.Decimal{}, false
	for _, b := range bids {
		rate := b.Rate()
		if !found || rate.GreaterThan(best) {
			best, found = rate, true
		}
	}
	f, _ := best.Float64()
	return f
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func (e *Engine) publishEvent(channel string, evt types.MarketEvent) {
	envelope := types.NotifyEventEnvelope{
		EventKind:   evt.Kind.String(),
		MarketID:    evt.MarketID,
		Offer:       evt.Offer,
		Bid:         evt.Bid,
		Trade:       evt.Trade,
		PublishedAt: e.now(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		e.logger.Error("failed to marshal notify_event", "error", err)
		return
	}
	e.broker.Publish(channel, data)
}

// now is a seam so the published timestamp can be swapped in tests;
// production uses the wall clock since the envelope is an external
// observability artifact, not part of the simulation's own state.
func (e *Engine) now() time.Time { return timeNow() }

var timeNow = time.Now

// marketViewsLocked returns the current window as the []storage.MarketView
// shape storage.MarketCycle/OnTick expect. Caller must hold e.mu.
func (e *Engine) marketViewsLocked() []storage.MarketView {
	out := make([]storage.MarketView, len(e.window))
	for i, s := range e.window {
		out[i] = s.m
	}
	return out
}

// Tick advances the simulation clock by one tick: every device
// advances its rate-update counters for every open market (offers and
// bids already posted keep the price they were posted at), two-sided
// markets run the
// matching engine over their current snapshot, and if the tick crosses
// a slot boundary the window rolls forward.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.elapsedInSlot += e.cfg.Market.TickLength

	views := e.marketViewsLocked()
	for _, h := range e.devices {
		for _, v := range views {
			h.store.OnTick(v, e.elapsedInSlot)
		}
	}

	if e.recommender != nil {
		for _, s := range e.window {
			if s.m.IsReadonly() {
				continue
			}
			e.runMatching(s.m)
		}
	}

	if e.extMatcher != nil {
		for _, s := range e.window {
			if s.m.IsReadonly() {
				continue
			}
			e.publishExternalSnapshot(s.m)
		}
	}

	if e.elapsedInSlot >= e.cfg.Market.SlotLength {
		e.elapsedInSlot = 0
		return e.rollWindowLocked()
	}
	return nil
}

func (e *Engine) runMatching(m *market.Market) {
	bids := m.GetBids()
	offers := m.GetOffers()
	if len(bids) == 0 || len(offers) == 0 {
		return
	}
	bidList := make([]types.Bid, 0, len(bids))
	for _, b := range bids {
		bidList = append(bidList, b)
	}
	offerList := make([]types.Offer, 0, len(offers))
	for _, o := range offers {
		offerList = append(offerList, o)
	}
	sort.Slice(bidList, func(i, j int) bool { return bidList[i].ID < bidList[j].ID })
	sort.Slice(offerList, func(i, j int) bool { return offerList[i].ID < offerList[j].ID })

	recs := e.recommender.Match(bidList, offerList)
	if len(recs) == 0 {
		return
	}
	m.MatchRecommendation(recs)
}

// rollWindowLocked closes the oldest market, drops it from the window
// (cancelling its bus subscriber, if any), opens a new
// future market at the far end of the window, and runs every device's
// MarketCycle against the rolled window. Caller must hold e.mu.
func (e *Engine) rollWindowLocked() error {
	if len(e.window) == 0 {
		return nil
	}

	e.window[0].m.Close()
	closed := e.window[0]
	e.window = append(e.window[1:], nil)

	if entry, ok := e.extSubscribers[closed.m.ID()]; ok {
		entry.cancel()
		delete(e.extSubscribers, closed.m.ID())
	}

	lastSlot := closed.timeSlot
	if len(e.window) > 1 {
		lastSlot = e.window[len(e.window)-2].timeSlot
	}
	nextSlot := lastSlot.Add(e.cfg.Market.SlotLength)
	e.window[len(e.window)-1] = &slot{timeSlot: nextSlot, m: e.newMarket(nextSlot)}

	deviceByName := make(map[string]*deviceHandle, len(e.devices))
	for _, h := range e.devices {
		deviceByName[h.name] = h
	}

	tradedByDevice := make(map[string]decimal.Decimal, len(e.devices))
	for _, t := range closed.m.Trades() {
		tradedByDevice[t.Seller] = tradedByDevice[t.Seller].Add(t.Energy())
		tradedByDevice[t.Buyer] = tradedByDevice[t.Buyer].Add(t.Energy())

		_, sellerIsDevice := deviceByName[t.Seller]
		_, buyerIsDevice := deviceByName[t.Buyer]
		if h, ok := deviceByName[t.Seller]; ok {
			h.store.OnTrade(t, buyerIsDevice)
		}
		if h, ok := deviceByName[t.Buyer]; ok {
			h.store.OnTrade(t, sellerIsDevice)
		}
	}

	views := e.marketViewsLocked()
	for _, h := range e.devices {
		if err := h.populateSlot(nextSlot); err != nil {
			e.logger.Error("device schedule population failed", "device", h.name, "error", err)
			continue
		}
		if e.guard.IsPaused(h.name) {
			e.logger.Warn("device paused by safety guard, skipping market cycle", "device", h.name)
			continue
		}
		if err := h.store.MarketCycle(nextSlot, views, h.desired); err != nil {
			e.logger.Error("device market cycle failed", "device", h.name, "error", err)
		}
		if e.recorder != nil {
			state := store.DeviceState{Name: h.name, SoC: h.store.SoC(), UsedStorage: h.store.UsedStorage(), SavedAt: e.now()}
			if err := e.recorder.SaveDeviceState(state); err != nil {
				e.logger.Warn("failed to persist device state", "device", h.name, "error", err)
			}
		}

		soc, _ := h.store.SoC().Float64()
		used, _ := h.store.UsedStorage().Float64()
		capacity, _ := h.rates.Storage.CapacityKWh.Float64()
		traded, _ := tradedByDevice[h.name].Float64()
		e.guard.Report(risk.DeviceReport{
			DeviceName:      h.name,
			MarketID:        closed.m.ID(),
			SoC:             soc,
			UsedStorageKWh:  used,
			CapacityKWh:     capacity,
			TradedEnergyKWh: traded,
			Timestamp:       e.now(),
		})
	}

	e.logger.Info("market window rolled", "closed_slot", closed.timeSlot, "new_slot", nextSlot)
	return nil
}

// Run drives the tick clock on cfg.Market.TickLength until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	go e.guard.Run(ctx)
	defer e.shutdownExternalSubscribers()

	ticker := time.NewTicker(e.cfg.Market.TickLength)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("tick failed", "error", err)
			}
		}
	}
}

// CurrentMarkets returns the markets presently open in the window, for
// dashboard/reporting use.
func (e *Engine) CurrentMarkets() []*market.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*market.Market, len(e.window))
	for i, s := range e.window {
		out[i] = s.m
	}
	return out
}

// Broker exposes the in-process bus, nil if disabled.
func (e *Engine) Broker() *bus.Broker { return e.broker }

// ApplyExternalRecommendations resolves a wire recommendation list
// (external-matcher mode, §4.2/§6) against the named market's current
// snapshot, revalidates the survivors concurrently via the bounded
// worker pool, and applies them.
func (e *Engine) ApplyExternalRecommendations(ctx context.Context, marketID string, wireRecs []types.RecommendationWire) error {
	if e.extMatcher == nil {
		return fmt.Errorf("engine is not configured for external-matcher mode")
	}

	e.mu.Lock()
	var m *market.Market
	for _, s := range e.window {
		if s.m.ID() == marketID {
			m = s.m
			break
		}
	}
	e.mu.Unlock()
	if m == nil {
		return fmt.Errorf("no open market with id %q", marketID)
	}

	bids := m.GetBids()
	offers := m.GetOffers()

	recs := make([]types.Recommendation, 0, len(wireRecs))
	for _, wire := range wireRecs {
		bid, ok := bids[wire.BidID]
		if !ok {
			continue
		}
		offer, ok := offers[wire.OfferID]
		if !ok {
			continue
		}
		energy, err := decimal.NewFromString(wire.SelectedEnergy)
		if err != nil {
			continue
		}
		rate, err := decimal.NewFromString(wire.TradeRate)
		if err != nil {
			continue
		}
		recs = append(recs, types.Recommendation{Bid: bid, Offer: offer, SelectedEnergy: energy, TradeRate: rate})
	}

	validated := e.extMatcher.Validate(ctx, toBidSlice(bids), toOfferSlice(offers), recs)
	m.MatchRecommendation(validated)
	return nil
}

func toBidSlice(bids map[string]types.Bid) []types.Bid {
	out := make([]types.Bid, 0, len(bids))
	for _, b := range bids {
		out = append(out, b)
	}
	return out
}

func toOfferSlice(offers map[string]types.Offer) []types.Offer {
	out := make([]types.Offer, 0, len(offers))
	for _, o := range offers {
		out = append(out, o)
	}
	return out
}

// DispatcherFor returns a bus.MarketDispatcher bound to the market
// currently holding marketID, or nil if no open market has that id.
func (e *Engine) DispatcherFor(marketID string) *marketDispatcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.window {
		if s.m.ID() == marketID {
			return &marketDispatcher{m: s.m, engine: e}
		}
	}
	return nil
}

// marketDispatcher adapts a single *market.Market to bus.MarketDispatcher,
// translating wire request args into the Market's method calls and
// typed errors into the bus's error-envelope shape (§7: the subscriber
// catches every exception and replies with its type name and message).
type marketDispatcher struct {
	m      *market.Market
	engine *Engine
}

func (d *marketDispatcher) HandleOffer(_ context.Context, args types.OfferRequestArgs) types.BusResponse {
	price, err := decimal.NewFromString(args.Price)
	if err != nil {
		return errResponse(args.TransactionUUID, err)
	}
	energy, err := decimal.NewFromString(args.Energy)
	if err != nil {
		return errResponse(args.TransactionUUID, err)
	}
	offer, err := d.m.Offer(price, energy, args.Seller, args.SellerOrigin, "", "", "", nil, true, true)
	if err != nil {
		return errResponse(args.TransactionUUID, err)
	}
	return types.BusResponse{Status: types.StatusReady, TransactionUUID: args.TransactionUUID, Offer: &offer}
}

// HandleDeleteOffer preserves a documented quirk of the original bus
// subscriber: it always replies status "ready", merging the error into
// error_message rather than flipping the envelope to "error".
func (d *marketDispatcher) HandleDeleteOffer(_ context.Context, args types.DeleteOfferRequestArgs) types.BusResponse {
	response := types.BusResponse{Status: types.StatusReady, TransactionUUID: args.TransactionUUID}
	if err := d.m.DeleteOffer(args.OfferOrID); err != nil {
		response.ErrorMessage = err.Error()
	}
	return response
}

func (d *marketDispatcher) HandleAcceptOffer(_ context.Context, args types.AcceptOfferRequestArgs) types.BusResponse {
	var energy *decimal.Decimal
	if args.Energy != nil {
		v, err := decimal.NewFromString(*args.Energy)
		if err != nil {
			return errResponse(args.TransactionUUID, err)
		}
		energy = &v
	}
	trade, err := d.m.AcceptOffer(args.OfferOrID, args.Buyer, energy, false, nil, "", "", "")
	if err != nil {
		return errResponse(args.TransactionUUID, err)
	}
	return types.BusResponse{Status: types.StatusReady, TransactionUUID: args.TransactionUUID, Trade: &trade}
}

// HandleRecommendations applies a batch of external-matcher
// recommendations to d.m through the engine's bounded revalidation path
// (§4.2/§6), replying "ready" once applied or an error envelope if the
// market has since closed.
func (d *marketDispatcher) HandleRecommendations(ctx context.Context, args types.RecommendationsRequestArgs) types.BusResponse {
	if err := d.engine.ApplyExternalRecommendations(ctx, d.m.ID(), args.Recommendations); err != nil {
		return errResponse(args.TransactionUUID, err)
	}
	return types.BusResponse{Status: types.StatusReady, TransactionUUID: args.TransactionUUID}
}

func errResponse(transactionUUID string, err error) types.BusResponse {
	return types.BusResponse{Status: types.StatusError, TransactionUUID: transactionUUID, ErrorMessage: err.Error(), Exception: fmt.Sprintf("%T", err)}
}
