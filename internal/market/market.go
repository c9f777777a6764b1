// Package market implements the per-slot order book (C1): custody of
// open offers and bids, settled trades, and the split/accept mechanics
// that keep the ledger consistent under concurrent access.
package market

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"energymarket-sim/internal/fee"
	"energymarket-sim/internal/marketerrors"
	"energymarket-sim/pkg/types"
)

// Market is the per-time-slot container for one area's open orders and
// settled trades. All mutating operations, plus GetBids/GetOffers, take
// mu — this is the sole source of atomicity for the ledger invariants.
type Market struct {
	mu sync.Mutex

	id            string
	timeSlot      time.Time
	feeEngine     fee.Engine
	twoSided      bool
	inSimDuration bool
	readonly      bool
	logger        *slog.Logger

	offers map[string]types.Offer
	bids   map[string]types.Bid

	offerHistory []types.Offer
	bidHistory   []types.Bid
	trades       []types.Trade

	accumulatedTradeEnergy decimal.Decimal
	accumulatedTradePrice  decimal.Decimal

	listeners []types.Listener
}

// New creates an open Market for the given time slot. twoSided selects
// whether bid/accept_bid/match_recommendation are available; a
// one-sided market only ever exposes offer/delete_offer/accept_offer.
func New(id string, timeSlot time.Time, feeEngine fee.Engine, twoSided, inSimDuration bool) *Market {
	return &Market{
		id:                     id,
		timeSlot:               timeSlot,
		feeEngine:              feeEngine,
		twoSided:               twoSided,
		inSimDuration:          inSimDuration,
		logger:                 slog.Default(),
		offers:                 make(map[string]types.Offer),
		bids:                   make(map[string]types.Bid),
		accumulatedTradeEnergy: decimal.Zero,
		accumulatedTradePrice:  decimal.Zero,
	}
}

// SetLogger overrides the market's logger (default slog.Default()).
func (m *Market) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// ID returns the market identifier.
func (m *Market) ID() string { return m.id }

// TimeSlot returns the slot this market covers.
func (m *Market) TimeSlot() time.Time { return m.timeSlot }

// IsReadonly reports whether the slot has closed.
func (m *Market) IsReadonly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readonly
}

// Close transitions the market to read-only. Subsequent Offer and Bid
// calls fail with MarketException; the delete and accept paths do not
// check the read-only flag.
func (m *Market) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readonly = true
}

// AddListener registers a listener invoked synchronously, within the
// call that triggered the event, after the triggering mutation commits.
func (m *Market) AddListener(l types.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Market) notify(event types.MarketEvent) {
	event.MarketID = m.id
	for _, l := range m.listeners {
		l(event)
	}
}

// GetOffers returns a snapshot copy of the currently open offers.
func (m *Market) GetOffers() map[string]types.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.Offer, len(m.offers))
	for k, v := range m.offers {
		out[k] = v
	}
	return out
}

// GetBids returns a snapshot copy of the currently open bids.
func (m *Market) GetBids() map[string]types.Bid {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.Bid, len(m.bids))
	for k, v := range m.bids {
		out[k] = v
	}
	return out
}

// Offer posts a new sell order. adaptPriceWithFees controls whether C2
// adjusts price on ingress; residual/split offers pass false since they
// already carry a fee-adjusted price derived from the parent.
func (m *Market) Offer(price, energy decimal.Decimal, seller, sellerOrigin, sellerOriginID, sellerID string, offerID string, originalPrice *decimal.Decimal, adaptPriceWithFees, addToHistory bool) (types.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offerLocked(price, energy, seller, sellerOrigin, sellerOriginID, sellerID, offerID, originalPrice, adaptPriceWithFees, addToHistory)
}

func (m *Market) offerLocked(price, energy decimal.Decimal, seller, sellerOrigin, sellerOriginID, sellerID string, offerID string, originalPrice *decimal.Decimal, adaptPriceWithFees, addToHistory bool) (types.Offer, error) {
	if m.readonly {
		return types.Offer{}, &marketerrors.MarketException{Reason: "market is read-only"}
	}
	if energy.Sign() <= 0 {
		return types.Offer{}, &marketerrors.InvalidOfferError{Reason: "energy must be > 0"}
	}

	origPrice := price
	if originalPrice != nil {
		origPrice = *originalPrice
	}

	if adaptPriceWithFees {
		price = m.feeEngine.UpdateIncomingOfferPrice(price, energy)
	}
	if price.IsNegative() {
		return types.Offer{}, &marketerrors.MarketException{Reason: "negative price after fees, offer cannot be posted"}
	}

	id := offerID
	if id == "" {
		id = uuid.NewString()
	}

	offer := types.Offer{
		ID:             id,
		CreationTime:   m.timeSlot,
		Price:          price,
		Energy:         energy,
		Seller:         seller,
		SellerOrigin:   sellerOrigin,
		SellerOriginID: sellerOriginID,
		SellerID:       sellerID,
		OriginalPrice:  origPrice,
	}
	m.offers[id] = offer
	if addToHistory {
		m.offerHistory = append(m.offerHistory, offer)
	}
	m.notify(types.MarketEvent{Kind: types.EventOffer, Offer: &offer})
	return offer, nil
}

// DeleteOffer removes an open offer by id, firing OFFER_DELETED.
func (m *Market) DeleteOffer(offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer, ok := m.offers[offerID]
	if !ok {
		return &marketerrors.OfferNotFoundError{OfferID: offerID}
	}
	delete(m.offers, offerID)
	m.notify(types.MarketEvent{Kind: types.EventOfferDeleted, Offer: &offer})
	return nil
}

// splitOffer removes original and posts an accepted offer (keeping the
// original id) plus a residual offer for the remainder, both carrying
// proportional, already fee-adjusted prices derived from the parent.
func (m *Market) splitOffer(original types.Offer, energy decimal.Decimal) (accepted, residual types.Offer) {
	delete(m.offers, original.ID)

	fraction := energy.Div(original.Energy)
	acceptedOriginalPrice := fraction.Mul(original.OriginalPrice)
	accepted, _ = m.offerLocked(original.Price.Mul(fraction), energy, original.Seller, original.SellerOrigin,
		original.SellerOriginID, original.SellerID, original.ID, &acceptedOriginalPrice, false, false)

	residualFraction := decimal.NewFromInt(1).Sub(fraction)
	residualEnergy := original.Energy.Sub(energy)
	residualOriginalPrice := residualFraction.Mul(original.OriginalPrice)
	residual, _ = m.offerLocked(residualFraction.Mul(original.Price), residualEnergy, original.Seller, original.SellerOrigin,
		original.SellerOriginID, original.SellerID, "", &residualOriginalPrice, false, true)

	m.notify(types.MarketEvent{Kind: types.EventOfferSplit, OriginalOffer: &original, AcceptedOffer: &accepted, ResidualOffer: &residual})
	return accepted, residual
}

// AcceptOffer consumes energy kWh of offerOrID at the offer's own rate.
// A nil energy fully consumes the offer.
func (m *Market) AcceptOffer(offerOrID string, buyer string, energy *decimal.Decimal, alreadyTracked bool, tradeInfo *types.TradeBidOfferInfo, buyerOrigin, buyerOriginID, buyerID string) (types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	marketOffer, ok := m.offers[offerOrID]
	if !ok {
		return types.Trade{}, &marketerrors.OfferNotFoundError{OfferID: offerOrID}
	}

	e := marketOffer.Energy
	if energy != nil && !types.DecimalClose(*energy, marketOffer.Energy) {
		e = *energy
	}

	if e.Sign() <= 0 {
		return types.Trade{}, &marketerrors.InvalidTradeError{Reason: "energy cannot be negative or zero"}
	}
	if e.GreaterThan(marketOffer.Energy) {
		return types.Trade{}, &marketerrors.InvalidTradeError{Reason: "traded energy cannot be more than the offer energy"}
	}

	offer := marketOffer
	var residual *types.Offer
	if e.LessThan(marketOffer.Energy) {
		accepted, res := m.splitOffer(marketOffer, e)
		offer = accepted
		residual = &res
		delete(m.offers, accepted.ID)
	} else {
		delete(m.offers, marketOffer.ID)
	}

	trade := types.Trade{
		ID:             uuid.NewString(),
		Time:           m.timeSlot,
		Offer:          &offer,
		Seller:         offer.Seller,
		Buyer:          buyer,
		SellerOrigin:   offer.SellerOrigin,
		BuyerOrigin:    buyerOrigin,
		SellerOriginID: offer.SellerOriginID,
		BuyerOriginID:  buyerOriginID,
		SellerID:       offer.SellerID,
		BuyerID:        buyerID,
		ResidualOffer:  residual,
		AlreadyTracked: alreadyTracked,
		TradeInfo:      tradeInfo,
	}

	if !alreadyTracked {
		m.trades = append(m.trades, trade)
		m.accumulatedTradeEnergy = m.accumulatedTradeEnergy.Add(e)
		m.accumulatedTradePrice = m.accumulatedTradePrice.Add(offer.Price)
	}

	if residual != nil {
		m.notify(types.MarketEvent{Kind: types.EventOfferSplit, OriginalOffer: &marketOffer, AcceptedOffer: &offer, ResidualOffer: residual})
	}
	m.notify(types.MarketEvent{Kind: types.EventOfferTraded, Trade: &trade})
	return trade, nil
}

// Bid posts a new buy order. Only valid on a two-sided market.
func (m *Market) Bid(price, energy decimal.Decimal, buyer, buyerOrigin, buyerOriginID, buyerID string, bidID string, originalBidPrice *decimal.Decimal, adaptPriceWithFees, addToHistory bool) (types.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bidLocked(price, energy, buyer, buyerOrigin, buyerOriginID, buyerID, bidID, originalBidPrice, adaptPriceWithFees, addToHistory)
}

func (m *Market) bidLocked(price, energy decimal.Decimal, buyer, buyerOrigin, buyerOriginID, buyerID string, bidID string, originalBidPrice *decimal.Decimal, adaptPriceWithFees, addToHistory bool) (types.Bid, error) {
	if !m.twoSided {
		return types.Bid{}, &marketerrors.WrongMarketTypeError{Reason: "bid is not available on a one-sided market"}
	}
	if m.readonly {
		return types.Bid{}, &marketerrors.MarketException{Reason: "market is read-only"}
	}
	if energy.Sign() <= 0 {
		return types.Bid{}, &marketerrors.InvalidBidError{Reason: "energy must be > 0"}
	}

	origPrice := price
	if originalBidPrice != nil {
		origPrice = *originalBidPrice
	}

	if adaptPriceWithFees {
		price = m.feeEngine.UpdateIncomingBidPrice(price, energy)
	}
	if price.IsNegative() {
		return types.Bid{}, &marketerrors.MarketException{Reason: "negative price after taxes, bid cannot be posted"}
	}

	id := bidID
	if id == "" {
		id = uuid.NewString()
	}

	bid := types.Bid{
		ID:               id,
		CreationTime:     m.timeSlot,
		Price:            price,
		Energy:           energy,
		Buyer:            buyer,
		BuyerOrigin:      buyerOrigin,
		BuyerOriginID:    buyerOriginID,
		BuyerID:          buyerID,
		OriginalBidPrice: origPrice,
	}
	m.bids[id] = bid
	if addToHistory {
		m.bidHistory = append(m.bidHistory, bid)
	}
	m.notify(types.MarketEvent{Kind: types.EventBid, Bid: &bid})
	return bid, nil
}

// DeleteBid removes an open bid by id, firing BID_DELETED.
func (m *Market) DeleteBid(bidID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.twoSided {
		return &marketerrors.WrongMarketTypeError{Reason: "delete_bid is not available on a one-sided market"}
	}
	bid, ok := m.bids[bidID]
	if !ok {
		return &marketerrors.BidNotFoundError{BidID: bidID}
	}
	delete(m.bids, bidID)
	m.notify(types.MarketEvent{Kind: types.EventBidDeleted, Bid: &bid})
	return nil
}

func (m *Market) splitBid(original types.Bid, energy decimal.Decimal) (accepted, residual types.Bid) {
	delete(m.bids, original.ID)

	fraction := energy.Div(original.Energy)
	acceptedOriginalPrice := fraction.Mul(original.OriginalBidPrice)
	accepted, _ = m.bidLocked(original.Price.Mul(fraction), energy, original.Buyer, original.BuyerOrigin,
		original.BuyerOriginID, original.BuyerID, original.ID, &acceptedOriginalPrice, false, false)

	residualFraction := decimal.NewFromInt(1).Sub(fraction)
	residualEnergy := original.Energy.Sub(energy)
	residualOriginalPrice := residualFraction.Mul(original.OriginalBidPrice)
	residual, _ = m.bidLocked(residualFraction.Mul(original.Price), residualEnergy, original.Buyer, original.BuyerOrigin,
		original.BuyerOriginID, original.BuyerID, "", &residualOriginalPrice, false, true)

	m.notify(types.MarketEvent{Kind: types.EventBidSplit, OriginalBid: &original, AcceptedBid: &accepted, ResidualBid: &residual})
	return accepted, residual
}

// determineBidPrice computes the fee and settlement price for accepting
// energy kWh against the given rate snapshot.
func (m *Market) determineBidPrice(info types.TradeBidOfferInfo, energy decimal.Decimal) (feePrice, tradePrice decimal.Decimal) {
	return m.feeEngine.CalculateTradePriceAndFees(info, energy)
}

// AcceptBid consumes energy kWh of bidID, settling at the rate carried by
// tradeInfo. A nil energy fully consumes the bid.
func (m *Market) AcceptBid(bidID string, energy *decimal.Decimal, seller, buyer string, alreadyTracked bool, tradeInfo types.TradeBidOfferInfo, sellerOrigin, sellerOriginID, sellerID string) (types.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.twoSided {
		return types.Trade{}, &marketerrors.WrongMarketTypeError{Reason: "accept_bid is not available on a one-sided market"}
	}

	marketBid, ok := m.bids[bidID]
	if !ok {
		return types.Trade{}, &marketerrors.BidNotFoundError{BidID: bidID}
	}
	if buyer == "" {
		buyer = marketBid.Buyer
	}

	e := marketBid.Energy
	if energy != nil && !types.DecimalClose(*energy, marketBid.Energy) {
		e = *energy
	}

	if e.Sign() <= 0 {
		return types.Trade{}, &marketerrors.InvalidTradeError{Reason: "energy cannot be negative or zero"}
	}
	if e.GreaterThan(marketBid.Energy) {
		return types.Trade{}, &marketerrors.InvalidTradeError{Reason: "traded energy cannot be more than the bid energy"}
	}

	bid := marketBid
	var residual *types.Bid
	if e.LessThan(marketBid.Energy) {
		accepted, res := m.splitBid(marketBid, e)
		bid = accepted
		residual = &res
		delete(m.bids, accepted.ID)
	} else {
		delete(m.bids, marketBid.ID)
	}

	feePrice, tradePrice := m.determineBidPrice(tradeInfo, e)
	bid.Price = tradePrice

	propagated := m.feeEngine.PropagateOriginalOfferInfoOnBidTrade(tradeInfo, true)

	trade := types.Trade{
		ID:             uuid.NewString(),
		Time:           m.timeSlot,
		Bid:            &bid,
		Seller:         seller,
		Buyer:          buyer,
		SellerOrigin:   sellerOrigin,
		BuyerOrigin:    bid.BuyerOrigin,
		SellerOriginID: sellerOriginID,
		BuyerOriginID:  bid.BuyerOriginID,
		SellerID:       sellerID,
		BuyerID:        bid.BuyerID,
		ResidualBid:    residual,
		AlreadyTracked: alreadyTracked,
		FeePrice:       feePrice,
		TradeInfo:      &propagated,
	}

	if !alreadyTracked {
		m.trades = append(m.trades, trade)
		m.accumulatedTradeEnergy = m.accumulatedTradeEnergy.Add(e)
		m.accumulatedTradePrice = m.accumulatedTradePrice.Add(tradePrice)
	}

	if residual != nil {
		m.notify(types.MarketEvent{Kind: types.EventBidSplit, OriginalBid: &marketBid, AcceptedBid: &bid, ResidualBid: residual})
	}
	m.notify(types.MarketEvent{Kind: types.EventBidTraded, Trade: &trade})
	return trade, nil
}

// AcceptBidOfferPair is the atomic unit of a matched trade: it validates
// the pairing, accepts the offer side, then the bid side (marked
// already-tracked so statistics aren't double counted), and returns both
// trade records.
func (m *Market) AcceptBidOfferPair(bid types.Bid, offer types.Offer, clearingRate, selectedEnergy decimal.Decimal, tradeInfo types.TradeBidOfferInfo) (bidTrade, offerTrade types.Trade, err error) {
	if selectedEnergy.GreaterThan(bid.Energy) {
		return types.Trade{}, types.Trade{}, &marketerrors.InvalidTradeError{Reason: "selected energy exceeds bid energy"}
	}
	if selectedEnergy.GreaterThan(offer.Energy) {
		return types.Trade{}, types.Trade{}, &marketerrors.InvalidTradeError{Reason: "selected energy exceeds offer energy"}
	}
	bidRate := bid.Price.Div(bid.Energy)
	offerRate := offer.Price.Div(offer.Energy)
	if clearingRate.GreaterThan(bidRate.Add(types.FloatingPointTolerance)) || clearingRate.LessThan(offerRate.Sub(types.FloatingPointTolerance)) {
		return types.Trade{}, types.Trade{}, &marketerrors.InvalidTradeError{Reason: "clearing rate outside [offer rate, bid rate]"}
	}

	alreadyTracked := bid.Buyer == offer.Seller

	offerTrade, err = m.AcceptOffer(offer.ID, bid.Buyer, &selectedEnergy, alreadyTracked, &tradeInfo, bid.BuyerOrigin, bid.BuyerOriginID, bid.BuyerID)
	if err != nil {
		return types.Trade{}, types.Trade{}, err
	}

	bidTrade, err = m.AcceptBid(bid.ID, &selectedEnergy, offer.Seller, bid.Buyer, true, tradeInfo, offer.SellerOrigin, offer.SellerOriginID, offer.SellerID)
	if err != nil {
		return types.Trade{}, types.Trade{}, err
	}

	return bidTrade, offerTrade, nil
}

// MatchRecommendation applies a precomputed list of (bid, offer, energy,
// trade_rate) pairings in order. After each paired trade, if either side
// produced a residual, the remaining recommendations are rewritten so
// references to the now-consumed bid/offer point at the residual
// instead — this preserves matching intent across partial fills.
//
// A recommendation that fails validation (stale id, out-of-tolerance
// rate, non-positive energy) is logged and skipped; the rest of the
// list still applies.
func (m *Market) MatchRecommendation(recommendations []types.Recommendation) {
	for i := 0; i < len(recommendations); i++ {
		rec := recommendations[i]

		originalBidRate := rec.Bid.OriginalBidPrice.Div(rec.Bid.Energy)
		tradeInfo := types.TradeBidOfferInfo{
			OriginalBidRate:     originalBidRate,
			PropagatedBidRate:   rec.Bid.Price.Div(rec.Bid.Energy),
			OriginalOfferRate:   rec.Offer.OriginalPrice.Div(rec.Offer.Energy),
			PropagatedOfferRate: rec.Offer.Price.Div(rec.Offer.Energy),
			TradeRate:           originalBidRate,
		}

		bidTrade, offerTrade, err := m.AcceptBidOfferPair(rec.Bid, rec.Offer, rec.TradeRate, rec.SelectedEnergy, tradeInfo)
		if err != nil {
			m.logger.Warn("recommendation rejected", "bid_id", rec.Bid.ID, "offer_id", rec.Offer.ID, "error", err)
			continue
		}

		if offerTrade.ResidualOffer != nil || bidTrade.ResidualBid != nil {
			replaceResidualsInRecommendations(recommendations, i+1, offerTrade, bidTrade)
		}
	}
}

func replaceResidualsInRecommendations(recommendations []types.Recommendation, startIndex int, offerTrade, bidTrade types.Trade) {
	for i := startIndex; i < len(recommendations); i++ {
		rec := recommendations[i]
		if offerTrade.ResidualOffer != nil && rec.Offer.ID == offerTrade.Offer.ID {
			rec.Offer = *offerTrade.ResidualOffer
		}
		if bidTrade.ResidualBid != nil && rec.Bid.ID == bidTrade.Bid.ID {
			rec.Bid = *bidTrade.ResidualBid
		}
		recommendations[i] = rec
	}
}

// AccumulatedTradeEnergy returns the total settled (non-already-tracked)
// trade energy for this market.
func (m *Market) AccumulatedTradeEnergy() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accumulatedTradeEnergy
}

// AccumulatedTradePrice returns the total settled (non-already-tracked)
// trade price for this market.
func (m *Market) AccumulatedTradePrice() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accumulatedTradePrice
}

// Trades returns a snapshot copy of the write-once trade log.
func (m *Market) Trades() []types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Trade, len(m.trades))
	copy(out, m.trades)
	return out
}
