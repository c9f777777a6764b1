package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"energymarket-sim/internal/fee"
	"energymarket-sim/internal/marketerrors"
	"energymarket-sim/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestMarket(twoSided bool) *Market {
	return New("market-1", time.Now(), fee.ConstantFeeEngine{FeePerKWh: decimal.Zero}, twoSided, true)
}

func TestOfferRejectsNonPositiveEnergy(t *testing.T) {
	t.Parallel()
	m := newTestMarket(false)

	_, err := m.Offer(dec("10"), dec("0"), "seller", "", "", "", "", nil, true, true)
	var invalid *marketerrors.InvalidOfferError
	if !asInvalidOffer(err, &invalid) {
		t.Fatalf("Offer(energy=0) err = %v, want InvalidOfferError", err)
	}
}

func asInvalidOffer(err error, target **marketerrors.InvalidOfferError) bool {
	e, ok := err.(*marketerrors.InvalidOfferError)
	if ok {
		*target = e
	}
	return ok
}

func TestOfferOnReadonlyMarketFails(t *testing.T) {
	t.Parallel()
	m := newTestMarket(false)
	m.Close()

	_, err := m.Offer(dec("10"), dec("1"), "seller", "", "", "", "", nil, true, true)
	if _, ok := err.(*marketerrors.MarketException); !ok {
		t.Fatalf("Offer() on closed market err = %v, want MarketException", err)
	}
}

func TestOfferIndexesAndNotifies(t *testing.T) {
	t.Parallel()
	m := newTestMarket(false)

	var got []types.MarketEvent
	m.AddListener(func(e types.MarketEvent) { got = append(got, e) })

	offer, err := m.Offer(dec("10"), dec("2"), "seller", "EXTERNAL", "", "", "", nil, true, true)
	if err != nil {
		t.Fatalf("Offer() err = %v", err)
	}
	if len(got) != 1 || got[0].Kind != types.EventOffer {
		t.Fatalf("listener events = %+v, want one EventOffer", got)
	}
	if _, ok := m.GetOffers()[offer.ID]; !ok {
		t.Fatalf("GetOffers() missing posted offer %s", offer.ID)
	}
}

func TestDeleteOfferNotFound(t *testing.T) {
	t.Parallel()
	m := newTestMarket(false)

	err := m.DeleteOffer("missing")
	if _, ok := err.(*marketerrors.OfferNotFoundError); !ok {
		t.Fatalf("DeleteOffer() err = %v, want OfferNotFoundError", err)
	}
}

func TestAcceptOfferFullyConsumes(t *testing.T) {
	t.Parallel()
	m := newTestMarket(false)

	offer, err := m.Offer(dec("10"), dec("2"), "seller", "", "", "", "", nil, true, true)
	if err != nil {
		t.Fatalf("Offer() err = %v", err)
	}

	trade, err := m.AcceptOffer(offer.ID, "buyer", nil, false, nil, "", "", "")
	if err != nil {
		t.Fatalf("AcceptOffer() err = %v", err)
	}
	if trade.HasResidual() {
		t.Fatalf("trade has residual for full acceptance: %+v", trade)
	}
	if _, ok := m.GetOffers()[offer.ID]; ok {
		t.Fatalf("offer %s still open after full acceptance", offer.ID)
	}
	if !m.AccumulatedTradeEnergy().Equal(dec("2")) {
		t.Fatalf("AccumulatedTradeEnergy() = %s, want 2", m.AccumulatedTradeEnergy())
	}
}

func TestAcceptOfferPartialProducesResidual(t *testing.T) {
	t.Parallel()
	m := newTestMarket(false)

	offer, err := m.Offer(dec("10"), dec("2"), "seller", "", "", "", "", nil, true, true)
	if err != nil {
		t.Fatalf("Offer() err = %v", err)
	}

	partial := dec("0.5")
	trade, err := m.AcceptOffer(offer.ID, "buyer", &partial, false, nil, "", "", "")
	if err != nil {
		t.Fatalf("AcceptOffer() err = %v", err)
	}
	if !trade.HasResidual() {
		t.Fatalf("expected residual for partial acceptance")
	}
	if !trade.Offer.Energy.Equal(partial) {
		t.Fatalf("accepted offer energy = %s, want %s", trade.Offer.Energy, partial)
	}
	residualOffers := m.GetOffers()
	if len(residualOffers) != 1 {
		t.Fatalf("GetOffers() = %d entries, want 1 residual", len(residualOffers))
	}
	for _, ro := range residualOffers {
		if !ro.Energy.Equal(dec("1.5")) {
			t.Fatalf("residual offer energy = %s, want 1.5", ro.Energy)
		}
	}
}

func TestAcceptOfferRejectsEnergyAboveOfferEnergy(t *testing.T) {
	t.Parallel()
	m := newTestMarket(false)

	offer, err := m.Offer(dec("10"), dec("2"), "seller", "", "", "", "", nil, true, true)
	if err != nil {
		t.Fatalf("Offer() err = %v", err)
	}

	tooMuch := dec("5")
	_, err = m.AcceptOffer(offer.ID, "buyer", &tooMuch, false, nil, "", "", "")
	if _, ok := err.(*marketerrors.InvalidTradeError); !ok {
		t.Fatalf("AcceptOffer(energy > offer.energy) err = %v, want InvalidTradeError", err)
	}
}

func TestBidUnavailableOnOneSidedMarket(t *testing.T) {
	t.Parallel()
	m := newTestMarket(false)

	_, err := m.Bid(dec("5"), dec("1"), "buyer", "", "", "", "", nil, true, true)
	if _, ok := err.(*marketerrors.WrongMarketTypeError); !ok {
		t.Fatalf("Bid() on one-sided market err = %v, want WrongMarketTypeError", err)
	}
}

func TestAcceptBidOfferPairSettlesBothSides(t *testing.T) {
	t.Parallel()
	m := newTestMarket(true)

	offer, err := m.Offer(dec("10"), dec("2"), "seller", "", "", "", "", nil, true, true)
	if err != nil {
		t.Fatalf("Offer() err = %v", err)
	}
	bid, err := m.Bid(dec("12"), dec("2"), "buyer", "", "", "", "", nil, true, true)
	if err != nil {
		t.Fatalf("Bid() err = %v", err)
	}

	clearingRate := dec("5.5")
	tradeInfo := types.TradeBidOfferInfo{
		OriginalBidRate:     bid.OriginalBidPrice.Div(bid.Energy),
		PropagatedBidRate:   bid.Price.Div(bid.Energy),
		OriginalOfferRate:   offer.OriginalPrice.Div(offer.Energy),
		PropagatedOfferRate: offer.Price.Div(offer.Energy),
		TradeRate:           clearingRate,
	}

	bidTrade, offerTrade, err := m.AcceptBidOfferPair(bid, offer, clearingRate, dec("2"), tradeInfo)
	if err != nil {
		t.Fatalf("AcceptBidOfferPair() err = %v", err)
	}
	if offerTrade.AlreadyTracked {
		t.Fatalf("offer-side trade unexpectedly marked already-tracked")
	}
	if !bidTrade.AlreadyTracked {
		t.Fatalf("bid-side trade must be already-tracked to avoid double counting")
	}
	if len(m.GetOffers()) != 0 || len(m.GetBids()) != 0 {
		t.Fatalf("expected both offer and bid fully consumed")
	}
	if !m.AccumulatedTradeEnergy().Equal(dec("2")) {
		t.Fatalf("AccumulatedTradeEnergy() = %s, want 2 (not double-counted)", m.AccumulatedTradeEnergy())
	}
}

func TestAcceptBidOfferPairRejectsClearingRateOutsideBounds(t *testing.T) {
	t.Parallel()
	m := newTestMarket(true)

	offer, _ := m.Offer(dec("10"), dec("2"), "seller", "", "", "", "", nil, true, true)
	bid, _ := m.Bid(dec("12"), dec("2"), "buyer", "", "", "", "", nil, true, true)

	tooHigh := dec("100")
	_, _, err := m.AcceptBidOfferPair(bid, offer, tooHigh, dec("2"), types.TradeBidOfferInfo{TradeRate: tooHigh})
	if _, ok := err.(*marketerrors.InvalidTradeError); !ok {
		t.Fatalf("AcceptBidOfferPair(clearingRate out of bounds) err = %v, want InvalidTradeError", err)
	}
}

func TestMatchRecommendationReplacesResidualReferences(t *testing.T) {
	t.Parallel()
	m := newTestMarket(true)

	offer, _ := m.Offer(dec("10"), dec("4"), "seller", "", "", "", "", nil, true, true)
	bidA, _ := m.Bid(dec("6"), dec("1"), "buyer-a", "", "", "", "", nil, true, true)
	bidB, _ := m.Bid(dec("6"), dec("1"), "buyer-b", "", "", "", "", nil, true, true)

	recs := []types.Recommendation{
		{Bid: bidA, Offer: offer, SelectedEnergy: dec("1"), TradeRate: dec("2.5")},
		{Bid: bidB, Offer: offer, SelectedEnergy: dec("1"), TradeRate: dec("2.5")},
	}

	m.MatchRecommendation(recs)
	if len(m.Trades()) != 4 {
		t.Fatalf("Trades() = %d, want 4 (2 offer-side + 2 bid-side)", len(m.Trades()))
	}
}
