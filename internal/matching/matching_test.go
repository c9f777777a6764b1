package matching

import (
	"testing"

	"github.com/shopspring/decimal"

	"energymarket-sim/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func offer(id, seller, price, energy string) types.Offer {
	return types.Offer{ID: id, Seller: seller, Price: dec(price), Energy: dec(energy), OriginalPrice: dec(price)}
}

func bid(id, buyer, price, energy string) types.Bid {
	return types.Bid{ID: id, Buyer: buyer, Price: dec(price), Energy: dec(energy), OriginalBidPrice: dec(price)}
}

func TestPayAsBidMatchesHighestBidToCheapestOffer(t *testing.T) {
	t.Parallel()

	offers := []types.Offer{offer("o1", "seller", "20", "2")} // rate 10
	bids := []types.Bid{
		bid("b1", "buyer-low", "18", "2"),  // rate 9, below offer rate
		bid("b2", "buyer-high", "24", "2"), // rate 12
	}

	recs := PayAsBid{}.Match(bids, offers)
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1", len(recs))
	}
	if recs[0].Bid.ID != "b2" {
		t.Fatalf("matched bid = %s, want b2 (highest rate covering the offer)", recs[0].Bid.ID)
	}
	if !recs[0].TradeRate.Equal(dec("12")) {
		t.Fatalf("TradeRate = %s, want bid's own rate 12 (pay-as-bid)", recs[0].TradeRate)
	}
}

func TestPayAsBidSkipsSelfTrade(t *testing.T) {
	t.Parallel()

	offers := []types.Offer{offer("o1", "same-party", "10", "1")}
	bids := []types.Bid{bid("b1", "same-party", "15", "1")}

	recs := PayAsBid{}.Match(bids, offers)
	if len(recs) != 0 {
		t.Fatalf("len(recs) = %d, want 0 (self-trade must be skipped)", len(recs))
	}
}

func TestPayAsBidPartialFillContinuesMatching(t *testing.T) {
	t.Parallel()

	offers := []types.Offer{offer("o1", "seller", "20", "4")} // rate 5
	bids := []types.Bid{
		bid("b1", "buyer-a", "6", "1"), // rate 6
		bid("b2", "buyer-b", "6", "3"), // rate 6 — but deeper, iterates with insertion-order ties
	}

	recs := PayAsBid{}.Match(bids, offers)
	var totalEnergy decimal.Decimal
	for _, r := range recs {
		totalEnergy = totalEnergy.Add(r.SelectedEnergy)
	}
	if !totalEnergy.Equal(dec("4")) {
		t.Fatalf("total matched energy = %s, want 4 (entire offer consumed)", totalEnergy)
	}
}

func TestPayAsClearFindsUniformClearingRate(t *testing.T) {
	t.Parallel()

	offers := []types.Offer{
		offer("o1", "s1", "10", "2"), // rate 5
		offer("o2", "s2", "21", "3"), // rate 7
	}
	bids := []types.Bid{
		bid("b1", "b1", "24", "3"), // rate 8
		bid("b2", "b2", "12", "2"), // rate 6
	}

	recs := PayAsClear{}.Match(bids, offers)
	if len(recs) == 0 {
		t.Fatalf("expected at least one recommendation")
	}
	for _, r := range recs {
		if !r.TradeRate.Equal(recs[0].TradeRate) {
			t.Fatalf("all recommendations must share the uniform clearing rate: got %s and %s", r.TradeRate, recs[0].TradeRate)
		}
	}
}

func TestPayAsClearNoIntersectionProducesNoTrades(t *testing.T) {
	t.Parallel()

	offers := []types.Offer{offer("o1", "s1", "100", "1")} // rate 100
	bids := []types.Bid{bid("b1", "b1", "5", "1")}          // rate 5

	recs := PayAsClear{}.Match(bids, offers)
	if len(recs) != 0 {
		t.Fatalf("len(recs) = %d, want 0 when supply never undercuts demand", len(recs))
	}
}
