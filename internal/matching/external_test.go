package matching

import (
	"context"
	"testing"

	"energymarket-sim/pkg/types"
)

func TestExternalMatcherValidateDropsStaleRecommendation(t *testing.T) {
	t.Parallel()

	offers := []types.Offer{offer("o1", "seller", "10", "2")}
	bids := []types.Bid{bid("b1", "buyer", "15", "2")}

	recs := []types.Recommendation{
		{Bid: bids[0], Offer: offers[0], SelectedEnergy: dec("2"), TradeRate: dec("6")},
		{Bid: types.Bid{ID: "stale", Price: dec("1"), Energy: dec("1")}, Offer: offers[0], SelectedEnergy: dec("1"), TradeRate: dec("6")},
	}

	m := NewExternalMatcher(4)
	survivors := m.Validate(context.Background(), bids, offers, recs)
	if len(survivors) != 1 {
		t.Fatalf("len(survivors) = %d, want 1", len(survivors))
	}
	if survivors[0].Bid.ID != "b1" {
		t.Fatalf("survivor bid id = %s, want b1", survivors[0].Bid.ID)
	}
}

func TestExternalMatcherValidateRejectsRateOutsideTolerance(t *testing.T) {
	t.Parallel()

	offers := []types.Offer{offer("o1", "seller", "10", "2")} // rate 5
	bids := []types.Bid{bid("b1", "buyer", "20", "2")}        // rate 10

	recs := []types.Recommendation{
		{Bid: bids[0], Offer: offers[0], SelectedEnergy: dec("2"), TradeRate: dec("100")},
	}

	m := NewExternalMatcher(2)
	survivors := m.Validate(context.Background(), bids, offers, recs)
	if len(survivors) != 0 {
		t.Fatalf("len(survivors) = %d, want 0 for out-of-tolerance trade rate", len(survivors))
	}
}
