// Package matching implements the recommendation engines (C3): given a
// snapshot of open bids and offers, each produces a sequence of
// (bid, offer, selected_energy, trade_rate) recommendations for the
// market to apply via MatchRecommendation. None of the engines mutate
// the snapshot passed in — they operate on copies sorted to their own
// needs.
package matching

import (
	"sort"

	"github.com/shopspring/decimal"

	"energymarket-sim/pkg/types"
)

// Recommender produces trade recommendations from an open order
// snapshot. Implementations never mutate their input slices.
type Recommender interface {
	Match(bids []types.Bid, offers []types.Offer) []types.Recommendation
}

func offerRate(o types.Offer) decimal.Decimal { return o.Price.Div(o.Energy) }
func bidRate(b types.Bid) decimal.Decimal     { return b.Price.Div(b.Energy) }

// PayAsBid matches ascending-rate offers against descending-rate bids,
// settling each trade at the accepted bid's own rate.
type PayAsBid struct{}

// Match sorts offers ascending and bids descending by rate (stable, so
// insertion order breaks ties), then greedily pairs the cheapest open
// offer against the richest open bid whose rate still covers it,
// walking forward as each side is partially or fully consumed.
func (PayAsBid) Match(bids []types.Bid, offers []types.Offer) []types.Recommendation {
	sortedOffers := append([]types.Offer(nil), offers...)
	sort.SliceStable(sortedOffers, func(i, j int) bool {
		return offerRate(sortedOffers[i]).LessThan(offerRate(sortedOffers[j]))
	})
	sortedBids := append([]types.Bid(nil), bids...)
	sort.SliceStable(sortedBids, func(i, j int) bool {
		return bidRate(sortedBids[i]).GreaterThan(bidRate(sortedBids[j]))
	})

	remainingOffer := make([]decimal.Decimal, len(sortedOffers))
	for i, o := range sortedOffers {
		remainingOffer[i] = o.Energy
	}
	remainingBid := make([]decimal.Decimal, len(sortedBids))
	for i, b := range sortedBids {
		remainingBid[i] = b.Energy
	}

	var recs []types.Recommendation
	bidCursor := 0
	for oi, offer := range sortedOffers {
		for remainingOffer[oi].Sign() > 0 {
			bi := -1
			for j := bidCursor; j < len(sortedBids); j++ {
				if remainingBid[j].Sign() <= 0 {
					continue
				}
				if sortedBids[j].Buyer == offer.Seller {
					continue
				}
				if bidRate(sortedBids[j]).LessThan(offerRate(offer)) {
					break
				}
				bi = j
				break
			}
			if bi == -1 {
				break
			}

			selected := remainingOffer[oi]
			if remainingBid[bi].LessThan(selected) {
				selected = remainingBid[bi]
			}

			recs = append(recs, types.Recommendation{
				Bid:            sortedBids[bi],
				Offer:          offer,
				SelectedEnergy: selected,
				TradeRate:      bidRate(sortedBids[bi]),
			})

			remainingOffer[oi] = remainingOffer[oi].Sub(selected)
			remainingBid[bi] = remainingBid[bi].Sub(selected)
			if remainingBid[bi].Sign() <= 0 {
				bidCursor = bi + 1
			}
		}
	}
	return recs
}

// PayAsClear finds a uniform clearing rate from supply/demand curves and
// pairs trades FIFO at that single rate.
type PayAsClear struct{}

// Match builds the ascending supply curve and descending demand curve,
// finds the highest rate at which cumulative supply does not exceed
// cumulative demand, and pairs offers against bids in FIFO acceptance
// order at that rate.
func (PayAsClear) Match(bids []types.Bid, offers []types.Offer) []types.Recommendation {
	sortedOffers := append([]types.Offer(nil), offers...)
	sort.SliceStable(sortedOffers, func(i, j int) bool {
		return offerRate(sortedOffers[i]).LessThan(offerRate(sortedOffers[j]))
	})
	sortedBids := append([]types.Bid(nil), bids...)
	sort.SliceStable(sortedBids, func(i, j int) bool {
		return bidRate(sortedBids[i]).GreaterThan(bidRate(sortedBids[j]))
	})

	clearingRate, ok := clearingPrice(sortedBids, sortedOffers)
	if !ok {
		return nil
	}

	var eligibleOffers []types.Offer
	for _, o := range sortedOffers {
		if offerRate(o).LessThanOrEqual(clearingRate) {
			eligibleOffers = append(eligibleOffers, o)
		}
	}
	var eligibleBids []types.Bid
	for _, b := range sortedBids {
		if bidRate(b).GreaterThanOrEqual(clearingRate) {
			eligibleBids = append(eligibleBids, b)
		}
	}

	remainingOffer := make([]decimal.Decimal, len(eligibleOffers))
	for i, o := range eligibleOffers {
		remainingOffer[i] = o.Energy
	}
	remainingBid := make([]decimal.Decimal, len(eligibleBids))
	for i, b := range eligibleBids {
		remainingBid[i] = b.Energy
	}

	var recs []types.Recommendation
	bi := 0
	for oi, offer := range eligibleOffers {
		for remainingOffer[oi].Sign() > 0 && bi < len(eligibleBids) {
			for bi < len(eligibleBids) && remainingBid[bi].Sign() <= 0 {
				bi++
			}
			if bi >= len(eligibleBids) {
				break
			}
			if eligibleBids[bi].Buyer == offer.Seller {
				bi++
				continue
			}

			selected := remainingOffer[oi]
			if remainingBid[bi].LessThan(selected) {
				selected = remainingBid[bi]
			}

			recs = append(recs, types.Recommendation{
				Bid:            eligibleBids[bi],
				Offer:          offer,
				SelectedEnergy: selected,
				TradeRate:      clearingRate,
			})

			remainingOffer[oi] = remainingOffer[oi].Sub(selected)
			remainingBid[bi] = remainingBid[bi].Sub(selected)
		}
	}
	return recs
}

// clearingPrice returns the highest offer rate p such that cumulative
// supply at p does not exceed cumulative demand at p. If no such
// intersection exists (e.g. the cheapest offer already outprices the
// richest bid), it returns false.
func clearingPrice(sortedBids []types.Bid, sortedOffers []types.Offer) (decimal.Decimal, bool) {
	if len(sortedBids) == 0 || len(sortedOffers) == 0 {
		return decimal.Zero, false
	}

	totalDemand := decimal.Zero
	for _, b := range sortedBids {
		totalDemand = totalDemand.Add(b.Energy)
	}

	cumulativeSupply := decimal.Zero
	best := decimal.Zero
	found := false
	for _, o := range sortedOffers {
		cumulativeSupply = cumulativeSupply.Add(o.Energy)
		demandAtRate := cumulativeDemandAtRate(sortedBids, offerRate(o))
		if cumulativeSupply.LessThanOrEqual(demandAtRate) {
			best = offerRate(o)
			found = true
		} else {
			break
		}
	}
	if !found {
		return decimal.Zero, false
	}
	return best, true
}

func cumulativeDemandAtRate(sortedBids []types.Bid, rate decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, b := range sortedBids {
		if bidRate(b).GreaterThanOrEqual(rate) {
			total = total.Add(b.Energy)
		}
	}
	return total
}
