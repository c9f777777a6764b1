package matching

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"energymarket-sim/pkg/types"
)

// ExternalMatcher exposes a (bids, offers) snapshot to an out-of-process
// matcher over the bus and revalidates whatever recommendations it
// returns before handing them to the market. Revalidation of distinct
// recommendations is independent (each check only reads the snapshot's
// bid and offer ids and never mutates the market), so it runs
// on a bounded worker pool sized per config instead of sequentially.
type ExternalMatcher struct {
	workers int
}

// NewExternalMatcher builds an ExternalMatcher bounded to workers
// concurrent validations (spec default: 10).
func NewExternalMatcher(workers int) *ExternalMatcher {
	if workers <= 0 {
		workers = 10
	}
	return &ExternalMatcher{workers: workers}
}

// Validate checks each recommendation's referenced ids still exist in
// the snapshot and its rate bounds hold, concurrently, returning only
// the survivors in their original relative order.
func (m *ExternalMatcher) Validate(ctx context.Context, bids []types.Bid, offers []types.Offer, recs []types.Recommendation) []types.Recommendation {
	offerByID := make(map[string]types.Offer, len(offers))
	for _, o := range offers {
		offerByID[o.ID] = o
	}
	bidByID := make(map[string]types.Bid, len(bids))
	for _, b := range bids {
		bidByID[b.ID] = b
	}

	results := make([]bool, len(recs))
	p := pool.New().WithMaxGoroutines(m.workers)
	for i, rec := range recs {
		i, rec := i, rec
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			results[i] = validateRecommendation(rec, bidByID, offerByID)
		})
	}
	p.Wait()

	survivors := make([]types.Recommendation, 0, len(recs))
	for i, ok := range results {
		if ok {
			survivors = append(survivors, recs[i])
		}
	}
	return survivors
}

func validateRecommendation(rec types.Recommendation, bidByID map[string]types.Bid, offerByID map[string]types.Offer) bool {
	bid, ok := bidByID[rec.Bid.ID]
	if !ok {
		return false
	}
	offer, ok := offerByID[rec.Offer.ID]
	if !ok {
		return false
	}
	if rec.SelectedEnergy.Sign() <= 0 {
		return false
	}
	if rec.SelectedEnergy.GreaterThan(bid.Energy) || rec.SelectedEnergy.GreaterThan(offer.Energy) {
		return false
	}
	bidRateVal := bidRate(bid)
	offerRateVal := offerRate(offer)
	if rec.TradeRate.GreaterThan(bidRateVal.Add(types.FloatingPointTolerance)) {
		return false
	}
	if rec.TradeRate.LessThan(offerRateVal.Sub(types.FloatingPointTolerance)) {
		return false
	}
	return true
}
