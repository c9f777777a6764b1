// Package fee implements the grid-fee engine (C2): price adjustment on
// offer/bid ingress and the fee/revenue split computed at trade
// settlement. Two variants are provided, selected by market
// configuration — constant per-kWh and percentage-of-rate — behind a
// shared Engine interface so Market never branches on which is active.
package fee

import "energymarket-sim/pkg/types"

import "github.com/shopspring/decimal"

// Engine adjusts offer/bid prices on ingress and computes the fee and
// settlement price at trade time.
type Engine interface {
	// UpdateIncomingOfferPrice returns the post-fee price for an
	// incoming offer of the given price/energy.
	UpdateIncomingOfferPrice(price, energy decimal.Decimal) decimal.Decimal

	// UpdateIncomingBidPrice returns the post-fee price for an incoming
	// bid of the given price/energy.
	UpdateIncomingBidPrice(price, energy decimal.Decimal) decimal.Decimal

	// CalculateTradePriceAndFees computes the grid-fee portion and the
	// final settlement price for a trade of the given energy, using the
	// rate snapshot carried by the recommendation/acceptance.
	CalculateTradePriceAndFees(info types.TradeBidOfferInfo, energy decimal.Decimal) (feePrice, tradePrice decimal.Decimal)

	// PropagateOriginalOfferInfoOnBidTrade rebuilds the rate snapshot
	// for a cascaded (forwarded) market. With ignoreFees it discards the
	// fee layering already applied so the upward market reasons about
	// the original, unfee'd rates.
	PropagateOriginalOfferInfoOnBidTrade(info types.TradeBidOfferInfo, ignoreFees bool) types.TradeBidOfferInfo
}

func propagate(info types.TradeBidOfferInfo, ignoreFees bool) types.TradeBidOfferInfo {
	if !ignoreFees {
		return info
	}
	return types.TradeBidOfferInfo{
		OriginalBidRate:     info.OriginalBidRate,
		PropagatedBidRate:   info.OriginalBidRate,
		OriginalOfferRate:   info.OriginalOfferRate,
		PropagatedOfferRate: info.OriginalOfferRate,
		TradeRate:           info.OriginalBidRate,
	}
}

// ConstantFeeEngine applies a flat per-kWh surcharge on ingress and at
// settlement.
type ConstantFeeEngine struct {
	FeePerKWh decimal.Decimal
}

func (e ConstantFeeEngine) UpdateIncomingOfferPrice(price, energy decimal.Decimal) decimal.Decimal {
	return price.Add(e.FeePerKWh.Mul(energy))
}

func (e ConstantFeeEngine) UpdateIncomingBidPrice(price, energy decimal.Decimal) decimal.Decimal {
	return price.Add(e.FeePerKWh.Mul(energy))
}

func (e ConstantFeeEngine) CalculateTradePriceAndFees(info types.TradeBidOfferInfo, energy decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	feePrice := e.FeePerKWh.Mul(energy)
	tradePrice := energy.Mul(info.TradeRate)
	return feePrice, tradePrice
}

func (e ConstantFeeEngine) PropagateOriginalOfferInfoOnBidTrade(info types.TradeBidOfferInfo, ignoreFees bool) types.TradeBidOfferInfo {
	return propagate(info, ignoreFees)
}

// PercentageFeeEngine scales the offer price by (1 + Rate) on ingress
// and derives the settlement fee rate from the gap between the trade
// rate and the offer's original (pre-fee) rate. Bids are left untouched
// on ingress.
type PercentageFeeEngine struct {
	Rate decimal.Decimal
}

func (e PercentageFeeEngine) UpdateIncomingOfferPrice(price, _ decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(1).Add(e.Rate))
}

func (e PercentageFeeEngine) UpdateIncomingBidPrice(price, _ decimal.Decimal) decimal.Decimal {
	return price
}

func (e PercentageFeeEngine) CalculateTradePriceAndFees(info types.TradeBidOfferInfo, energy decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	gridFeeRate := info.TradeRate.Sub(info.OriginalOfferRate)
	if gridFeeRate.IsNegative() {
		gridFeeRate = decimal.Zero
	}
	feePrice := gridFeeRate.Mul(energy)
	tradePrice := energy.Mul(info.TradeRate)
	return feePrice, tradePrice
}

func (e PercentageFeeEngine) PropagateOriginalOfferInfoOnBidTrade(info types.TradeBidOfferInfo, ignoreFees bool) types.TradeBidOfferInfo {
	return propagate(info, ignoreFees)
}
