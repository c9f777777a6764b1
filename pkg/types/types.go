// Package types holds the data model shared across the market, fee,
// matching, scheduler and storage packages: offers, bids, trades, the
// trade-rate snapshot carried through a cascade of markets, and the
// listener event enum.
//
// Money and energy are shopspring/decimal values throughout, not
// float64: the conservation invariants checked elsewhere in this module
// are exact-arithmetic statements and decimal avoids accumulating
// binary-floating-point drift across a long tick sequence.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Origin tags a unit of storage or a trade counterparty by where the
// energy entered the area tree.
type Origin int

const (
	OriginUnknown Origin = iota
	OriginExternal
	OriginLocal
)

func (o Origin) String() string {
	switch o {
	case OriginExternal:
		return "EXTERNAL"
	case OriginLocal:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

// FeeType selects the grid-fee variant a market applies on ingress and at
// trade settlement.
type FeeType int

const (
	FeeTypeConstant FeeType = iota
	FeeTypePercentage
)

// Offer is a sell order posted into a Market.
type Offer struct {
	ID             string
	CreationTime   time.Time
	Price          decimal.Decimal // total price for Energy, post-fee
	Energy         decimal.Decimal // kWh
	Seller         string
	SellerOrigin   string
	SellerOriginID string
	SellerID       string
	OriginalPrice  decimal.Decimal // pre-fee price, preserved across splits
}

// Rate returns price/energy; callers must guard Energy == 0 themselves,
// matching the spec's invariant that a posted Offer always has energy > 0.
func (o Offer) Rate() decimal.Decimal {
	return o.Price.Div(o.Energy)
}

// Bid is a buy order posted into a two-sided Market.
type Bid struct {
	ID               string
	CreationTime     time.Time
	Price            decimal.Decimal
	Energy           decimal.Decimal
	Buyer            string
	BuyerOrigin      string
	BuyerOriginID    string
	BuyerID          string
	OriginalBidPrice decimal.Decimal
}

func (b Bid) Rate() decimal.Decimal {
	return b.Price.Div(b.Energy)
}

// TradeBidOfferInfo is the immutable rate snapshot carried by a Trade so
// that a cascade of markets (an inter-area forwarding chain) can
// reconstruct the fee lineage without re-deriving it from scratch.
type TradeBidOfferInfo struct {
	OriginalBidRate     decimal.Decimal
	PropagatedBidRate   decimal.Decimal
	OriginalOfferRate   decimal.Decimal
	PropagatedOfferRate decimal.Decimal
	TradeRate           decimal.Decimal
}

// Trade is an immutable settlement record. Exactly one of Offer or Bid is
// non-nil depending on which ingress path produced it (accept_offer vs.
// accept_bid); accept_bid_offer_pair produces one of each.
type Trade struct {
	ID             string
	Time           time.Time
	Offer          *Offer
	Bid            *Bid
	Seller         string
	Buyer          string
	SellerOrigin   string
	BuyerOrigin    string
	SellerOriginID string
	BuyerOriginID  string
	SellerID       string
	BuyerID        string
	ResidualOffer  *Offer
	ResidualBid    *Bid
	AlreadyTracked bool
	FeePrice       decimal.Decimal
	TradeInfo      *TradeBidOfferInfo
}

// Energy returns the traded energy, reading from whichever of Offer/Bid
// is present.
func (t Trade) Energy() decimal.Decimal {
	if t.Offer != nil {
		return t.Offer.Energy
	}
	if t.Bid != nil {
		return t.Bid.Energy
	}
	return decimal.Zero
}

// Price returns the traded price, reading from whichever of Offer/Bid is
// present.
func (t Trade) Price() decimal.Decimal {
	if t.Offer != nil {
		return t.Offer.Price
	}
	if t.Bid != nil {
		return t.Bid.Price
	}
	return decimal.Zero
}

// HasResidual reports whether either side of the trade produced a
// residual order (a partial fill).
func (t Trade) HasResidual() bool {
	return t.ResidualOffer != nil || t.ResidualBid != nil
}

// MarketEventKind enumerates the listener notification kinds a Market
// fires, always after the triggering state mutation has committed.
type MarketEventKind int

const (
	EventOffer MarketEventKind = iota
	EventOfferSplit
	EventOfferDeleted
	EventOfferTraded
	EventBid
	EventBidSplit
	EventBidDeleted
	EventBidTraded
)

func (k MarketEventKind) String() string {
	switch k {
	case EventOffer:
		return "OFFER"
	case EventOfferSplit:
		return "OFFER_SPLIT"
	case EventOfferDeleted:
		return "OFFER_DELETED"
	case EventOfferTraded:
		return "OFFER_TRADED"
	case EventBid:
		return "BID"
	case EventBidSplit:
		return "BID_SPLIT"
	case EventBidDeleted:
		return "BID_DELETED"
	case EventBidTraded:
		return "BID_TRADED"
	default:
		return "UNKNOWN"
	}
}

// MarketEvent is the payload delivered to listeners. Only the fields
// relevant to Kind are populated; the rest are zero values.
type MarketEvent struct {
	Kind          MarketEventKind
	MarketID      string
	Offer         *Offer
	Bid           *Bid
	OriginalOffer *Offer
	AcceptedOffer *Offer
	ResidualOffer *Offer
	OriginalBid   *Bid
	AcceptedBid   *Bid
	ResidualBid   *Bid
	Trade         *Trade
}

// Listener receives market events after the mutation that triggered them
// has committed, within the same call that triggered it.
type Listener func(MarketEvent)

// Recommendation is one (bid, offer, energy, rate) pairing produced by
// the matching engine and consumed by Market.MatchRecommendation.
type Recommendation struct {
	Bid            Bid
	Offer          Offer
	SelectedEnergy decimal.Decimal
	TradeRate      decimal.Decimal
}

// FloatingPointTolerance is the absolute tolerance the spec uses for
// "within floating tolerance" comparisons (residual energy/price,
// rate-schedule checks). Decimal arithmetic removes the need for
// tolerance on the ledger itself; this remains for the handful of
// checks the spec states explicitly in those terms.
var FloatingPointTolerance = decimal.New(1, -8)

// DecimalClose reports whether a and b differ by no more than
// FloatingPointTolerance.
func DecimalClose(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(FloatingPointTolerance)
}
