package api

import (
	"time"

	"github.com/shopspring/decimal"

	"energymarket-sim/pkg/types"
)

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

var decimal0 = decimal.Zero

// DashboardEvent is the wrapper for all events sent to the dashboard.
type DashboardEvent struct {
	Type      string      `json:"type"`      // "snapshot", "offer", "bid", "trade"
	Timestamp time.Time   `json:"timestamp"`
	MarketID  string      `json:"market_id"`
	Data      interface{} `json:"data"`
}

// OfferEvent represents a posted or deleted offer.
type OfferEvent struct {
	OfferID string  `json:"offer_id"`
	Seller  string  `json:"seller"`
	Price   float64 `json:"price"`
	Energy  float64 `json:"energy"`
	Deleted bool    `json:"deleted"`
}

// BidEvent represents a posted or deleted bid.
type BidEvent struct {
	BidID   string  `json:"bid_id"`
	Buyer   string  `json:"buyer"`
	Price   float64 `json:"price"`
	Energy  float64 `json:"energy"`
	Deleted bool    `json:"deleted"`
}

// TradeEvent represents a matched trade.
type TradeEvent struct {
	TradeID string  `json:"trade_id"`
	Seller  string  `json:"seller"`
	Buyer   string  `json:"buyer"`
	Energy  float64 `json:"energy"`
}

// NewOfferEvent builds a dashboard offer event from a market event.
func NewOfferEvent(evt types.MarketEvent) (OfferEvent, bool) {
	switch evt.Kind {
	case types.EventOffer:
		o := evt.Offer
		return OfferEvent{OfferID: o.ID, Seller: o.Seller, Price: toFloat(o.Price), Energy: toFloat(o.Energy)}, true
	case types.EventOfferDeleted:
		o := evt.Offer
		return OfferEvent{OfferID: o.ID, Seller: o.Seller, Deleted: true}, true
	default:
		return OfferEvent{}, false
	}
}

// NewBidEvent builds a dashboard bid event from a market event.
func NewBidEvent(evt types.MarketEvent) (BidEvent, bool) {
	switch evt.Kind {
	case types.EventBid:
		b := evt.Bid
		return BidEvent{BidID: b.ID, Buyer: b.Buyer, Price: toFloat(b.Price), Energy: toFloat(b.Energy)}, true
	case types.EventBidDeleted:
		b := evt.Bid
		return BidEvent{BidID: b.ID, Buyer: b.Buyer, Deleted: true}, true
	default:
		return BidEvent{}, false
	}
}

// NewTradeEvent builds a dashboard trade event from a market event.
func NewTradeEvent(evt types.MarketEvent) (TradeEvent, bool) {
	if evt.Trade == nil {
		return TradeEvent{}, false
	}
	t := evt.Trade
	energy := decimal0
	if t.Offer != nil {
		energy = t.Offer.Energy
	} else if t.Bid != nil {
		energy = t.Bid.Energy
	}
	return TradeEvent{TradeID: t.ID, Seller: t.Seller, Buyer: t.Buyer, Energy: toFloat(energy)}, true
}
