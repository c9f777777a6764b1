// Package marketerrors defines the error taxonomy shared by market and
// storage: each kind is a distinct type so
// callers can discriminate with errors.As instead of string matching.
package marketerrors

import "fmt"

// OfferNotFoundError is raised when an operation references an offer id
// no longer present in the market.
type OfferNotFoundError struct {
	OfferID string
}

func (e *OfferNotFoundError) Error() string {
	return fmt.Sprintf("offer not found: %s", e.OfferID)
}

// BidNotFoundError mirrors OfferNotFoundError for the bid side.
type BidNotFoundError struct {
	BidID string
}

func (e *BidNotFoundError) Error() string {
	return fmt.Sprintf("bid not found: %s", e.BidID)
}

// InvalidOfferError signals a programmer error: non-positive energy.
// Never retried. A negative post-fee price is a MarketException.
type InvalidOfferError struct {
	Reason string
}

func (e *InvalidOfferError) Error() string {
	return fmt.Sprintf("invalid offer: %s", e.Reason)
}

// InvalidBidError mirrors InvalidOfferError for the bid side.
type InvalidBidError struct {
	Reason string
}

func (e *InvalidBidError) Error() string {
	return fmt.Sprintf("invalid bid: %s", e.Reason)
}

// InvalidTradeError signals a requested trade energy outside (0, order.energy].
type InvalidTradeError struct {
	Reason string
}

func (e *InvalidTradeError) Error() string {
	return fmt.Sprintf("invalid trade: %s", e.Reason)
}

// MarketException covers read-only markets, capacity exhaustion, and
// races with concurrent deletion. Callers are expected to catch this and
// try the next offer/bid rather than propagate it.
type MarketException struct {
	Reason string
}

func (e *MarketException) Error() string {
	return fmt.Sprintf("market exception: %s", e.Reason)
}

// WrongMarketTypeError is a fatal configuration error raised at startup
// (or at market-cycle boundaries for alternative pricing schemes) when a
// selected mode is unrecognized.
type WrongMarketTypeError struct {
	Reason string
}

func (e *WrongMarketTypeError) Error() string {
	return fmt.Sprintf("wrong market type: %s", e.Reason)
}
