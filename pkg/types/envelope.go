package types

import "time"

// Channel names the per-market request/response and notification topics
// on the message bus (§6). Market id substitution happens at publish
// time; these are the suffixes after the market id.
type Channel string

const (
	ChannelOffer               Channel = "OFFER"
	ChannelOfferResponse       Channel = "OFFER/RESPONSE"
	ChannelDeleteOffer         Channel = "DELETE_OFFER"
	ChannelDeleteOfferResponse Channel = "DELETE_OFFER/RESPONSE"
	ChannelAcceptOffer         Channel = "ACCEPT_OFFER"
	ChannelAcceptOfferResponse Channel = "ACCEPT_OFFER/RESPONSE"
	ChannelNotifyEvent         Channel = "notify_event"
	ChannelNotifyEventResponse Channel = "notify_event/response"

	// ChannelMatchSnapshot is the outbound topic an external-matcher
	// mode market publishes its current order book on every tick.
	ChannelMatchSnapshot Channel = "match_snapshot"
	// ChannelMatchRecommendations is the inbound topic the external
	// matcher replies on with the recommendations it selected against a
	// published snapshot.
	ChannelMatchRecommendations         Channel = "MATCH_RECOMMENDATIONS"
	ChannelMatchRecommendationsResponse Channel = "MATCH_RECOMMENDATIONS/RESPONSE"
)

// RequestStatus is the status field of a bus response envelope.
type RequestStatus string

const (
	StatusReady RequestStatus = "ready"
	StatusError RequestStatus = "error"
)

// BusRequest is the inbound envelope for offer/delete_offer/accept_offer
// requests arriving over the message bus. Data carries the JSON-encoded
// operation arguments; TransactionUUID correlates the response.
type BusRequest struct {
	TransactionUUID string          `json:"transaction_uuid"`
	Data            string          `json:"data"`
}

// BusResponse is the outbound envelope replying to a BusRequest.
type BusResponse struct {
	Status          RequestStatus `json:"status"`
	TransactionUUID string        `json:"transaction_uuid"`
	Offer           *Offer        `json:"offer,omitempty"`
	Trade           *Trade        `json:"trade,omitempty"`
	Exception       string        `json:"exception,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// NotifyEventEnvelope is published on market/<id>/notify_event whenever a
// Market fires a listener event, mirroring MarketEvent over the wire.
type NotifyEventEnvelope struct {
	TransactionUUID string          `json:"transaction_uuid"`
	EventKind       string          `json:"event_type"`
	MarketID        string          `json:"market_id"`
	Offer           *Offer          `json:"offer,omitempty"`
	Bid             *Bid            `json:"bid,omitempty"`
	Trade           *Trade          `json:"trade,omitempty"`
	PublishedAt     time.Time       `json:"published_at"`
}

// OfferRequestArgs is the parsed form of a BusRequest.Data payload for
// the OFFER channel.
type OfferRequestArgs struct {
	TransactionUUID string  `json:"transaction_uuid"`
	Price           string  `json:"price"`
	Energy          string  `json:"energy"`
	Seller          string  `json:"seller"`
	SellerOrigin    string  `json:"seller_origin"`
}

// DeleteOfferRequestArgs is the parsed form of a BusRequest.Data payload
// for the DELETE_OFFER channel.
type DeleteOfferRequestArgs struct {
	TransactionUUID string `json:"transaction_uuid"`
	OfferOrID       string `json:"offer_or_id"`
}

// AcceptOfferRequestArgs is the parsed form of a BusRequest.Data payload
// for the ACCEPT_OFFER channel.
type AcceptOfferRequestArgs struct {
	TransactionUUID string  `json:"transaction_uuid"`
	OfferOrID       string  `json:"offer_or_id"`
	Buyer           string  `json:"buyer"`
	Energy          *string `json:"energy,omitempty"`
	TradeRate       *string `json:"trade_rate,omitempty"`
}

// RecommendationWire is the JSON shape of a single external-matcher
// recommendation exchanged over the bus in external-matcher mode.
type RecommendationWire struct {
	BidID          string `json:"bid_id"`
	OfferID        string `json:"offer_id"`
	SelectedEnergy string `json:"selected_energy"`
	TradeRate      string `json:"trade_rate"`
}

// MarketSnapshotWire is what the external-matcher mode publishes for a
// market: the full set of open bids/offers at the moment of publication.
type MarketSnapshotWire struct {
	MarketID    string    `json:"market_id"`
	CurrentTime time.Time `json:"current_time"`
	Offers      []Offer   `json:"offers"`
	Bids        []Bid     `json:"bids"`
}

// RecommendationsRequestArgs is the parsed form of a BusRequest.Data
// payload for the MATCH_RECOMMENDATIONS channel: the external matcher's
// reply to a published MarketSnapshotWire.
type RecommendationsRequestArgs struct {
	TransactionUUID string               `json:"transaction_uuid"`
	Recommendations []RecommendationWire `json:"recommendations"`
}
