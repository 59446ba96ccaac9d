package domain

import (
	"time"
)

// OutboundType names an outbound event kind.
type OutboundType string

const (
	OutboundPriceChanged   OutboundType = "price_changed"
	OutboundAuctionSettled OutboundType = "auction_settled"
	OutboundOrderRequested OutboundType = "order_creation_requested"
)

// Outbound is an event emitted by the engine for external collaborators.
type Outbound interface {
	Type() OutboundType
	Listing() string
	// Subject is the routing key, e.g. "auction.price.<listing>".
	Subject() string
}

// PriceChanged is raised whenever a price event is appended.
type PriceChanged struct {
	ListingID    string    `json:"listing_id"`
	LeaderID     string    `json:"leader_id,omitempty"`
	Price        *Amount   `json:"price,omitempty"`
	OutbidLosers []string  `json:"outbid_losers,omitempty"`
	ClosesAt     time.Time `json:"closes_at"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (e *PriceChanged) Type() OutboundType { return OutboundPriceChanged }
func (e *PriceChanged) Listing() string    { return e.ListingID }
func (e *PriceChanged) Subject() string    { return "auction.price." + e.ListingID }

// OutcomeKind is the settlement result.
type OutcomeKind string

const (
	OutcomeSold   OutcomeKind = "SOLD"
	OutcomeNoSale OutcomeKind = "NO_SALE"
	OutcomeBuyNow OutcomeKind = "BUY_NOW"
)

// Outcome is what a listing settled to.
type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	WinnerID string      `json:"winner_id,omitempty"`
	Price    *Amount     `json:"price,omitempty"`
}

// HasWinner reports whether the outcome transfers the item.
func (o Outcome) HasWinner() bool {
	return o.Kind != OutcomeNoSale && o.WinnerID != ""
}

// Status maps the outcome to the listing's terminal status.
func (o Outcome) Status() Status {
	if o.Kind == OutcomeNoSale {
		return StatusNoSale
	}
	return StatusSold
}

// Settlement is the recorded, final result of a listing.
type Settlement struct {
	ID              string    `json:"id"`
	ListingID       string    `json:"listing_id"`
	Outcome         Outcome   `json:"outcome"`
	LosingBidderIDs []string  `json:"losing_bidder_ids"`
	SettledAt       time.Time `json:"settled_at"`
}

// AuctionSettled is emitted exactly once per settled listing.
type AuctionSettled struct {
	ListingID       string      `json:"listing_id"`
	Outcome         OutcomeKind `json:"outcome"`
	WinnerID        string      `json:"winner_id,omitempty"`
	Price           *Amount     `json:"price,omitempty"`
	LosingBidderIDs []string    `json:"losing_bidder_ids"`
	SettledAt       time.Time   `json:"settled_at"`
}

func (e *AuctionSettled) Type() OutboundType { return OutboundAuctionSettled }
func (e *AuctionSettled) Listing() string    { return e.ListingID }
func (e *AuctionSettled) Subject() string    { return "auction.settled." + e.ListingID }

// OrderCreationRequested asks the order collaborator to create an order for the winner.
type OrderCreationRequested struct {
	ListingID   string    `json:"listing_id"`
	SellerID    string    `json:"seller_id"`
	BuyerID     string    `json:"buyer_id"`
	Price       Amount    `json:"price"`
	BuyNow      bool      `json:"buy_now"`
	RequestedAt time.Time `json:"requested_at"`
}

func (e *OrderCreationRequested) Type() OutboundType { return OutboundOrderRequested }
func (e *OrderCreationRequested) Listing() string    { return e.ListingID }
func (e *OrderCreationRequested) Subject() string    { return "auction.order." + e.ListingID }
