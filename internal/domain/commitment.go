package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxBid is a bidder's sealed maximum.
// The value can only grow and never leaks through fmt or JSON.
type MaxBid struct {
	amount Amount
}

// NewMaxBid wraps an initial maximum.
func NewMaxBid(amount Amount) MaxBid {
	return MaxBid{amount: amount}
}

// Amount returns the sealed value. Only engine code should call this.
func (m MaxBid) Amount() Amount {
	return m.amount
}

// Raise returns a MaxBid at the new amount. Lowering is rejected.
func (m MaxBid) Raise(to Amount) (MaxBid, error) {
	if to < m.amount {
		return m, fmt.Errorf("max bid cannot decrease from %d to %d: %w", m.amount, to, ErrBidTooLow)
	}
	return MaxBid{amount: to}, nil
}

// String hides the amount.
func (m MaxBid) String() string {
	return "[sealed]"
}

// GoString hides the amount from %#v.
func (m MaxBid) GoString() string {
	return "domain.MaxBid{[sealed]}"
}

// MarshalJSON hides the amount.
func (m MaxBid) MarshalJSON() ([]byte, error) {
	return json.Marshal("sealed")
}

// Commitment is one bidder's standing proxy bid on one listing.
type Commitment struct {
	ID          string    `json:"id"`
	ListingID   string    `json:"listing_id"`
	BidderID    string    `json:"bidder_id"`
	Max         MaxBid    `json:"max"`
	Active      bool      `json:"active"`
	SubmittedAt time.Time `json:"submitted_at"`
	Seq         uint64    `json:"seq"` // store-wide update order
}

// PriceEvent is one entry of a listing's public price ledger.
type PriceEvent struct {
	ID             string    `json:"id"`
	ListingID      string    `json:"listing_id"`
	Seq            uint64    `json:"seq"`
	LeaderID       string    `json:"leader_id"`
	Amount         Amount    `json:"amount"`
	IsSystemDriven bool      `json:"is_system_driven"`
	Valid          bool      `json:"valid"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// ReplayPrice derives the visible price from a ledger: the amount of the
// last valid event, or nil.
func ReplayPrice(ledger []PriceEvent) *Amount {
	for i := len(ledger) - 1; i >= 0; i-- {
		if ledger[i].Valid {
			v := ledger[i].Amount
			return &v
		}
	}
	return nil
}
