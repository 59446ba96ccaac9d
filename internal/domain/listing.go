package domain

import (
	"math"
	"strconv"
	"time"
)

// Amount is a monetary value in minor currency units.
// All prices on the bidding path are strictly int64.
type Amount int64

// MaxAmount is the largest representable amount.
const MaxAmount = Amount(math.MaxInt64)

// Plus returns a+b, saturating at MaxAmount.
func (a Amount) Plus(b Amount) Amount {
	if b > 0 && a > MaxAmount-b {
		return MaxAmount
	}
	return a + b
}

// String returns the decimal representation of the amount.
func (a Amount) String() string {
	return strconv.FormatInt(int64(a), 10)
}

// Status is the lifecycle state of a listing.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusSold      Status = "SOLD"
	StatusNoSale    Status = "NO_SALE"
	StatusCancelled Status = "CANCELLED"
	StatusSuspended Status = "SUSPENDED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSold, StatusNoSale, StatusCancelled, StatusSuspended:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> next is a forward lifecycle step.
// PENDING -> ACTIVE -> {SOLD, NO_SALE, CANCELLED, SUSPENDED}; PENDING may also
// be cancelled or suspended before bidding opens.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusCancelled || next == StatusSuspended
	case StatusActive:
		return next.IsTerminal()
	default:
		return false
	}
}

// AuctionPolicy controls soft-close behaviour.
type AuctionPolicy struct {
	ExtendThresholdSeconds int64 `json:"extend_threshold_seconds" yaml:"extend_threshold_seconds"`
	ExtendDurationSeconds  int64 `json:"extend_duration_seconds" yaml:"extend_duration_seconds"`
}

// ExtendThreshold returns the threshold as a duration.
func (p AuctionPolicy) ExtendThreshold() time.Duration {
	return time.Duration(p.ExtendThresholdSeconds) * time.Second
}

// ExtendDuration returns the extension as a duration.
func (p AuctionPolicy) ExtendDuration() time.Duration {
	return time.Duration(p.ExtendDurationSeconds) * time.Second
}

// ListingFacts are the catalog-supplied inputs used to open a listing.
type ListingFacts struct {
	ID                string         `json:"id"`
	SellerID          string         `json:"seller_id"`
	StartPrice        Amount         `json:"start_price"`
	StepPrice         Amount         `json:"step_price"`
	BuyNowPrice       *Amount        `json:"buy_now_price,omitempty"`
	ClosesAt          time.Time      `json:"closes_at"`
	AutoExtendEnabled bool           `json:"auto_extend_enabled"`
	OpenToAllBidders  bool           `json:"open_to_all_bidders"`
	Policy            *AuctionPolicy `json:"policy,omitempty"`
}

// Validate checks the static pricing rules of the facts.
func (f ListingFacts) Validate() error {
	switch {
	case f.ID == "":
		return &ConfigError{Field: "id", Err: ErrInvalidListing}
	case f.StepPrice <= 0:
		return &ConfigError{Field: "step_price", Err: ErrInvalidListing}
	case f.StartPrice < 0:
		return &ConfigError{Field: "start_price", Err: ErrInvalidListing}
	case f.BuyNowPrice != nil && *f.BuyNowPrice < f.StartPrice:
		return &ConfigError{Field: "buy_now_price", Err: ErrInvalidListing}
	case f.BuyNowPrice != nil && (*f.BuyNowPrice-f.StartPrice)%f.StepPrice != 0:
		// buy-now clamps the visible price, so it must sit on the step grid
		return &ConfigError{Field: "buy_now_price", Err: ErrInvalidListing}
	case f.ClosesAt.IsZero():
		return &ConfigError{Field: "closes_at", Err: ErrInvalidListing}
	}
	return nil
}

// Listing is the engine's view of one auction.
type Listing struct {
	ID                string    `json:"id"`
	SellerID          string    `json:"seller_id"`
	StartPrice        Amount    `json:"start_price"`
	StepPrice         Amount    `json:"step_price"`
	BuyNowPrice       *Amount   `json:"buy_now_price,omitempty"`
	CurrentPrice      *Amount   `json:"current_price,omitempty"`
	ClosesAt          time.Time `json:"closes_at"`
	Status            Status    `json:"status"`
	WinnerID          *string   `json:"winner_id,omitempty"`
	AutoExtendEnabled bool      `json:"auto_extend_enabled"`
	OpenToAllBidders  bool      `json:"open_to_all_bidders"`
}

// NewListing creates a PENDING listing from catalog facts.
func NewListing(f ListingFacts) Listing {
	l := Listing{
		ID:                f.ID,
		SellerID:          f.SellerID,
		StartPrice:        f.StartPrice,
		StepPrice:         f.StepPrice,
		ClosesAt:          f.ClosesAt,
		Status:            StatusPending,
		AutoExtendEnabled: f.AutoExtendEnabled,
		OpenToAllBidders:  f.OpenToAllBidders,
	}
	if f.BuyNowPrice != nil {
		v := *f.BuyNowPrice
		l.BuyNowPrice = &v
	}
	return l
}

// Clone returns a deep copy safe to hand out to readers.
func (l Listing) Clone() Listing {
	out := l
	if l.BuyNowPrice != nil {
		v := *l.BuyNowPrice
		out.BuyNowPrice = &v
	}
	if l.CurrentPrice != nil {
		v := *l.CurrentPrice
		out.CurrentPrice = &v
	}
	if l.WinnerID != nil {
		v := *l.WinnerID
		out.WinnerID = &v
	}
	return out
}

// Leader returns the provisional winner or "".
func (l Listing) Leader() string {
	if l.WinnerID == nil {
		return ""
	}
	return *l.WinnerID
}

// IsAligned reports whether amount sits on the listing's price grid.
func (l Listing) IsAligned(amount Amount) bool {
	return (amount-l.StartPrice)%l.StepPrice == 0
}
