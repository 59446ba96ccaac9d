package storage

import (
	"time"

	"auction_go/internal/domain"
)

type commandRow struct {
	ID        uint      `gorm:"primaryKey"`
	ListingID string    `gorm:"uniqueIndex:idx_command_seq;not null"`
	Seq       uint64    `gorm:"uniqueIndex:idx_command_seq;not null"`
	Kind      string    `gorm:"not null"`
	Payload   []byte    `gorm:"not null"`
	At        time.Time `gorm:"not null"`
	CreatedAt time.Time
}

func (commandRow) TableName() string { return "commands" }

type factsRow struct {
	ID                     string `gorm:"primaryKey"`
	SellerID               string
	StartPrice             int64
	StepPrice              int64
	BuyNowPrice            *int64
	ClosesAt               time.Time
	AutoExtendEnabled      bool
	OpenToAllBidders       bool
	ExtendThresholdSeconds *int64
	ExtendDurationSeconds  *int64
	CreatedAt              time.Time
}

func (factsRow) TableName() string { return "listing_facts" }

func factsFromDomain(f domain.ListingFacts) factsRow {
	row := factsRow{
		ID:                f.ID,
		SellerID:          f.SellerID,
		StartPrice:        int64(f.StartPrice),
		StepPrice:         int64(f.StepPrice),
		BuyNowPrice:       amountPtr(f.BuyNowPrice),
		ClosesAt:          f.ClosesAt,
		AutoExtendEnabled: f.AutoExtendEnabled,
		OpenToAllBidders:  f.OpenToAllBidders,
	}
	if f.Policy != nil {
		threshold, duration := f.Policy.ExtendThresholdSeconds, f.Policy.ExtendDurationSeconds
		row.ExtendThresholdSeconds = &threshold
		row.ExtendDurationSeconds = &duration
	}
	return row
}

func (r factsRow) toDomain() domain.ListingFacts {
	f := domain.ListingFacts{
		ID:                r.ID,
		SellerID:          r.SellerID,
		StartPrice:        domain.Amount(r.StartPrice),
		StepPrice:         domain.Amount(r.StepPrice),
		BuyNowPrice:       toAmountPtr(r.BuyNowPrice),
		ClosesAt:          r.ClosesAt,
		AutoExtendEnabled: r.AutoExtendEnabled,
		OpenToAllBidders:  r.OpenToAllBidders,
	}
	if r.ExtendThresholdSeconds != nil && r.ExtendDurationSeconds != nil {
		f.Policy = &domain.AuctionPolicy{
			ExtendThresholdSeconds: *r.ExtendThresholdSeconds,
			ExtendDurationSeconds:  *r.ExtendDurationSeconds,
		}
	}
	return f
}

type listingRow struct {
	ID                string `gorm:"primaryKey"`
	SellerID          string `gorm:"index"`
	StartPrice        int64
	StepPrice         int64
	BuyNowPrice       *int64
	CurrentPrice      *int64
	ClosesAt          time.Time
	Status            string `gorm:"index"`
	WinnerID          *string
	AutoExtendEnabled bool
	OpenToAllBidders  bool
	UpdatedAt         time.Time
}

func (listingRow) TableName() string { return "listings" }

func listingFromDomain(l domain.Listing) listingRow {
	row := listingRow{
		ID:                l.ID,
		SellerID:          l.SellerID,
		StartPrice:        int64(l.StartPrice),
		StepPrice:         int64(l.StepPrice),
		BuyNowPrice:       amountPtr(l.BuyNowPrice),
		CurrentPrice:      amountPtr(l.CurrentPrice),
		ClosesAt:          l.ClosesAt,
		Status:            string(l.Status),
		AutoExtendEnabled: l.AutoExtendEnabled,
		OpenToAllBidders:  l.OpenToAllBidders,
	}
	if l.WinnerID != nil {
		w := *l.WinnerID
		row.WinnerID = &w
	}
	return row
}

func (r listingRow) toDomain() domain.Listing {
	l := domain.Listing{
		ID:                r.ID,
		SellerID:          r.SellerID,
		StartPrice:        domain.Amount(r.StartPrice),
		StepPrice:         domain.Amount(r.StepPrice),
		BuyNowPrice:       toAmountPtr(r.BuyNowPrice),
		CurrentPrice:      toAmountPtr(r.CurrentPrice),
		ClosesAt:          r.ClosesAt,
		Status:            domain.Status(r.Status),
		AutoExtendEnabled: r.AutoExtendEnabled,
		OpenToAllBidders:  r.OpenToAllBidders,
	}
	if r.WinnerID != nil {
		w := *r.WinnerID
		l.WinnerID = &w
	}
	return l
}

type priceEventRow struct {
	ID             string `gorm:"primaryKey"`
	ListingID      string `gorm:"index;not null"`
	Seq            uint64
	LeaderID       string
	Amount         int64
	IsSystemDriven bool
	Valid          bool
	OccurredAt     time.Time
}

func (priceEventRow) TableName() string { return "price_events" }

func priceEventFromDomain(e domain.PriceEvent) priceEventRow {
	return priceEventRow{
		ID:             e.ID,
		ListingID:      e.ListingID,
		Seq:            e.Seq,
		LeaderID:       e.LeaderID,
		Amount:         int64(e.Amount),
		IsSystemDriven: e.IsSystemDriven,
		Valid:          e.Valid,
		OccurredAt:     e.OccurredAt,
	}
}

func (r priceEventRow) toDomain() domain.PriceEvent {
	return domain.PriceEvent{
		ID:             r.ID,
		ListingID:      r.ListingID,
		Seq:            r.Seq,
		LeaderID:       r.LeaderID,
		Amount:         domain.Amount(r.Amount),
		IsSystemDriven: r.IsSystemDriven,
		Valid:          r.Valid,
		OccurredAt:     r.OccurredAt,
	}
}

// commitmentRow keeps the sealed maximum for audit. It never leaves the
// storage layer except as a domain.MaxBid.
type commitmentRow struct {
	ID          string `gorm:"primaryKey"`
	ListingID   string `gorm:"uniqueIndex:idx_commitment_bidder;not null"`
	BidderID    string `gorm:"uniqueIndex:idx_commitment_bidder;not null"`
	MaxAmount   int64
	Active      bool
	SubmittedAt time.Time
	Seq         uint64
}

func (commitmentRow) TableName() string { return "commitments" }

func commitmentFromDomain(c domain.Commitment) commitmentRow {
	return commitmentRow{
		ID:          c.ID,
		ListingID:   c.ListingID,
		BidderID:    c.BidderID,
		MaxAmount:   int64(c.Max.Amount()),
		Active:      c.Active,
		SubmittedAt: c.SubmittedAt,
		Seq:         c.Seq,
	}
}

func (r commitmentRow) toDomain() domain.Commitment {
	return domain.Commitment{
		ID:          r.ID,
		ListingID:   r.ListingID,
		BidderID:    r.BidderID,
		Max:         domain.NewMaxBid(domain.Amount(r.MaxAmount)),
		Active:      r.Active,
		SubmittedAt: r.SubmittedAt,
		Seq:         r.Seq,
	}
}

type settlementRow struct {
	ID              string `gorm:"primaryKey"`
	ListingID       string `gorm:"uniqueIndex;not null"`
	Outcome         string
	WinnerID        string
	Price           *int64
	LosingBidderIDs []string `gorm:"serializer:json"`
	SettledAt       time.Time
}

func (settlementRow) TableName() string { return "settlements" }

func settlementFromDomain(s domain.Settlement) settlementRow {
	return settlementRow{
		ID:              s.ID,
		ListingID:       s.ListingID,
		Outcome:         string(s.Outcome.Kind),
		WinnerID:        s.Outcome.WinnerID,
		Price:           amountPtr(s.Outcome.Price),
		LosingBidderIDs: s.LosingBidderIDs,
		SettledAt:       s.SettledAt,
	}
}

func (r settlementRow) toDomain() domain.Settlement {
	return domain.Settlement{
		ID:        r.ID,
		ListingID: r.ListingID,
		Outcome: domain.Outcome{
			Kind:     domain.OutcomeKind(r.Outcome),
			WinnerID: r.WinnerID,
			Price:    toAmountPtr(r.Price),
		},
		LosingBidderIDs: r.LosingBidderIDs,
		SettledAt:       r.SettledAt,
	}
}

// BidderReputation is the reputation score a bidder carries into eligibility checks.
type BidderReputation struct {
	UserID    string  `gorm:"primaryKey"`
	Score     float64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (BidderReputation) TableName() string { return "bidder_reputations" }

func amountPtr(a *domain.Amount) *int64 {
	if a == nil {
		return nil
	}
	v := int64(*a)
	return &v
}

func toAmountPtr(v *int64) *domain.Amount {
	if v == nil {
		return nil
	}
	a := domain.Amount(*v)
	return &a
}
