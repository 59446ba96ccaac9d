// Package service is the caller-facing facade over the engine: it resolves
// reputation, checks seller ownership and keeps deadlines scheduled.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"auction_go/internal/domain"
	"auction_go/internal/engine"
	"auction_go/internal/scheduler"
)

// FactsStore keeps the catalog facts a listing was opened with, so it can be
// recovered after a restart.
type FactsStore interface {
	SaveFacts(ctx context.Context, facts domain.ListingFacts) error
}

// Options configure the service.
type Options struct {
	SweepInterval time.Duration
	Clock         func() time.Time
	Facts         FactsStore // optional
	Logger        *slog.Logger
}

// AuctionService routes bidder and seller actions into the engine.
type AuctionService struct {
	engine     *engine.Engine
	reputation domain.ReputationProvider
	deadlines  *scheduler.Deadlines
	facts      FactsStore
	now        func() time.Time
	logger     *slog.Logger
}

// NewAuctionService creates a new AuctionService instance
func NewAuctionService(eng *engine.Engine, reputation domain.ReputationProvider, opts Options) *AuctionService {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if reputation == nil {
		reputation = domain.NewStaticReputation(nil)
	}
	s := &AuctionService{
		engine:     eng,
		reputation: reputation,
		facts:      opts.Facts,
		now:        opts.Clock,
		logger:     opts.Logger,
	}
	s.deadlines = scheduler.New(s.expire, opts.SweepInterval, opts.Clock, opts.Logger)
	return s
}

// Start begins deadline sweeping.
func (s *AuctionService) Start(ctx context.Context) error {
	return s.deadlines.Start(ctx)
}

// Stop halts deadline processing.
func (s *AuctionService) Stop() {
	s.deadlines.Stop()
}

// Deadlines exposes the scheduler (read-only use).
func (s *AuctionService) Deadlines() *scheduler.Deadlines {
	return s.deadlines
}

// OpenListing registers a PENDING listing from catalog facts.
func (s *AuctionService) OpenListing(ctx context.Context, facts domain.ListingFacts) (engine.Snapshot, error) {
	if err := facts.Validate(); err != nil {
		return engine.Snapshot{}, err
	}
	if s.facts != nil {
		if err := s.facts.SaveFacts(ctx, facts); err != nil {
			return engine.Snapshot{}, fmt.Errorf("save facts for %s: %w", facts.ID, err)
		}
	}
	return s.engine.Open(facts)
}

// RecoverListing rebuilds a listing from the command log and re-arms its deadline.
func (s *AuctionService) RecoverListing(ctx context.Context, facts domain.ListingFacts) (engine.Snapshot, error) {
	snap, err := s.engine.Recover(ctx, facts)
	if err != nil {
		return engine.Snapshot{}, err
	}
	if snap.Listing.Status == domain.StatusActive {
		s.deadlines.Schedule(snap.Listing.ID, snap.Listing.ClosesAt)
	}
	return snap, nil
}

// Activate opens bidding and schedules the closing deadline.
func (s *AuctionService) Activate(ctx context.Context, listingID string) (engine.Update, error) {
	upd, err := s.engine.Do(ctx, listingID, engine.Activate(s.now()))
	if err != nil {
		return engine.Update{}, err
	}
	s.deadlines.Schedule(listingID, upd.Listing.ClosesAt)
	return upd, nil
}

// PlaceBid submits or raises a bidder's sealed maximum.
func (s *AuctionService) PlaceBid(ctx context.Context, listingID, bidderID string, maxAmount domain.Amount) (engine.Update, error) {
	snap, err := s.engine.Snapshot(listingID)
	if err != nil {
		return engine.Update{}, err
	}

	var score float64
	if !snap.Listing.OpenToAllBidders {
		score, err = s.reputation.ReputationScore(ctx, bidderID)
		if err != nil {
			return engine.Update{}, fmt.Errorf("reputation lookup for %s: %w", bidderID, err)
		}
	}

	upd, err := s.engine.Do(ctx, listingID, engine.Submit(bidderID, maxAmount, score, s.now()))
	if err != nil {
		s.logRejection(listingID, "submit", err)
		return engine.Update{}, err
	}
	s.track(upd.Listing)
	return upd, nil
}

// KickBidder removes a bidder on the seller's request.
func (s *AuctionService) KickBidder(ctx context.Context, listingID, sellerID, bidderID, reason string) (engine.Update, error) {
	if err := s.requireSeller(listingID, sellerID); err != nil {
		return engine.Update{}, err
	}
	upd, err := s.engine.Do(ctx, listingID, engine.Kick(bidderID, reason, s.now()))
	if err != nil {
		s.logRejection(listingID, "kick", err)
		return engine.Update{}, err
	}
	return upd, nil
}

// CancelListing withdraws the listing on the seller's request.
func (s *AuctionService) CancelListing(ctx context.Context, listingID, sellerID, reason string) (engine.Update, error) {
	if err := s.requireSeller(listingID, sellerID); err != nil {
		return engine.Update{}, err
	}
	upd, err := s.engine.Do(ctx, listingID, engine.Cancel(reason, s.now()))
	if err != nil {
		return engine.Update{}, err
	}
	s.track(upd.Listing)
	return upd, nil
}

// SuspendListing takes a listing down for moderation.
func (s *AuctionService) SuspendListing(ctx context.Context, listingID, reason string) (engine.Update, error) {
	upd, err := s.engine.Do(ctx, listingID, engine.Suspend(reason, s.now()))
	if err != nil {
		return engine.Update{}, err
	}
	s.track(upd.Listing)
	return upd, nil
}

// GetListing returns the last committed state of a listing.
func (s *AuctionService) GetListing(listingID string) (engine.Snapshot, error) {
	return s.engine.Snapshot(listingID)
}

// History returns the public price ledger, including invalidated entries.
func (s *AuctionService) History(listingID string) ([]domain.PriceEvent, error) {
	snap, err := s.engine.Snapshot(listingID)
	if err != nil {
		return nil, err
	}
	return snap.Ledger, nil
}

// GetAllListings returns every listing sorted by id
func (s *AuctionService) GetAllListings() []engine.Snapshot {
	ids := s.engine.Listings()
	result := make([]engine.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := s.engine.Snapshot(id); err == nil {
			result = append(result, snap)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Listing.ID < result[j].Listing.ID
	})
	return result
}

func (s *AuctionService) requireSeller(listingID, sellerID string) error {
	snap, err := s.engine.Snapshot(listingID)
	if err != nil {
		return err
	}
	if snap.Listing.SellerID != sellerID {
		return &domain.StateError{ListingID: listingID, Status: snap.Listing.Status, Err: domain.ErrNotSeller}
	}
	return nil
}

// track keeps the scheduler in line with the listing's deadline.
func (s *AuctionService) track(l domain.Listing) {
	switch {
	case l.Status.IsTerminal():
		s.deadlines.Cancel(l.ID)
	case l.Status == domain.StatusActive:
		s.deadlines.Schedule(l.ID, l.ClosesAt)
	}
}

func (s *AuctionService) expire(ctx context.Context, listingID string, now time.Time) (time.Time, bool, error) {
	upd, err := s.engine.Do(ctx, listingID, engine.Expire(now))
	if err != nil {
		return time.Time{}, false, err
	}
	return upd.Listing.ClosesAt, upd.Listing.Status == domain.StatusActive, nil
}

func (s *AuctionService) logRejection(listingID, op string, err error) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		s.logger.Debug("Command rejected",
			slog.String("listing", listingID),
			slog.String("op", op),
			slog.String("code", ve.Code))
		return
	}
	s.logger.Info("Command failed",
		slog.String("listing", listingID),
		slog.String("op", op),
		slog.Any("error", err))
}
