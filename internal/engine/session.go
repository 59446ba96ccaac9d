package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"auction_go/internal/commitment"
	"auction_go/internal/domain"
	"auction_go/internal/infra"
	"auction_go/internal/resolution"
	"auction_go/internal/settlement"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultMinReputation is the marketplace-wide reputation gate.
var DefaultMinReputation = decimal.RequireFromString("0.80")

// Settler hands terminal listings to the settlement dispatcher.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (domain.Settlement, bool, error)
}

// SessionConfig holds the marketplace rules a session applies.
// A nil MinReputation means DefaultMinReputation.
type SessionConfig struct {
	Policy        domain.AuctionPolicy
	MinReputation *decimal.Decimal
}

// SessionDeps are the collaborators of a session.
type SessionDeps struct {
	Store   *commitment.Store
	Settler Settler
	Sink    domain.EventSink
	Metrics *infra.Metrics
	Logger  *slog.Logger
}

// Update is the result of one applied command.
type Update struct {
	Listing    domain.Listing     `json:"listing"`
	PriceEvent *domain.PriceEvent `json:"price_event,omitempty"`
	Extended   bool               `json:"extended,omitempty"`
	Settlement *domain.Settlement `json:"settlement,omitempty"`
	Changed    bool               `json:"-"`
}

// Session owns one listing's lifecycle. It is not safe for concurrent use:
// every call must come from the listing's sequencer goroutine.
type Session struct {
	listing domain.Listing
	policy  domain.AuctionPolicy
	minRep  decimal.Decimal
	ledger  []domain.PriceEvent
	kicked  map[string]string // bidderID -> reason

	store   *commitment.Store
	settler Settler
	sink    domain.EventSink
	metrics *infra.Metrics
	logger  *slog.Logger

	muted bool // replay: no outbound price events
}

// NewSession creates a PENDING session from catalog facts.
// A per-listing policy in the facts overrides cfg.Policy.
func NewSession(facts domain.ListingFacts, cfg SessionConfig, deps SessionDeps) (*Session, error) {
	if err := facts.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		deps.Store = commitment.NewStore()
	}
	if deps.Sink == nil {
		deps.Sink = domain.NopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = infra.GlobalMetrics
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Settler == nil {
		deps.Settler = settlement.NewDispatcher(nil, nil, deps.Sink, deps.Logger)
	}
	minRep := DefaultMinReputation
	if cfg.MinReputation != nil {
		minRep = *cfg.MinReputation
	}

	policy := cfg.Policy
	if facts.Policy != nil {
		policy = *facts.Policy
	}

	return &Session{
		listing: domain.NewListing(facts),
		policy:  policy,
		minRep:  minRep,
		kicked:  make(map[string]string),
		store:   deps.Store,
		settler: deps.Settler,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		logger:  deps.Logger.With(slog.String("listing", facts.ID)),
	}, nil
}

// Listing returns a copy of the listing.
func (s *Session) Listing() domain.Listing {
	return s.listing.Clone()
}

// Ledger returns a copy of the price ledger.
func (s *Session) Ledger() []domain.PriceEvent {
	out := make([]domain.PriceEvent, len(s.ledger))
	copy(out, s.ledger)
	return out
}

// Commitments returns every commitment on the listing, active or not, by bidder.
func (s *Session) Commitments() []domain.Commitment {
	bidders := s.store.Bidders(s.listing.ID)
	out := make([]domain.Commitment, 0, len(bidders))
	for _, b := range bidders {
		if c, ok := s.store.Get(s.listing.ID, b); ok {
			out = append(out, c)
		}
	}
	return out
}

// Policy returns the effective soft-close policy.
func (s *Session) Policy() domain.AuctionPolicy {
	return s.policy
}

// SetMuted toggles outbound price events, used while replaying the command log.
func (s *Session) SetMuted(muted bool) {
	s.muted = muted
}

// State returns everything the invariant checks and state dumps look at.
func (s *Session) State() domain.ListingState {
	return domain.ListingState{
		Listing:   s.Listing(),
		Ledger:    s.Ledger(),
		LeaderMax: s.leaderMax(),
	}
}

// Activate opens the listing for bidding.
func (s *Session) Activate(_ context.Context, now time.Time) (Update, error) {
	l := &s.listing
	if l.Status != domain.StatusPending {
		return Update{}, &domain.StateError{ListingID: l.ID, Status: l.Status,
			Err: fmt.Errorf("activate: %w", domain.ErrListingNotActive)}
	}
	if !l.ClosesAt.After(now) {
		return Update{}, &domain.StateError{ListingID: l.ID, Status: l.Status,
			Err: fmt.Errorf("closes_at %s already passed: %w", l.ClosesAt.Format(time.RFC3339), domain.ErrInvalidListing)}
	}

	before := l.Clone()
	l.Status = domain.StatusActive
	s.store.Open(l.ID)

	if err := s.verify(before, false); err != nil {
		return Update{}, err
	}
	s.logger.Info("Listing activated", slog.Time("closes_at", l.ClosesAt))
	return Update{Listing: s.Listing(), Changed: true}, nil
}

// SubmitCommitment places or raises a bidder's sealed maximum and re-resolves
// the listing. reputation is the bidder's score in [0,1].
func (s *Session) SubmitCommitment(ctx context.Context, bidderID string, maxAmount domain.Amount, reputation float64, now time.Time) (Update, error) {
	l := &s.listing
	if l.Status != domain.StatusActive {
		return Update{}, domain.NewNotActive(l.ID, l.Status)
	}

	// 1. Past the deadline the pending expiry settles the listing
	if !now.Before(l.ClosesAt) {
		return Update{}, &domain.StateError{ListingID: l.ID, Status: l.Status,
			Err: fmt.Errorf("bidding closed at %s: %w", l.ClosesAt.Format(time.RFC3339), domain.ErrListingNotActive)}
	}

	// 2. Eligibility
	if err := s.checkEligible(bidderID, reputation); err != nil {
		return Update{}, err
	}

	// 3. Minimum and price grid
	minimum := s.minimumAcceptable(bidderID)
	if maxAmount < minimum {
		return Update{}, domain.NewBidTooLow(minimum)
	}
	if !l.IsAligned(maxAmount) {
		return Update{}, domain.NewInvalidStepAlignment()
	}
	if limit := domain.MaxAmount - l.StepPrice; maxAmount > limit {
		return Update{}, domain.NewAmountTooHigh(limit)
	}

	before := l.Clone()
	prevLeader := l.Leader()

	// 4. Upsert, then resolve in full
	rules := commitment.Rules{Minimum: minimum, Start: l.StartPrice, Step: l.StepPrice}
	if _, err := s.store.Upsert(l.ID, bidderID, maxAmount, rules, now); err != nil {
		return Update{}, err
	}
	res, ok := resolution.Resolve(s.store.ActiveCommitments(l.ID), l.StartPrice, l.StepPrice)
	if !ok {
		return Update{}, &domain.InvariantViolation{ListingID: l.ID, Detail: "RESOLVE_EMPTY_AFTER_UPSERT"}
	}

	buyNow := l.BuyNowPrice != nil && res.VisiblePrice >= *l.BuyNowPrice
	price := res.VisiblePrice
	if buyNow {
		price = *l.BuyNowPrice
	}

	upd := Update{Changed: true}

	// 5. Ledger append on leader or price change
	if res.LeaderID != prevLeader || l.CurrentPrice == nil || price != *l.CurrentPrice {
		ev := s.appendPrice(res.LeaderID, price, bidderID != res.LeaderID, now)
		upd.PriceEvent = &ev
	}

	var losers []string
	if prevLeader != "" && prevLeader != res.LeaderID {
		losers = append(losers, prevLeader)
	}
	if bidderID != res.LeaderID && bidderID != prevLeader {
		losers = append(losers, bidderID)
	}

	if buyNow {
		// 6. Buy-now short circuit
		l.Status = domain.StatusSold
		l.ClosesAt = now
		dropped := s.store.Seal(l.ID, res.LeaderID)

		if err := s.verify(before, false); err != nil {
			return Update{}, err
		}
		s.publishPrice(ctx, losers, now)
		upd.Settlement = s.settle(ctx, domain.OutcomeBuyNow, res.LeaderID, dropped, now)
		upd.Listing = s.Listing()
		return upd, nil
	}

	// 7. Soft close
	if l.AutoExtendEnabled && l.ClosesAt.Sub(now) <= s.policy.ExtendThreshold() {
		if next := now.Add(s.policy.ExtendDuration()); next.After(l.ClosesAt) {
			l.ClosesAt = next
			upd.Extended = true
			s.metrics.RecordExtension()
			s.logger.Info("Deadline extended", slog.Time("closes_at", next))
		}
	}

	if err := s.verify(before, false); err != nil {
		return Update{}, err
	}
	if upd.PriceEvent != nil {
		s.publishPrice(ctx, losers, now)
	}
	upd.Listing = s.Listing()
	return upd, nil
}

// KickBidder removes a bidder's commitment. Price events led by the bidder
// are flagged invalid, never rewritten, and the listing is re-resolved.
func (s *Session) KickBidder(ctx context.Context, bidderID, reason string, now time.Time) (Update, error) {
	l := &s.listing
	if l.Status != domain.StatusActive {
		return Update{}, domain.NewNotActive(l.ID, l.Status)
	}
	if !s.store.Deactivate(l.ID, bidderID) {
		return Update{}, &domain.StateError{ListingID: l.ID, Status: l.Status,
			Err: fmt.Errorf("kick %s: %w", bidderID, domain.ErrNoCommitment)}
	}

	before := l.Clone()
	s.kicked[bidderID] = reason
	for i := range s.ledger {
		if s.ledger[i].LeaderID == bidderID {
			s.ledger[i].Valid = false
		}
	}

	upd := Update{Changed: true}
	res, ok := resolution.Resolve(s.store.ActiveCommitments(l.ID), l.StartPrice, l.StepPrice)
	if ok {
		// A kicked runner-up can leave leader and price untouched
		if res.LeaderID != before.Leader() || before.CurrentPrice == nil || res.VisiblePrice != *before.CurrentPrice {
			ev := s.appendPrice(res.LeaderID, res.VisiblePrice, true, now)
			upd.PriceEvent = &ev
		}
	} else {
		// Every remaining valid event belongs to a bidder still holding a
		// commitment, so with none left this is nil.
		l.CurrentPrice = domain.ReplayPrice(s.ledger)
		l.WinnerID = nil
	}

	if err := s.verify(before, true); err != nil {
		return Update{}, err
	}

	s.logger.Info("Bidder kicked",
		slog.String("bidder", bidderID),
		slog.String("reason", reason),
		slog.String("leader", l.Leader()))

	if upd.PriceEvent != nil || (before.CurrentPrice != nil && l.CurrentPrice == nil) {
		s.publishPrice(ctx, nil, now)
	}
	upd.Listing = s.Listing()
	return upd, nil
}

// ExpireIfDue closes the listing once its deadline has passed. Before the
// deadline it is a no-op, which makes early or duplicate timers harmless.
func (s *Session) ExpireIfDue(ctx context.Context, now time.Time) (Update, error) {
	l := &s.listing
	if l.Status != domain.StatusActive {
		return Update{}, domain.NewNotActive(l.ID, l.Status)
	}
	if now.Before(l.ClosesAt) {
		return Update{Listing: s.Listing()}, nil
	}

	before := l.Clone()
	res, ok := resolution.Resolve(s.store.ActiveCommitments(l.ID), l.StartPrice, l.StepPrice)

	kind := domain.OutcomeNoSale
	winner := ""
	if ok {
		kind = domain.OutcomeSold
		winner = res.LeaderID
		l.Status = domain.StatusSold
		l.WinnerID = &winner
	} else {
		l.Status = domain.StatusNoSale
		l.WinnerID = nil
	}
	losers := s.store.Seal(l.ID, winner)

	if err := s.verify(before, false); err != nil {
		return Update{}, err
	}

	upd := Update{Changed: true}
	upd.Settlement = s.settle(ctx, kind, winner, losers, now)
	upd.Listing = s.Listing()
	return upd, nil
}

// Cancel withdraws the listing on the seller's request.
func (s *Session) Cancel(_ context.Context, reason string, now time.Time) (Update, error) {
	return s.terminate(domain.StatusCancelled, reason, now)
}

// Suspend takes the listing down for moderation.
func (s *Session) Suspend(_ context.Context, reason string, now time.Time) (Update, error) {
	return s.terminate(domain.StatusSuspended, reason, now)
}

func (s *Session) terminate(status domain.Status, reason string, now time.Time) (Update, error) {
	l := &s.listing
	if !l.Status.CanTransition(status) {
		return Update{}, domain.NewNotActive(l.ID, l.Status)
	}

	before := l.Clone()
	l.Status = status
	l.WinnerID = nil
	dropped := s.store.Seal(l.ID, "")

	if err := s.verify(before, false); err != nil {
		return Update{}, err
	}
	s.logger.Info("Listing withdrawn",
		slog.String("status", string(status)),
		slog.String("reason", reason),
		slog.Int("commitments_dropped", len(dropped)),
		slog.Time("at", now))
	return Update{Listing: s.Listing(), Changed: true}, nil
}

func (s *Session) checkEligible(bidderID string, reputation float64) error {
	if bidderID == "" {
		return domain.NewNotEligible("missing bidder id")
	}
	if s.listing.SellerID != "" && bidderID == s.listing.SellerID {
		return domain.NewNotEligible("seller cannot bid on own listing")
	}
	if reason, ok := s.kicked[bidderID]; ok {
		return domain.NewNotEligible("removed by seller (" + reason + ")")
	}
	if s.listing.OpenToAllBidders {
		return nil
	}
	score := decimal.NewFromFloat(reputation)
	if score.LessThan(s.minRep) {
		return domain.NewNotEligible(fmt.Sprintf("reputation %s below %s", score.StringFixed(2), s.minRep.StringFixed(2)))
	}
	return nil
}

// minimumAcceptable is the lowest max the bidder may submit right now.
func (s *Session) minimumAcceptable(bidderID string) domain.Amount {
	l := s.listing
	minimum := l.StartPrice
	if l.CurrentPrice != nil {
		minimum = l.CurrentPrice.Plus(l.StepPrice)
	}
	if c, ok := s.store.Get(l.ID, bidderID); ok && c.Active {
		minimum = max(minimum, c.Max.Amount().Plus(l.StepPrice))
	}
	return minimum
}

func (s *Session) appendPrice(leaderID string, amount domain.Amount, systemDriven bool, now time.Time) domain.PriceEvent {
	ev := domain.PriceEvent{
		ID:             uuid.NewString(),
		ListingID:      s.listing.ID,
		Seq:            uint64(len(s.ledger) + 1),
		LeaderID:       leaderID,
		Amount:         amount,
		IsSystemDriven: systemDriven,
		Valid:          true,
		OccurredAt:     now,
	}
	s.ledger = append(s.ledger, ev)

	price := amount
	leader := leaderID
	s.listing.CurrentPrice = &price
	s.listing.WinnerID = &leader

	s.metrics.RecordPriceChange()
	return ev
}

func (s *Session) leaderMax() *domain.Amount {
	leader := s.listing.Leader()
	if leader == "" {
		return nil
	}
	c, ok := s.store.Get(s.listing.ID, leader)
	if !ok || !c.Active {
		return nil
	}
	v := c.Max.Amount()
	return &v
}

func (s *Session) verify(before domain.Listing, priceMayDrop bool) error {
	state := domain.ListingState{Listing: s.listing, Ledger: s.ledger, LeaderMax: s.leaderMax()}
	if err := state.VerifyInvariant(); err != nil {
		return err
	}
	return domain.VerifyTransition(before, s.listing, priceMayDrop)
}

func (s *Session) publishPrice(ctx context.Context, outbid []string, now time.Time) {
	if s.muted {
		return
	}
	l := s.listing.Clone()
	ev := &domain.PriceChanged{
		ListingID:    l.ID,
		LeaderID:     l.Leader(),
		Price:        l.CurrentPrice,
		OutbidLosers: outbid,
		ClosesAt:     l.ClosesAt,
		OccurredAt:   now,
	}
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.metrics.RecordPublishError()
		s.logger.Warn("Price publish failed", slog.Any("error", err))
	}
}

func (s *Session) settle(ctx context.Context, kind domain.OutcomeKind, winner string, losers []string, now time.Time) *domain.Settlement {
	outcome := domain.Outcome{Kind: kind}
	if kind != domain.OutcomeNoSale {
		price := *s.listing.CurrentPrice
		outcome.WinnerID = winner
		outcome.Price = &price
	}

	st, fresh, err := s.settler.Settle(ctx, settlement.Request{
		Listing:         s.listing.Clone(),
		Outcome:         outcome,
		LosingBidderIDs: losers,
		At:              now,
	})
	if err != nil {
		if domain.IsRetriable(err) {
			s.metrics.RecordPublishError()
		}
		s.logger.Warn("Settlement incomplete", slog.Any("error", err))
	}
	if fresh {
		s.metrics.RecordSettlement()
	}
	if st.ListingID == "" {
		return nil
	}
	return &st
}
