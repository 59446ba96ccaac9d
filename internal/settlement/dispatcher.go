// Package settlement finalizes listings and raises the outbound settlement events.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auction_go/internal/domain"

	"github.com/google/uuid"
)

// Archive persists recorded settlements.
type Archive interface {
	SaveSettlement(ctx context.Context, s domain.Settlement) error
}

// Request is everything needed to finalize one listing.
type Request struct {
	Listing         domain.Listing // terminal snapshot
	Outcome         domain.Outcome
	LosingBidderIDs []string
	At              time.Time
}

// Dispatcher performs no bidding logic. It marks the listing final, emits one
// AuctionSettled and, with a winner, one OrderCreationRequested.
// Settling an already-settled listing returns the recorded result and emits
// nothing new. Deliveries that failed stay pending until a later Settle or
// RetryPending gets them through, in their original order.
type Dispatcher struct {
	mu       sync.Mutex
	settled  map[string]domain.Settlement
	pending  map[string]*delivery
	recorder domain.ListingRecorder
	archive  Archive
	sink     domain.EventSink
	logger   *slog.Logger
}

// delivery is the outstanding side effects of one settlement.
type delivery struct {
	listing  domain.Listing
	s        domain.Settlement
	recorded bool
	archived bool
	events   []domain.Outbound // unpublished, in emit order
}

// NewDispatcher creates a dispatcher. recorder and archive may be nil.
func NewDispatcher(recorder domain.ListingRecorder, archive Archive, sink domain.EventSink, logger *slog.Logger) *Dispatcher {
	if sink == nil {
		sink = domain.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		settled:  make(map[string]domain.Settlement),
		pending:  make(map[string]*delivery),
		recorder: recorder,
		archive:  archive,
		sink:     sink,
		logger:   logger,
	}
}

// Preload marks settlements recorded in an earlier run as done, so a replayed
// settle stays a no-op.
func (d *Dispatcher) Preload(settlements []domain.Settlement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range settlements {
		d.settled[s.ListingID] = s
	}
}

// Lookup returns the recorded settlement for a listing.
func (d *Dispatcher) Lookup(listingID string) (domain.Settlement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.settled[listingID]
	return s, ok
}

// Pending returns the number of settlements with undelivered side effects.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Settle finalizes the listing. fresh is false when the listing had already
// been settled; the previously recorded settlement is returned in that case.
func (d *Dispatcher) Settle(ctx context.Context, req Request) (s domain.Settlement, fresh bool, err error) {
	if !req.Listing.Status.IsTerminal() {
		return domain.Settlement{}, false, &domain.StateError{
			ListingID: req.Listing.ID, Status: req.Listing.Status,
			Err: fmt.Errorf("settle requires a terminal status: %w", domain.ErrListingNotActive),
		}
	}
	if req.Outcome.Kind != domain.OutcomeNoSale && (req.Outcome.WinnerID == "" || req.Outcome.Price == nil) {
		return domain.Settlement{}, false, &domain.InvariantViolation{
			ListingID: req.Listing.ID, Detail: "SETTLEMENT_WITHOUT_WINNER: " + string(req.Outcome.Kind),
		}
	}

	d.mu.Lock()
	if prev, ok := d.settled[req.Listing.ID]; ok {
		d.mu.Unlock()
		return prev, false, d.retry(ctx, req.Listing.ID)
	}
	s = domain.Settlement{
		ID:              uuid.NewString(),
		ListingID:       req.Listing.ID,
		Outcome:         req.Outcome,
		LosingBidderIDs: append([]string{}, req.LosingBidderIDs...),
		SettledAt:       req.At,
	}
	d.settled[req.Listing.ID] = s
	d.mu.Unlock()

	dl := &delivery{
		listing:  req.Listing,
		s:        s,
		recorded: d.recorder == nil,
		archived: d.archive == nil,
		events: []domain.Outbound{&domain.AuctionSettled{
			ListingID:       s.ListingID,
			Outcome:         s.Outcome.Kind,
			WinnerID:        s.Outcome.WinnerID,
			Price:           s.Outcome.Price,
			LosingBidderIDs: s.LosingBidderIDs,
			SettledAt:       s.SettledAt,
		}},
	}
	if s.Outcome.HasWinner() {
		dl.events = append(dl.events, &domain.OrderCreationRequested{
			ListingID:   s.ListingID,
			SellerID:    req.Listing.SellerID,
			BuyerID:     s.Outcome.WinnerID,
			Price:       *s.Outcome.Price,
			BuyNow:      s.Outcome.Kind == domain.OutcomeBuyNow,
			RequestedAt: s.SettledAt,
		})
	}

	err = d.deliver(ctx, dl)

	d.logger.Info("Listing settled",
		slog.String("listing", s.ListingID),
		slog.String("outcome", string(s.Outcome.Kind)),
		slog.String("winner", s.Outcome.WinnerID),
		slog.Int("losers", len(s.LosingBidderIDs)))

	return s, true, err
}

// RetryPending re-attempts every undelivered settlement.
func (d *Dispatcher) RetryPending(ctx context.Context) error {
	d.mu.Lock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := d.retry(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run retries pending deliveries every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if d.Pending() == 0 {
				continue
			}
			if err := d.RetryPending(ctx); err != nil {
				d.logger.Warn("Settlement redelivery failed", slog.Any("error", err))
			}
		}
	}
}

// retry takes the listing's delivery out of the pending set, so only one
// caller works on it at a time.
func (d *Dispatcher) retry(ctx context.Context, listingID string) error {
	d.mu.Lock()
	dl, ok := d.pending[listingID]
	delete(d.pending, listingID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return d.deliver(ctx, dl)
}

// deliver runs the outstanding steps. Publishing stops at the first failure
// so events keep their order; whatever is left goes back to pending.
func (d *Dispatcher) deliver(ctx context.Context, dl *delivery) error {
	var errs []error

	if !dl.recorded {
		if err := d.recorder.RecordListing(ctx, dl.listing); err != nil {
			errs = append(errs, fmt.Errorf("record listing: %w", err))
		} else {
			dl.recorded = true
		}
	}
	if !dl.archived {
		if err := d.archive.SaveSettlement(ctx, dl.s); err != nil {
			errs = append(errs, fmt.Errorf("archive settlement: %w", err))
		} else {
			dl.archived = true
		}
	}

	for len(dl.events) > 0 {
		if err := d.sink.Publish(ctx, dl.events[0]); err != nil {
			errs = append(errs, err)
			break
		}
		dl.events = dl.events[1:]
	}

	if !dl.recorded || !dl.archived || len(dl.events) > 0 {
		d.mu.Lock()
		d.pending[dl.s.ListingID] = dl
		d.mu.Unlock()
		d.logger.Warn("Settlement delivery pending",
			slog.String("listing", dl.s.ListingID),
			slog.Int("events_left", len(dl.events)))
	}
	return errors.Join(errs...)
}
