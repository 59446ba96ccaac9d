package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"auction_go/internal/domain"

	"github.com/peterldowns/testy/check"
)

type memRecorder struct {
	listings []domain.Listing
}

func (m *memRecorder) RecordListing(_ context.Context, l domain.Listing) error {
	m.listings = append(m.listings, l)
	return nil
}

type failingSink struct{}

func (failingSink) Publish(context.Context, domain.Outbound) error {
	return domain.NewNetworkError("publish", errors.New("broker down"))
}

func soldListing(status domain.Status) domain.Listing {
	price := domain.Amount(160000)
	winner := "x"
	return domain.Listing{
		ID: "L1", SellerID: "seller", StartPrice: 100000, StepPrice: 10000,
		CurrentPrice: &price, WinnerID: &winner, Status: status,
	}
}

func TestDispatcher_SoldEmitsSettledAndOrder(t *testing.T) {
	sink := &domain.RecordingSink{}
	rec := &memRecorder{}
	d := NewDispatcher(rec, nil, sink, nil)
	price := domain.Amount(160000)

	s, fresh, err := d.Settle(context.Background(), Request{
		Listing:         soldListing(domain.StatusSold),
		Outcome:         domain.Outcome{Kind: domain.OutcomeSold, WinnerID: "x", Price: &price},
		LosingBidderIDs: []string{"y"},
		At:              time.Unix(2000, 0),
	})
	check.NoError(t, err)
	check.True(t, fresh)
	check.Equal(t, "L1", s.ListingID)
	check.Equal(t, 1, len(rec.listings))

	settled := sink.OfType(domain.OutboundAuctionSettled)
	check.Equal(t, 1, len(settled))
	ev := settled[0].(*domain.AuctionSettled)
	check.Equal(t, []string{"y"}, ev.LosingBidderIDs)
	check.Equal(t, "auction.settled.L1", ev.Subject())

	orders := sink.OfType(domain.OutboundOrderRequested)
	check.Equal(t, 1, len(orders))
	order := orders[0].(*domain.OrderCreationRequested)
	check.Equal(t, "x", order.BuyerID)
	check.Equal(t, "seller", order.SellerID)
	check.False(t, order.BuyNow)
}

func TestDispatcher_NoSaleHasNoOrder(t *testing.T) {
	sink := &domain.RecordingSink{}
	d := NewDispatcher(nil, nil, sink, nil)
	l := domain.Listing{ID: "L2", Status: domain.StatusNoSale}

	_, _, err := d.Settle(context.Background(), Request{Listing: l, Outcome: domain.Outcome{Kind: domain.OutcomeNoSale}})
	check.NoError(t, err)
	check.Equal(t, 1, len(sink.Events()))
	check.Equal(t, 0, len(sink.OfType(domain.OutboundOrderRequested)))
}

func TestDispatcher_Idempotent(t *testing.T) {
	sink := &domain.RecordingSink{}
	d := NewDispatcher(nil, nil, sink, nil)
	price := domain.Amount(200000)
	req := Request{
		Listing: soldListing(domain.StatusSold),
		Outcome: domain.Outcome{Kind: domain.OutcomeBuyNow, WinnerID: "x", Price: &price},
		At:      time.Unix(3000, 0),
	}

	first, fresh, err := d.Settle(context.Background(), req)
	check.NoError(t, err)
	check.True(t, fresh)

	second, fresh, err := d.Settle(context.Background(), req)
	check.NoError(t, err)
	check.False(t, fresh)
	check.Equal(t, first, second)
	check.Equal(t, 2, len(sink.Events())) // settled + order, once
}

func TestDispatcher_Preload(t *testing.T) {
	sink := &domain.RecordingSink{}
	d := NewDispatcher(nil, nil, sink, nil)
	d.Preload([]domain.Settlement{{ID: "s1", ListingID: "L1", Outcome: domain.Outcome{Kind: domain.OutcomeNoSale}}})

	s, fresh, err := d.Settle(context.Background(), Request{
		Listing: domain.Listing{ID: "L1", Status: domain.StatusNoSale},
		Outcome: domain.Outcome{Kind: domain.OutcomeNoSale},
	})
	check.NoError(t, err)
	check.False(t, fresh)
	check.Equal(t, "s1", s.ID)
	check.Equal(t, 0, len(sink.Events()))
}

func TestDispatcher_Rejects(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil)

	t.Run("non-terminal listing", func(t *testing.T) {
		_, _, err := d.Settle(context.Background(), Request{Listing: soldListing(domain.StatusActive)})
		check.True(t, errors.Is(err, domain.ErrListingNotActive))
	})

	t.Run("sold without winner", func(t *testing.T) {
		_, _, err := d.Settle(context.Background(), Request{
			Listing: soldListing(domain.StatusSold),
			Outcome: domain.Outcome{Kind: domain.OutcomeSold},
		})
		check.True(t, errors.Is(err, domain.ErrInvariantViolation))
	})
}

func TestDispatcher_PublishFailureStillRecords(t *testing.T) {
	d := NewDispatcher(nil, nil, failingSink{}, nil)
	l := domain.Listing{ID: "L3", Status: domain.StatusNoSale}

	_, fresh, err := d.Settle(context.Background(), Request{Listing: l, Outcome: domain.Outcome{Kind: domain.OutcomeNoSale}})
	check.True(t, fresh)
	check.True(t, domain.IsRetriable(err))

	_, ok := d.Lookup("L3")
	check.True(t, ok)
}

// flakySink records events and fails those matching failOn.
type flakySink struct {
	domain.RecordingSink
	failOn func(domain.Outbound) bool
}

func (f *flakySink) Publish(ctx context.Context, ev domain.Outbound) error {
	if f.failOn != nil && f.failOn(ev) {
		return domain.NewNetworkError("publish", errors.New("broker down"))
	}
	return f.RecordingSink.Publish(ctx, ev)
}

func TestDispatcher_RedeliversAfterPublishFailure(t *testing.T) {
	ctx := context.Background()
	sink := &flakySink{failOn: func(domain.Outbound) bool { return true }}
	d := NewDispatcher(nil, nil, sink, nil)
	price := domain.Amount(160000)
	req := Request{
		Listing: soldListing(domain.StatusSold),
		Outcome: domain.Outcome{Kind: domain.OutcomeSold, WinnerID: "x", Price: &price},
		At:      time.Unix(2000, 0),
	}

	_, fresh, err := d.Settle(ctx, req)
	check.True(t, fresh)
	check.True(t, domain.IsRetriable(err))
	check.Equal(t, 1, d.Pending())
	check.Equal(t, 0, len(sink.Events()))

	sink.failOn = nil
	check.NoError(t, d.RetryPending(ctx))
	check.Equal(t, 0, d.Pending())
	events := sink.Events()
	check.Equal(t, 2, len(events))
	check.Equal(t, domain.OutboundAuctionSettled, events[0].Type())
	check.Equal(t, domain.OutboundOrderRequested, events[1].Type())

	// Nothing is sent twice
	check.NoError(t, d.RetryPending(ctx))
	_, fresh, err = d.Settle(ctx, req)
	check.NoError(t, err)
	check.False(t, fresh)
	check.Equal(t, 2, len(sink.Events()))
}

func TestDispatcher_RepeatSettleFinishesDelivery(t *testing.T) {
	ctx := context.Background()
	sink := &flakySink{failOn: func(ev domain.Outbound) bool {
		return ev.Type() == domain.OutboundOrderRequested
	}}
	d := NewDispatcher(nil, nil, sink, nil)
	price := domain.Amount(200000)
	req := Request{
		Listing: soldListing(domain.StatusSold),
		Outcome: domain.Outcome{Kind: domain.OutcomeBuyNow, WinnerID: "x", Price: &price},
		At:      time.Unix(3000, 0),
	}

	first, _, err := d.Settle(ctx, req)
	check.Error(t, err)
	check.Equal(t, 1, len(sink.Events()))

	sink.failOn = nil
	second, fresh, err := d.Settle(ctx, req)
	check.NoError(t, err)
	check.False(t, fresh)
	check.Equal(t, first, second)
	check.Equal(t, 1, len(sink.OfType(domain.OutboundAuctionSettled)))
	check.Equal(t, 1, len(sink.OfType(domain.OutboundOrderRequested)))
	check.Equal(t, 0, d.Pending())
}

func TestDispatcher_RunRetriesOnTick(t *testing.T) {
	sink := &flakySink{failOn: func(domain.Outbound) bool { return true }}
	d := NewDispatcher(nil, nil, sink, nil)
	_, _, err := d.Settle(context.Background(), Request{
		Listing: domain.Listing{ID: "L4", Status: domain.StatusNoSale},
		Outcome: domain.Outcome{Kind: domain.OutcomeNoSale},
	})
	check.Error(t, err)
	sink.failOn = nil

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.Pending() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	check.Equal(t, 0, d.Pending())
	check.Equal(t, 1, len(sink.Events()))
}
