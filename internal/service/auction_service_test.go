package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"auction_go/internal/domain"
	"auction_go/internal/engine"
	"auction_go/internal/infra"

	"github.com/peterldowns/testy/check"
)

var discard = slog.New(slog.DiscardHandler)

func newTestService(t *testing.T, rep domain.ReputationProvider, sink domain.EventSink) *AuctionService {
	t.Helper()
	eng := engine.New(engine.Options{}, engine.Deps{Sink: sink, Metrics: &infra.Metrics{}, Logger: discard})
	svc := NewAuctionService(eng, rep, Options{SweepInterval: 10 * time.Millisecond, Logger: discard})
	check.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		svc.Stop()
		eng.Close()
	})
	return svc
}

func listingFacts(id string, closesIn time.Duration, openToAll bool) domain.ListingFacts {
	return domain.ListingFacts{
		ID:               id,
		SellerID:         "seller",
		StartPrice:       100000,
		StepPrice:        10000,
		ClosesAt:         time.Now().Add(closesIn),
		OpenToAllBidders: openToAll,
	}
}

func TestAuctionService_BidUsesReputation(t *testing.T) {
	ctx := context.Background()
	rep := domain.NewStaticReputation(map[string]float64{"good": 0.95, "bad": 0.5})
	svc := newTestService(t, rep, nil)

	_, err := svc.OpenListing(ctx, listingFacts("L1", time.Hour, false))
	check.NoError(t, err)
	_, err = svc.Activate(ctx, "L1")
	check.NoError(t, err)

	upd, err := svc.PlaceBid(ctx, "L1", "good", 150000)
	check.NoError(t, err)
	check.Equal(t, domain.Amount(100000), *upd.Listing.CurrentPrice)

	_, err = svc.PlaceBid(ctx, "L1", "bad", 200000)
	check.True(t, errors.Is(err, domain.ErrNotEligible))

	_, err = svc.PlaceBid(ctx, "L1", "unknown", 200000)
	check.True(t, errors.Is(err, domain.ErrNotEligible))
}

func TestAuctionService_OpenToAllSkipsLookup(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, domain.NewStaticReputation(nil), nil)

	_, err := svc.OpenListing(ctx, listingFacts("L1", time.Hour, true))
	check.NoError(t, err)
	_, err = svc.Activate(ctx, "L1")
	check.NoError(t, err)

	_, err = svc.PlaceBid(ctx, "L1", "anyone", 100000)
	check.NoError(t, err)
}

func TestAuctionService_ActivateSchedulesDeadline(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil)

	facts := listingFacts("L1", time.Hour, true)
	_, err := svc.OpenListing(ctx, facts)
	check.NoError(t, err)
	_, err = svc.Activate(ctx, "L1")
	check.NoError(t, err)

	deadline, ok := svc.Deadlines().Deadline("L1")
	check.True(t, ok)
	check.True(t, deadline.Equal(facts.ClosesAt))
}

func TestAuctionService_DeadlineSettles(t *testing.T) {
	ctx := context.Background()
	sink := &domain.RecordingSink{}
	svc := newTestService(t, nil, sink)

	_, err := svc.OpenListing(ctx, listingFacts("L1", 150*time.Millisecond, true))
	check.NoError(t, err)
	_, err = svc.Activate(ctx, "L1")
	check.NoError(t, err)
	_, err = svc.PlaceBid(ctx, "L1", "a", 150000)
	check.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := svc.GetListing("L1")
		check.NoError(t, err)
		if snap.Listing.Status.IsTerminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap, err := svc.GetListing("L1")
	check.NoError(t, err)
	check.Equal(t, domain.StatusSold, snap.Listing.Status)
	check.Equal(t, "a", *snap.Listing.WinnerID)
	check.Equal(t, 1, len(sink.OfType(domain.OutboundAuctionSettled)))
	check.Equal(t, 1, len(sink.OfType(domain.OutboundOrderRequested)))
	check.Equal(t, 0, len(svc.Deadlines().Pending()))
}

func TestAuctionService_SellerOnlyActions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil)

	_, err := svc.OpenListing(ctx, listingFacts("L1", time.Hour, true))
	check.NoError(t, err)
	_, err = svc.Activate(ctx, "L1")
	check.NoError(t, err)
	_, err = svc.PlaceBid(ctx, "L1", "a", 150000)
	check.NoError(t, err)

	t.Run("kick by non-seller", func(t *testing.T) {
		_, err := svc.KickBidder(ctx, "L1", "mallory", "a", "spam")
		check.True(t, errors.Is(err, domain.ErrNotSeller))
	})

	t.Run("cancel by non-seller", func(t *testing.T) {
		_, err := svc.CancelListing(ctx, "L1", "mallory", "nope")
		check.True(t, errors.Is(err, domain.ErrNotSeller))
	})

	t.Run("kick by seller", func(t *testing.T) {
		upd, err := svc.KickBidder(ctx, "L1", "seller", "a", "spam")
		check.NoError(t, err)
		check.Nil(t, upd.Listing.CurrentPrice)
		check.Nil(t, upd.Listing.WinnerID)
	})

	t.Run("cancel by seller", func(t *testing.T) {
		upd, err := svc.CancelListing(ctx, "L1", "seller", "withdrawn")
		check.NoError(t, err)
		check.Equal(t, domain.StatusCancelled, upd.Listing.Status)
		_, ok := svc.Deadlines().Deadline("L1")
		check.False(t, ok)
	})
}

func TestAuctionService_SuspendAndReads(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil)

	for _, id := range []string{"L2", "L1"} {
		_, err := svc.OpenListing(ctx, listingFacts(id, time.Hour, true))
		check.NoError(t, err)
		_, err = svc.Activate(ctx, id)
		check.NoError(t, err)
	}
	_, err := svc.PlaceBid(ctx, "L1", "a", 120000)
	check.NoError(t, err)
	_, err = svc.PlaceBid(ctx, "L1", "b", 150000)
	check.NoError(t, err)

	history, err := svc.History("L1")
	check.NoError(t, err)
	check.Equal(t, 2, len(history))
	check.Equal(t, domain.Amount(130000), history[1].Amount)

	all := svc.GetAllListings()
	check.Equal(t, 2, len(all))
	check.Equal(t, "L1", all[0].Listing.ID)

	upd, err := svc.SuspendListing(ctx, "L2", "moderation")
	check.NoError(t, err)
	check.Equal(t, domain.StatusSuspended, upd.Listing.Status)
	check.Equal(t, []string{"L1"}, svc.Deadlines().Pending())

	_, err = svc.GetListing("missing")
	check.True(t, errors.Is(err, domain.ErrListingNotFound))
}
