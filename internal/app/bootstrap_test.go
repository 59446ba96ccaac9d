package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"auction_go/internal/domain"

	"github.com/peterldowns/testy/check"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "app:\n  name: auction-test\n" +
		"storage:\n  path: " + filepath.Join(dir, "auction.db") + "\n" +
		"engine:\n  dump_dir: " + filepath.Join(dir, "dumps") + "\n" +
		"logging:\n  level: error\n  dir: " + filepath.Join(dir, "logs") + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBootstrap_RestartRecoversOpenListings(t *testing.T) {
	ctx := context.Background()
	cfgPath := writeTestConfig(t)

	first := NewBootstrap()
	check.NoError(t, first.Initialize(ctx, cfgPath))
	check.Nil(t, first.Publisher)
	check.Nil(t, first.Hub)

	check.NoError(t, first.Storage.SetReputation(ctx, "a", 0.9))
	check.NoError(t, first.Storage.SetReputation(ctx, "b", 0.95))

	facts := domain.ListingFacts{
		ID: "L1", SellerID: "seller", StartPrice: 100000, StepPrice: 10000,
		ClosesAt: time.Now().Add(time.Hour),
	}
	_, err := first.Service.OpenListing(ctx, facts)
	check.NoError(t, err)
	_, err = first.Service.Activate(ctx, "L1")
	check.NoError(t, err)
	_, err = first.Service.PlaceBid(ctx, "L1", "a", 120000)
	check.NoError(t, err)
	upd, err := first.Service.PlaceBid(ctx, "L1", "b", 150000)
	check.NoError(t, err)
	check.Equal(t, domain.Amount(130000), *upd.Listing.CurrentPrice)
	first.Shutdown()

	second := NewBootstrap()
	check.NoError(t, second.Initialize(ctx, cfgPath))
	defer second.Shutdown()

	n, err := second.Recover(ctx)
	check.NoError(t, err)
	check.Equal(t, 1, n)

	snap, err := second.Service.GetListing("L1")
	check.NoError(t, err)
	check.Equal(t, domain.StatusActive, snap.Listing.Status)
	check.Equal(t, domain.Amount(130000), *snap.Listing.CurrentPrice)
	check.Equal(t, "b", *snap.Listing.WinnerID)

	_, scheduled := second.Service.Deadlines().Deadline("L1")
	check.True(t, scheduled)
}

func TestBootstrap_MissingConfig(t *testing.T) {
	err := NewBootstrap().Initialize(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	check.Error(t, err)
}
