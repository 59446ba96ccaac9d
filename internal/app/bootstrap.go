// Package app wires the auction process together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"auction_go/internal/domain"
	"auction_go/internal/engine"
	"auction_go/internal/infra"
	"auction_go/internal/infra/natsbus"
	"auction_go/internal/infra/storage"
	"auction_go/internal/infra/ws"
	"auction_go/internal/service"
	"auction_go/internal/settlement"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Logger    *slog.Logger
	Metrics   *infra.Metrics
	Storage   *storage.Storage
	Publisher *natsbus.Publisher
	Hub       *ws.Hub
	Settler   *settlement.Dispatcher
	Engine    *engine.Engine
	Service   *service.AuctionService
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and builds every component. Nothing runs yet.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	b.Logger.Info("Bootstrapping auction engine", slog.String("version", cfg.App.Version))
	b.Metrics = infra.GlobalMetrics

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	b.Logger.Info("Database initialized", slog.String("path", cfg.Storage.Path))

	// 4. Outbound sinks
	var sinks domain.MultiSink
	if cfg.NATS.Enabled {
		pub, err := natsbus.Connect(cfg.NATS.URL, cfg.App.Name, b.Metrics, b.Logger)
		if err != nil {
			return err
		}
		b.Publisher = pub
		sinks = append(sinks, pub)
		b.Logger.Info("NATS publisher connected", slog.String("url", cfg.NATS.URL))
	}
	if cfg.WS.Enabled {
		b.Hub = ws.NewHub(b.listingSnapshot, b.Metrics, b.Logger)
		sinks = append(sinks, b.Hub)
	}
	var sink domain.EventSink = domain.NopSink{}
	if len(sinks) > 0 {
		sink = sinks
	}

	// 5. Settlement dispatcher, seeded with what earlier runs settled
	dispatcher := settlement.NewDispatcher(store, store, sink, b.Logger)
	settled, err := store.LoadSettlements(ctx)
	if err != nil {
		return fmt.Errorf("load settlements: %w", err)
	}
	dispatcher.Preload(settled)
	b.Settler = dispatcher

	// 6. Engine & service
	minRep := cfg.Auction.MinReputation
	b.Engine = engine.New(engine.Options{
		InboxSize:      cfg.Engine.InboxSize,
		EnqueueTimeout: cfg.EnqueueTimeout(),
		DumpDir:        cfg.Engine.DumpDir,
		Session: engine.SessionConfig{
			Policy:        cfg.Policy(),
			MinReputation: &minRep,
		},
	}, engine.Deps{
		Settler:  dispatcher,
		Sink:     sink,
		Log:      store,
		Recorder: store,
		Metrics:  b.Metrics,
		Logger:   b.Logger,
	})
	b.Service = service.NewAuctionService(b.Engine, store, service.Options{
		SweepInterval: cfg.SweepInterval(),
		Facts:         store,
		Logger:        b.Logger,
	})

	return nil
}

// Recover rebuilds every listing that was still open when the process stopped.
// A listing that fails to replay is logged and skipped.
func (b *Bootstrap) Recover(ctx context.Context) (int, error) {
	facts, err := b.Storage.LoadOpenFacts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open listings: %w", err)
	}

	recovered := 0
	for _, f := range facts {
		if _, err := b.Service.RecoverListing(ctx, f); err != nil {
			b.Logger.Error("Listing recovery failed", slog.String("listing", f.ID), slog.Any("error", err))
			continue
		}
		recovered++
	}
	b.Logger.Info("Recovery completed", slog.Int("listings", recovered), slog.Int("candidates", len(facts)))
	return recovered, nil
}

// Run starts the scheduler and the enabled transports, and blocks until ctx
// is cancelled or one of them fails.
func (b *Bootstrap) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := b.Service.Start(ctx); err != nil {
		return err
	}

	g.Go(func() error { return b.Settler.Run(ctx, b.Config.SweepInterval()) })

	if b.Hub != nil {
		g.Go(func() error { return b.Hub.Run(ctx) })

		mux := http.NewServeMux()
		b.Hub.Routes(mux)
		srv := &http.Server{Addr: b.Config.WS.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			b.Logger.Info("Watch server started", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("watch server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if b.Publisher != nil && b.Publisher.Conn() != nil {
		intake := natsbus.NewIntake(b.Service, b.Logger)
		g.Go(func() error { return intake.Start(ctx, b.Publisher.Conn()) })
	}

	b.Logger.Info("Auction engine operational")
	<-ctx.Done()
	return g.Wait()
}

// Shutdown stops components in reverse start order.
func (b *Bootstrap) Shutdown() {
	if b.Service != nil {
		b.Service.Stop()
	}
	if b.Engine != nil {
		b.Engine.Close()
	}
	if b.Publisher != nil {
		b.Publisher.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			b.Logger.Warn("Storage close failed", slog.Any("error", err))
		}
	}
	b.Logger.Info("Shutdown complete", slog.Any("metrics", b.Metrics.Snapshot()))
}

func (b *Bootstrap) listingSnapshot(listingID string) (domain.Listing, error) {
	snap, err := b.Service.GetListing(listingID)
	if err != nil {
		return domain.Listing{}, err
	}
	return snap.Listing, nil
}
