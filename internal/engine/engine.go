// Package engine serializes every command against a listing through one
// sequencer goroutine per listing and applies it to the listing's session.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"auction_go/internal/commitment"
	"auction_go/internal/domain"
	"auction_go/internal/infra"
	"auction_go/internal/settlement"
)

const (
	DefaultInboxSize      = 256
	DefaultEnqueueTimeout = 2 * time.Second
)

// Options tune the engine.
type Options struct {
	InboxSize      int
	EnqueueTimeout time.Duration
	Session        SessionConfig
	DumpDir        string // freeze dumps; empty disables them
}

// Deps are the engine's collaborators. Any of them may be nil.
type Deps struct {
	Store    *commitment.Store
	Settler  Settler
	Sink     domain.EventSink
	Log      domain.CommandLog
	Recorder domain.ListingRecorder
	Metrics  *infra.Metrics
	Logger   *slog.Logger
}

// Engine is the listing registry. The map lock only guards registration;
// listings never share a lock while applying commands.
type Engine struct {
	opts Options
	deps Deps

	mu   sync.RWMutex
	seqs map[string]*Sequencer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Call Close to stop every sequencer.
func New(opts Options, deps Deps) *Engine {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = DefaultEnqueueTimeout
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
	if deps.Store == nil {
		deps.Store = commitment.NewStore()
	}
	if deps.Settler == nil {
		deps.Settler = settlement.NewDispatcher(deps.Recorder, nil, deps.Sink, deps.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:   opts,
		deps:   deps,
		seqs:   make(map[string]*Sequencer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Open registers a PENDING listing and starts its sequencer.
func (e *Engine) Open(facts domain.ListingFacts) (Snapshot, error) {
	seq, err := e.register(facts)
	if err != nil {
		return Snapshot{}, err
	}
	e.start(seq)
	return seq.Snapshot(), nil
}

// Recover registers a listing and rebuilds its state from the command log
// before starting its sequencer. Price events are not re-published; a
// settlement already archived stays a no-op.
func (e *Engine) Recover(ctx context.Context, facts domain.ListingFacts) (Snapshot, error) {
	if e.deps.Log == nil {
		return e.Open(facts)
	}
	seq, err := e.register(facts)
	if err != nil {
		return Snapshot{}, err
	}

	recs, err := e.deps.Log.LoadCommands(ctx, facts.ID)
	if err != nil {
		e.unregister(facts.ID)
		return Snapshot{}, fmt.Errorf("load commands for %s: %w", facts.ID, err)
	}

	seq.session.SetMuted(true)
	for _, rec := range recs {
		if err := seq.Replay(ctx, rec); err != nil {
			e.deps.Logger.Error("Replay halted",
				slog.String("listing", facts.ID),
				slog.Uint64("seq", rec.Seq),
				slog.Any("error", err))
			break
		}
	}
	seq.session.SetMuted(false)
	seq.publishSnapshot()

	e.start(seq)
	e.deps.Logger.Info("Listing recovered",
		slog.String("listing", facts.ID),
		slog.Int("commands", len(recs)),
		slog.String("status", string(seq.Snapshot().Listing.Status)))
	return seq.Snapshot(), nil
}

func (e *Engine) register(facts domain.ListingFacts) (*Sequencer, error) {
	session, err := NewSession(facts, e.opts.Session, SessionDeps{
		Store:   e.deps.Store,
		Settler: e.deps.Settler,
		Sink:    e.deps.Sink,
		Metrics: e.deps.Metrics,
		Logger:  e.deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return nil, ErrEngineClosed
	}
	if _, ok := e.seqs[facts.ID]; ok {
		return nil, &domain.StateError{ListingID: facts.ID, Err: domain.ErrListingExists}
	}

	seq := newSequencer(e.opts.InboxSize, session, e.deps.Log, e.deps.Recorder, e.deps.Metrics, e.deps.Logger, e.opts.DumpDir)
	e.seqs[facts.ID] = seq
	e.deps.Metrics.ListingOpened()
	return seq, nil
}

func (e *Engine) unregister(listingID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seqs[listingID]; ok {
		delete(e.seqs, listingID)
		e.deps.Metrics.ListingClosed()
	}
}

func (e *Engine) start(seq *Sequencer) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		seq.Run(e.ctx)
	}()
}

func (e *Engine) lookup(listingID string) (*Sequencer, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seq, ok := e.seqs[listingID]
	if !ok {
		return nil, &domain.StateError{ListingID: listingID, Err: domain.ErrListingNotFound}
	}
	return seq, nil
}

// Enqueue accepts a command for the listing. Commands for one listing are
// applied strictly in acceptance order.
func (e *Engine) Enqueue(ctx context.Context, listingID string, cmd Command) (*Future, error) {
	seq, err := e.lookup(listingID)
	if err != nil {
		return nil, err
	}
	return seq.enqueue(ctx, cmd, e.opts.EnqueueTimeout)
}

// Do enqueues a command and waits for its result.
func (e *Engine) Do(ctx context.Context, listingID string, cmd Command) (Update, error) {
	fut, err := e.Enqueue(ctx, listingID, cmd)
	if err != nil {
		return Update{}, err
	}
	return fut.Wait(ctx)
}

// Snapshot returns the listing's last committed state without entering its sequencer.
func (e *Engine) Snapshot(listingID string) (Snapshot, error) {
	seq, err := e.lookup(listingID)
	if err != nil {
		return Snapshot{}, err
	}
	return seq.Snapshot(), nil
}

// Listings returns the registered listing ids, sorted.
func (e *Engine) Listings() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.seqs))
	for id := range e.seqs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close stops every sequencer. Pending futures resolve with ErrEngineClosed.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}
