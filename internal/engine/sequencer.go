package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"auction_go/internal/domain"
	"auction_go/internal/infra"
)

// ErrEngineClosed is returned for commands that arrive after shutdown.
var ErrEngineClosed = errors.New("engine closed")

// Snapshot is the last committed state of a listing.
type Snapshot struct {
	Listing domain.Listing      `json:"listing"`
	Ledger  []domain.PriceEvent `json:"ledger"`
	Applied uint64              `json:"applied"` // last command seq applied
	Frozen  bool                `json:"frozen"`
}

type envelope struct {
	cmd Command
	fut *Future
}

// Sequencer is a listing's single-threaded command processor.
// Commands are applied one at a time in the order the inbox accepted them.
type Sequencer struct {
	listingID string
	inbox     chan envelope
	session   *Session
	log       domain.CommandLog
	recorder  domain.ListingRecorder
	metrics   *infra.Metrics
	logger    *slog.Logger
	dumpDir   string
	nextSeq   uint64
	closed    bool // terminal status reached

	mu     sync.RWMutex // Used only for external reads
	snap   Snapshot
	frozen *domain.InvariantViolation

	done chan struct{}
}

func newSequencer(inboxSize int, session *Session, log domain.CommandLog, recorder domain.ListingRecorder, metrics *infra.Metrics, logger *slog.Logger, dumpDir string) *Sequencer {
	l := session.Listing()
	s := &Sequencer{
		listingID: l.ID,
		inbox:     make(chan envelope, inboxSize),
		session:   session,
		log:       log,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger.With(slog.String("listing", l.ID)),
		dumpDir:   dumpDir,
		nextSeq:   1,
		done:      make(chan struct{}),
	}
	s.publishSnapshot()
	return s
}

// Run starts the command loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	defer close(s.done)
	s.logger.Debug("Sequencer started")

	for {
		select {
		case <-ctx.Done():
			s.drain(ErrEngineClosed)
			s.logger.Debug("Sequencer stopped")
			return
		case env := <-s.inbox:
			s.process(context.WithoutCancel(ctx), env)
		}
	}
}

// enqueue hands a command to the loop. Expiry waits for a slot; everything
// else gives up after timeout with a retriable TimeoutError.
func (s *Sequencer) enqueue(ctx context.Context, cmd Command, timeout time.Duration) (*Future, error) {
	select {
	case <-s.done:
		return nil, ErrEngineClosed
	default:
	}

	env := envelope{cmd: cmd, fut: newFuture()}

	if cmd.Kind == CmdExpire {
		select {
		case s.inbox <- env:
			return env.fut, nil
		case <-s.done:
			return nil, ErrEngineClosed
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.inbox <- env:
		return env.fut, nil
	case <-timer.C:
		s.metrics.RecordTimeout()
		return nil, &domain.TimeoutError{ListingID: s.listingID, QueueDepth: len(s.inbox)}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrEngineClosed
	}
}

func (s *Sequencer) process(ctx context.Context, env envelope) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			v := &domain.InvariantViolation{ListingID: s.listingID, Detail: fmt.Sprintf("PANIC: %v", r)}
			s.freeze(v)
			env.fut.resolve(Update{}, v)
		}
	}()

	if v := s.Frozen(); v != nil {
		env.fut.resolve(Update{}, v)
		return
	}

	// 1. WAL-first: Persistence
	if s.log != nil {
		payload, err := json.Marshal(env.cmd)
		if err != nil {
			env.fut.resolve(Update{}, fmt.Errorf("encode command: %w", err))
			return
		}
		rec := domain.CommandRecord{
			ListingID: s.listingID,
			Seq:       s.nextSeq,
			Kind:      string(env.cmd.Kind),
			Payload:   payload,
			At:        env.cmd.At,
		}
		if err := s.log.AppendCommand(ctx, rec); err != nil {
			s.logger.Error("PERSISTENCE_FAILURE", slog.Any("error", err))
			env.fut.resolve(Update{}, domain.NewNetworkError("append command", err))
			return
		}
	}

	// 2. Apply
	upd, err := s.apply(ctx, env.cmd)
	s.nextSeq++
	s.commit(ctx, upd, err, time.Since(start))

	env.fut.resolve(upd, err)
}

// Replay applies a logged command without writing it again. A panic freezes
// the listing like it does on the live path.
func (s *Sequencer) Replay(ctx context.Context, rec domain.CommandRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("CRITICAL_PANIC_DETECTED", slog.Uint64("seq", rec.Seq), slog.Any("panic", r))
			v := &domain.InvariantViolation{ListingID: s.listingID, Detail: fmt.Sprintf("PANIC: %v", r)}
			s.freeze(v)
			err = v
		}
	}()

	// Replay must still respect sequence order
	if rec.Seq != s.nextSeq {
		v := &domain.InvariantViolation{ListingID: s.listingID,
			Detail: fmt.Sprintf("REPLAY_GAP_DETECTED: expected %d, got %d", s.nextSeq, rec.Seq)}
		s.freeze(v)
		return v
	}

	var cmd Command
	if err := json.Unmarshal(rec.Payload, &cmd); err != nil {
		return fmt.Errorf("decode command %d: %w", rec.Seq, err)
	}

	upd, err := s.apply(ctx, cmd)
	s.nextSeq++

	var v *domain.InvariantViolation
	if errors.As(err, &v) {
		s.freeze(v)
		return v
	}
	if err == nil && upd.Changed {
		s.publishSnapshot()
		s.markClosed(upd.Listing)
	}
	return nil
}

func (s *Sequencer) apply(ctx context.Context, cmd Command) (Update, error) {
	switch cmd.Kind {
	case CmdActivate:
		return s.session.Activate(ctx, cmd.At)
	case CmdSubmit:
		return s.session.SubmitCommitment(ctx, cmd.BidderID, cmd.MaxAmount, cmd.Reputation, cmd.At)
	case CmdKick:
		return s.session.KickBidder(ctx, cmd.BidderID, cmd.Reason, cmd.At)
	case CmdExpire:
		return s.session.ExpireIfDue(ctx, cmd.At)
	case CmdCancel:
		return s.session.Cancel(ctx, cmd.Reason, cmd.At)
	case CmdSuspend:
		return s.session.Suspend(ctx, cmd.Reason, cmd.At)
	default:
		s.logger.Warn("Unknown command kind", slog.String("kind", string(cmd.Kind)))
		return Update{}, fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (s *Sequencer) commit(ctx context.Context, upd Update, err error, latency time.Duration) {
	var v *domain.InvariantViolation
	switch {
	case errors.As(err, &v):
		s.freeze(v)
		return
	case err != nil:
		s.metrics.RecordRejection()
		return
	}

	s.metrics.RecordCommand(latency.Nanoseconds())
	if !upd.Changed {
		return
	}

	s.publishSnapshot()
	s.record(ctx, upd.Listing)
	s.markClosed(upd.Listing)
}

// record pushes committed state to the system of record. Failures are logged;
// the command log stays authoritative.
func (s *Sequencer) record(ctx context.Context, l domain.Listing) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordListing(ctx, l); err != nil {
		s.logger.Warn("Listing record failed", slog.Any("error", err))
	}
	audit, ok := s.recorder.(domain.AuditRecorder)
	if !ok {
		return
	}
	if err := audit.RecordLedger(ctx, l.ID, s.session.Ledger()); err != nil {
		s.logger.Warn("Ledger record failed", slog.Any("error", err))
	}
	if err := audit.RecordCommitments(ctx, l.ID, s.session.Commitments()); err != nil {
		s.logger.Warn("Commitment record failed", slog.Any("error", err))
	}
}

func (s *Sequencer) markClosed(l domain.Listing) {
	if !s.closed && l.Status.IsTerminal() {
		s.closed = true
		s.metrics.ListingClosed()
	}
}

func (s *Sequencer) publishSnapshot() {
	snap := Snapshot{
		Listing: s.session.Listing(),
		Ledger:  s.session.Ledger(),
		Applied: s.nextSeq - 1,
	}
	s.mu.Lock()
	snap.Frozen = s.frozen != nil
	s.snap = snap
	s.mu.Unlock()
}

// Snapshot returns the last committed state (external read).
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.snap
	out.Listing = s.snap.Listing.Clone()
	out.Ledger = make([]domain.PriceEvent, len(s.snap.Ledger))
	copy(out.Ledger, s.snap.Ledger)
	return out
}

// Frozen returns the violation that halted the listing, or nil.
func (s *Sequencer) Frozen() *domain.InvariantViolation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

func (s *Sequencer) freeze(v *domain.InvariantViolation) {
	s.mu.Lock()
	first := s.frozen == nil
	if first {
		s.frozen = v
		s.snap.Frozen = true
	}
	s.mu.Unlock()
	if !first {
		return
	}

	s.metrics.RecordFrozen()
	s.logger.Error("LISTING_FROZEN", slog.String("detail", v.Detail))
	if s.dumpDir != "" {
		s.DumpState(filepath.Join(s.dumpDir, fmt.Sprintf("freeze_%s_%d.json", s.listingID, time.Now().Unix())))
	}
}

func (s *Sequencer) drain(err error) {
	for {
		select {
		case env := <-s.inbox:
			env.fut.resolve(Update{}, err)
		default:
			return
		}
	}
}

// DumpState writes the listing's internal state to a file (for manual review).
func (s *Sequencer) DumpState(filename string) {
	s.logger.Info("Dumping internal state...", slog.String("file", filename))

	state := s.session.State()
	data := struct {
		NextSeq   uint64                     `json:"next_seq"`
		Violation *domain.InvariantViolation `json:"violation,omitempty"`
		Listing   domain.Listing             `json:"listing"`
		Ledger    []domain.PriceEvent        `json:"ledger"`
		LeaderMax *domain.Amount             `json:"leader_max,omitempty"`
	}{
		NextSeq:   s.nextSeq,
		Violation: s.Frozen(),
		Listing:   state.Listing,
		Ledger:    state.Ledger,
		LeaderMax: state.LeaderMax,
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		s.logger.Error("Failed to create dump directory", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		s.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
