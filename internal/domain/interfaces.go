package domain

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ReputationProvider supplies reputation scores in [0,1]
type ReputationProvider interface {
	ReputationScore(ctx context.Context, userID string) (float64, error)
}

// ListingRecorder is the catalog system of record for status/price/winner
type ListingRecorder interface {
	RecordListing(ctx context.Context, l Listing) error
}

// AuditRecorder is optionally implemented by a ListingRecorder that also keeps
// the price ledger and commitment rows.
type AuditRecorder interface {
	RecordLedger(ctx context.Context, listingID string, ledger []PriceEvent) error
	RecordCommitments(ctx context.Context, listingID string, commitments []Commitment) error
}

// EventSink delivers outbound events to notification and order collaborators
type EventSink interface {
	Publish(ctx context.Context, ev Outbound) error
}

// CommandRecord is one entry of a listing's command log.
type CommandRecord struct {
	ListingID string
	Seq       uint64
	Kind      string
	Payload   []byte
	At        time.Time
}

// CommandLog persists accepted commands before they are applied.
type CommandLog interface {
	AppendCommand(ctx context.Context, rec CommandRecord) error
	LoadCommands(ctx context.Context, listingID string) ([]CommandRecord, error)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(context.Context, Outbound) error { return nil }

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev Outbound) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StaticReputation is an in-memory ReputationProvider.
// Unknown users score 0.
type StaticReputation struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewStaticReputation creates a provider seeded with scores.
func NewStaticReputation(scores map[string]float64) *StaticReputation {
	s := &StaticReputation{scores: make(map[string]float64, len(scores))}
	for k, v := range scores {
		s.scores[k] = v
	}
	return s
}

// Set updates a user's score.
func (s *StaticReputation) Set(userID string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[userID] = score
}

func (s *StaticReputation) ReputationScore(_ context.Context, userID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scores[userID], nil
}

// RecordingSink keeps every published event in memory. Used by tests and dry runs.
type RecordingSink struct {
	mu     sync.Mutex
	events []Outbound
}

func (r *RecordingSink) Publish(_ context.Context, ev Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *RecordingSink) Events() []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outbound, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of one kind.
func (r *RecordingSink) OfType(t OutboundType) []Outbound {
	var out []Outbound
	for _, ev := range r.Events() {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}
