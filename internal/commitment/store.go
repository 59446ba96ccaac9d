// Package commitment holds each bidder's sealed maximum per listing.
package commitment

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"auction_go/internal/domain"

	"github.com/google/uuid"
)

// Rules are the caller-computed acceptance rules for one upsert.
type Rules struct {
	Minimum domain.Amount // minimum acceptable max for this bidder right now
	Start   domain.Amount
	Step    domain.Amount
}

// partition is one listing's commitments. Only the listing's sequencer writes it.
type partition struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Commitment // bidderID -> commitment
	sealed bool
}

// Store keeps one commitment per (listing, bidder).
// Partitions are independent; the top-level lock only guards the partition map.
type Store struct {
	mu    sync.RWMutex
	parts map[string]*partition
	seq   atomic.Uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{parts: make(map[string]*partition)}
}

// Open creates the listing's partition. Opening twice is a no-op.
func (s *Store) Open(listingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parts[listingID]; !ok {
		s.parts[listingID] = &partition{byID: make(map[string]*domain.Commitment)}
	}
}

func (s *Store) lookup(listingID string) (*partition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parts[listingID]
	return p, ok
}

// Upsert creates or raises the bidder's commitment.
// A resubmission refreshes SubmittedAt: the bidder reached the new maximum now.
func (s *Store) Upsert(listingID, bidderID string, maxAmount domain.Amount, rules Rules, now time.Time) (domain.Commitment, error) {
	p, ok := s.lookup(listingID)
	if !ok {
		return domain.Commitment{}, domain.NewNotActive(listingID, "")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sealed {
		return domain.Commitment{}, domain.NewNotActive(listingID, "")
	}
	if maxAmount < rules.Minimum {
		return domain.Commitment{}, domain.NewBidTooLow(rules.Minimum)
	}
	if rules.Step <= 0 || (maxAmount-rules.Start)%rules.Step != 0 {
		return domain.Commitment{}, domain.NewInvalidStepAlignment()
	}

	existing, ok := p.byID[bidderID]
	if ok && existing.Active {
		raised, err := existing.Max.Raise(maxAmount)
		if err != nil {
			return domain.Commitment{}, domain.NewBidTooLow(existing.Max.Amount())
		}
		existing.Max = raised
		existing.SubmittedAt = now
		existing.Seq = s.seq.Add(1)
		return *existing, nil
	}
	if ok {
		// Reactivation keeps the row and its id for audit.
		existing.Max = domain.NewMaxBid(maxAmount)
		existing.Active = true
		existing.SubmittedAt = now
		existing.Seq = s.seq.Add(1)
		return *existing, nil
	}

	c := &domain.Commitment{
		ID:          uuid.NewString(),
		ListingID:   listingID,
		BidderID:    bidderID,
		Max:         domain.NewMaxBid(maxAmount),
		Active:      true,
		SubmittedAt: now,
		Seq:         s.seq.Add(1),
	}
	p.byID[bidderID] = c
	return *c, nil
}

// Deactivate marks the bidder's commitment inactive. Returns false if there was none active.
func (s *Store) Deactivate(listingID, bidderID string) bool {
	p, ok := s.lookup(listingID)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[bidderID]
	if !ok || !c.Active {
		return false
	}
	c.Active = false
	return true
}

// Get returns the bidder's commitment, active or not.
func (s *Store) Get(listingID, bidderID string) (domain.Commitment, bool) {
	p, ok := s.lookup(listingID)
	if !ok {
		return domain.Commitment{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.byID[bidderID]
	if !ok {
		return domain.Commitment{}, false
	}
	return *c, true
}

// ActiveCommitments returns copies of the listing's active commitments in update order.
func (s *Store) ActiveCommitments(listingID string) []domain.Commitment {
	p, ok := s.lookup(listingID)
	if !ok {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]domain.Commitment, 0, len(p.byID))
	for _, c := range p.byID {
		if c.Active {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Bidders returns every bidder that ever committed on the listing, sorted.
func (s *Store) Bidders(listingID string) []string {
	p, ok := s.lookup(listingID)
	if !ok {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.byID))
	for id := range p.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Seal deactivates every active commitment except keepBidderID and blocks
// further upserts. It returns the deactivated bidders, sorted.
func (s *Store) Seal(listingID, keepBidderID string) []string {
	p, ok := s.lookup(listingID)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var dropped []string
	for id, c := range p.byID {
		if c.Active && id != keepBidderID {
			c.Active = false
			dropped = append(dropped, id)
		}
	}
	p.sealed = true
	sort.Strings(dropped)
	return dropped
}

// IsSealed reports whether the listing's partition is closed for upserts.
func (s *Store) IsSealed(listingID string) bool {
	p, ok := s.lookup(listingID)
	if !ok {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sealed
}
