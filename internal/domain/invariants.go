package domain

import (
	"fmt"
	"time"
)

// ListingState bundles what the invariant checks need to see.
type ListingState struct {
	Listing   Listing
	Ledger    []PriceEvent
	LeaderMax *Amount // sealed max of the current leader, nil without leader
}

// VerifyInvariant checks that a listing satisfies its invariants.
// Call this after any state change to ensure data integrity.
func (s ListingState) VerifyInvariant() error {
	l := s.Listing

	// Invariant 1: ledger sequence is contiguous and belongs to this listing
	for i, ev := range s.Ledger {
		if ev.Seq != uint64(i+1) {
			return s.violation("LEDGER_SEQUENCE_BROKEN: position %d has seq %d", i+1, ev.Seq)
		}
		if ev.ListingID != l.ID {
			return s.violation("LEDGER_FOREIGN_EVENT: seq %d belongs to %s", ev.Seq, ev.ListingID)
		}
	}

	// Invariant 2: current price is derivable by replaying the ledger
	replayed := ReplayPrice(s.Ledger)
	if !sameAmount(replayed, l.CurrentPrice) {
		return s.violation("PRICE_NOT_REPLAYABLE: current=%s ledger=%s", fmtAmount(l.CurrentPrice), fmtAmount(replayed))
	}

	if l.CurrentPrice == nil {
		return nil
	}
	price := *l.CurrentPrice

	// Invariant 3: price sits on the step grid
	if !l.IsAligned(price) {
		return s.violation("PRICE_NOT_ALIGNED: price=%d start=%d step=%d", price, l.StartPrice, l.StepPrice)
	}

	// Invariant 4: price never exceeds the leader's max (buy-now clamps below it)
	if s.LeaderMax != nil && price > *s.LeaderMax {
		return s.violation("PRICE_EXCEEDS_LEADER_MAX: price=%d", price)
	}

	if price < l.StartPrice {
		return s.violation("PRICE_BELOW_START: price=%d start=%d", price, l.StartPrice)
	}
	return nil
}

// VerifyTransition checks a before/after pair of one applied command.
// priceMayDrop is true only for kicks, which legitimately re-resolve downward.
func VerifyTransition(before, after Listing, priceMayDrop bool) error {
	if after.ClosesAt.Before(before.ClosesAt) && !after.Status.IsTerminal() {
		return &InvariantViolation{ListingID: after.ID, Detail: fmt.Sprintf(
			"DEADLINE_DECREASED: %s -> %s", before.ClosesAt.Format(time.RFC3339), after.ClosesAt.Format(time.RFC3339))}
	}
	if before.Status != after.Status && !before.Status.CanTransition(after.Status) {
		return &InvariantViolation{ListingID: after.ID, Detail: fmt.Sprintf(
			"STATUS_REGRESSION: %s -> %s", before.Status, after.Status)}
	}
	if !priceMayDrop && before.CurrentPrice != nil {
		if after.CurrentPrice == nil || *after.CurrentPrice < *before.CurrentPrice {
			return &InvariantViolation{ListingID: after.ID, Detail: fmt.Sprintf(
				"PRICE_REGRESSION: %s -> %s", fmtAmount(before.CurrentPrice), fmtAmount(after.CurrentPrice))}
		}
	}
	return nil
}

func (s ListingState) violation(format string, args ...any) error {
	return &InvariantViolation{ListingID: s.Listing.ID, Detail: fmt.Sprintf(format, args...)}
}

func sameAmount(a, b *Amount) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func fmtAmount(a *Amount) string {
	if a == nil {
		return "none"
	}
	return a.String()
}
