// Package resolution computes the leader and visible price of a proxy auction.
//
// Resolve is pure and deterministic: given the same active commitments it
// always yields the same result regardless of input order. It is re-run in
// full after every commitment change; nothing is patched incrementally.
package resolution

import (
	"sort"

	"auction_go/internal/domain"
)

// Result is the outcome of one resolution.
type Result struct {
	LeaderID     string
	VisiblePrice domain.Amount
	LeaderMax    domain.Amount
}

// Rank returns the active commitments ordered by priority:
// max descending, then earliest SubmittedAt, then store sequence.
// The input slice is not modified.
func Rank(commitments []domain.Commitment) []domain.Commitment {
	ranked := make([]domain.Commitment, 0, len(commitments))
	for _, c := range commitments {
		if c.Active {
			ranked = append(ranked, c)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Max.Amount() != b.Max.Amount() {
			return a.Max.Amount() > b.Max.Amount()
		}
		// First bidder to reach a given maximum keeps priority
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.Seq < b.Seq
	})
	return ranked
}

// Resolve computes the leader and visible price. ok is false when there is
// no active commitment and therefore no visible price.
func Resolve(commitments []domain.Commitment, startPrice, stepPrice domain.Amount) (Result, bool) {
	ranked := Rank(commitments)
	if len(ranked) == 0 {
		return Result{}, false
	}

	leader := ranked[0]
	res := Result{
		LeaderID:     leader.BidderID,
		VisiblePrice: startPrice,
		LeaderMax:    leader.Max.Amount(),
	}
	if len(ranked) > 1 {
		res.VisiblePrice = min(leader.Max.Amount(), ranked[1].Max.Amount().Plus(stepPrice))
	}
	return res, true
}
