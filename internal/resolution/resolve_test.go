package resolution

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"auction_go/internal/domain"

	"github.com/peterldowns/testy/check"
)

var t0 = time.Unix(1_700_000_000, 0)

func commit(bidder string, maxAmount int64, offset time.Duration, seq uint64) domain.Commitment {
	return domain.Commitment{
		ListingID:   "L1",
		BidderID:    bidder,
		Max:         domain.NewMaxBid(domain.Amount(maxAmount)),
		Active:      true,
		SubmittedAt: t0.Add(offset),
		Seq:         seq,
	}
}

func TestResolve_Empty(t *testing.T) {
	_, ok := Resolve(nil, 100000, 10000)
	check.False(t, ok)

	inactive := commit("x", 100000, 0, 1)
	inactive.Active = false
	_, ok = Resolve([]domain.Commitment{inactive}, 100000, 10000)
	check.False(t, ok)
}

func TestResolve_SingleCommitmentShowsStartPrice(t *testing.T) {
	res, ok := Resolve([]domain.Commitment{commit("x", 180000, 0, 1)}, 100000, 10000)

	check.True(t, ok)
	check.Equal(t, "x", res.LeaderID)
	check.Equal(t, domain.Amount(100000), res.VisiblePrice)
	check.Equal(t, domain.Amount(180000), res.LeaderMax)
}

func TestResolve_Scenarios(t *testing.T) {
	t.Run("A: challenger takes lead one step above", func(t *testing.T) {
		cs := []domain.Commitment{
			commit("x", 100000, 0, 1),
			commit("y", 150000, time.Second, 2),
		}
		res, _ := Resolve(cs, 100000, 10000)
		check.Equal(t, "y", res.LeaderID)
		check.Equal(t, domain.Amount(110000), res.VisiblePrice)
	})

	t.Run("B: leader max caps the price", func(t *testing.T) {
		cs := []domain.Commitment{
			commit("x", 160000, 2*time.Second, 3),
			commit("y", 150000, time.Second, 2),
		}
		res, _ := Resolve(cs, 100000, 10000)
		check.Equal(t, "x", res.LeaderID)
		check.Equal(t, domain.Amount(160000), res.VisiblePrice)
	})

	t.Run("three bidders uses the runner-up", func(t *testing.T) {
		cs := []domain.Commitment{
			commit("a", 300000, 0, 1),
			commit("b", 200000, 0, 2),
			commit("c", 250000, 0, 3),
		}
		res, _ := Resolve(cs, 100000, 10000)
		check.Equal(t, "a", res.LeaderID)
		check.Equal(t, domain.Amount(260000), res.VisiblePrice)
	})
}

func TestResolve_TieBreakIsFirstInTime(t *testing.T) {
	early := commit("early", 150000, 0, 5)
	late := commit("late", 150000, time.Second, 2)

	for _, cs := range [][]domain.Commitment{{early, late}, {late, early}} {
		res, _ := Resolve(cs, 100000, 10000)
		check.Equal(t, "early", res.LeaderID)
		check.Equal(t, domain.Amount(150000), res.VisiblePrice)
	}

	t.Run("same instant falls back to store order", func(t *testing.T) {
		a := commit("a", 150000, 0, 9)
		b := commit("b", 150000, 0, 4)
		res, _ := Resolve([]domain.Commitment{a, b}, 100000, 10000)
		check.Equal(t, "b", res.LeaderID)
	})
}

func TestResolve_MaxAmountDoesNotWrap(t *testing.T) {
	const start, step = 100000, 10000
	top := int64(start + ((math.MaxInt64-start)/step)*step)

	res, ok := Resolve([]domain.Commitment{
		commit("a", top, 0, 1),
		commit("b", top, time.Second, 2),
	}, start, step)
	check.True(t, ok)
	check.Equal(t, "a", res.LeaderID)
	check.Equal(t, domain.Amount(top), res.VisiblePrice)
}

func TestResolve_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const start, step = 100000, 10000

	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(6)
		cs := make([]domain.Commitment, 0, n)
		for i := 0; i < n; i++ {
			m := int64(start + step*rng.Intn(20))
			cs = append(cs, commit(string(rune('a'+i)), m, time.Duration(rng.Intn(5))*time.Second, uint64(i+1)))
		}

		res, ok := Resolve(cs, start, step)
		check.True(t, ok)

		// Step alignment
		check.Equal(t, domain.Amount(0), (res.VisiblePrice-start)%step)
		// Bounded by the leader's max
		check.True(t, res.VisiblePrice <= res.LeaderMax)

		// Leader optimality: nobody else's max exceeds the visible price
		for _, c := range cs {
			if c.BidderID != res.LeaderID {
				check.True(t, c.Max.Amount() <= res.VisiblePrice)
			}
		}

		// Order independence
		shuffled := append([]domain.Commitment(nil), cs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		again, _ := Resolve(shuffled, start, step)
		check.Equal(t, res, again)
	}
}

func TestRank_DoesNotMutateInput(t *testing.T) {
	cs := []domain.Commitment{commit("a", 100000, 0, 1), commit("b", 200000, 0, 2)}
	ranked := Rank(cs)

	check.Equal(t, "b", ranked[0].BidderID)
	check.Equal(t, "a", cs[0].BidderID)
}
