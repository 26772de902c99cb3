package core

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"slices"
	"sort"
)

// RandSource provides random number generation for tie-breaking.
type RandSource interface {
	// Intn returns a random integer in [0, n). Panics if n <= 0.
	Intn(n int) int
}

// cryptoRandSource wraps crypto/rand for production use
type cryptoRandSource struct{}

func (cryptoRandSource) Intn(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("cryptoRandSource.Intn: n must be positive, got %d", n))
	}
	// rand.Int does not error when using rand.Reader
	nBig, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(nBig.Int64())
}

// DefaultRandSource is the cryptographically secure source used when none is injected.
var DefaultRandSource RandSource = cryptoRandSource{}

func comparePrice(a, b *Bid) int {
	return toDecimal(a.PriceAmount()).Cmp(toDecimal(b.PriceAmount()))
}

// RankBuyerBids orders bids by price descending. Every bid is ranked, so
// an agent holding several bids can occupy several places. Equal prices are
// shuffled with randSource so that no agent gains priority from submission
// order.
func RankBuyerBids(bids []*Bid, randSource RandSource) []*Bid {
	ranked := slices.Clone(bids)
	if ranked == nil {
		return []*Bid{}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return comparePrice(ranked[i], ranked[j]) > 0
	})

	if randSource == nil {
		randSource = DefaultRandSource
	}

	// Fisher-Yates within each group of equal prices
	i := 0
	for i < len(ranked) {
		j := i + 1
		for j < len(ranked) && comparePrice(ranked[j], ranked[i]) == 0 {
			j++
		}
		if j-i > 1 {
			for k := j - 1; k > i; k-- {
				randIdx := i + randSource.Intn(k-i+1)
				ranked[k], ranked[randIdx] = ranked[randIdx], ranked[k]
			}
		}
		i = j
	}
	return ranked
}

// SortForMatching orders candidate counterparts for price-priority matching:
// sellers by price ascending, buyers by price descending. Equal prices keep
// their input (time) order.
func SortForMatching(bids []*Bid, role MarketRole) []*Bid {
	out := slices.Clone(bids)
	slices.SortStableFunc(out, func(a, b *Bid) int {
		if role == RoleBuyer {
			return comparePrice(b, a)
		}
		return comparePrice(a, b)
	})
	return out
}
