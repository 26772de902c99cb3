package auction

import (
	"github.com/cloudx-io/agentmarket/core"
)

// FixedPrice matches each new bid against the best compatible resting bid
// on the other side and executes at the resting bid's price.
type FixedPrice struct {
	*base
	noSettle
}

func (f *FixedPrice) admit(*core.Bid) error { return nil }

func (f *FixedPrice) process(bid *core.Bid, res *Result) error {
	counterpart := f.findCounterpart(bid)
	if counterpart == nil {
		return nil
	}
	if bid.Role == core.RoleBuyer {
		return f.execute(bid, counterpart, counterpart.PriceAmount(), res)
	}
	return f.execute(counterpart, bid, counterpart.PriceAmount(), res)
}

func (f *FixedPrice) rematch(bid *core.Bid, res *Result) error {
	return f.process(bid, res)
}

// findCounterpart scans sellers by ascending price for a buyer and buyers by
// descending price for a seller, returning the first compatible bid.
func (f *FixedPrice) findCounterpart(bid *core.Bid) *core.Bid {
	now := f.clock.Now()
	opposite := core.RoleSeller
	if bid.Role == core.RoleSeller {
		opposite = core.RoleBuyer
	}

	candidates := f.activeBids(opposite)
	for _, c := range core.SortForMatching(candidates, opposite) {
		if c.ID == bid.ID {
			continue
		}
		buyer, seller := bid, c
		if bid.Role == core.RoleSeller {
			buyer, seller = c, bid
		}
		if core.Compatible(buyer, seller, now, f.depsExecuted) {
			return c
		}
	}
	return nil
}

func (f *FixedPrice) status(*Status) {}
