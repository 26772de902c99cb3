package auction

import (
	"fmt"

	"github.com/cloudx-io/agentmarket/core"
)

// English is an ascending auction. The first seller bid sets the item and
// reserve; each accepted buyer bid must beat both the reserve and the
// current high bid. The high bid wins at its own price on End.
type English struct {
	*base
	sellerID  string
	highBidID string
}

func (e *English) admit(bid *core.Bid) error {
	if bid.Role == core.RoleSeller {
		if e.sellerID != "" {
			return fmt.Errorf("%w: %s", ErrSellerExists, e.sellerID)
		}
		return nil
	}

	seller, ok := e.seller()
	if !ok {
		return ErrNoSeller
	}
	if !e.depsExecuted(bid) {
		return ErrDependenciesPending
	}
	if bid.Price.Currency != seller.Price.Currency {
		return fmt.Errorf("%w: currency %s", ErrIncompatible, bid.Price.Currency)
	}
	if !core.ResourcesCovered(bid, seller) {
		return fmt.Errorf("%w: requested resources not offered", ErrIncompatible)
	}
	if !core.PriceGreater(bid.Price.Amount, seller.Price.Amount) {
		return fmt.Errorf("%w: %g does not exceed reserve %g", ErrBidTooLow, bid.Price.Amount, seller.Price.Amount)
	}
	if high, ok := e.highBid(); ok {
		if !core.PriceGreater(bid.Price.Amount, high.Price.Amount) {
			return fmt.Errorf("%w: %g does not exceed high bid %g", ErrBidTooLow, bid.Price.Amount, high.Price.Amount)
		}
		if inc := e.cfg.Increments.MinIncrement; inc > 0 && !core.PriceAtLeast(bid.Price.Amount, core.AddPrice(high.Price.Amount, inc)) {
			return fmt.Errorf("%w: minimum increment is %g", ErrBidTooLow, inc)
		}
	}
	return nil
}

func (e *English) process(bid *core.Bid, _ *Result) error {
	if bid.Role == core.RoleSeller {
		e.sellerID = bid.ID
		return nil
	}
	e.highBidID = bid.ID
	return nil
}

func (e *English) settle(res *Result) error {
	seller, ok := e.seller()
	if !ok {
		return nil
	}
	high, ok := e.highBid()
	if !ok {
		return nil
	}
	return e.execute(high, seller, high.Price.Amount, res)
}

// seller returns the item's seller bid while it is still open.
func (e *English) seller() (*core.Bid, bool) {
	return e.openBid(e.sellerID)
}

// highBid returns the current high bid while it is still open.
func (e *English) highBid() (*core.Bid, bool) {
	return e.openBid(e.highBidID)
}

func (e *English) status(s *Status) {
	s.SellerBidID = e.sellerID
	s.HighBidID = e.highBidID
	if high, ok := e.highBid(); ok {
		price := high.Price.Amount
		s.CurrentPrice = &price
	}
}
