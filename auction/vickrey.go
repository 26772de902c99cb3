package auction

import (
	"fmt"

	"github.com/cloudx-io/agentmarket/core"
)

// Vickrey is a sealed-bid second-price auction. Buyer bids are collected
// without comparison; on End the highest bidder wins and pays the second
// highest price, or the seller's reserve when bidding alone.
type Vickrey struct {
	*base
	sellerID string
}

func (v *Vickrey) admit(bid *core.Bid) error {
	if bid.Role == core.RoleSeller {
		if v.sellerID != "" {
			return fmt.Errorf("%w: %s", ErrSellerExists, v.sellerID)
		}
		return nil
	}
	if !v.depsExecuted(bid) {
		return ErrDependenciesPending
	}
	return nil
}

func (v *Vickrey) process(bid *core.Bid, _ *Result) error {
	if bid.Role == core.RoleSeller {
		v.sellerID = bid.ID
	}
	return nil
}

func (v *Vickrey) settle(res *Result) error {
	seller, ok := v.openBid(v.sellerID)
	if !ok {
		return nil
	}
	reserve := seller.Price.Amount

	eligible := v.poolBids(func(b *core.Bid) bool {
		return b.Role == core.RoleBuyer &&
			b.Status == core.BidActive &&
			b.Price.Currency == seller.Price.Currency &&
			core.PriceAtLeast(b.Price.Amount, reserve) &&
			core.ResourcesCovered(b, seller)
	})
	if len(eligible) == 0 {
		v.logger.Info().Msg("vickrey auction closed without eligible bids")
		return nil
	}

	ranked := core.RankBuyerBids(eligible, v.rand)
	winner := ranked[0]
	price := reserve
	if len(ranked) > 1 {
		price = ranked[1].Price.Amount
	}
	return v.execute(winner, seller, price, res)
}

func (v *Vickrey) status(s *Status) {
	s.SellerBidID = v.sellerID
}
