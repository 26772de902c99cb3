package auction

import (
	"time"

	"github.com/cloudx-io/agentmarket/core"
)

// Continuous is a continuous double auction with one order book per
// resource type. Crossing orders execute at the midpoint of their prices.
type Continuous struct {
	*base
	noSettle
}

func (c *Continuous) admit(*core.Bid) error { return nil }

func (c *Continuous) process(_ *core.Bid, res *Result) error {
	for {
		matched, err := c.matchOnce(res)
		if err != nil {
			return err
		}
		if !matched {
			return nil
		}
	}
}

func (c *Continuous) rematch(bid *core.Bid, res *Result) error {
	return c.process(bid, res)
}

// matchOnce makes one pass over every book, pairing each buy order with the
// first crossing sell order. It reports whether anything traded.
func (c *Continuous) matchOnce(res *Result) (bool, error) {
	now := c.clock.Now()
	matched := false
	for _, rt := range core.ResourceTypes {
		buys, sells := c.book(rt)
		for _, buy := range buys {
			if buy.Status != core.BidActive {
				continue
			}
			for _, sell := range sells {
				if sell.Status != core.BidActive || !c.crosses(buy, sell, rt, now) {
					continue
				}
				price := core.Midpoint(buy.Price.Amount, sell.Price.Amount)
				if err := c.execute(buy, sell, price, res); err != nil {
					return matched, err
				}
				matched = true
				break
			}
		}
	}
	return matched, nil
}

func (c *Continuous) crosses(buy, sell *core.Bid, rt core.ResourceType, now time.Time) bool {
	if buy.Price.Currency != sell.Price.Currency {
		return false
	}
	if !core.PriceAtLeast(buy.Price.Amount, sell.Price.Amount) {
		return false
	}
	if !core.QuantitySufficient(sell.QuantityOf(rt), buy.QuantityOf(rt)) {
		return false
	}
	if buy.Expired(now) || sell.Expired(now) {
		return false
	}
	return c.depsExecuted(buy) && c.depsExecuted(sell)
}

// book returns the active buy orders by descending price and sell orders by
// ascending price for one resource type.
func (c *Continuous) book(rt core.ResourceType) (buys, sells []*core.Bid) {
	has := func(role core.MarketRole) func(*core.Bid) bool {
		return func(b *core.Bid) bool {
			return b.Role == role && b.Status == core.BidActive && b.QuantityOf(rt) > 0
		}
	}
	buys = core.SortForMatching(c.poolBids(has(core.RoleBuyer)), core.RoleBuyer)
	sells = core.SortForMatching(c.poolBids(has(core.RoleSeller)), core.RoleSeller)
	return buys, sells
}

// OrderBook returns copies of the active orders for rt in priority order.
func (c *Continuous) OrderBook(rt core.ResourceType) (buys, sells []*core.Bid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, s := c.book(rt)
	for _, bid := range b {
		buys = append(buys, bid.Clone())
	}
	for _, bid := range s {
		sells = append(sells, bid.Clone())
	}
	return buys, sells
}

func (c *Continuous) status(*Status) {}
