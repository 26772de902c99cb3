package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudx-io/agentmarket/core"
)

// Dutch is a descending auction. The first seller bid sets the item and the
// starting price; the price drops by the configured step on every tick down
// to the floor, and the first buyer takes the item at the current price.
type Dutch struct {
	*base
	noSettle
	sellerID string
	price    float64
	ticks    int
}

func (d *Dutch) floor() float64 {
	if d.cfg.MinPrice != nil {
		return *d.cfg.MinPrice
	}
	return 0
}

func (d *Dutch) admit(bid *core.Bid) error {
	if bid.Role == core.RoleSeller {
		if d.sellerID != "" {
			return fmt.Errorf("%w: %s", ErrSellerExists, d.sellerID)
		}
		return nil
	}

	seller, ok := d.openBid(d.sellerID)
	if !ok {
		return ErrNoSeller
	}
	if !d.depsExecuted(bid) {
		return ErrDependenciesPending
	}
	if bid.Price.Currency != seller.Price.Currency {
		return fmt.Errorf("%w: currency %s", ErrIncompatible, bid.Price.Currency)
	}
	if !core.ResourcesCovered(bid, seller) {
		return fmt.Errorf("%w: requested resources not offered", ErrIncompatible)
	}
	return nil
}

func (d *Dutch) process(bid *core.Bid, res *Result) error {
	if bid.Role == core.RoleSeller {
		d.sellerID = bid.ID
		d.price = core.RoundPrice(bid.Price.Amount)
		d.logger.Info().Str("bid_id", bid.ID).Float64("price", d.price).Msg("dutch auction item listed")
		return nil
	}

	seller, _ := d.state.Bid(d.sellerID)
	if err := d.execute(bid, seller, d.price, res); err != nil {
		return err
	}
	d.close(res)
	return nil
}

// CurrentPrice returns the asking price, and false until a seller has listed.
func (d *Dutch) CurrentPrice() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.price, d.sellerID != ""
}

// Tick lowers the asking price by one decrement step. Reaching the floor
// ends the auction when the config asks for it.
func (d *Dutch) Tick() (Result, error) {
	d.mu.Lock()
	res, err := d.tickLocked()
	d.mu.Unlock()
	d.notify(res)
	return res, err
}

func (d *Dutch) tickLocked() (Result, error) {
	var res Result
	if d.closed {
		return res, ErrClosed
	}
	if !d.active {
		return res, ErrInactive
	}
	if d.sellerID == "" {
		return res, nil
	}

	price, atFloor := core.DecrementPrice(d.price, d.cfg.Increments.DecrementStep, d.floor())
	d.price = price
	d.ticks++
	d.logger.Debug().Float64("price", price).Int("tick", d.ticks).Msg("dutch price decremented")

	if atFloor && d.cfg.Increments.EndAtFloor {
		d.logger.Info().Float64("price", price).Msg("dutch auction reached floor")
		d.close(&res)
	}
	return res, nil
}

// Run ticks at the configured interval until ctx is done or the auction closes.
func (d *Dutch) Run(ctx context.Context) error {
	interval := d.cfg.Increments.DecrementInterval
	if interval <= 0 {
		return fmt.Errorf("%w: dutch auction requires a positive decrement interval", ErrInvalidConfig)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	return d.runEvery(ctx, ticker.C)
}

func (d *Dutch) runEvery(ctx context.Context, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			if _, err := d.Tick(); errors.Is(err, ErrClosed) {
				return nil
			}
		}
	}
}

func (d *Dutch) status(s *Status) {
	s.SellerBidID = d.sellerID
	if d.sellerID != "" {
		price := d.price
		s.CurrentPrice = &price
	}
}
