package market

import (
	"context"
	"fmt"
	"slices"

	"github.com/cloudx-io/agentmarket/auction"
	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/events"
	"github.com/cloudx-io/agentmarket/store"
)

// CreateAuction registers a new auction sharing the coordinator's state and
// lock. The auction does not accept bids until StartAuction.
func (c *Coordinator) CreateAuction(ctx context.Context, cfg core.AuctionConfig) (res AuctionResult) {
	defer c.recoverInternal("create_auction", &res.Result)

	if cfg.ID == "" {
		cfg.ID = c.ids()
	}
	mech, err := auction.New(cfg,
		auction.WithState(c.state),
		auction.WithLocker(&c.mu),
		auction.WithClock(c.clock),
		auction.WithRandSource(c.rand),
		auction.WithIDGenerator(c.ids),
		auction.WithLogger(c.logger),
		auction.WithObserver(c.onAuctionResult),
	)
	if err != nil {
		return AuctionResult{Result: failed(err)}
	}

	c.mu.Lock()
	if _, exists := c.auctions[cfg.ID]; exists {
		c.mu.Unlock()
		return AuctionResult{Result: failed(fmt.Errorf("%w: %s", ErrDuplicateAuction, cfg.ID))}
	}
	c.auctions[cfg.ID] = mech
	c.mu.Unlock()

	status := mech.Status()
	c.saveAuction(ctx, status)
	c.logger.Info().Str("auction_id", cfg.ID).Str("auction_type", string(cfg.Type)).Msg("auction created")
	return AuctionResult{Result: succeeded(), Auction: &status}
}

// StartAuction opens an auction for bids. A Dutch auction with a decrement
// interval starts its price clock.
func (c *Coordinator) StartAuction(ctx context.Context, id string) (res AuctionResult) {
	defer c.recoverInternal("start_auction", &res.Result)

	mech, ok := c.auction(id)
	if !ok {
		return AuctionResult{Result: failed(fmt.Errorf("%w: %s", ErrAuctionNotFound, id))}
	}
	if err := mech.Start(); err != nil {
		return AuctionResult{Result: failed(err)}
	}

	if d, ok := mech.(*auction.Dutch); ok && d.Status().Config.Increments.DecrementInterval > 0 {
		c.startClock(id, d)
	}

	status := mech.Status()
	c.saveAuction(ctx, status)
	if err := c.sink.Emit(ctx, events.Event{
		Kind:      events.KindAuctionStarted,
		EntityID:  id,
		Timestamp: c.clock.Now(),
		Payload:   map[string]any{"auction_type": string(status.Type)},
	}); err != nil {
		c.logger.Warn().Err(err).Str("auction_id", id).Msg("failed to emit event")
	}
	return AuctionResult{Result: succeeded(), Auction: &status}
}

func (c *Coordinator) startClock(id string, d *auction.Dutch) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if _, running := c.clocks[id]; running {
		c.mu.Unlock()
		cancel()
		return
	}
	c.clocks[id] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := d.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Str("auction_id", id).Msg("dutch clock stopped")
		}
	}()
}

func (c *Coordinator) stopClock(id string) {
	c.mu.Lock()
	cancel, ok := c.clocks[id]
	delete(c.clocks, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// EndAuction closes an auction, settling it if its mechanism settles at close.
func (c *Coordinator) EndAuction(ctx context.Context, id string) (res AuctionResult) {
	defer c.recoverInternal("end_auction", &res.Result)

	mech, ok := c.auction(id)
	if !ok {
		return AuctionResult{Result: failed(fmt.Errorf("%w: %s", ErrAuctionNotFound, id))}
	}
	c.stopClock(id)

	ares, err := mech.End()
	if err != nil {
		return AuctionResult{Result: failed(err)}
	}

	var fx effects
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.absorbLocked(ares, &fx)
		fx.emit(events.KindAuctionEnded, id, c.clock.Now(), map[string]any{
			"matches": len(ares.Matches),
			"expired": len(ares.Expired),
		})
		c.commit(&fx)
		res = AuctionResult{
			Result:       succeeded(),
			Matches:      cloneMatches(ares.Matches),
			Transactions: cloneTransactions(ares.Transactions),
		}
		for _, b := range ares.Expired {
			res.Expired = append(res.Expired, b.Clone())
		}
	}()
	c.flush(ctx)

	status := mech.Status()
	c.saveAuction(ctx, status)
	res.Auction = &status
	if len(res.Transactions) > 0 {
		res.Transactions = c.refreshTransactions(res.Transactions)
	}
	return res
}

// AuctionStatus returns a point-in-time view of an auction.
func (c *Coordinator) AuctionStatus(id string) (auction.Status, bool) {
	mech, ok := c.auction(id)
	if !ok {
		return auction.Status{}, false
	}
	return mech.Status(), true
}

// Auctions lists the registered auction ids in sorted order.
func (c *Coordinator) Auctions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.auctions))
	for id := range c.auctions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Coordinator) auction(id string) (auction.Mechanism, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.auctions[id]
	return m, ok
}

// onAuctionResult handles results an auction produced on its own, such as
// a Dutch auction closing at its floor.
func (c *Coordinator) onAuctionResult(res auction.Result) {
	c.absorb(context.Background(), res)
}

// absorb records a result produced outside a coordinator operation.
func (c *Coordinator) absorb(ctx context.Context, res auction.Result) {
	var fx effects
	c.mu.Lock()
	c.absorbLocked(res, &fx)
	c.commit(&fx)
	c.mu.Unlock()
	c.flush(ctx)
}

// absorbLocked records an auction result and releases bids that were
// waiting on the bids it executed.
func (c *Coordinator) absorbLocked(res auction.Result, fx *effects) {
	fx.auctionResult(c.state, res)
	var executed []string
	for _, m := range res.Matches {
		if m.Status == core.MatchExecuted {
			executed = append(executed, m.BuyerBidID, m.SellerBidID)
		}
	}
	if len(executed) > 0 {
		c.rematchDependentsLocked(executed, fx)
	}
}

func (c *Coordinator) saveAuction(ctx context.Context, status auction.Status) {
	doc, err := store.ToDocument(status)
	if err != nil {
		c.logger.Warn().Err(err).Str("auction_id", status.ID).Msg("failed to encode auction")
		return
	}
	if err := c.store.Save(ctx, store.CollectionAuctions, status.ID, doc); err != nil {
		c.logger.Warn().Err(err).Str("auction_id", status.ID).Msg("failed to persist auction")
	}
}

func (c *Coordinator) refreshTransactions(in []*core.Transaction) []*core.Transaction {
	out := make([]*core.Transaction, 0, len(in))
	for _, tx := range in {
		if live, ok := c.Transaction(tx.ID); ok {
			out = append(out, live)
			continue
		}
		out = append(out, tx)
	}
	return out
}
