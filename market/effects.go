package market

import (
	"context"
	"slices"
	"time"

	"github.com/cloudx-io/agentmarket/auction"
	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/events"
	"github.com/cloudx-io/agentmarket/store"
)

type saveOp struct {
	collection string
	id         string
	record     any
}

type updateOp struct {
	collection string
	id         string
	patch      store.Document
}

// effects collects the side effects of one committed operation. It is
// filled while the coordinator lock is held, from snapshots only, and
// flushed after the lock is released.
type effects struct {
	saves        []saveOp
	updates      []updateOp
	events       []events.Event
	transactions []*core.Transaction
	// released maps an auction id to its bids whose dependencies executed.
	released map[string][]string

	matches    int
	expired    int
	cancelled  int
	activeBids int
}

func (fx *effects) emit(kind events.Kind, entityID string, ts time.Time, payload map[string]any, agents ...string) {
	fx.events = append(fx.events, events.Event{
		Kind:      kind,
		EntityID:  entityID,
		AgentIDs:  agents,
		Timestamp: ts,
		Payload:   payload,
	})
}

func (fx *effects) bidCreated(b *core.Bid) {
	fx.saves = append(fx.saves, saveOp{store.CollectionBids, b.ID, b.Clone()})
	fx.emit(events.KindBidCreated, b.ID, b.CreatedAt, map[string]any{
		"bid_type":   string(b.Type),
		"role":       string(b.Role),
		"status":     string(b.Status),
		"auction_id": b.AuctionID,
	}, b.AgentID)
}

func (fx *effects) release(auctionID, bidID string) {
	if fx.released == nil {
		fx.released = make(map[string][]string)
	}
	fx.released[auctionID] = append(fx.released[auctionID], bidID)
}

// bidChanged records a status change of a bid that was already saved.
func (fx *effects) bidChanged(b *core.Bid) {
	fx.updates = append(fx.updates, updateOp{store.CollectionBids, b.ID, store.Document{
		"status":        string(b.Status),
		"status_reason": b.StatusReason,
		"updated_at":    b.UpdatedAt,
		"auction_id":    b.AuctionID,
	}})
	switch b.Status {
	case core.BidExpired:
		fx.expired++
		fx.emit(events.KindBidExpired, b.ID, b.UpdatedAt, map[string]any{"reason": b.StatusReason}, b.AgentID)
	case core.BidCancelled:
		fx.cancelled++
		fx.emit(events.KindBidCancelled, b.ID, b.UpdatedAt, map[string]any{"reason": b.StatusReason}, b.AgentID)
	case core.BidRejected:
		fx.emit(events.KindBidRejected, b.ID, b.UpdatedAt, map[string]any{"reason": b.StatusReason}, b.AgentID)
	}
}

func (fx *effects) matchCreated(m *core.Match) {
	fx.matches++
	fx.matchSaved(m)
	fx.emit(events.KindBidMatched, m.ID, m.CreatedAt, map[string]any{
		"buyer_bid_id":  m.BuyerBidID,
		"seller_bid_id": m.SellerBidID,
		"price":         m.Price.Amount,
		"currency":      m.Price.Currency,
		"auction_id":    m.AuctionID,
	}, m.BuyerAgentID, m.SellerAgentID)
}

func (fx *effects) matchSaved(m *core.Match) {
	fx.saves = append(fx.saves, saveOp{store.CollectionMatches, m.ID, m.Clone()})
}

func (fx *effects) transactionExecuted(tx *core.Transaction) {
	snapshot := tx.Clone()
	fx.transactions = append(fx.transactions, snapshot)
	fx.emit(events.KindTransactionExecuted, tx.ID, tx.CreatedAt, map[string]any{
		"match_id":     tx.MatchID,
		"price":        tx.Price.Amount,
		"currency":     tx.Price.Currency,
		"receipt_hash": tx.Receipt.Hash,
	}, tx.BuyerAgentID, tx.SellerAgentID)
}

// auctionResult records everything a mechanism produced. Bids touched by a
// match are read back from state so their final status is captured.
func (fx *effects) auctionResult(state *core.MarketState, res auction.Result) {
	for _, m := range res.Matches {
		fx.matchCreated(m)
		for _, id := range []string{m.BuyerBidID, m.SellerBidID} {
			if b, ok := state.Bid(id); ok {
				fx.bidChanged(b)
			}
		}
	}
	for _, tx := range res.Transactions {
		fx.transactionExecuted(tx)
	}
	for _, b := range res.Expired {
		fx.bidChanged(b)
	}
}

// commit finishes collection under the lock and queues fx for flushing.
func (c *Coordinator) commit(fx *effects) {
	fx.activeBids = len(c.state.Bids(func(b *core.Bid) bool { return b.Status.Open() }))
	c.pending = append(c.pending, fx)
}

// flush applies every committed effect set outside the lock, in commit
// order, so persisted records never go back to an older state. Whichever
// caller flushes first applies the effects of concurrent operations too;
// flush returns only once the caller's own effects are applied. Collaborator
// failures are logged and never undo the committed state.
func (c *Coordinator) flush(ctx context.Context) {
	released := c.drain(ctx)
	ids := make([]string, 0, len(released))
	for id := range released {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		c.rematchAuction(ctx, id, released[id])
	}
}

func (c *Coordinator) drain(ctx context.Context) map[string][]string {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	released := make(map[string][]string)
	for _, fx := range batch {
		c.apply(ctx, fx)
		for id, bids := range fx.released {
			released[id] = append(released[id], bids...)
		}
	}
	return released
}

// rematchAuction lets an auction match bids whose dependencies executed.
// It runs with no lock held because the auction takes the coordinator lock.
func (c *Coordinator) rematchAuction(ctx context.Context, auctionID string, bidIDs []string) {
	mech, ok := c.auction(auctionID)
	if !ok {
		return
	}
	res, err := mech.Rematch(bidIDs...)
	if err != nil {
		c.logger.Warn().Err(err).Str("auction_id", auctionID).Msg("failed to rematch released bids")
	}
	if !res.Empty() {
		c.absorb(ctx, res)
	}
}

func (c *Coordinator) apply(ctx context.Context, fx *effects) {
	c.metrics.MatchesCreated.Add(float64(fx.matches))
	c.metrics.BidsExpired.Add(float64(fx.expired))
	c.metrics.BidsCancelled.Add(float64(fx.cancelled))
	c.metrics.ActiveBids.Set(float64(fx.activeBids))

	for _, tx := range fx.transactions {
		c.metrics.TransactionsExecuted.Add(1)
		c.metrics.TransactionPrice.Observe(tx.Price.Amount)
		c.attest(ctx, tx)
		fx.saves = append(fx.saves, saveOp{store.CollectionTransactions, tx.ID, tx})
	}

	for _, op := range fx.saves {
		doc, err := store.ToDocument(op.record)
		if err != nil {
			c.logger.Warn().Err(err).Str("collection", op.collection).Str("id", op.id).Msg("failed to encode record")
			continue
		}
		if err := c.store.Save(ctx, op.collection, op.id, doc); err != nil {
			c.logger.Warn().Err(err).Str("collection", op.collection).Str("id", op.id).Msg("failed to persist record")
		}
	}
	for _, op := range fx.updates {
		if err := c.store.Update(ctx, op.collection, op.id, op.patch); err != nil {
			c.logger.Warn().Err(err).Str("collection", op.collection).Str("id", op.id).Msg("failed to update record")
		}
	}
	for _, e := range fx.events {
		if err := c.sink.Emit(ctx, e); err != nil {
			c.logger.Warn().Err(err).Str("event_kind", string(e.Kind)).Str("entity_id", e.EntityID).Msg("failed to emit event")
		}
	}
}

// attest asks the receipt attester to sign the transaction's receipt and
// stores the attestation on both the snapshot and the live transaction.
func (c *Coordinator) attest(ctx context.Context, tx *core.Transaction) {
	if c.attester == nil {
		return
	}
	att, err := c.attester.AttestReceipt(ctx, tx)
	if err != nil {
		c.logger.Warn().Err(err).Str("transaction_id", tx.ID).Msg("receipt attestation failed")
		return
	}
	tx.Receipt.Attestation = att

	c.mu.Lock()
	defer c.mu.Unlock()
	if live, ok := c.state.Transaction(tx.ID); ok {
		live.Receipt.Attestation = att
	}
}
