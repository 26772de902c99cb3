package market

import (
	"context"
	"fmt"
	"maps"

	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/store"
)

// Bid returns a copy of the bid with id.
func (c *Coordinator) Bid(id string) (*core.Bid, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.state.Bid(id)
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

func (c *Coordinator) Match(id string) (*core.Match, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.state.Match(id)
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// MatchForBid returns a copy of the match referencing bidID.
func (c *Coordinator) MatchForBid(bidID string) (*core.Match, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.state.MatchForBid(bidID)
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

func (c *Coordinator) Transaction(id string) (*core.Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.state.Transaction(id)
	if !ok {
		return nil, false
	}
	return tx.Clone(), true
}

// ActiveBids returns copies of the PENDING or ACTIVE bids accepted by filter,
// in submission order. A nil filter accepts every open bid.
func (c *Coordinator) ActiveBids(filter func(*core.Bid) bool) []*core.Bid {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*core.Bid
	for _, b := range c.state.Bids(func(b *core.Bid) bool { return b.Status.Open() }) {
		if filter == nil || filter(b) {
			out = append(out, b.Clone())
		}
	}
	return out
}

func (c *Coordinator) Matches() []*core.Match {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMatches(c.state.Matches())
}

func (c *Coordinator) Transactions() []*core.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneTransactions(c.state.Transactions())
}

// RecordFeedback appends a counterpart's feedback and performance metrics
// to an executed transaction.
func (c *Coordinator) RecordFeedback(ctx context.Context, transactionID, agentID string, content map[string]any, performance map[string]float64) (res Result) {
	defer c.recoverInternal("record_feedback", &res)

	var fx effects
	err := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		tx, ok := c.state.Transaction(transactionID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		if agentID != tx.BuyerAgentID && agentID != tx.SellerAgentID {
			return fmt.Errorf("%w: %s in transaction %s", ErrNotParticipant, agentID, transactionID)
		}
		if len(content) > 0 {
			tx.Feedback = append(tx.Feedback, core.Feedback{
				AgentID:    agentID,
				Content:    maps.Clone(content),
				RecordedAt: c.clock.Now(),
			})
		}
		if len(performance) > 0 {
			if tx.PerformanceMetrics == nil {
				tx.PerformanceMetrics = make(map[string]float64, len(performance))
			}
			maps.Copy(tx.PerformanceMetrics, performance)
		}
		fx.saves = append(fx.saves, saveOp{store.CollectionTransactions, tx.ID, tx.Clone()})
		c.commit(&fx)
		return nil
	}()
	if err != nil {
		return failed(err)
	}
	c.flush(ctx)
	return succeeded()
}
