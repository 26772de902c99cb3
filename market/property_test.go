package market

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/validation"
)

// Random sequences of submissions, confirmations, cancellations and sweeps
// never pair a bid twice and only move bids along legal status transitions.
func TestCoordinatorProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		clock := &manualClock{now: testNow}
		c := New(validation.NewValidator(validation.MarketPolicy{}, validation.WithClock(clock)),
			WithClock(clock),
			WithIDGenerator(sequentialIDs("p")),
			WithSweepInterval(time.Nanosecond),
		)
		defer c.Close()

		seen := make(map[string]core.BidStatus)
		var bidIDs []string

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				role := rapid.SampledFrom([]core.MarketRole{core.RoleBuyer, core.RoleSeller}).Draw(rt, "role")
				b := fixedBid(fmt.Sprintf("b%d", i), fmt.Sprintf("agent%d", rapid.IntRange(0, 4).Draw(rt, "agent")), role,
					float64(rapid.IntRange(1, 20).Draw(rt, "price")))
				if rapid.Bool().Draw(rt, "expires") {
					exp := clock.Now().Add(time.Duration(rapid.IntRange(1, 10).Draw(rt, "ttl")) * time.Second)
					b.ExpiresAt = &exp
				}
				if len(bidIDs) > 0 && rapid.IntRange(0, 4).Draw(rt, "dep") == 0 {
					b.Dependencies = []string{rapid.SampledFrom(bidIDs).Draw(rt, "dependency")}
				}
				if res := c.CreateBid(ctx, b); res.Accepted {
					bidIDs = append(bidIDs, b.ID)
				}
			case 1:
				matches := c.Matches()
				if len(matches) == 0 {
					continue
				}
				m := rapid.SampledFrom(matches).Draw(rt, "match")
				agent := m.BuyerAgentID
				if rapid.Bool().Draw(rt, "seller") {
					agent = m.SellerAgentID
				}
				c.ConfirmMatch(ctx, m.ID, agent, "")
			case 2:
				if len(bidIDs) == 0 {
					continue
				}
				id := rapid.SampledFrom(bidIDs).Draw(rt, "cancel")
				if b, ok := c.Bid(id); ok {
					c.CancelBid(ctx, id, b.AgentID, "")
				}
			case 3:
				clock.Advance(time.Duration(rapid.IntRange(1, 5).Draw(rt, "advance")) * time.Second)
				c.CheckExpiredBids(ctx)
			}

			for _, id := range bidIDs {
				b, ok := c.Bid(id)
				if !ok {
					rt.Fatalf("accepted bid %s disappeared", id)
				}
				if prev, ok := seen[id]; ok && prev != b.Status && !core.CanTransition(prev, b.Status) {
					rt.Fatalf("bid %s moved %s -> %s", id, prev, b.Status)
				}
				seen[id] = b.Status
			}

			paired := make(map[string]string)
			executed := 0
			for _, m := range c.Matches() {
				for _, id := range []string{m.BuyerBidID, m.SellerBidID} {
					if other, dup := paired[id]; dup {
						rt.Fatalf("bid %s in matches %s and %s", id, other, m.ID)
					}
					paired[id] = m.ID
				}
				if m.Status == core.MatchExecuted {
					executed++
				}
			}
			if got := len(c.Transactions()); got != executed {
				rt.Fatalf("%d transactions for %d executed matches", got, executed)
			}
		}
	})
}
