package auction

import (
	"fmt"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"

	"github.com/cloudx-io/agentmarket/core"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type fixture struct {
	state *core.MarketState
	clock *manualClock
	mech  Mechanism
}

func newFixture(t *testing.T, cfg core.AuctionConfig, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{state: core.NewMarketState(), clock: &manualClock{now: testStart}}
	if cfg.ID == "" {
		cfg.ID = "auction-1"
	}
	all := append([]Option{
		WithState(f.state),
		WithClock(f.clock),
		WithIDGenerator(sequentialIDs("id")),
	}, opts...)
	m, err := New(cfg, all...)
	assert.NoError(t, err)
	assert.NoError(t, m.Start())
	f.mech = m
	return f
}

func bid(id, agent string, typ core.BidType, role core.MarketRole, price float64) *core.Bid {
	return &core.Bid{
		ID:        id,
		AgentID:   agent,
		Type:      typ,
		Role:      role,
		Status:    core.BidPending,
		CreatedAt: testStart,
		UpdatedAt: testStart,
		Resources: []core.ResourceSpecification{{Type: core.ResourceCompute, Quantity: 10, Unit: "cores"}},
		Price:     &core.PriceSpecification{Currency: "USD", Amount: price, Unit: "hour"},
	}
}

func withResource(b *core.Bid, rt core.ResourceType, qty float64) *core.Bid {
	b.Resources = []core.ResourceSpecification{{Type: rt, Quantity: qty, Unit: "units"}}
	return b
}

func f64(v float64) *float64 { return &v }
