package market

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/events"
	"github.com/cloudx-io/agentmarket/validation"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) count(kind events.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	*Coordinator
	clock *manualClock
	sink  *recordingSink
}

func newHarness(t *testing.T, policy validation.MarketPolicy, opts ...Option) *harness {
	t.Helper()
	clock := &manualClock{now: testNow}
	sink := &recordingSink{}
	v := validation.NewValidator(policy, validation.WithClock(clock))
	all := append([]Option{
		WithClock(clock),
		WithIDGenerator(sequentialIDs("id")),
		WithEventSink(sink),
	}, opts...)
	c := New(v, all...)
	t.Cleanup(c.Close)
	return &harness{Coordinator: c, clock: clock, sink: sink}
}

func newBid(id, agent string, typ core.BidType, role core.MarketRole, price float64) *core.Bid {
	return &core.Bid{
		ID:        id,
		AgentID:   agent,
		Type:      typ,
		Role:      role,
		Resources: []core.ResourceSpecification{{Type: core.ResourceCompute, Quantity: 10, Unit: "cores"}},
		Price:     &core.PriceSpecification{Currency: "USD", Amount: price, Unit: "hour"},
	}
}

func fixedBid(id, agent string, role core.MarketRole, price float64) *core.Bid {
	return newBid(id, agent, core.BidTypeFixed, role, price)
}

func (h *harness) mustBid(t *testing.T, id string) *core.Bid {
	t.Helper()
	b, ok := h.Bid(id)
	if !ok {
		t.Fatalf("bid %s not found", id)
	}
	return b
}
