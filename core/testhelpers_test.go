package core

import "time"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// mockRandSource provides a deterministic random source for testing
type mockRandSource struct {
	sequence []int
	index    int
}

func (m *mockRandSource) Intn(n int) int {
	if m.index >= len(m.sequence) {
		return 0
	}
	val := m.sequence[m.index] % n
	m.index++
	return val
}

func newBid(id, agent string, role MarketRole, price float64, resources ...ResourceSpecification) *Bid {
	if len(resources) == 0 {
		resources = []ResourceSpecification{{Type: ResourceCompute, Quantity: 10, Unit: "cores"}}
	}
	return &Bid{
		ID:        id,
		AgentID:   agent,
		Type:      BidTypeFixed,
		Role:      role,
		Status:    BidPending,
		CreatedAt: testNow,
		UpdatedAt: testNow,
		Resources: resources,
		Price:     &PriceSpecification{Currency: "USD", Amount: price, Unit: "hour"},
	}
}
