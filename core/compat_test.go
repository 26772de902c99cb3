package core

import (
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
)

func TestCompatible(t *testing.T) {
	compute := func(q float64) ResourceSpecification {
		return ResourceSpecification{Type: ResourceCompute, Quantity: q, Unit: "cores"}
	}
	memory := ResourceSpecification{Type: ResourceMemory, Quantity: 8, Unit: "GB"}
	past := testNow.Add(-time.Minute)

	tests := []struct {
		name   string
		buyer  func() *Bid
		seller func() *Bid
		deps   DependencyGate
		want   bool
	}{
		{
			name:   "buyer price above seller",
			buyer:  func() *Bid { return newBid("b", "buyer", RoleBuyer, 100, compute(10)) },
			seller: func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(10)) },
			want:   true,
		},
		{
			name:   "equal prices",
			buyer:  func() *Bid { return newBid("b", "buyer", RoleBuyer, 90, compute(10)) },
			seller: func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(10)) },
			want:   true,
		},
		{
			name:   "buyer price below seller",
			buyer:  func() *Bid { return newBid("b", "buyer", RoleBuyer, 89.99, compute(10)) },
			seller: func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(10)) },
			want:   false,
		},
		{
			name: "currency mismatch",
			buyer: func() *Bid {
				b := newBid("b", "buyer", RoleBuyer, 100, compute(10))
				b.Price.Currency = "EUR"
				return b
			},
			seller: func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(10)) },
			want:   false,
		},
		{
			name:   "insufficient seller quantity",
			buyer:  func() *Bid { return newBid("b", "buyer", RoleBuyer, 100, compute(10)) },
			seller: func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(9)) },
			want:   false,
		},
		{
			name:   "seller missing requested type",
			buyer:  func() *Bid { return newBid("b", "buyer", RoleBuyer, 100, compute(1), memory) },
			seller: func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(10)) },
			want:   false,
		},
		{
			name:   "seller offers superset",
			buyer:  func() *Bid { return newBid("b", "buyer", RoleBuyer, 100, compute(1)) },
			seller: func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(10), memory) },
			want:   true,
		},
		{
			name: "expired buyer",
			buyer: func() *Bid {
				b := newBid("b", "buyer", RoleBuyer, 100, compute(10))
				b.ExpiresAt = &past
				return b
			},
			seller: func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(10)) },
			want:   false,
		},
		{
			name: "dependency not executed",
			buyer: func() *Bid {
				b := newBid("b", "buyer", RoleBuyer, 100, compute(10))
				b.Dependencies = []string{"y"}
				return b
			},
			seller: func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(10)) },
			deps:   func(*Bid) bool { return false },
			want:   false,
		},
		{
			name: "dependency executed",
			buyer: func() *Bid {
				b := newBid("b", "buyer", RoleBuyer, 100, compute(10))
				b.Dependencies = []string{"y"}
				return b
			},
			seller: func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(10)) },
			deps:   func(*Bid) bool { return true },
			want:   true,
		},
		{
			name:   "roles swapped",
			buyer:  func() *Bid { return newBid("s", "seller", RoleSeller, 90, compute(10)) },
			seller: func() *Bid { return newBid("b", "buyer", RoleBuyer, 100, compute(10)) },
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check.Equal(t, tt.want, Compatible(tt.buyer(), tt.seller(), testNow, tt.deps))
		})
	}
}
