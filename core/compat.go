package core

import "time"

// DependencyGate reports whether every dependency of a bid has executed.
type DependencyGate func(*Bid) bool

// ResourcesCovered reports whether the seller offers every resource type the
// buyer requests, in at least the requested quantity.
func ResourcesCovered(buyer, seller *Bid) bool {
	for _, rt := range buyer.ResourceTypes() {
		offered := seller.QuantityOf(rt)
		if offered <= 0 || !QuantitySufficient(offered, buyer.QuantityOf(rt)) {
			return false
		}
	}
	return true
}

// PriceCompatible reports whether the buyer's price covers the seller's in the same currency.
func PriceCompatible(buyer, seller *Bid) bool {
	if buyer.Price == nil || seller.Price == nil {
		return false
	}
	if !buyer.Price.CompatibleWith(*seller.Price) {
		return false
	}
	return PriceAtLeast(buyer.Price.Amount, seller.Price.Amount)
}

// Compatible is the matching predicate shared by fixed-price matching in the
// auction and market packages. deps may be nil, in which case bids with
// dependencies never match.
func Compatible(buyer, seller *Bid, now time.Time, deps DependencyGate) bool {
	if buyer.Role != RoleBuyer || seller.Role != RoleSeller {
		return false
	}
	if buyer.Expired(now) || seller.Expired(now) {
		return false
	}
	if !PriceCompatible(buyer, seller) || !ResourcesCovered(buyer, seller) {
		return false
	}
	return dependenciesMet(buyer, deps) && dependenciesMet(seller, deps)
}

func dependenciesMet(b *Bid, deps DependencyGate) bool {
	if len(b.Dependencies) == 0 {
		return true
	}
	return deps != nil && deps(b)
}
