package validation

import (
	"slices"

	"github.com/cloudx-io/agentmarket/core"
)

// QuantityBounds limits the quantity of a single resource specification.
type QuantityBounds struct {
	MinQuantity *float64 `json:"min_quantity,omitempty" mapstructure:"min_quantity"`
	MaxQuantity *float64 `json:"max_quantity,omitempty" mapstructure:"max_quantity"`
}

// PriceConstraints are market-wide limits on bid prices.
type PriceConstraints struct {
	AllowedCurrencies []string `json:"allowed_currencies,omitempty" mapstructure:"allowed_currencies"`
	PriceFloor        *float64 `json:"price_floor,omitempty" mapstructure:"price_floor"`
	PriceCeiling      *float64 `json:"price_ceiling,omitempty" mapstructure:"price_ceiling"`
}

// MarketPolicy is the market configuration consulted by the validator.
// Empty allow-lists and a zero MaxDependencyDepth mean unrestricted.
type MarketPolicy struct {
	MinTrustScore       float64                              `json:"min_trust_score" mapstructure:"min_trust_score"`
	ResourceConstraints map[core.ResourceType]QuantityBounds `json:"resource_constraints,omitempty" mapstructure:"resource_constraints"`
	PriceConstraints    PriceConstraints                     `json:"price_constraints" mapstructure:"price_constraints"`
	AllowedBidTypes     []core.BidType                       `json:"allowed_bid_types,omitempty" mapstructure:"allowed_bid_types"`
	AllowedRoles        []core.MarketRole                    `json:"allowed_roles,omitempty" mapstructure:"allowed_roles"`
	BlacklistedAgents   []string                             `json:"blacklisted_agents,omitempty" mapstructure:"blacklisted_agents"`
	MaxDependencyDepth  int                                  `json:"max_dependency_depth" mapstructure:"max_dependency_depth"`
	MarketPaused        bool                                 `json:"market_paused" mapstructure:"market_paused"`
	RequireSignature    bool                                 `json:"require_signature" mapstructure:"require_signature"`
	AgentCapabilities   map[string][]string                  `json:"agent_capabilities,omitempty" mapstructure:"agent_capabilities"`
}

func (p MarketPolicy) bidTypeAllowed(t core.BidType) bool {
	return len(p.AllowedBidTypes) == 0 || slices.Contains(p.AllowedBidTypes, t)
}

func (p MarketPolicy) roleAllowed(r core.MarketRole) bool {
	return len(p.AllowedRoles) == 0 || slices.Contains(p.AllowedRoles, r)
}

func (p MarketPolicy) currencyAllowed(c string) bool {
	return len(p.PriceConstraints.AllowedCurrencies) == 0 || slices.Contains(p.PriceConstraints.AllowedCurrencies, c)
}

func (p MarketPolicy) blacklisted(agentID string) bool {
	return slices.Contains(p.BlacklistedAgents, agentID)
}
