package validation

import (
	"fmt"
	"slices"
	"time"

	"github.com/cloudx-io/agentmarket/core"
)

// CounterpartCondition is the bid condition key naming the buyer a seller
// task bid is offered to.
const CounterpartCondition = "counterpart_agent_id"

type stageFunc func(bid *core.Bid, profile *core.AgentProfile, policy MarketPolicy, now time.Time) []string

// ValidateBid runs the structural, agent, resources, price, task and policy
// stages in order and stops at the first stage reporting errors. A nil
// profile skips the agent stage; a bid without a task skips the task stage.
func ValidateBid(bid *core.Bid, profile *core.AgentProfile, policy MarketPolicy, now time.Time) *Result {
	if bid == nil {
		return rejected(StageStructural, []string{"bid is required"})
	}

	stages := []struct {
		stage Stage
		run   stageFunc
	}{
		{StageStructural, validateStructure},
		{StageAgent, validateAgent},
		{StageResources, validateResources},
		{StagePrice, validatePrice},
		{StageTask, validateTask},
		{StagePolicy, validatePolicy},
	}

	for _, s := range stages {
		if errs := s.run(bid, profile, policy, now); len(errs) > 0 {
			return rejected(s.stage, errs)
		}
	}
	return accepted()
}

// ValidateResolvedPrice reruns the price stage for a bid whose amount was
// resolved from a pricing formula after ValidateBid accepted it.
func ValidateResolvedPrice(bid *core.Bid, policy MarketPolicy) *Result {
	if bid == nil || bid.Price == nil {
		return rejected(StagePrice, []string{"price is required"})
	}
	if errs := validatePrice(bid, nil, policy, time.Time{}); len(errs) > 0 {
		return rejected(StagePrice, errs)
	}
	return accepted()
}

func validateStructure(bid *core.Bid, _ *core.AgentProfile, _ MarketPolicy, now time.Time) []string {
	var errs []string
	if bid.ID == "" {
		errs = append(errs, "bid id is required")
	}
	if bid.AgentID == "" {
		errs = append(errs, "agent id is required")
	}
	if !bid.Type.Valid() {
		errs = append(errs, fmt.Sprintf("invalid bid type: %q", bid.Type))
	}
	if !bid.Role.Valid() {
		errs = append(errs, fmt.Sprintf("invalid market role: %q", bid.Role))
	}
	if bid.CreatedAt.After(now) {
		errs = append(errs, "creation time is in the future")
	}
	if bid.ExpiresAt != nil {
		if !bid.ExpiresAt.After(bid.CreatedAt) {
			errs = append(errs, "expiration must be after creation time")
		} else if !bid.ExpiresAt.After(now) {
			errs = append(errs, "expiration must be in the future")
		}
	}
	if len(bid.Resources) == 0 {
		errs = append(errs, "at least one resource is required")
	}
	if bid.Price == nil {
		errs = append(errs, "price is required")
	}
	return errs
}

func validateAgent(bid *core.Bid, profile *core.AgentProfile, policy MarketPolicy, _ time.Time) []string {
	if profile == nil {
		return nil
	}

	var errs []string
	if profile.AgentID != bid.AgentID {
		errs = append(errs, fmt.Sprintf("agent profile %s does not match bid agent %s", profile.AgentID, bid.AgentID))
	}
	if !profile.HasRole(bid.Role) {
		errs = append(errs, fmt.Sprintf("agent does not hold role %s", bid.Role))
	}
	if profile.TrustScore < policy.MinTrustScore {
		errs = append(errs, fmt.Sprintf("trust score %.2f below minimum %.2f", profile.TrustScore, policy.MinTrustScore))
	}

	switch bid.Role {
	case core.RoleSeller:
		for _, rt := range bid.ResourceTypes() {
			requested := bid.QuantityOf(rt)
			available := profile.ResourceAvailability[rt]
			if !core.QuantitySufficient(available, requested) {
				errs = append(errs, fmt.Sprintf("insufficient %s availability: have %g, offering %g", rt, available, requested))
			}
		}
	case core.RoleBuyer:
		if bid.Task != nil {
			for _, capability := range bid.Task.RequiredCapabilities {
				if !profile.HasCapability(capability) {
					errs = append(errs, fmt.Sprintf("agent lacks required capability %s", capability))
				}
			}
		}
	}
	return errs
}

func validateResources(bid *core.Bid, _ *core.AgentProfile, policy MarketPolicy, _ time.Time) []string {
	var errs []string
	for i, r := range bid.Resources {
		if !r.Type.Valid() {
			errs = append(errs, fmt.Sprintf("resource %d: invalid resource type %q", i, r.Type))
		}
		if r.Quantity <= 0 {
			errs = append(errs, fmt.Sprintf("resource %d: quantity must be positive", i))
		}
		if r.Unit == "" {
			errs = append(errs, fmt.Sprintf("resource %d: unit is required", i))
		}

		bounds, ok := policy.ResourceConstraints[r.Type]
		if !ok {
			continue
		}
		if bounds.MinQuantity != nil && !core.QuantitySufficient(r.Quantity, *bounds.MinQuantity) {
			errs = append(errs, fmt.Sprintf("resource %d: quantity %g below minimum %g for %s", i, r.Quantity, *bounds.MinQuantity, r.Type))
		}
		if bounds.MaxQuantity != nil && !core.QuantitySufficient(*bounds.MaxQuantity, r.Quantity) {
			errs = append(errs, fmt.Sprintf("resource %d: quantity %g above maximum %g for %s", i, r.Quantity, *bounds.MaxQuantity, r.Type))
		}
	}
	return errs
}

func validatePrice(bid *core.Bid, _ *core.AgentProfile, policy MarketPolicy, _ time.Time) []string {
	p := bid.Price
	var errs []string
	if p.Currency == "" {
		errs = append(errs, "price currency is required")
	}
	if p.Unit == "" {
		errs = append(errs, "price unit is required")
	}
	if p.Amount <= 0 {
		errs = append(errs, "price amount must be positive")
	}
	if p.MinPrice != nil && p.MaxPrice != nil && !core.PriceAtLeast(*p.MaxPrice, *p.MinPrice) {
		errs = append(errs, "min price must not exceed max price")
	}

	pc := policy.PriceConstraints
	if p.Currency != "" && !policy.currencyAllowed(p.Currency) {
		errs = append(errs, fmt.Sprintf("currency %s not allowed", p.Currency))
	}
	if pc.PriceFloor != nil && !core.PriceAtLeast(p.Amount, *pc.PriceFloor) {
		errs = append(errs, fmt.Sprintf("price %g below market floor %g", p.Amount, *pc.PriceFloor))
	}
	if pc.PriceCeiling != nil && !core.PriceAtLeast(*pc.PriceCeiling, p.Amount) {
		errs = append(errs, fmt.Sprintf("price %g above market ceiling %g", p.Amount, *pc.PriceCeiling))
	}
	return errs
}

func validateTask(bid *core.Bid, _ *core.AgentProfile, policy MarketPolicy, now time.Time) []string {
	task := bid.Task
	if task == nil {
		return nil
	}

	var errs []string
	if task.ID == "" {
		errs = append(errs, "task id is required")
	}
	if task.Name == "" {
		errs = append(errs, "task name is required")
	}
	if task.Description == "" {
		errs = append(errs, "task description is required")
	}
	if !task.Deadline.After(now) {
		errs = append(errs, "task deadline must be in the future")
	}
	if task.Priority < 0 || task.Priority > 100 {
		errs = append(errs, fmt.Sprintf("task priority %d outside [0,100]", task.Priority))
	}
	if len(task.RequiredCapabilities) == 0 {
		errs = append(errs, "task requires at least one capability")
	}

	if bid.Role == core.RoleSeller {
		if counterpart, ok := bid.Conditions[CounterpartCondition].(string); ok && counterpart != "" {
			held := policy.AgentCapabilities[counterpart]
			for _, capability := range task.RequiredCapabilities {
				if !slices.Contains(held, capability) {
					errs = append(errs, fmt.Sprintf("counterpart %s lacks capability %s", counterpart, capability))
				}
			}
		}
	}
	return errs
}

func validatePolicy(bid *core.Bid, _ *core.AgentProfile, policy MarketPolicy, _ time.Time) []string {
	var errs []string
	if !policy.bidTypeAllowed(bid.Type) {
		errs = append(errs, fmt.Sprintf("bid type %s not allowed", bid.Type))
	}
	if !policy.roleAllowed(bid.Role) {
		errs = append(errs, fmt.Sprintf("role %s not allowed", bid.Role))
	}
	if policy.blacklisted(bid.AgentID) {
		errs = append(errs, fmt.Sprintf("agent %s is blacklisted", bid.AgentID))
	}
	if slices.Contains(bid.Dependencies, bid.ID) {
		errs = append(errs, "bid cannot depend on itself")
	}
	if policy.MaxDependencyDepth > 0 && len(bid.Dependencies) > policy.MaxDependencyDepth {
		errs = append(errs, fmt.Sprintf("%d dependencies exceed maximum %d", len(bid.Dependencies), policy.MaxDependencyDepth))
	}
	if policy.MarketPaused {
		errs = append(errs, "market is paused")
	}
	return errs
}
