package core

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ResourceType enumerates the kinds of resources agents trade.
type ResourceType string

const (
	ResourceCompute   ResourceType = "compute"
	ResourceMemory    ResourceType = "memory"
	ResourceStorage   ResourceType = "storage"
	ResourceNetwork   ResourceType = "network"
	ResourceModel     ResourceType = "model"
	ResourceData      ResourceType = "data"
	ResourceSkill     ResourceType = "skill"
	ResourceKnowledge ResourceType = "knowledge"
	ResourceTime      ResourceType = "time"
	ResourceAttention ResourceType = "attention"
)

// ResourceTypes lists every valid resource type.
var ResourceTypes = []ResourceType{
	ResourceCompute, ResourceMemory, ResourceStorage, ResourceNetwork, ResourceModel,
	ResourceData, ResourceSkill, ResourceKnowledge, ResourceTime, ResourceAttention,
}

// Valid reports whether r is a known resource type.
func (r ResourceType) Valid() bool {
	return slices.Contains(ResourceTypes, r)
}

// BidType selects the market discipline a bid participates in.
type BidType string

const (
	BidTypeFixed      BidType = "fixed"
	BidTypeEnglish    BidType = "english"
	BidTypeDutch      BidType = "dutch"
	BidTypeVickrey    BidType = "vickrey"
	BidTypeContinuous BidType = "continuous"
)

// BidTypes lists every valid bid type.
var BidTypes = []BidType{BidTypeFixed, BidTypeEnglish, BidTypeDutch, BidTypeVickrey, BidTypeContinuous}

func (t BidType) Valid() bool {
	return slices.Contains(BidTypes, t)
}

// MarketRole is the side of the market a bid is on.
type MarketRole string

const (
	RoleBuyer  MarketRole = "buyer"
	RoleSeller MarketRole = "seller"
)

func (r MarketRole) Valid() bool {
	return r == RoleBuyer || r == RoleSeller
}

// BidStatus is a state in the bid lifecycle.
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidActive    BidStatus = "active"
	BidMatched   BidStatus = "matched"
	BidExecuted  BidStatus = "executed"
	BidExpired   BidStatus = "expired"
	BidCancelled BidStatus = "cancelled"
	BidRejected  BidStatus = "rejected"
)

// allowedTransitions is the bid status machine. Terminal states have no entry.
var allowedTransitions = map[BidStatus][]BidStatus{
	BidPending: {BidActive, BidMatched, BidExpired, BidCancelled, BidRejected},
	BidActive:  {BidMatched, BidExpired, BidCancelled, BidRejected},
	BidMatched: {BidExecuted},
}

// Terminal reports whether no transition can leave s.
func (s BidStatus) Terminal() bool {
	switch s {
	case BidExecuted, BidCancelled, BidExpired, BidRejected:
		return true
	}
	return false
}

// Open reports whether a bid in state s can still be cancelled, expired or matched.
func (s BidStatus) Open() bool {
	return s == BidPending || s == BidActive
}

// CanTransition reports whether the status machine permits from -> to.
func CanTransition(from, to BidStatus) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// ErrIllegalTransition is returned when a status change violates the bid status machine.
var ErrIllegalTransition = errors.New("illegal bid status transition")

// MatchStatus is the state of a Match.
type MatchStatus string

const (
	MatchPending  MatchStatus = "pending"
	MatchExecuted MatchStatus = "executed"
)

// TransactionStatus is the state of a Transaction.
type TransactionStatus string

const (
	TransactionExecuted TransactionStatus = "executed"
)

// ResourceSpecification describes a quantity of a single resource type.
type ResourceSpecification struct {
	Type           ResourceType       `json:"type"`
	Quantity       float64            `json:"quantity"`
	Unit           string             `json:"unit"`
	QualityMetrics map[string]float64 `json:"quality_metrics,omitempty"`
	Constraints    map[string]any     `json:"constraints,omitempty"`
}

// PriceSpecification is the price attached to a bid or agreed in a match.
type PriceSpecification struct {
	Currency   string             `json:"currency"`
	Amount     float64            `json:"amount"`
	Unit       string             `json:"unit"`
	MinPrice   *float64           `json:"min_price,omitempty"`
	MaxPrice   *float64           `json:"max_price,omitempty"`
	Formula    string             `json:"formula,omitempty"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
}

// CompatibleWith reports whether two prices can be compared; only equal currencies are.
func (p PriceSpecification) CompatibleWith(other PriceSpecification) bool {
	return p.Currency == other.Currency
}

// WithAmount returns a copy of p carrying amount instead of p.Amount.
func (p PriceSpecification) WithAmount(amount float64) PriceSpecification {
	out := p
	out.Amount = amount
	return out
}

// TaskSpecification is attached to bids that represent work-for-hire.
type TaskSpecification struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	RequiredCapabilities []string  `json:"required_capabilities"`
	Deadline             time.Time `json:"deadline"`
	Priority             int       `json:"priority"`
}

// Bid is a standing offer to buy or sell resources at a price.
type Bid struct {
	ID           string                  `json:"id"`
	AgentID      string                  `json:"agent_id"`
	Type         BidType                 `json:"bid_type"`
	Role         MarketRole              `json:"role"`
	Status       BidStatus               `json:"status"`
	StatusReason string                  `json:"status_reason,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	ExpiresAt    *time.Time              `json:"expires_at,omitempty"`
	Resources    []ResourceSpecification `json:"resources"`
	Price        *PriceSpecification     `json:"price"`
	Task         *TaskSpecification      `json:"task,omitempty"`
	Conditions   map[string]any          `json:"conditions,omitempty"`
	Dependencies []string                `json:"dependencies,omitempty"`
	Signature    string                  `json:"signature,omitempty"`
	AuctionID    string                  `json:"auction_id,omitempty"`
}

// TransitionTo moves the bid to status, recording reason and the update time.
func (b *Bid) TransitionTo(status BidStatus, reason string, now time.Time) error {
	if !CanTransition(b.Status, status) {
		return fmt.Errorf("%w: %s -> %s (bid %s)", ErrIllegalTransition, b.Status, status, b.ID)
	}
	b.Status = status
	b.StatusReason = reason
	b.UpdatedAt = now
	return nil
}

// Expired reports whether the bid's expiration timestamp has passed at now.
func (b *Bid) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

// PriceAmount returns the bid's price amount, or zero if no price is attached.
func (b *Bid) PriceAmount() float64 {
	if b.Price == nil {
		return 0
	}
	return b.Price.Amount
}

// QuantityOf sums the quantity the bid carries for resource type rt.
func (b *Bid) QuantityOf(rt ResourceType) float64 {
	total := 0.0
	for _, r := range b.Resources {
		if r.Type == rt {
			total += r.Quantity
		}
	}
	return total
}

// ResourceTypes returns the distinct resource types of the bid in first-seen order.
func (b *Bid) ResourceTypes() []ResourceType {
	out := make([]ResourceType, 0, len(b.Resources))
	for _, r := range b.Resources {
		if !slices.Contains(out, r.Type) {
			out = append(out, r.Type)
		}
	}
	return out
}

// Clone returns a deep copy of the bid safe to hand to callers outside the lock.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	out := *b
	if b.ExpiresAt != nil {
		t := *b.ExpiresAt
		out.ExpiresAt = &t
	}
	out.Resources = slices.Clone(b.Resources)
	if b.Price != nil {
		p := *b.Price
		out.Price = &p
	}
	if b.Task != nil {
		task := *b.Task
		task.RequiredCapabilities = slices.Clone(b.Task.RequiredCapabilities)
		out.Task = &task
	}
	if b.Conditions != nil {
		out.Conditions = make(map[string]any, len(b.Conditions))
		for k, v := range b.Conditions {
			out.Conditions[k] = v
		}
	}
	out.Dependencies = slices.Clone(b.Dependencies)
	return &out
}

// Match pairs one buyer bid with one seller bid at an agreed price.
// Bids are referenced by id only; a Match never owns bid lifecycle.
type Match struct {
	ID            string                  `json:"id"`
	BuyerBidID    string                  `json:"buyer_bid_id"`
	SellerBidID   string                  `json:"seller_bid_id"`
	BuyerAgentID  string                  `json:"buyer_agent_id"`
	SellerAgentID string                  `json:"seller_agent_id"`
	AuctionID     string                  `json:"auction_id,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	ExecutedAt    *time.Time              `json:"executed_at,omitempty"`
	Status        MatchStatus             `json:"status"`
	Price         PriceSpecification      `json:"price"`
	Resources     []ResourceSpecification `json:"resources"`
	ExecutionPlan map[string]any          `json:"execution_plan,omitempty"`
	Signatures    map[string]string       `json:"signatures"`
}

// Participant reports whether agentID is the buyer or seller agent of the match.
func (m *Match) Participant(agentID string) bool {
	return agentID != "" && (agentID == m.BuyerAgentID || agentID == m.SellerAgentID)
}

// FullyConfirmed reports whether both counterpart agents have confirmed.
func (m *Match) FullyConfirmed() bool {
	_, buyer := m.Signatures[m.BuyerAgentID]
	_, seller := m.Signatures[m.SellerAgentID]
	return buyer && seller
}

func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	out := *m
	if m.ExecutedAt != nil {
		t := *m.ExecutedAt
		out.ExecutedAt = &t
	}
	out.Resources = slices.Clone(m.Resources)
	out.Signatures = make(map[string]string, len(m.Signatures))
	for k, v := range m.Signatures {
		out.Signatures[k] = v
	}
	return &out
}

// Receipt is the proof of execution handed to both counterparts.
type Receipt struct {
	MatchID     string            `json:"match_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Status      TransactionStatus `json:"status"`
	Hash        string            `json:"hash"`
	Attestation []byte            `json:"attestation,omitempty"`
}

// Feedback is a note appended to a transaction after execution.
type Feedback struct {
	AgentID    string         `json:"agent_id"`
	Content    map[string]any `json:"content"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Transaction is the record of a fully executed match. Only Feedback and
// PerformanceMetrics change after creation.
type Transaction struct {
	ID                 string                  `json:"id"`
	MatchID            string                  `json:"match_id"`
	BuyerAgentID       string                  `json:"buyer_agent_id"`
	SellerAgentID      string                  `json:"seller_agent_id"`
	Price              PriceSpecification      `json:"price"`
	Resources          []ResourceSpecification `json:"resources"`
	Status             TransactionStatus       `json:"status"`
	CreatedAt          time.Time               `json:"created_at"`
	PerformanceMetrics map[string]float64      `json:"performance_metrics,omitempty"`
	Feedback           []Feedback              `json:"feedback,omitempty"`
	Receipt            Receipt                 `json:"receipt"`
}

func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	out.Resources = slices.Clone(t.Resources)
	out.Feedback = slices.Clone(t.Feedback)
	if t.PerformanceMetrics != nil {
		out.PerformanceMetrics = make(map[string]float64, len(t.PerformanceMetrics))
		for k, v := range t.PerformanceMetrics {
			out.PerformanceMetrics[k] = v
		}
	}
	out.Receipt.Attestation = slices.Clone(t.Receipt.Attestation)
	return &out
}

// IncrementRules configures price steps for ascending and descending auctions.
type IncrementRules struct {
	// MinIncrement is the amount a new English high bid must exceed the current one by.
	MinIncrement float64 `json:"min_increment,omitempty"`
	// DecrementStep is the Dutch price decrease applied on every tick.
	DecrementStep float64 `json:"decrement_step,omitempty"`
	// DecrementInterval is the Dutch tick period.
	DecrementInterval time.Duration `json:"decrement_interval,omitempty"`
	// EndAtFloor ends a Dutch auction once the price reaches the floor.
	EndAtFloor bool `json:"end_at_floor,omitempty"`
}

// AuctionConfig describes one auction instance.
type AuctionConfig struct {
	ID                        string         `json:"id"`
	Type                      BidType        `json:"auction_type"`
	ResourceTypes             []ResourceType `json:"resource_types,omitempty"`
	StartTime                 *time.Time     `json:"start_time,omitempty"`
	EndTime                   *time.Time     `json:"end_time,omitempty"`
	MinPrice                  *float64       `json:"min_price,omitempty"`
	MaxPrice                  *float64       `json:"max_price,omitempty"`
	Increments                IncrementRules `json:"increments"`
	ParticipationRequirements map[string]any `json:"participation_requirements,omitempty"`
	Visibility                string         `json:"visibility,omitempty"`
	Rules                     map[string]any `json:"rules,omitempty"`
}

// AgentProfile is the read-only view of an agent used by validation.
type AgentProfile struct {
	AgentID              string                   `json:"agent_id"`
	Roles                []MarketRole             `json:"roles"`
	TrustScore           float64                  `json:"trust_score"`
	Capabilities         []string                 `json:"capabilities"`
	ResourceAvailability map[ResourceType]float64 `json:"resource_availability"`
}

func (p *AgentProfile) HasRole(role MarketRole) bool {
	return slices.Contains(p.Roles, role)
}

func (p *AgentProfile) HasCapability(capability string) bool {
	return slices.Contains(p.Capabilities, capability)
}
