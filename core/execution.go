package core

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrBidNotOpen      = errors.New("bid is not open for matching")
	ErrMatchNotPending = errors.New("match is not pending")
	ErrNotConfirmed    = errors.New("match is missing counterpart confirmations")
)

// MatchTerms are the agreed terms of a new match.
type MatchTerms struct {
	ID            string
	Price         PriceSpecification
	AuctionID     string
	ExecutionPlan map[string]any
}

// CreateMatch records a pending match between buyer and seller and moves
// both bids to MATCHED. The transacted resources are taken from the seller.
// State is left untouched on error.
func CreateMatch(state *MarketState, buyer, seller *Bid, terms MatchTerms, now time.Time) (*Match, error) {
	for _, b := range []*Bid{buyer, seller} {
		if !CanTransition(b.Status, BidMatched) {
			return nil, fmt.Errorf("%w: bid %s is %s", ErrBidNotOpen, b.ID, b.Status)
		}
	}

	m := &Match{
		ID:            terms.ID,
		BuyerBidID:    buyer.ID,
		SellerBidID:   seller.ID,
		BuyerAgentID:  buyer.AgentID,
		SellerAgentID: seller.AgentID,
		AuctionID:     terms.AuctionID,
		CreatedAt:     now,
		Status:        MatchPending,
		Price:         terms.Price,
		Resources:     slices.Clone(seller.Resources),
		ExecutionPlan: terms.ExecutionPlan,
		Signatures:    make(map[string]string),
	}
	if err := state.AddMatch(m); err != nil {
		return nil, err
	}

	// CanTransition was checked above, these cannot fail
	_ = buyer.TransitionTo(BidMatched, "", now)
	_ = seller.TransitionTo(BidMatched, "", now)
	return m, nil
}

// NewTransaction builds the transaction and receipt for an executed match.
func NewTransaction(id string, m *Match, now time.Time) *Transaction {
	return &Transaction{
		ID:            id,
		MatchID:       m.ID,
		BuyerAgentID:  m.BuyerAgentID,
		SellerAgentID: m.SellerAgentID,
		Price:         m.Price,
		Resources:     slices.Clone(m.Resources),
		Status:        TransactionExecuted,
		CreatedAt:     now,
		Receipt: Receipt{
			MatchID:   m.ID,
			Timestamp: now,
			Status:    TransactionExecuted,
			Hash:      ReceiptHash(m.ID, id, m.Price, now, TransactionExecuted),
		},
	}
}

// ExecuteMatch turns a fully confirmed pending match into a transaction and
// moves both bids to EXECUTED.
func ExecuteMatch(state *MarketState, m *Match, transactionID string, now time.Time) (*Transaction, error) {
	if m.Status != MatchPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrMatchNotPending, m.ID, m.Status)
	}
	if !m.FullyConfirmed() {
		return nil, fmt.Errorf("%w: %s", ErrNotConfirmed, m.ID)
	}

	buyer, ok := state.Bid(m.BuyerBidID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBid, m.BuyerBidID)
	}
	seller, ok := state.Bid(m.SellerBidID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBid, m.SellerBidID)
	}
	for _, b := range []*Bid{buyer, seller} {
		if !CanTransition(b.Status, BidExecuted) {
			return nil, fmt.Errorf("%w: %s -> %s (bid %s)", ErrIllegalTransition, b.Status, BidExecuted, b.ID)
		}
	}

	tx := NewTransaction(transactionID, m, now)
	if err := state.AddTransaction(tx); err != nil {
		return nil, err
	}

	m.Status = MatchExecuted
	executedAt := now
	m.ExecutedAt = &executedAt
	_ = buyer.TransitionTo(BidExecuted, "", now)
	_ = seller.TransitionTo(BidExecuted, "", now)
	return tx, nil
}
