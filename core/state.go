package core

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateBid         = errors.New("bid already exists")
	ErrDuplicateMatch       = errors.New("match already exists")
	ErrDuplicateTransaction = errors.New("transaction already exists for match")
	ErrUnknownBid           = errors.New("unknown bid")
	ErrAlreadyMatched       = errors.New("bid already matched")
)

// MarketState is the arena of bid, match and transaction records keyed by id.
// Auctions and the coordinator hold ids into it rather than owning copies.
//
// MarketState is not safe for concurrent use; its owner serializes access.
type MarketState struct {
	bids         map[string]*Bid
	bidOrder     []string
	matches      map[string]*Match
	matchOrder   []string
	transactions map[string]*Transaction
	txOrder      []string

	matchByBid map[string]string
	txByMatch  map[string]string
}

func NewMarketState() *MarketState {
	return &MarketState{
		bids:         make(map[string]*Bid),
		matches:      make(map[string]*Match),
		transactions: make(map[string]*Transaction),
		matchByBid:   make(map[string]string),
		txByMatch:    make(map[string]string),
	}
}

// AddBid registers a new bid.
func (s *MarketState) AddBid(b *Bid) error {
	if _, exists := s.bids[b.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBid, b.ID)
	}
	s.bids[b.ID] = b
	s.bidOrder = append(s.bidOrder, b.ID)
	return nil
}

func (s *MarketState) Bid(id string) (*Bid, bool) {
	b, ok := s.bids[id]
	return b, ok
}

// Bids returns every bid in registration order, optionally filtered.
func (s *MarketState) Bids(filter func(*Bid) bool) []*Bid {
	out := make([]*Bid, 0, len(s.bidOrder))
	for _, id := range s.bidOrder {
		b := s.bids[id]
		if filter == nil || filter(b) {
			out = append(out, b)
		}
	}
	return out
}

// AddMatch registers a match. Both bids must exist and must not be referenced
// by any earlier match.
func (s *MarketState) AddMatch(m *Match) error {
	if _, exists := s.matches[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMatch, m.ID)
	}
	for _, bidID := range []string{m.BuyerBidID, m.SellerBidID} {
		if _, ok := s.bids[bidID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownBid, bidID)
		}
		if prior, matched := s.matchByBid[bidID]; matched {
			return fmt.Errorf("%w: bid %s in match %s", ErrAlreadyMatched, bidID, prior)
		}
	}
	s.matches[m.ID] = m
	s.matchOrder = append(s.matchOrder, m.ID)
	s.matchByBid[m.BuyerBidID] = m.ID
	s.matchByBid[m.SellerBidID] = m.ID
	return nil
}

func (s *MarketState) Match(id string) (*Match, bool) {
	m, ok := s.matches[id]
	return m, ok
}

// MatchForBid returns the match referencing bidID, if any.
func (s *MarketState) MatchForBid(bidID string) (*Match, bool) {
	id, ok := s.matchByBid[bidID]
	if !ok {
		return nil, false
	}
	return s.matches[id], true
}

// Matches returns every match in creation order.
func (s *MarketState) Matches() []*Match {
	out := make([]*Match, 0, len(s.matchOrder))
	for _, id := range s.matchOrder {
		out = append(out, s.matches[id])
	}
	return out
}

// AddTransaction registers the single transaction of an executed match.
func (s *MarketState) AddTransaction(tx *Transaction) error {
	if prior, exists := s.txByMatch[tx.MatchID]; exists {
		return fmt.Errorf("%w: match %s has transaction %s", ErrDuplicateTransaction, tx.MatchID, prior)
	}
	if _, exists := s.transactions[tx.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.ID)
	}
	s.transactions[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx.ID)
	s.txByMatch[tx.MatchID] = tx.ID
	return nil
}

func (s *MarketState) Transaction(id string) (*Transaction, bool) {
	tx, ok := s.transactions[id]
	return tx, ok
}

func (s *MarketState) TransactionForMatch(matchID string) (*Transaction, bool) {
	id, ok := s.txByMatch[matchID]
	if !ok {
		return nil, false
	}
	return s.transactions[id], true
}

func (s *MarketState) Transactions() []*Transaction {
	out := make([]*Transaction, 0, len(s.txOrder))
	for _, id := range s.txOrder {
		out = append(out, s.transactions[id])
	}
	return out
}

// DependenciesExecuted reports whether every dependency of b is a known bid in EXECUTED state.
func (s *MarketState) DependenciesExecuted(b *Bid) bool {
	for _, dep := range b.Dependencies {
		d, ok := s.bids[dep]
		if !ok || d.Status != BidExecuted {
			return false
		}
	}
	return true
}
