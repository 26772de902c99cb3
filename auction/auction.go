// Package auction implements the market's matching mechanisms. Each
// mechanism owns the pool of bid ids it accepted and records matches and
// transactions into a shared core.MarketState.
package auction

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudx-io/agentmarket/core"
)

var (
	ErrInvalidConfig       = errors.New("invalid auction config")
	ErrInactive            = errors.New("auction is not active")
	ErrClosed              = errors.New("auction is closed")
	ErrWindowClosed        = errors.New("outside auction time window")
	ErrTypeMismatch        = errors.New("bid type does not match auction type")
	ErrResourceNotAllowed  = errors.New("resource type not allowed in auction")
	ErrPriceOutOfRange     = errors.New("price outside auction range")
	ErrBidNotOpen          = errors.New("bid is not pending or active")
	ErrSellerExists        = errors.New("auction already has a seller")
	ErrNoSeller            = errors.New("auction has no seller yet")
	ErrBidTooLow           = errors.New("bid does not exceed current price")
	ErrIncompatible        = errors.New("bid is incompatible with the item for sale")
	ErrDependenciesPending = errors.New("bid dependencies have not executed")
)

// ClosedReason is recorded on bids expired when their auction ends.
const ClosedReason = "auction_closed"

// Result collects the records produced by one mechanism operation.
type Result struct {
	Matches      []*core.Match
	Transactions []*core.Transaction
	// Expired holds bids closed because the auction ended.
	Expired []*core.Bid
}

// Empty reports whether the operation produced nothing.
func (r Result) Empty() bool {
	return len(r.Matches) == 0 && len(r.Transactions) == 0 && len(r.Expired) == 0
}

// Status is a point-in-time view of an auction.
type Status struct {
	ID           string             `json:"id"`
	Type         core.BidType       `json:"auction_type"`
	Active       bool               `json:"active"`
	Closed       bool               `json:"closed"`
	BidIDs       []string           `json:"bid_ids"`
	SellerBidID  string             `json:"seller_bid_id,omitempty"`
	HighBidID    string             `json:"high_bid_id,omitempty"`
	CurrentPrice *float64           `json:"current_price,omitempty"`
	Config       core.AuctionConfig `json:"config"`
}

// Mechanism is the contract shared by the five auction disciplines. The set
// of implementations is closed; use New to construct one.
type Mechanism interface {
	ID() string
	Type() core.BidType
	Status() Status
	Start() error
	// End closes the auction, settling it if the mechanism settles at close.
	End() (Result, error)
	// AddBid admits bid into the auction. A rejected bid is moved to REJECTED
	// and the returned error says why.
	AddBid(bid *core.Bid) (Result, error)
	// Rematch retries matching for resting bids that became matchable
	// after a dependency executed elsewhere. Only mechanisms that match
	// between submissions act on it.
	Rematch(bidIDs ...string) (Result, error)

	mechanism() *base
}

type Option func(*base)

// WithState records bids, matches and transactions in state instead of a private arena.
func WithState(state *core.MarketState) Option {
	return func(b *base) { b.state = state }
}

// WithLocker serializes the auction with an external lock, typically the
// lock guarding the shared MarketState.
func WithLocker(l sync.Locker) Option {
	return func(b *base) { b.mu = l }
}

func WithClock(clock core.Clock) Option {
	return func(b *base) { b.clock = clock }
}

func WithRandSource(r core.RandSource) Option {
	return func(b *base) { b.rand = r }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *base) { b.logger = logger }
}

func WithIDGenerator(ids func() string) Option {
	return func(b *base) { b.ids = ids }
}

// WithObserver registers a callback for results produced outside AddBid and
// End, such as a Dutch auction closing at its floor. It runs after the lock
// is released.
func WithObserver(fn func(Result)) Option {
	return func(b *base) { b.observer = fn }
}

// New builds the mechanism for cfg.Type.
func New(cfg core.AuctionConfig, opts ...Option) (Mechanism, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.StartTime != nil && cfg.EndTime != nil && !cfg.EndTime.After(*cfg.StartTime) {
		return nil, fmt.Errorf("%w: end time must be after start time", ErrInvalidConfig)
	}
	if cfg.MinPrice != nil && cfg.MaxPrice != nil && !core.PriceAtLeast(*cfg.MaxPrice, *cfg.MinPrice) {
		return nil, fmt.Errorf("%w: min price exceeds max price", ErrInvalidConfig)
	}
	for _, rt := range cfg.ResourceTypes {
		if !rt.Valid() {
			return nil, fmt.Errorf("%w: unknown resource type %q", ErrInvalidConfig, rt)
		}
	}

	b := &base{
		cfg:    cfg,
		mu:     &sync.Mutex{},
		clock:  core.SystemClock,
		rand:   core.DefaultRandSource,
		logger: zerolog.Nop(),
		ids:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.state == nil {
		b.state = core.NewMarketState()
	}
	b.logger = b.logger.With().Str("auction_id", cfg.ID).Str("auction_type", string(cfg.Type)).Logger()

	var m Mechanism
	switch cfg.Type {
	case core.BidTypeFixed:
		m = &FixedPrice{base: b}
	case core.BidTypeEnglish:
		m = &English{base: b}
	case core.BidTypeDutch:
		if cfg.Increments.DecrementStep <= 0 {
			return nil, fmt.Errorf("%w: dutch auction requires a positive decrement step", ErrInvalidConfig)
		}
		m = &Dutch{base: b}
	case core.BidTypeVickrey:
		m = &Vickrey{base: b}
	case core.BidTypeContinuous:
		m = &Continuous{base: b}
	default:
		return nil, fmt.Errorf("%w: unknown auction type %q", ErrInvalidConfig, cfg.Type)
	}
	b.hooks = m.(hooks)
	return m, nil
}

// hooks are the mechanism-specific steps of AddBid and End.
type hooks interface {
	// admit applies mechanism rules before the bid joins the pool.
	admit(bid *core.Bid) error
	// process runs after the bid joined the pool as ACTIVE.
	process(bid *core.Bid, res *Result) error
	// settle runs at End before leftover bids are closed.
	settle(res *Result) error
	status(s *Status)
}

// rematcher is implemented by mechanisms that match resting bids outside
// AddBid.
type rematcher interface {
	rematch(bid *core.Bid, res *Result) error
}

type base struct {
	cfg      core.AuctionConfig
	state    *core.MarketState
	mu       sync.Locker
	clock    core.Clock
	rand     core.RandSource
	logger   zerolog.Logger
	ids      func() string
	observer func(Result)
	hooks    hooks

	active bool
	closed bool
	pool   []string
}

func (b *base) mechanism() *base { return b }

func (b *base) ID() string { return b.cfg.ID }

func (b *base) Type() core.BidType { return b.cfg.Type }

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		ID:     b.cfg.ID,
		Type:   b.cfg.Type,
		Active: b.active,
		Closed: b.closed,
		BidIDs: slices.Clone(b.pool),
		Config: b.cfg,
	}
	b.hooks.status(&s)
	return s
}

func (b *base) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.active = true
	b.logger.Info().Msg("auction started")
	return nil
}

func (b *base) End() (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endLocked()
}

func (b *base) endLocked() (Result, error) {
	var res Result
	if b.closed {
		return res, ErrClosed
	}
	if err := b.hooks.settle(&res); err != nil {
		b.logger.Error().Err(err).Msg("auction settlement failed")
	}
	b.close(&res)
	b.logger.Info().
		Int("matches", len(res.Matches)).
		Int("expired", len(res.Expired)).
		Msg("auction ended")
	return res, nil
}

// close deactivates the auction and expires every pool bid still open.
func (b *base) close(res *Result) {
	b.active = false
	b.closed = true
	now := b.clock.Now()
	for _, bid := range b.poolBids(nil) {
		if !bid.Status.Open() {
			continue
		}
		if err := bid.TransitionTo(core.BidExpired, ClosedReason, now); err == nil {
			res.Expired = append(res.Expired, bid)
		}
	}
}

func (b *base) AddBid(bid *core.Bid) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addBidLocked(bid)
}

func (b *base) addBidLocked(bid *core.Bid) (Result, error) {
	var res Result

	if existing, ok := b.state.Bid(bid.ID); ok && existing != bid {
		return res, fmt.Errorf("%w: %s", core.ErrDuplicateBid, bid.ID)
	}
	if !bid.Status.Open() {
		return res, fmt.Errorf("%w: %s is %s", ErrBidNotOpen, bid.ID, bid.Status)
	}
	if slices.Contains(b.pool, bid.ID) {
		return res, fmt.Errorf("%w: %s already in auction", core.ErrDuplicateBid, bid.ID)
	}
	if _, ok := b.state.Bid(bid.ID); !ok {
		if err := b.state.AddBid(bid); err != nil {
			return res, err
		}
	}

	if err := b.checkBid(bid); err != nil {
		return res, b.reject(bid, err)
	}
	if err := b.hooks.admit(bid); err != nil {
		return res, b.reject(bid, err)
	}

	now := b.clock.Now()
	if bid.Status == core.BidPending {
		_ = bid.TransitionTo(core.BidActive, "", now)
	}
	if bid.AuctionID == "" {
		bid.AuctionID = b.cfg.ID
	}
	b.pool = append(b.pool, bid.ID)
	b.logger.Debug().Str("bid_id", bid.ID).Str("role", string(bid.Role)).Msg("bid accepted")

	if err := b.hooks.process(bid, &res); err != nil {
		b.logger.Error().Err(err).Str("bid_id", bid.ID).Msg("bid processing failed")
		return res, err
	}
	return res, nil
}

func (b *base) Rematch(bidIDs ...string) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res Result
	r, ok := b.hooks.(rematcher)
	if !ok || !b.active || b.closed {
		return res, nil
	}
	for _, id := range bidIDs {
		if !slices.Contains(b.pool, id) {
			continue
		}
		bid, open := b.openBid(id)
		if !open || bid.Status != core.BidActive {
			continue
		}
		if err := r.rematch(bid, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// checkBid applies the admission rules shared by every mechanism.
func (b *base) checkBid(bid *core.Bid) error {
	if !b.active {
		return ErrInactive
	}
	now := b.clock.Now()
	if b.cfg.StartTime != nil && now.Before(*b.cfg.StartTime) {
		return fmt.Errorf("%w: auction opens at %s", ErrWindowClosed, b.cfg.StartTime)
	}
	if b.cfg.EndTime != nil && !now.Before(*b.cfg.EndTime) {
		return fmt.Errorf("%w: auction ended at %s", ErrWindowClosed, b.cfg.EndTime)
	}
	if bid.Type != b.cfg.Type {
		return fmt.Errorf("%w: %s bid in %s auction", ErrTypeMismatch, bid.Type, b.cfg.Type)
	}
	if len(b.cfg.ResourceTypes) > 0 {
		for _, r := range bid.Resources {
			if !slices.Contains(b.cfg.ResourceTypes, r.Type) {
				return fmt.Errorf("%w: %s", ErrResourceNotAllowed, r.Type)
			}
		}
	}
	if bid.Price == nil || !core.PriceWithin(bid.Price.Amount, b.cfg.MinPrice, b.cfg.MaxPrice) {
		return fmt.Errorf("%w: %g", ErrPriceOutOfRange, bid.PriceAmount())
	}
	return nil
}

func (b *base) reject(bid *core.Bid, reason error) error {
	if err := bid.TransitionTo(core.BidRejected, reason.Error(), b.clock.Now()); err != nil {
		b.logger.Error().Err(err).Str("bid_id", bid.ID).Msg("failed to reject bid")
	}
	b.logger.Debug().Str("bid_id", bid.ID).Err(reason).Msg("bid rejected")
	return reason
}

// poolBids returns the pool's bids in arrival order, optionally filtered.
func (b *base) poolBids(filter func(*core.Bid) bool) []*core.Bid {
	out := make([]*core.Bid, 0, len(b.pool))
	for _, id := range b.pool {
		bid, ok := b.state.Bid(id)
		if !ok {
			continue
		}
		if filter == nil || filter(bid) {
			out = append(out, bid)
		}
	}
	return out
}

func (b *base) activeBids(role core.MarketRole) []*core.Bid {
	return b.poolBids(func(bid *core.Bid) bool {
		return bid.Role == role && bid.Status == core.BidActive
	})
}

// openBid looks up id and reports it only while the bid is PENDING or ACTIVE.
func (b *base) openBid(id string) (*core.Bid, bool) {
	if id == "" {
		return nil, false
	}
	bid, ok := b.state.Bid(id)
	if !ok || !bid.Status.Open() {
		return nil, false
	}
	return bid, true
}

func (b *base) depsExecuted(bid *core.Bid) bool {
	return b.state.DependenciesExecuted(bid)
}

// execute matches buyer and seller at price and settles the match at once.
// Mechanisms do not wait for counterpart confirmation; the auction confirms
// on behalf of both agents.
func (b *base) execute(buyer, seller *core.Bid, price float64, res *Result) error {
	now := b.clock.Now()
	terms := core.MatchTerms{
		ID: b.ids(),
		Price: core.PriceSpecification{
			Currency: seller.Price.Currency,
			Amount:   core.RoundPrice(price),
			Unit:     seller.Price.Unit,
		},
		AuctionID:     b.cfg.ID,
		ExecutionPlan: map[string]any{"mechanism": string(b.cfg.Type)},
	}
	match, err := core.CreateMatch(b.state, buyer, seller, terms, now)
	if err != nil {
		return fmt.Errorf("create match: %w", err)
	}
	res.Matches = append(res.Matches, match)

	marker := "auction:" + b.cfg.ID
	match.Signatures[buyer.AgentID] = marker
	match.Signatures[seller.AgentID] = marker

	tx, err := core.ExecuteMatch(b.state, match, b.ids(), now)
	if err != nil {
		return fmt.Errorf("execute match: %w", err)
	}
	res.Transactions = append(res.Transactions, tx)

	b.logger.Info().
		Str("match_id", match.ID).
		Str("buyer_bid_id", buyer.ID).
		Str("seller_bid_id", seller.ID).
		Float64("price", match.Price.Amount).
		Msg("match executed")
	return nil
}

// notify hands results of time-driven changes to the observer.
func (b *base) notify(res Result) {
	if b.observer != nil && !res.Empty() {
		b.observer(res)
	}
}

// defaults for mechanisms without a hook
type noSettle struct{}

func (noSettle) settle(*Result) error { return nil }
