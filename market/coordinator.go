// Package market implements the coordinator that accepts bids end to end:
// it validates them, registers them in the shared MarketState and routes
// them to its own fixed-price matching or to an auction mechanism.
package market

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudx-io/agentmarket/auction"
	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/events"
	"github.com/cloudx-io/agentmarket/store"
	"github.com/cloudx-io/agentmarket/validation"
)

// DefaultSweepInterval is the minimum time between two expiration sweeps.
const DefaultSweepInterval = time.Minute

const (
	reasonCancelled = "cancelled by agent"
	reasonExpired   = "expired"
	// confirmationMarker prefixes the stored confirmation of an agent that
	// confirmed without a signature.
	confirmationMarker = "confirmed:"
)

// ProfileSource looks up agent profiles for validation.
type ProfileSource interface {
	Profile(ctx context.Context, agentID string) (*core.AgentProfile, bool)
}

// ProfileMap is a static ProfileSource.
type ProfileMap map[string]*core.AgentProfile

func (m ProfileMap) Profile(_ context.Context, agentID string) (*core.AgentProfile, bool) {
	p, ok := m[agentID]
	return p, ok
}

// ReceiptAttester produces an attestation over an executed transaction's receipt.
type ReceiptAttester interface {
	AttestReceipt(ctx context.Context, tx *core.Transaction) ([]byte, error)
}

// Coordinator owns one MarketState. Every mutation of that state, including
// those made by the coordinator's auctions, happens under mu.
type Coordinator struct {
	mu        sync.Mutex
	state     *core.MarketState
	validator *validation.Validator
	auctions  map[string]auction.Mechanism
	clocks    map[string]context.CancelFunc
	lastSweep time.Time

	// pending holds committed effects in commit order until a flush
	// applies them; flushMu serializes flushes.
	pending []*effects
	flushMu sync.Mutex

	profiles      ProfileSource
	clock         core.Clock
	rand          core.RandSource
	ids           func() string
	logger        zerolog.Logger
	metrics       *Metrics
	sink          events.Sink
	store         store.Store
	attester      ReceiptAttester
	sweepInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Coordinator)

func WithClock(clock core.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithRandSource(r core.RandSource) Option {
	return func(c *Coordinator) { c.rand = r }
}

func WithIDGenerator(ids func() string) Option {
	return func(c *Coordinator) { c.ids = ids }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithEventSink(sink events.Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

func WithStore(s store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

func WithProfiles(p ProfileSource) Option {
	return func(c *Coordinator) { c.profiles = p }
}

func WithReceiptAttester(a ReceiptAttester) Option {
	return func(c *Coordinator) { c.attester = a }
}

// WithSweepInterval sets the rate limit of CheckExpiredBids.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.sweepInterval = d }
}

func WithState(state *core.MarketState) Option {
	return func(c *Coordinator) { c.state = state }
}

// New returns a coordinator validating bids with validator. A nil validator
// applies an empty MarketPolicy.
func New(validator *validation.Validator, opts ...Option) *Coordinator {
	c := &Coordinator{
		validator:     validator,
		auctions:      make(map[string]auction.Mechanism),
		clocks:        make(map[string]context.CancelFunc),
		profiles:      ProfileMap{},
		clock:         core.SystemClock,
		rand:          core.DefaultRandSource,
		ids:           uuid.NewString,
		logger:        zerolog.Nop(),
		metrics:       NopMetrics(),
		sink:          events.NopSink{},
		store:         store.NewMemoryStore(),
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.state == nil {
		c.state = core.NewMarketState()
	}
	if c.validator == nil {
		c.validator = validation.NewValidator(validation.MarketPolicy{}, validation.WithClock(c.clock))
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Close stops running Dutch auction clocks and waits for them to exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// recoverInternal converts a panic in a public operation into an
// internal_error result.
func (c *Coordinator) recoverInternal(op string, r *Result) {
	if p := recover(); p != nil {
		c.logger.Error().Str("op", op).Interface("panic", p).Msg("recovered internal fault")
		*r = Result{Code: CodeInternal, Message: "internal error"}
	}
}

// CreateBid validates bid and, when accepted, registers and routes it. A bid
// with an AuctionID goes to that auction; a fixed bid without one is matched
// by the coordinator; any other bid is refused with auction_required.
// The caller's bid is not modified.
func (c *Coordinator) CreateBid(ctx context.Context, bid *core.Bid) (res BidResult) {
	defer c.recoverInternal("create_bid", &res.Result)
	c.metrics.BidsSubmitted.Add(1)

	if bid == nil {
		return c.rejectSubmission(validation.ValidateBid(nil, nil, c.validator.Policy(), c.clock.Now()))
	}
	b := bid.Clone()
	now := c.clock.Now()
	if b.ID == "" {
		b.ID = c.ids()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	b.Status = core.BidPending
	b.StatusReason = ""

	profile, _ := c.profiles.Profile(ctx, b.AgentID)
	if v := c.validator.Validate(ctx, b, profile); !v.Accepted {
		return c.rejectSubmission(v)
	}

	if b.Price.Formula != "" {
		amount, err := core.ResolveDynamicPrice(*b.Price, b.CreatedAt, now)
		if err != nil {
			c.metrics.BidsRejected.With("stage", string(validation.StagePrice)).Add(1)
			return BidResult{Result: failed(err)}
		}
		b.Price.Amount = amount
		if v := validation.ValidateResolvedPrice(b, c.validator.Policy()); !v.Accepted {
			c.metrics.BidsRejected.With("stage", string(validation.StagePrice)).Add(1)
			return BidResult{Result: failed(fmt.Errorf("%w: %w", ErrResolvedPrice, v.Err()))}
		}
	}

	switch {
	case b.AuctionID != "":
		return c.submitToAuction(ctx, b)
	case b.Type == core.BidTypeFixed:
		return c.submitFixed(ctx, b)
	default:
		c.metrics.BidsRejected.With("stage", "routing").Add(1)
		return BidResult{Result: failed(fmt.Errorf("%w: %s", ErrAuctionRequired, b.Type))}
	}
}

func (c *Coordinator) rejectSubmission(v *validation.Result) BidResult {
	c.metrics.BidsRejected.With("stage", string(v.Stage)).Add(1)
	return BidResult{Result: failed(v.Err())}
}

func (c *Coordinator) submitFixed(ctx context.Context, b *core.Bid) BidResult {
	var fx effects
	res, err := func() (BidResult, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if err := c.state.AddBid(b); err != nil {
			return BidResult{}, err
		}
		_ = b.TransitionTo(core.BidActive, "", c.clock.Now())
		fx.bidCreated(b)

		res := BidResult{Result: succeeded()}
		if m := c.matchFixedLocked(b, &fx); m != nil {
			res.Matches = []*core.Match{m.Clone()}
		}
		res.Bid = b.Clone()
		c.commit(&fx)
		return res, nil
	}()
	if err != nil {
		return BidResult{Result: failed(err)}
	}

	c.flush(ctx)
	c.logger.Info().Str("bid_id", b.ID).Str("agent_id", b.AgentID).Int("matches", len(res.Matches)).Msg("bid accepted")
	return res
}

// matchFixedLocked pairs b with the best compatible resting fixed bid that
// is not in an auction. The match stays pending until both agents confirm.
func (c *Coordinator) matchFixedLocked(b *core.Bid, fx *effects) *core.Match {
	now := c.clock.Now()
	opposite := core.RoleSeller
	if b.Role == core.RoleSeller {
		opposite = core.RoleBuyer
	}
	candidates := c.state.Bids(func(o *core.Bid) bool {
		return o.ID != b.ID &&
			o.Role == opposite &&
			o.Type == core.BidTypeFixed &&
			o.AuctionID == "" &&
			o.Status == core.BidActive
	})

	for _, o := range core.SortForMatching(candidates, opposite) {
		buyer, seller := b, o
		if b.Role == core.RoleSeller {
			buyer, seller = o, b
		}
		if !core.Compatible(buyer, seller, now, c.state.DependenciesExecuted) {
			continue
		}

		m, err := core.CreateMatch(c.state, buyer, seller, core.MatchTerms{
			ID: c.ids(),
			Price: core.PriceSpecification{
				Currency: o.Price.Currency,
				Amount:   core.RoundPrice(o.Price.Amount),
				Unit:     seller.Price.Unit,
			},
			ExecutionPlan: map[string]any{"mechanism": "coordinator"},
		}, now)
		if err != nil {
			c.logger.Error().Err(err).Str("bid_id", b.ID).Str("counterpart_bid_id", o.ID).Msg("failed to create match")
			return nil
		}
		fx.matchCreated(m)
		fx.bidChanged(buyer)
		fx.bidChanged(seller)
		c.logger.Info().
			Str("match_id", m.ID).
			Str("buyer_bid_id", buyer.ID).
			Str("seller_bid_id", seller.ID).
			Float64("price", m.Price.Amount).
			Msg("match created")
		return m
	}
	return nil
}

// rematchDependentsLocked retries matching for resting bids that were
// waiting on one of the executed bids. Coordinator fixed bids are matched
// here; bids resting in an auction are handed to it after the flush.
func (c *Coordinator) rematchDependentsLocked(executed []string, fx *effects) {
	waiting := c.state.Bids(func(b *core.Bid) bool {
		if b.Status != core.BidActive {
			return false
		}
		return slices.ContainsFunc(b.Dependencies, func(id string) bool { return slices.Contains(executed, id) })
	})
	for _, b := range waiting {
		if b.Status != core.BidActive || !c.state.DependenciesExecuted(b) {
			continue
		}
		switch {
		case b.AuctionID != "":
			fx.release(b.AuctionID, b.ID)
		case b.Type == core.BidTypeFixed:
			c.matchFixedLocked(b, fx)
		}
	}
}

func (c *Coordinator) submitToAuction(ctx context.Context, b *core.Bid) BidResult {
	mech, ok := c.auction(b.AuctionID)
	if !ok {
		c.metrics.BidsRejected.With("stage", "routing").Add(1)
		return BidResult{Result: failed(fmt.Errorf("%w: %s", ErrAuctionNotFound, b.AuctionID))}
	}

	ares, addErr := mech.AddBid(b)

	var fx effects
	res := func() BidResult {
		c.mu.Lock()
		defer c.mu.Unlock()

		stored, registered := c.state.Bid(b.ID)
		if registered && stored == b {
			fx.bidCreated(b)
			if b.Status == core.BidRejected {
				fx.bidChanged(b)
			}
		}
		c.absorbLocked(ares, &fx)
		c.commit(&fx)

		if addErr != nil {
			return BidResult{Result: failed(addErr), Bid: cloneIf(registered && stored == b, b)}
		}
		return BidResult{
			Result:       succeeded(),
			Bid:          b.Clone(),
			Matches:      cloneMatches(ares.Matches),
			Transactions: cloneTransactions(ares.Transactions),
		}
	}()
	c.flush(ctx)

	if addErr != nil {
		c.metrics.BidsRejected.With("stage", "auction").Add(1)
		c.logger.Info().Err(addErr).Str("bid_id", b.ID).Str("auction_id", b.AuctionID).Msg("auction refused bid")
		return res
	}
	c.logger.Info().Str("bid_id", b.ID).Str("auction_id", b.AuctionID).Int("matches", len(res.Matches)).Msg("bid accepted into auction")
	return res
}

// ConfirmMatch records agentID's confirmation of a pending match. An empty
// signature stores a confirmation marker; a signature is verified against
// the match digest when signature checking is configured. The match executes
// once both counterparts have confirmed.
func (c *Coordinator) ConfirmMatch(ctx context.Context, matchID, agentID, signature string) (res ConfirmResult) {
	defer c.recoverInternal("confirm_match", &res.Result)

	var fx effects
	res, err := func() (ConfirmResult, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		m, ok := c.state.Match(matchID)
		if !ok {
			return ConfirmResult{}, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
		}
		if !m.Participant(agentID) {
			return ConfirmResult{}, fmt.Errorf("%w: %s in match %s", ErrNotParticipant, agentID, matchID)
		}
		if m.Status != core.MatchPending {
			return ConfirmResult{}, fmt.Errorf("%w: match %s is %s", ErrInvalidState, matchID, m.Status)
		}

		marker := confirmationMarker + agentID
		if signature != "" {
			if sv := c.validator.Signatures(); sv != nil {
				if err := sv.VerifyConfirmation(m, agentID, signature); err != nil {
					return ConfirmResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
				}
			}
			marker = signature
		}
		m.Signatures[agentID] = marker
		fx.emit(events.KindMatchConfirmed, m.ID, c.clock.Now(), map[string]any{"confirmed": len(m.Signatures)}, agentID)

		out := ConfirmResult{Result: succeeded()}
		if m.FullyConfirmed() {
			tx, err := core.ExecuteMatch(c.state, m, c.ids(), c.clock.Now())
			if err != nil {
				return ConfirmResult{}, err
			}
			for _, id := range []string{m.BuyerBidID, m.SellerBidID} {
				if b, ok := c.state.Bid(id); ok {
					fx.bidChanged(b)
				}
			}
			fx.transactionExecuted(tx)
			out.Transaction = tx.Clone()
			c.logger.Info().Str("match_id", m.ID).Str("transaction_id", tx.ID).Float64("price", tx.Price.Amount).Msg("match executed")

			c.rematchDependentsLocked([]string{m.BuyerBidID, m.SellerBidID}, &fx)
		}
		fx.matchSaved(m)
		out.Match = m.Clone()
		c.commit(&fx)
		return out, nil
	}()
	if err != nil {
		return ConfirmResult{Result: failed(err)}
	}

	c.flush(ctx)
	if res.Transaction != nil {
		if tx, ok := c.Transaction(res.Transaction.ID); ok {
			res.Transaction = tx
		}
	}
	return res
}

// CancelBid cancels an open bid on behalf of its owner.
func (c *Coordinator) CancelBid(ctx context.Context, bidID, agentID, reason string) (res Result) {
	defer c.recoverInternal("cancel_bid", &res)

	var fx effects
	err := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		b, ok := c.state.Bid(bidID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrBidNotFound, bidID)
		}
		if b.AgentID != agentID {
			return fmt.Errorf("%w: %s", ErrNotOwner, bidID)
		}
		if !b.Status.Open() {
			return fmt.Errorf("%w: bid %s is %s", ErrInvalidState, bidID, b.Status)
		}
		if reason == "" {
			reason = reasonCancelled
		}
		if err := b.TransitionTo(core.BidCancelled, reason, c.clock.Now()); err != nil {
			return err
		}
		fx.bidChanged(b)
		c.commit(&fx)
		return nil
	}()
	if err != nil {
		return failed(err)
	}

	c.flush(ctx)
	c.logger.Info().Str("bid_id", bidID).Str("agent_id", agentID).Str("reason", reason).Msg("bid cancelled")
	return succeeded()
}

// CheckExpiredBids moves every open bid whose expiration has passed to
// EXPIRED and returns how many it moved. Calls within the sweep interval
// of the previous sweep do nothing and return 0.
func (c *Coordinator) CheckExpiredBids(ctx context.Context) (count int) {
	var res Result
	defer func() {
		if res.Code == CodeInternal {
			count = 0
		}
	}()
	defer c.recoverInternal("check_expired_bids", &res)

	var fx effects
	swept := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()

		now := c.clock.Now()
		if !c.lastSweep.IsZero() && now.Sub(c.lastSweep) < c.sweepInterval {
			return false
		}
		c.lastSweep = now

		for _, b := range c.state.Bids(func(b *core.Bid) bool { return b.Status.Open() && b.Expired(now) }) {
			if err := b.TransitionTo(core.BidExpired, reasonExpired, now); err != nil {
				c.logger.Error().Err(err).Str("bid_id", b.ID).Msg("failed to expire bid")
				continue
			}
			fx.bidChanged(b)
			count++
		}
		c.commit(&fx)
		return true
	}()
	if !swept {
		return 0
	}

	c.flush(ctx)
	if count > 0 {
		c.logger.Info().Int("expired", count).Msg("expired bids swept")
	}
	return count
}

// Run sweeps expired bids every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.CheckExpiredBids(ctx)
		}
	}
}

func cloneIf(ok bool, b *core.Bid) *core.Bid {
	if !ok {
		return nil
	}
	return b.Clone()
}

func cloneMatches(in []*core.Match) []*core.Match {
	var out []*core.Match
	for _, m := range in {
		out = append(out, m.Clone())
	}
	return out
}

func cloneTransactions(in []*core.Transaction) []*core.Transaction {
	var out []*core.Transaction
	for _, tx := range in {
		out = append(out, tx.Clone())
	}
	return out
}
