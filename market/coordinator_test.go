package market

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/metrics/generic"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/agentmarket/core"
	"github.com/cloudx-io/agentmarket/events"
	"github.com/cloudx-io/agentmarket/store"
	"github.com/cloudx-io/agentmarket/validation"
)

func TestCreateBid_FixedMatchWaitsForBothConfirmations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})

	res := h.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 90))
	assert.True(t, res.Accepted)
	check.Equal(t, core.BidActive, res.Bid.Status)
	check.Equal(t, 0, len(res.Matches))

	res = h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100))
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, len(res.Matches))
	match := res.Matches[0]
	check.Equal(t, 90.0, match.Price.Amount)
	check.Equal(t, core.MatchPending, match.Status)
	check.Equal(t, core.BidMatched, h.mustBid(t, "buy").Status)
	check.Equal(t, core.BidMatched, h.mustBid(t, "sell").Status)

	first := h.ConfirmMatch(ctx, match.ID, "buyer", "")
	assert.True(t, first.Accepted)
	check.Equal(t, core.MatchPending, first.Match.Status)
	check.Nil(t, first.Transaction)
	check.Equal(t, core.BidMatched, h.mustBid(t, "buy").Status)
	check.Equal(t, core.BidMatched, h.mustBid(t, "sell").Status)

	second := h.ConfirmMatch(ctx, match.ID, "seller", "")
	assert.True(t, second.Accepted)
	check.Equal(t, core.MatchExecuted, second.Match.Status)
	check.NotNil(t, second.Match.ExecutedAt)
	assert.NotNil(t, second.Transaction)
	check.Equal(t, match.ID, second.Transaction.MatchID)
	check.Equal(t, 90.0, second.Transaction.Price.Amount)
	check.Equal(t, core.BidExecuted, h.mustBid(t, "buy").Status)
	check.Equal(t, core.BidExecuted, h.mustBid(t, "sell").Status)

	tx := second.Transaction
	check.Equal(t, core.ReceiptHash(match.ID, tx.ID, tx.Price, tx.CreatedAt, core.TransactionExecuted), tx.Receipt.Hash)
	check.Equal(t, 1, len(h.Transactions()))
}

func TestCreateBid_NoCounterpartStaysActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})

	assert.True(t, h.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 120)).Accepted)
	res := h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100))

	assert.True(t, res.Accepted)
	check.Equal(t, 0, len(res.Matches))
	check.Equal(t, 2, len(h.ActiveBids(nil)))
	check.Equal(t, 1, len(h.ActiveBids(func(b *core.Bid) bool { return b.Role == core.RoleBuyer })))
}

func TestCreateBid_BuyerTakesCheapestCompatibleSeller(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})
	small := fixedBid("small", "s1", core.RoleSeller, 50)
	small.Resources[0].Quantity = 2
	for _, b := range []*core.Bid{
		fixedBid("s95", "s2", core.RoleSeller, 95),
		small,
		fixedBid("s85", "s3", core.RoleSeller, 85),
	} {
		assert.True(t, h.CreateBid(ctx, b).Accepted)
	}

	res := h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100))

	assert.Equal(t, 1, len(res.Matches))
	check.Equal(t, "s85", res.Matches[0].SellerBidID)
	check.Equal(t, 85.0, res.Matches[0].Price.Amount)
}

func TestCreateBid_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		policy validation.MarketPolicy
		bid    *core.Bid
		code   ErrorCode
	}{
		{
			name: "nil bid",
			bid:  nil,
			code: CodeValidationFailed,
		},
		{
			name: "missing price",
			bid: func() *core.Bid {
				b := fixedBid("b", "a", core.RoleBuyer, 10)
				b.Price = nil
				return b
			}(),
			code: CodeValidationFailed,
		},
		{
			name:   "paused market",
			policy: validation.MarketPolicy{MarketPaused: true},
			bid:    fixedBid("b", "a", core.RoleBuyer, 10),
			code:   CodeValidationFailed,
		},
		{
			name: "auction type without auction",
			bid:  newBid("b", "a", core.BidTypeEnglish, core.RoleBuyer, 10),
			code: CodeAuctionRequired,
		},
		{
			name: "unknown auction",
			bid: func() *core.Bid {
				b := newBid("b", "a", core.BidTypeVickrey, core.RoleBuyer, 10)
				b.AuctionID = "nope"
				return b
			}(),
			code: CodeAuctionNotFound,
		},
		{
			name: "bad pricing formula",
			bid: func() *core.Bid {
				b := fixedBid("b", "a", core.RoleBuyer, 10)
				b.Price.Formula = "surge"
				return b
			}(),
			code: CodeInvalidPrice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.policy)
			res := h.CreateBid(context.Background(), tt.bid)

			check.False(t, res.Accepted)
			check.Equal(t, tt.code, res.Code)
			check.Nil(t, res.Bid)
			_, stored := h.Bid("b")
			check.False(t, stored)
		})
	}
}

func TestCreateBid_ValidationDetails(t *testing.T) {
	h := newHarness(t, validation.MarketPolicy{BlacklistedAgents: []string{"mallory"}})

	res := h.CreateBid(context.Background(), fixedBid("b", "mallory", core.RoleBuyer, 10))

	check.Equal(t, CodeValidationFailed, res.Code)
	check.Equal(t, []string{"agent mallory is blacklisted"}, res.Details)
	err := res.Err()
	var opErr *OperationError
	check.True(t, errors.As(err, &opErr))
	check.Equal(t, CodeValidationFailed, opErr.Code)
}

func TestCreateBid_UsesAgentProfile(t *testing.T) {
	profiles := ProfileMap{
		"seller": {AgentID: "seller", Roles: []core.MarketRole{core.RoleSeller}, TrustScore: 0.9,
			ResourceAvailability: map[core.ResourceType]float64{core.ResourceCompute: 4}},
	}
	h := newHarness(t, validation.MarketPolicy{}, WithProfiles(profiles))

	res := h.CreateBid(context.Background(), fixedBid("sell", "seller", core.RoleSeller, 90))

	check.Equal(t, CodeValidationFailed, res.Code)
	check.Equal(t, 1, len(res.Details))
}

func TestCreateBid_Duplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})
	assert.True(t, h.CreateBid(ctx, fixedBid("b", "a", core.RoleBuyer, 10)).Accepted)

	res := h.CreateBid(ctx, fixedBid("b", "a", core.RoleBuyer, 10))

	check.Equal(t, CodeDuplicateBid, res.Code)
}

func TestCreateBid_AssignsDefaultsWithoutTouchingInput(t *testing.T) {
	h := newHarness(t, validation.MarketPolicy{})
	in := fixedBid("", "a", core.RoleBuyer, 10)
	in.Status = core.BidExecuted

	res := h.CreateBid(context.Background(), in)

	assert.True(t, res.Accepted)
	check.NotEqual(t, "", res.Bid.ID)
	check.Equal(t, core.BidActive, res.Bid.Status)
	check.True(t, testNow.Equal(res.Bid.CreatedAt))
	check.Equal(t, "", in.ID)
	check.Equal(t, core.BidExecuted, in.Status)
}

func TestCreateBid_ResolvesDynamicPrice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})
	seller := fixedBid("sell", "seller", core.RoleSeller, 60)
	seller.Price.Formula = core.FormulaMultiplier
	seller.Price.Parameters = map[string]float64{"multiplier": 1.5}

	res := h.CreateBid(ctx, seller)
	assert.True(t, res.Accepted)
	check.Equal(t, 90.0, res.Bid.Price.Amount)

	// 85 no longer covers the resolved ask
	res = h.CreateBid(ctx, fixedBid("low", "b1", core.RoleBuyer, 85))
	check.Equal(t, 0, len(res.Matches))
	res = h.CreateBid(ctx, fixedBid("high", "b2", core.RoleBuyer, 95))
	assert.Equal(t, 1, len(res.Matches))
	check.Equal(t, 90.0, res.Matches[0].Price.Amount)
}

func TestCreateBid_ResolvedPriceMustRespectPolicy(t *testing.T) {
	ctx := context.Background()
	ceiling := 100.0
	h := newHarness(t, validation.MarketPolicy{PriceConstraints: validation.PriceConstraints{PriceCeiling: &ceiling}})
	buyer := fixedBid("buy", "buyer", core.RoleBuyer, 90)
	buyer.Price.Formula = core.FormulaMultiplier
	buyer.Price.Parameters = map[string]float64{"multiplier": 5}

	res := h.CreateBid(ctx, buyer)

	check.False(t, res.Accepted)
	check.Equal(t, CodeInvalidPrice, res.Code)
	check.Equal(t, []string{"price 450 above market ceiling 100"}, res.Details)
	_, stored := h.Bid("buy")
	check.False(t, stored)

	// a multiplier that stays under the ceiling is accepted
	buyer.Price.Parameters = map[string]float64{"multiplier": 1.1}
	res = h.CreateBid(ctx, buyer)
	assert.True(t, res.Accepted)
	check.Equal(t, 99.0, res.Bid.Price.Amount)
}

func TestCreateBid_RejectsExpiredOrFutureDated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})

	stale := fixedBid("stale", "a", core.RoleBuyer, 10)
	stale.CreatedAt = testNow.Add(-48 * time.Hour)
	expired := testNow.Add(-24 * time.Hour)
	stale.ExpiresAt = &expired
	res := h.CreateBid(ctx, stale)
	check.False(t, res.Accepted)
	check.Equal(t, CodeValidationFailed, res.Code)
	check.Equal(t, []string{"expiration must be in the future"}, res.Details)

	future := fixedBid("future", "a", core.RoleBuyer, 10)
	future.CreatedAt = testNow.Add(time.Hour)
	res = h.CreateBid(ctx, future)
	check.False(t, res.Accepted)
	check.Equal(t, []string{"creation time is in the future"}, res.Details)

	check.Equal(t, 0, len(h.ActiveBids(nil)))
}

func TestConfirmMatch_Failures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})
	h.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 90))
	matchID := h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100)).Matches[0].ID

	check.Equal(t, CodeMatchNotFound, h.ConfirmMatch(ctx, "nope", "buyer", "").Code)
	check.Equal(t, CodeNotParticipant, h.ConfirmMatch(ctx, matchID, "stranger", "").Code)

	// confirming twice keeps the match pending and overwrites the marker
	assert.True(t, h.ConfirmMatch(ctx, matchID, "buyer", "").Accepted)
	again := h.ConfirmMatch(ctx, matchID, "buyer", "token-2")
	assert.True(t, again.Accepted)
	check.Equal(t, core.MatchPending, again.Match.Status)
	check.Equal(t, "token-2", again.Match.Signatures["buyer"])
	check.Equal(t, 1, len(again.Match.Signatures))

	assert.True(t, h.ConfirmMatch(ctx, matchID, "seller", "").Accepted)
	check.Equal(t, CodeInvalidState, h.ConfirmMatch(ctx, matchID, "seller", "").Code)
	check.Equal(t, 1, len(h.Transactions()))
}

func TestConfirmMatch_VerifiesSignatures(t *testing.T) {
	ctx := context.Background()
	buyerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NoError(t, err)
	keys := validation.NewKeyRing()
	assert.NoError(t, keys.Register("buyer", &buyerKey.PublicKey))

	clock := &manualClock{now: testNow}
	v := validation.NewValidator(validation.MarketPolicy{},
		validation.WithClock(clock),
		validation.WithSignatures(validation.NewSignatureValidator(keys)))
	c := New(v, WithClock(clock), WithIDGenerator(sequentialIDs("id")))
	t.Cleanup(c.Close)

	c.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 90))
	match := c.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100)).Matches[0]

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NoError(t, err)
	forged, err := validation.SignPayload(otherKey, []byte(core.MatchDigest(match)))
	assert.NoError(t, err)
	check.Equal(t, CodeInvalidSignature, c.ConfirmMatch(ctx, match.ID, "buyer", forged).Code)

	sig, err := validation.SignPayload(buyerKey, []byte(core.MatchDigest(match)))
	assert.NoError(t, err)
	res := c.ConfirmMatch(ctx, match.ID, "buyer", sig)
	assert.True(t, res.Accepted)
	check.Equal(t, sig, res.Match.Signatures["buyer"])
}

func TestCancelBid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})
	assert.True(t, h.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 90)).Accepted)

	check.Equal(t, CodeBidNotFound, h.CancelBid(ctx, "nope", "seller", "").Code)
	check.Equal(t, CodeNotOwner, h.CancelBid(ctx, "sell", "buyer", "").Code)

	res := h.CancelBid(ctx, "sell", "seller", "changed plans")
	assert.True(t, res.Accepted)
	b := h.mustBid(t, "sell")
	check.Equal(t, core.BidCancelled, b.Status)
	check.Equal(t, "changed plans", b.StatusReason)

	check.Equal(t, CodeInvalidState, h.CancelBid(ctx, "sell", "seller", "").Code)

	// a cancelled bid is never matched
	buy := h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100))
	check.Equal(t, 0, len(buy.Matches))
	check.Equal(t, 1, h.sink.count(events.KindBidCancelled))
}

func TestCancelBid_DefaultReasonAndMatchedBid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})
	h.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 90))
	h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100))
	h.CreateBid(ctx, fixedBid("other", "buyer", core.RoleBuyer, 10))

	check.Equal(t, CodeInvalidState, h.CancelBid(ctx, "sell", "seller", "").Code)

	assert.True(t, h.CancelBid(ctx, "other", "buyer", "").Accepted)
	check.Equal(t, reasonCancelled, h.mustBid(t, "other").StatusReason)
}

func TestCheckExpiredBids_RateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{}, WithSweepInterval(time.Minute))
	soon := testNow.Add(10 * time.Second)
	later := testNow.Add(40 * time.Second)

	first := fixedBid("first", "a", core.RoleBuyer, 10)
	first.ExpiresAt = &soon
	second := fixedBid("second", "b", core.RoleBuyer, 10)
	second.ExpiresAt = &later
	assert.True(t, h.CreateBid(ctx, first).Accepted)
	assert.True(t, h.CreateBid(ctx, second).Accepted)
	assert.True(t, h.CreateBid(ctx, fixedBid("open", "c", core.RoleBuyer, 10)).Accepted)

	h.clock.Advance(20 * time.Second)
	check.Equal(t, 1, h.CheckExpiredBids(ctx))
	check.Equal(t, core.BidExpired, h.mustBid(t, "first").Status)

	// second has expired too, but the sweep ran less than a minute ago
	h.clock.Advance(30 * time.Second)
	check.Equal(t, 0, h.CheckExpiredBids(ctx))
	check.Equal(t, core.BidActive, h.mustBid(t, "second").Status)

	h.clock.Advance(31 * time.Second)
	check.Equal(t, 1, h.CheckExpiredBids(ctx))
	check.Equal(t, core.BidExpired, h.mustBid(t, "second").Status)
	check.Equal(t, core.BidActive, h.mustBid(t, "open").Status)

	h.clock.Advance(time.Hour)
	check.Equal(t, 0, h.CheckExpiredBids(ctx))
	check.Equal(t, 2, h.sink.count(events.KindBidExpired))
}

func TestCheckExpiredBids_SkipsMatchedBids(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})
	exp := testNow.Add(time.Second)
	seller := fixedBid("sell", "seller", core.RoleSeller, 90)
	seller.ExpiresAt = &exp
	h.CreateBid(ctx, seller)
	h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100))

	h.clock.Advance(time.Minute)

	check.Equal(t, 0, h.CheckExpiredBids(ctx))
	check.Equal(t, core.BidMatched, h.mustBid(t, "sell").Status)
}

func TestDependencyGating(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})

	assert.True(t, h.CreateBid(ctx, fixedBid("y", "agent-y", core.RoleBuyer, 95)).Accepted)
	assert.True(t, h.CreateBid(ctx, fixedBid("s2", "seller-2", core.RoleSeller, 200)).Accepted)

	x := fixedBid("x", "agent-x", core.RoleBuyer, 250)
	x.Dependencies = []string{"y"}
	res := h.CreateBid(ctx, x)
	assert.True(t, res.Accepted)
	check.Equal(t, 0, len(res.Matches))

	// the new seller skips x, whose dependency is still open, and takes y
	res = h.CreateBid(ctx, fixedBid("s1", "seller-1", core.RoleSeller, 90))
	assert.Equal(t, 1, len(res.Matches))
	check.Equal(t, "y", res.Matches[0].BuyerBidID)
	check.Equal(t, core.BidActive, h.mustBid(t, "x").Status)

	matchID := res.Matches[0].ID
	h.ConfirmMatch(ctx, matchID, "agent-y", "")
	h.ConfirmMatch(ctx, matchID, "seller-1", "")

	check.Equal(t, core.BidExecuted, h.mustBid(t, "y").Status)
	m, ok := h.MatchForBid("x")
	assert.True(t, ok)
	check.Equal(t, "s2", m.SellerBidID)
	check.Equal(t, core.BidMatched, h.mustBid(t, "x").Status)
}

func TestSideEffects_EventsAndStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h := newHarness(t, validation.MarketPolicy{}, WithStore(st))

	h.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 90))
	matchID := h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100)).Matches[0].ID
	h.ConfirmMatch(ctx, matchID, "buyer", "")
	tx := h.ConfirmMatch(ctx, matchID, "seller", "").Transaction

	check.Equal(t, 2, h.sink.count(events.KindBidCreated))
	check.Equal(t, 1, h.sink.count(events.KindBidMatched))
	check.Equal(t, 2, h.sink.count(events.KindMatchConfirmed))
	check.Equal(t, 1, h.sink.count(events.KindTransactionExecuted))

	executed, err := st.Find(ctx, store.CollectionBids, store.Query{"status": string(core.BidExecuted)})
	assert.NoError(t, err)
	check.Equal(t, 2, len(executed))

	matches, err := st.Find(ctx, store.CollectionMatches, store.Query{"id": matchID})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(matches))
	var storedMatch core.Match
	assert.NoError(t, store.Decode(matches[0], &storedMatch))
	check.Equal(t, core.MatchExecuted, storedMatch.Status)

	txs, err := st.Find(ctx, store.CollectionTransactions, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(txs))
	var stored core.Transaction
	assert.NoError(t, store.Decode(txs[0], &stored))
	check.Equal(t, tx.ID, stored.ID)
	check.Equal(t, tx.Receipt.Hash, stored.Receipt.Hash)
}

func TestSideEffects_AppliedInCommitOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	h := newHarness(t, validation.MarketPolicy{}, WithStore(st))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("bid-%d", i)
		agent := fmt.Sprintf("agent-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.CreateBid(ctx, fixedBid(id, agent, core.RoleSeller, 90))
		}()
		go func() {
			defer wg.Done()
			for !h.CancelBid(ctx, id, agent, "withdrawn").Accepted {
				runtime.Gosched()
			}
		}()
	}
	wg.Wait()

	cancelled, err := st.Find(ctx, store.CollectionBids, store.Query{"status": string(core.BidCancelled)})
	assert.NoError(t, err)
	check.Equal(t, n, len(cancelled))
	check.Equal(t, n, h.sink.count(events.KindBidCreated))
	check.Equal(t, n, h.sink.count(events.KindBidCancelled))

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	created := map[string]bool{}
	for _, e := range h.sink.events {
		switch e.Kind {
		case events.KindBidCreated:
			created[e.EntityID] = true
		case events.KindBidCancelled:
			check.True(t, created[e.EntityID])
		}
	}
}

type failingStore struct{ store.Store }

func (failingStore) Save(context.Context, string, string, store.Document) error {
	return errors.New("disk full")
}

func (failingStore) Update(context.Context, string, string, store.Document) error {
	return errors.New("disk full")
}

type failingSink struct{}

func (failingSink) Emit(context.Context, events.Event) error { return errors.New("unreachable") }

func TestSideEffects_FailuresDoNotUndoState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{}, WithStore(failingStore{}), WithEventSink(failingSink{}))

	assert.True(t, h.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 90)).Accepted)
	res := h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100))

	assert.True(t, res.Accepted)
	check.Equal(t, 1, len(res.Matches))
	check.Equal(t, core.BidMatched, h.mustBid(t, "sell").Status)
}

type stubAttester struct {
	calls int
}

func (a *stubAttester) AttestReceipt(_ context.Context, tx *core.Transaction) ([]byte, error) {
	a.calls++
	return []byte("attested:" + tx.Receipt.Hash), nil
}

func TestReceiptAttestation(t *testing.T) {
	ctx := context.Background()
	attester := &stubAttester{}
	h := newHarness(t, validation.MarketPolicy{}, WithReceiptAttester(attester))

	h.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 90))
	matchID := h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100)).Matches[0].ID
	h.ConfirmMatch(ctx, matchID, "buyer", "")
	res := h.ConfirmMatch(ctx, matchID, "seller", "")

	check.Equal(t, 1, attester.calls)
	want := "attested:" + res.Transaction.Receipt.Hash
	check.Equal(t, want, string(res.Transaction.Receipt.Attestation))
	stored, ok := h.Transaction(res.Transaction.ID)
	assert.True(t, ok)
	check.Equal(t, want, string(stored.Receipt.Attestation))
}

func TestRecordFeedback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{})
	h.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 90))
	matchID := h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100)).Matches[0].ID
	h.ConfirmMatch(ctx, matchID, "buyer", "")
	txID := h.ConfirmMatch(ctx, matchID, "seller", "").Transaction.ID

	check.Equal(t, CodeTransactionNotFound, h.RecordFeedback(ctx, "nope", "buyer", nil, nil).Code)
	check.Equal(t, CodeNotParticipant, h.RecordFeedback(ctx, txID, "stranger", nil, nil).Code)

	res := h.RecordFeedback(ctx, txID, "buyer", map[string]any{"rating": 5}, map[string]float64{"latency_ms": 42})
	assert.True(t, res.Accepted)

	tx, _ := h.Transaction(txID)
	assert.Equal(t, 1, len(tx.Feedback))
	check.Equal(t, "buyer", tx.Feedback[0].AgentID)
	check.Equal(t, 42.0, tx.PerformanceMetrics["latency_ms"])
}

type panickingProfiles struct{}

func (panickingProfiles) Profile(context.Context, string) (*core.AgentProfile, bool) {
	panic("profile backend exploded")
}

func TestInternalFaultsBecomeResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, validation.MarketPolicy{}, WithProfiles(panickingProfiles{}))

	res := h.CreateBid(ctx, fixedBid("b", "a", core.RoleBuyer, 10))

	check.False(t, res.Accepted)
	check.Equal(t, CodeInternal, res.Code)
	// the coordinator is still usable
	check.Equal(t, CodeBidNotFound, h.CancelBid(ctx, "b", "a", "").Code)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	m := NopMetrics()
	submitted := generic.NewCounter("bids_submitted")
	matches := generic.NewCounter("matches_created")
	executed := generic.NewCounter("transactions_executed")
	cancelled := generic.NewCounter("bids_cancelled")
	active := generic.NewGauge("active_bids")
	m.BidsSubmitted = submitted
	m.MatchesCreated = matches
	m.TransactionsExecuted = executed
	m.BidsCancelled = cancelled
	m.ActiveBids = active
	h := newHarness(t, validation.MarketPolicy{}, WithMetrics(m))

	h.CreateBid(ctx, fixedBid("sell", "seller", core.RoleSeller, 90))
	h.CreateBid(ctx, fixedBid("extra", "seller-2", core.RoleSeller, 150))
	matchID := h.CreateBid(ctx, fixedBid("buy", "buyer", core.RoleBuyer, 100)).Matches[0].ID
	h.ConfirmMatch(ctx, matchID, "buyer", "")
	h.ConfirmMatch(ctx, matchID, "seller", "")
	h.CancelBid(ctx, "extra", "seller-2", "")

	check.Equal(t, 3.0, submitted.Value())
	check.Equal(t, 1.0, matches.Value())
	check.Equal(t, 1.0, executed.Value())
	check.Equal(t, 1.0, cancelled.Value())
	check.Equal(t, 0.0, active.Value())
}
