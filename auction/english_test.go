package auction

import (
	"errors"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/agentmarket/core"
)

func TestEnglish_ReserveAndHighBid(t *testing.T) {
	f := newFixture(t, core.AuctionConfig{Type: core.BidTypeEnglish})
	seller := bid("sell", "seller", core.BidTypeEnglish, core.RoleSeller, 50)
	_, err := f.mech.AddBid(seller)
	assert.NoError(t, err)

	below := bid("b40", "a", core.BidTypeEnglish, core.RoleBuyer, 40)
	_, err = f.mech.AddBid(below)
	check.True(t, errors.Is(err, ErrBidTooLow))
	check.Equal(t, core.BidRejected, below.Status)

	high := bid("b60", "b", core.BidTypeEnglish, core.RoleBuyer, 60)
	_, err = f.mech.AddBid(high)
	assert.NoError(t, err)
	check.Equal(t, "b60", f.mech.Status().HighBidID)

	lower := bid("b55", "c", core.BidTypeEnglish, core.RoleBuyer, 55)
	_, err = f.mech.AddBid(lower)
	check.True(t, errors.Is(err, ErrBidTooLow))
	check.Equal(t, core.BidRejected, lower.Status)

	res, err := f.mech.End()
	assert.NoError(t, err)

	assert.Equal(t, 1, len(res.Matches))
	check.Equal(t, 60.0, res.Matches[0].Price.Amount)
	check.Equal(t, "b60", res.Matches[0].BuyerBidID)
	check.Equal(t, core.BidExecuted, high.Status)
	check.Equal(t, core.BidExecuted, seller.Status)
	check.Equal(t, 0, len(res.Expired))
}

func TestEnglish_BidEqualToReserveOrHighIsRejected(t *testing.T) {
	f := newFixture(t, core.AuctionConfig{Type: core.BidTypeEnglish})
	_, err := f.mech.AddBid(bid("sell", "seller", core.BidTypeEnglish, core.RoleSeller, 50))
	assert.NoError(t, err)

	_, err = f.mech.AddBid(bid("b50", "a", core.BidTypeEnglish, core.RoleBuyer, 50))
	check.True(t, errors.Is(err, ErrBidTooLow))

	_, err = f.mech.AddBid(bid("b60", "b", core.BidTypeEnglish, core.RoleBuyer, 60))
	assert.NoError(t, err)
	_, err = f.mech.AddBid(bid("b60-again", "c", core.BidTypeEnglish, core.RoleBuyer, 60))
	check.True(t, errors.Is(err, ErrBidTooLow))
}

func TestEnglish_OutbidBidsExpireAtClose(t *testing.T) {
	f := newFixture(t, core.AuctionConfig{Type: core.BidTypeEnglish})
	_, err := f.mech.AddBid(bid("sell", "seller", core.BidTypeEnglish, core.RoleSeller, 50))
	assert.NoError(t, err)
	outbid := bid("b60", "a", core.BidTypeEnglish, core.RoleBuyer, 60)
	_, err = f.mech.AddBid(outbid)
	assert.NoError(t, err)
	_, err = f.mech.AddBid(bid("b70", "b", core.BidTypeEnglish, core.RoleBuyer, 70))
	assert.NoError(t, err)

	res, err := f.mech.End()
	assert.NoError(t, err)

	check.Equal(t, 70.0, res.Matches[0].Price.Amount)
	check.Equal(t, core.BidExpired, outbid.Status)
	check.Equal(t, ClosedReason, outbid.StatusReason)
}

func TestEnglish_SecondSellerAndMissingSeller(t *testing.T) {
	f := newFixture(t, core.AuctionConfig{Type: core.BidTypeEnglish})

	early := bid("early", "a", core.BidTypeEnglish, core.RoleBuyer, 60)
	_, err := f.mech.AddBid(early)
	check.True(t, errors.Is(err, ErrNoSeller))
	check.Equal(t, core.BidRejected, early.Status)

	_, err = f.mech.AddBid(bid("sell", "seller", core.BidTypeEnglish, core.RoleSeller, 50))
	assert.NoError(t, err)

	second := bid("sell2", "seller2", core.BidTypeEnglish, core.RoleSeller, 40)
	_, err = f.mech.AddBid(second)
	check.True(t, errors.Is(err, ErrSellerExists))
	check.Equal(t, core.BidRejected, second.Status)
}

func TestEnglish_EndWithoutBidsExpiresSeller(t *testing.T) {
	f := newFixture(t, core.AuctionConfig{Type: core.BidTypeEnglish})
	seller := bid("sell", "seller", core.BidTypeEnglish, core.RoleSeller, 50)
	_, err := f.mech.AddBid(seller)
	assert.NoError(t, err)

	res, err := f.mech.End()

	assert.NoError(t, err)
	check.Equal(t, 0, len(res.Matches))
	check.Equal(t, core.BidExpired, seller.Status)
}

func TestEnglish_MinIncrement(t *testing.T) {
	f := newFixture(t, core.AuctionConfig{Type: core.BidTypeEnglish, Increments: core.IncrementRules{MinIncrement: 5}})
	_, err := f.mech.AddBid(bid("sell", "seller", core.BidTypeEnglish, core.RoleSeller, 50))
	assert.NoError(t, err)
	_, err = f.mech.AddBid(bid("b60", "a", core.BidTypeEnglish, core.RoleBuyer, 60))
	assert.NoError(t, err)

	_, err = f.mech.AddBid(bid("b64", "b", core.BidTypeEnglish, core.RoleBuyer, 64))
	check.True(t, errors.Is(err, ErrBidTooLow))

	_, err = f.mech.AddBid(bid("b65", "c", core.BidTypeEnglish, core.RoleBuyer, 65))
	check.NoError(t, err)
}

func TestEnglish_IncompatibleBuyer(t *testing.T) {
	f := newFixture(t, core.AuctionConfig{Type: core.BidTypeEnglish})
	_, err := f.mech.AddBid(bid("sell", "seller", core.BidTypeEnglish, core.RoleSeller, 50))
	assert.NoError(t, err)

	eur := bid("eur", "a", core.BidTypeEnglish, core.RoleBuyer, 60)
	eur.Price.Currency = "EUR"
	_, err = f.mech.AddBid(eur)
	check.True(t, errors.Is(err, ErrIncompatible))

	tooMuch := withResource(bid("big", "b", core.BidTypeEnglish, core.RoleBuyer, 60), core.ResourceCompute, 50)
	_, err = f.mech.AddBid(tooMuch)
	check.True(t, errors.Is(err, ErrIncompatible))
}

func TestEnglish_PendingDependencyRejected(t *testing.T) {
	f := newFixture(t, core.AuctionConfig{Type: core.BidTypeEnglish})
	_, err := f.mech.AddBid(bid("sell", "seller", core.BidTypeEnglish, core.RoleSeller, 50))
	assert.NoError(t, err)
	dep := bid("dep", "x", core.BidTypeFixed, core.RoleBuyer, 1)
	assert.NoError(t, f.state.AddBid(dep))

	b := bid("b60", "a", core.BidTypeEnglish, core.RoleBuyer, 60)
	b.Dependencies = []string{"dep"}
	_, err = f.mech.AddBid(b)

	check.True(t, errors.Is(err, ErrDependenciesPending))
}
