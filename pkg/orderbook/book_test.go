package orderbook

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
)

var (
	alice = common.HexToAddress("0x1")
	bob   = common.HexToAddress("0x2")
)

func newTestBook() *Book {
	return New("BTC-USDC", nil, true)
}

func limitOrder(id string, owner common.Address, side Side, price, qty string) *Order {
	return &Order{
		ID:       id,
		Owner:    owner,
		Pair:     "BTC-USDC",
		Side:     side,
		Kind:     Limit,
		TIF:      GTC,
		Price:    fixedpoint.MustFromDecimalString(price),
		HasPrice: true,
		Quantity: fixedpoint.MustFromDecimalString(qty),
	}
}

func TestPlaceRestsWhenNoCross(t *testing.T) {
	b := newTestBook()
	_, err := b.Place(limitOrder("o1", alice, Buy, "100", "1"))
	require.NoError(t, err)

	bid, hasBid, _, hasAsk := b.BestBidAsk()
	assert.True(t, hasBid)
	assert.False(t, hasAsk)
	assert.Equal(t, "100", bid.String())
}

func TestMatchPriceTimePriority(t *testing.T) {
	b := newTestBook()
	_, err := b.Place(limitOrder("maker1", alice, Sell, "100", "1"))
	require.NoError(t, err)
	_, err = b.Place(limitOrder("maker2", alice, Sell, "100", "1"))
	require.NoError(t, err)

	taker := limitOrder("taker1", bob, Buy, "100", "1.5")
	fills, err := b.Place(taker)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "maker1", fills[0].MakerOrderID)
	assert.Equal(t, "1", fills[0].Quantity.String())
	assert.Equal(t, "maker2", fills[1].MakerOrderID)
	assert.Equal(t, "0.5", fills[1].Quantity.String())
	assert.Equal(t, Filled, taker.Status)
}

func TestIOCCancelsResidual(t *testing.T) {
	b := newTestBook()
	_, err := b.Place(limitOrder("maker1", alice, Sell, "100", "1"))
	require.NoError(t, err)

	taker := limitOrder("taker1", bob, Buy, "100", "5")
	taker.TIF = IOC
	fills, err := b.Place(taker)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, Cancelled, taker.Status)
	assert.Equal(t, "1", taker.Filled.String())
}

func TestFOKRejectsWhenUnfillable(t *testing.T) {
	b := newTestBook()
	_, err := b.Place(limitOrder("maker1", alice, Sell, "100", "1"))
	require.NoError(t, err)

	taker := limitOrder("taker1", bob, Buy, "100", "5")
	taker.TIF = FOK
	_, err = b.Place(taker)
	assert.ErrorIs(t, err, ErrFOKUnfillable)

	// Book state must be untouched: maker1 still fully resting.
	bidLevels, askLevels := b.Snapshot(10)
	assert.Empty(t, bidLevels)
	require.Len(t, askLevels, 1)
	assert.Equal(t, "1", askLevels[0].Quantity.String())
}

func TestPostOnlyRejectsWhenCrossing(t *testing.T) {
	b := newTestBook()
	_, err := b.Place(limitOrder("maker1", alice, Sell, "100", "1"))
	require.NoError(t, err)

	taker := limitOrder("taker1", bob, Buy, "100", "1")
	taker.PostOnly = true
	_, err = b.Place(taker)
	assert.ErrorIs(t, err, ErrPostOnlyWouldCross)
}

func TestSelfTradePrevented(t *testing.T) {
	b := newTestBook()
	_, err := b.Place(limitOrder("maker1", alice, Sell, "100", "1"))
	require.NoError(t, err)

	// alice's own buy should not match her resting sell; no liquidity
	// available for her at this price, so it must rest instead.
	taker := limitOrder("taker1", alice, Buy, "100", "1")
	fills, err := b.Place(taker)
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Equal(t, Open, taker.Status)

	bid, hasBid, ask, hasAsk := b.BestBidAsk()
	assert.True(t, hasBid)
	assert.True(t, hasAsk)
	assert.Equal(t, "100", bid.String())
	assert.Equal(t, "100", ask.String())
}

func TestCancelRemovesOrder(t *testing.T) {
	b := newTestBook()
	_, err := b.Place(limitOrder("o1", alice, Buy, "100", "1"))
	require.NoError(t, err)

	require.NoError(t, b.Cancel("o1", alice))
	_, hasBid, _, _ := b.BestBidAsk()
	assert.False(t, hasBid)

	err = b.Cancel("o1", alice)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancelUnauthorized(t *testing.T) {
	b := newTestBook()
	_, err := b.Place(limitOrder("o1", alice, Buy, "100", "1"))
	require.NoError(t, err)

	err = b.Cancel("o1", bob)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAmendSizeDownKeepsPriority(t *testing.T) {
	b := newTestBook()
	o1 := limitOrder("o1", alice, Buy, "100", "2")
	_, err := b.Place(o1)
	require.NoError(t, err)
	createdAt := o1.CreatedAtMs

	newSize := fixedpoint.MustFromDecimalString("1")
	amended, err := b.Amend("o1", alice, nil, &newSize)
	require.NoError(t, err)
	assert.Equal(t, "1", amended.Remaining.String())
	assert.Equal(t, createdAt, amended.CreatedAtMs)
}

func TestAmendPriceChangeLosesPriority(t *testing.T) {
	b := newTestBook()
	o1 := limitOrder("o1", alice, Buy, "100", "2")
	_, err := b.Place(o1)
	require.NoError(t, err)

	newPrice := fixedpoint.MustFromDecimalString("101")
	amended, err := b.Amend("o1", alice, &newPrice, nil)
	require.NoError(t, err)
	assert.Equal(t, "101", amended.Price.String())

	bid, hasBid, _, _ := b.BestBidAsk()
	assert.True(t, hasBid)
	assert.Equal(t, "101", bid.String())
}

func TestOCOCancelsSibling(t *testing.T) {
	b := newTestBook()
	leg1 := limitOrder("oco1", alice, Sell, "110", "1")
	leg1.LinkID = "group1"
	leg2 := &Order{
		ID:           "oco2",
		Owner:        alice,
		Pair:         "BTC-USDC",
		Side:         Sell,
		Kind:         StopLoss,
		TIF:          GTC,
		Quantity:     fixedpoint.MustFromDecimalString("1"),
		StopPrice:    fixedpoint.MustFromDecimalString("90"),
		HasStopPrice: true,
		LinkID:       "group1",
	}

	_, err := b.Place(leg1)
	require.NoError(t, err)
	_, err = b.Place(leg2)
	require.NoError(t, err)

	require.NoError(t, b.Cancel("oco1", alice))
	assert.Equal(t, Cancelled, leg2.Status)
}

func TestIcebergRepostsHiddenTail(t *testing.T) {
	b := newTestBook()
	iceberg := limitOrder("ice1", alice, Sell, "100", "3")
	iceberg.Kind = Iceberg
	iceberg.VisibleQty = fixedpoint.MustFromDecimalString("1")
	_, err := b.Place(iceberg)
	require.NoError(t, err)

	taker := limitOrder("taker1", bob, Buy, "100", "1")
	fills, err := b.Place(taker)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "1", fills[0].Quantity.String())

	_, _, ask, hasAsk := b.BestBidAsk()
	assert.True(t, hasAsk)
	assert.Equal(t, "100", ask.String())
	levels, _ := b.Snapshot(10)
	_ = levels
}

func TestConditionalStopTriggersOnMark(t *testing.T) {
	b := newTestBook()
	_, err := b.Place(limitOrder("maker1", alice, Buy, "90", "1"))
	require.NoError(t, err)

	stop := &Order{
		ID:           "stop1",
		Owner:        bob,
		Pair:         "BTC-USDC",
		Side:         Sell,
		Kind:         StopLoss,
		TIF:          GTC,
		Quantity:     fixedpoint.MustFromDecimalString("1"),
		StopPrice:    fixedpoint.MustFromDecimalString("95"),
		HasStopPrice: true,
	}
	_, err = b.Place(stop)
	require.NoError(t, err)

	fills, err := b.EvaluateConditional(fixedpoint.MustFromDecimalString("90"))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "90", fills[0].Price.String())
}
