package perp

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
	"github.com/omnidex-labs/matchcore/pkg/market"
	"github.com/omnidex-labs/matchcore/pkg/util"
)

var (
	alice = common.HexToAddress("0x1")
	bob   = common.HexToAddress("0x2")
)

func testRegistry(t *testing.T) *market.Registry {
	t.Helper()
	reg := market.NewRegistry()
	_, err := reg.Register(market.Params{
		ID:                   "BTC-PERP",
		Base:                 "BTC",
		Quote:                "USDC",
		Kind:                 market.Perpetual,
		TickSize:             fixedpoint.MustFromDecimalString("0.01"),
		SizeIncrement:        fixedpoint.MustFromDecimalString("0.001"),
		MinSize:              fixedpoint.MustFromDecimalString("0.001"),
		MaxSize:              fixedpoint.MustFromDecimalString("1000"),
		MakerFeeBps:          2,
		TakerFeeBps:          5,
		MaxLeverage:          20,
		InitialMarginBps:     500,
		MaintenanceMarginBps: 300,
		FundingInterval:      time.Hour,
		FundingRateCap:       fixedpoint.MustFromDecimalString("0.01"),
	})
	require.NoError(t, err)
	return reg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg := testRegistry(t)
	return NewEngine(reg, util.RealClock{}, 50)
}

func fundAndOpen(t *testing.T, e *Engine, owner common.Address, side Side, size, price string, leverage int64) *Position {
	t.Helper()
	require.NoError(t, e.Deposit(owner, fixedpoint.MustFromDecimalString("100000")))
	pos, err := e.OpenPosition(owner, "BTC-PERP", side, fixedpoint.MustFromDecimalString(size), fixedpoint.MustFromDecimalString(price), leverage)
	require.NoError(t, err)
	return pos
}

func TestOpenPositionLocksMarginAndComputesLiquidationPrice(t *testing.T) {
	e := newTestEngine(t)
	pos := fundAndOpen(t, e, alice, Long, "1", "50000", 10)

	assert.Equal(t, "5000", pos.Margin.String())
	assert.True(t, pos.LiquidationPrice.Cmp(fixedpoint.Zero()) > 0)
	assert.True(t, pos.LiquidationPrice.Cmp(pos.EntryPrice) < 0, "long liquidation price must be below entry")

	avail := e.AvailableCollateral(alice)
	assert.Equal(t, "95000", avail.String())
}

func TestOpenPositionRejectsInvalidLeverage(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Deposit(alice, fixedpoint.MustFromDecimalString("100000")))
	_, err := e.OpenPosition(alice, "BTC-PERP", Long, fixedpoint.MustFromDecimalString("1"), fixedpoint.MustFromDecimalString("50000"), 50)
	assert.ErrorIs(t, err, ErrInvalidLeverage)
}

func TestOpenPositionRejectsInsufficientMargin(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Deposit(alice, fixedpoint.MustFromDecimalString("100")))
	_, err := e.OpenPosition(alice, "BTC-PERP", Long, fixedpoint.MustFromDecimalString("1"), fixedpoint.MustFromDecimalString("50000"), 10)
	assert.ErrorIs(t, err, ErrInsufficientMargin)
}

func TestOpenPositionAggregatesSameSide(t *testing.T) {
	e := newTestEngine(t)
	first := fundAndOpen(t, e, alice, Long, "1", "50000", 10)
	second, err := e.OpenPosition(alice, "BTC-PERP", Long, fixedpoint.MustFromDecimalString("1"), fixedpoint.MustFromDecimalString("60000"), 10)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "2", second.Size.String())
	assert.Equal(t, "55000", second.EntryPrice.String())
}

func TestClosePositionRealizesPnLAndReleasesMargin(t *testing.T) {
	e := newTestEngine(t)
	pos := fundAndOpen(t, e, alice, Long, "1", "50000", 10)

	closed, err := e.ClosePosition(pos.ID, "BTC-PERP", nil, fixedpoint.MustFromDecimalString("55000"))
	require.NoError(t, err)

	assert.Equal(t, Closed, closed.Status)
	assert.Equal(t, "5000", closed.RealizedPnL.String())
	assert.Equal(t, "0", closed.Margin.String())

	avail := e.AvailableCollateral(alice)
	assert.Equal(t, "105000", avail.String())
}

func TestClosePositionPartial(t *testing.T) {
	e := newTestEngine(t)
	pos := fundAndOpen(t, e, alice, Short, "2", "50000", 10)

	half := fixedpoint.MustFromDecimalString("1")
	closed, err := e.ClosePosition(pos.ID, "BTC-PERP", &half, fixedpoint.MustFromDecimalString("45000"))
	require.NoError(t, err)

	assert.Equal(t, Open, closed.Status)
	assert.Equal(t, "1", closed.Size.String())
	assert.Equal(t, "5000", closed.RealizedPnL.String())
}

func TestClosePositionRejectsOversizedClose(t *testing.T) {
	e := newTestEngine(t)
	pos := fundAndOpen(t, e, alice, Long, "1", "50000", 10)

	over := fixedpoint.MustFromDecimalString("2")
	_, err := e.ClosePosition(pos.ID, "BTC-PERP", &over, fixedpoint.MustFromDecimalString("55000"))
	assert.ErrorIs(t, err, ErrCloseSizeExceeds)
}

func TestUpdateLeverageRecomputesLiquidationPrice(t *testing.T) {
	e := newTestEngine(t)
	pos := fundAndOpen(t, e, alice, Long, "1", "50000", 5)
	before := pos.LiquidationPrice

	updated, err := e.UpdateLeverage(pos.ID, "BTC-PERP", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), updated.Leverage)
	assert.NotEqual(t, before.String(), updated.LiquidationPrice.String())
}

func TestUpdateLeverageRejectsWhenUnderMargined(t *testing.T) {
	e := newTestEngine(t)
	pos := fundAndOpen(t, e, alice, Long, "1", "50000", 20)

	_, err := e.UpdateLeverage(pos.ID, "BTC-PERP", 1)
	assert.ErrorIs(t, err, ErrInsufficientMargin)
}

func TestApplyFundingChargesLongsCreditsShorts(t *testing.T) {
	e := newTestEngine(t)
	longPos := fundAndOpen(t, e, alice, Long, "1", "50000", 10)
	shortPos := fundAndOpen(t, e, bob, Short, "1", "50000", 10)

	require.NoError(t, e.UpdateMarkPrice("BTC-PERP", fixedpoint.MustFromDecimalString("50500")))
	require.NoError(t, e.UpdateIndexPrice("BTC-PERP", fixedpoint.MustFromDecimalString("50000")))

	event, err := e.ApplyFunding("BTC-PERP", fixedpoint.MustFromDecimalString("0.01"))
	require.NoError(t, err)

	assert.True(t, event.Rate.Sign() > 0, "mark above index should yield a positive rate")

	longAfter, err := e.Position("BTC-PERP", longPos.ID)
	require.NoError(t, err)
	shortAfter, err := e.Position("BTC-PERP", shortPos.ID)
	require.NoError(t, err)

	assert.True(t, longAfter.Margin.Cmp(longPos.Margin) < 0, "long should pay funding")
	assert.True(t, shortAfter.Margin.Cmp(shortPos.Margin) > 0, "short should receive funding")
}

func TestApplyFundingRespectsCap(t *testing.T) {
	e := newTestEngine(t)
	fundAndOpen(t, e, alice, Long, "1", "50000", 10)

	require.NoError(t, e.UpdateMarkPrice("BTC-PERP", fixedpoint.MustFromDecimalString("100000")))
	require.NoError(t, e.UpdateIndexPrice("BTC-PERP", fixedpoint.MustFromDecimalString("50000")))

	rateCap := fixedpoint.MustFromDecimalString("0.01")
	event, err := e.ApplyFunding("BTC-PERP", rateCap)
	require.NoError(t, err)
	assert.Equal(t, rateCap.String(), event.Rate.String())
}

func TestCheckLiquidationsLiquidatesUnderwaterPosition(t *testing.T) {
	e := newTestEngine(t)
	pos := fundAndOpen(t, e, alice, Long, "1", "50000", 10)

	require.NoError(t, e.UpdateMarkPrice("BTC-PERP", fixedpoint.MustFromDecimalString("44000")))

	results, err := e.CheckLiquidations("BTC-PERP")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, pos.ID, results[0].PositionID)
	assert.Equal(t, alice, results[0].Owner)

	after, err := e.Position("BTC-PERP", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, Liquidated, after.Status)

	// equity = margin(5000) + unrealizedPnL(-6000) = -1000; fee = notional(44000)*50bps = 220;
	// residual = equity - fee = -1220, credited (here, debited) to the insurance fund in full.
	assert.Equal(t, "-1220", e.InsuranceFund().String())

	// The position's margin must not reappear as owner-available balance: it
	// was forfeited to the insurance fund, not unlocked back to alice.
	avail := e.AvailableCollateral(alice)
	assert.Equal(t, "95000", avail.String(), "liquidated margin must not return to available balance")
}

func TestCheckLiquidationsSparesHealthyPosition(t *testing.T) {
	e := newTestEngine(t)
	fundAndOpen(t, e, alice, Long, "1", "50000", 10)

	require.NoError(t, e.UpdateMarkPrice("BTC-PERP", fixedpoint.MustFromDecimalString("50100")))

	results, err := e.CheckLiquidations("BTC-PERP")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPositionsByOwner(t *testing.T) {
	e := newTestEngine(t)
	fundAndOpen(t, e, alice, Long, "1", "50000", 10)
	fundAndOpen(t, e, bob, Short, "1", "50000", 10)

	got := e.PositionsByOwner("BTC-PERP", alice)
	require.Len(t, got, 1)
	assert.Equal(t, alice, got[0].Owner)
}
