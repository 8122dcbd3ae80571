package scheduler

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidex-labs/matchcore/pkg/eventbus"
	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
	"github.com/omnidex-labs/matchcore/pkg/market"
	"github.com/omnidex-labs/matchcore/pkg/orderbook"
	"github.com/omnidex-labs/matchcore/pkg/perp"
	"github.com/omnidex-labs/matchcore/pkg/util"
)

var alice = common.HexToAddress("0x1")

func newTestMarket(t *testing.T) *market.Registry {
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
		MaxLeverage:          20,
		InitialMarginBps:     500,
		MaintenanceMarginBps: 300,
		FundingInterval:      time.Hour,
		FundingRateCap:       fixedpoint.MustFromDecimalString("0.01"),
	})
	require.NoError(t, err)
	return reg
}

func TestSubmitMarkUpdateEvaluatesConditionalsAndSweepsLiquidations(t *testing.T) {
	reg := newTestMarket(t)
	eng := perp.NewEngine(reg, util.RealClock{}, 50)
	require.NoError(t, eng.Deposit(alice, fixedpoint.MustFromDecimalString("100000")))
	_, err := eng.OpenPosition(alice, "BTC-PERP", perp.Long, fixedpoint.MustFromDecimalString("1"), fixedpoint.MustFromDecimalString("50000"), 10)
	require.NoError(t, err)

	mkt, err := reg.Get("BTC-PERP")
	require.NoError(t, err)
	book := orderbook.New("BTC-PERP", mkt, true)

	sched := New(reg, eng, nil, util.RealClock{}, 0)
	sched.RegisterBook("BTC-PERP", book)

	result, err := sched.SubmitMarkUpdate("BTC-PERP", fixedpoint.MustFromDecimalString("44000"))
	require.NoError(t, err)
	require.Len(t, result.Liquidations, 1)
	assert.Equal(t, alice, result.Liquidations[0].Owner)
}

func TestSubmitIndexUpdateFeedsMarket(t *testing.T) {
	reg := newTestMarket(t)
	eng := perp.NewEngine(reg, util.RealClock{}, 50)
	sched := New(reg, eng, nil, util.RealClock{}, 0)

	require.NoError(t, sched.SubmitIndexUpdate("BTC-PERP", fixedpoint.MustFromDecimalString("50000")))

	mkt, err := reg.Get("BTC-PERP")
	require.NoError(t, err)
	assert.Equal(t, "50000", mkt.IndexPrice().String())
}

func TestDebounceMarkSkipsDuplicatePriceWithinQuiescentWindow(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	sched := New(newTestMarket(t), nil, nil, clock, 200*time.Millisecond)

	price := fixedpoint.MustFromDecimalString("50000")
	assert.False(t, sched.debounceMark("BTC-PERP", price, clock.Now().UnixMilli()), "first observation of a price is never debounced")

	clock.Advance(50 * time.Millisecond)
	assert.True(t, sched.debounceMark("BTC-PERP", price, clock.Now().UnixMilli()), "same price inside the window is debounced")

	clock.Advance(50 * time.Millisecond)
	assert.False(t, sched.debounceMark("BTC-PERP", fixedpoint.MustFromDecimalString("50500"), clock.Now().UnixMilli()), "a changed price is never debounced, even inside the window")

	clock.Advance(200 * time.Millisecond)
	assert.False(t, sched.debounceMark("BTC-PERP", fixedpoint.MustFromDecimalString("50500"), clock.Now().UnixMilli()), "the same price is applied again once the window has elapsed")
}

func TestSubmitMarkUpdateSkipsEngineAndBookWorkWhenDebounced(t *testing.T) {
	reg := newTestMarket(t)
	eng := perp.NewEngine(reg, util.RealClock{}, 50)
	require.NoError(t, eng.Deposit(alice, fixedpoint.MustFromDecimalString("100000")))
	_, err := eng.OpenPosition(alice, "BTC-PERP", perp.Long, fixedpoint.MustFromDecimalString("1"), fixedpoint.MustFromDecimalString("50000"), 10)
	require.NoError(t, err)

	mkt, err := reg.Get("BTC-PERP")
	require.NoError(t, err)
	book := orderbook.New("BTC-PERP", mkt, true)

	clock := newFakeClock(time.Unix(0, 0))
	sched := New(reg, eng, nil, clock, 200*time.Millisecond)
	sched.RegisterBook("BTC-PERP", book)

	result, err := sched.SubmitMarkUpdate("BTC-PERP", fixedpoint.MustFromDecimalString("44000"))
	require.NoError(t, err)
	require.Len(t, result.Liquidations, 1, "the first mark at 44000 liquidates alice's position")

	require.NoError(t, eng.Deposit(alice, fixedpoint.MustFromDecimalString("100000")))
	_, err = eng.OpenPosition(alice, "BTC-PERP", perp.Long, fixedpoint.MustFromDecimalString("1"), fixedpoint.MustFromDecimalString("50000"), 10)
	require.NoError(t, err)

	clock.Advance(50 * time.Millisecond)
	result, err = sched.SubmitMarkUpdate("BTC-PERP", fixedpoint.MustFromDecimalString("44000"))
	require.NoError(t, err)
	assert.Empty(t, result.Liquidations, "a duplicate mark within the quiescent window must not re-run the liquidation sweep, even though a fresh underwater position exists at the same mark")
}

func TestRunFundingLoopCatchesUpMissedIntervals(t *testing.T) {
	reg := newTestMarket(t)
	clock := newFakeClock(time.Unix(0, 0))
	eng := perp.NewEngine(reg, clock, 50)
	require.NoError(t, eng.Deposit(alice, fixedpoint.MustFromDecimalString("100000")))
	pos, err := eng.OpenPosition(alice, "BTC-PERP", perp.Long, fixedpoint.MustFromDecimalString("1"), fixedpoint.MustFromDecimalString("50000"), 10)
	require.NoError(t, err)

	require.NoError(t, eng.UpdateMarkPrice("BTC-PERP", fixedpoint.MustFromDecimalString("50500")))
	require.NoError(t, eng.UpdateIndexPrice("BTC-PERP", fixedpoint.MustFromDecimalString("50000")))

	bus := eventbus.New(50*time.Millisecond, util.RealClock{})
	sub := bus.Subscribe("funding-watcher", 16)

	sched := New(reg, eng, bus, clock, 0)
	stop := make(chan struct{})
	go sched.RunFundingLoop("BTC-PERP", time.Hour, fixedpoint.MustFromDecimalString("0.01"), stop)

	clock.Advance(3 * time.Hour)

	count := 0
	for i := 0; i < 3; i++ {
		select {
		case e := <-sub.Events():
			if e.Type == eventbus.FundingProcessed {
				count++
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for funding event %d", i+1)
		}
	}
	close(stop)

	assert.Equal(t, 3, count)

	after, err := eng.Position("BTC-PERP", pos.ID)
	require.NoError(t, err)
	assert.True(t, after.Margin.Cmp(pos.Margin) < 0, "long should have paid funding three times")
}
