package perp

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
)

// Side is a position's direction.
type Side int8

const (
	Long Side = iota
	Short
)

func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Status is a position's lifecycle state.
type Status int8

const (
	Open Status = iota
	Closed
	Liquidated
)

func (s Status) Terminal() bool { return s != Open }

// Position is a leveraged perpetual position, generalized from the
// teacher's int64-cents Account.Position to Wei math, with an explicit id
// (the teacher keyed positions by symbol only, one per account).
type Position struct {
	ID       string
	Owner    common.Address
	MarketID string
	Side     Side

	Size       fixedpoint.Wei
	EntryPrice fixedpoint.Wei
	Margin     fixedpoint.Wei
	Leverage   int64

	RealizedPnL       fixedpoint.Wei
	FundingPayment    fixedpoint.Wei
	LastFundingTimeMs int64
	LiquidationPrice  fixedpoint.Wei

	Status      Status
	CreatedAtMs int64
	UpdatedAtMs int64
}

// UnrealizedPnL computes (mark-entry)*size/1e18 for LONG, (entry-mark)*size/1e18
// for SHORT, per §4.4. Positions carry no cached field for this; callers
// recompute against the current mark on every read.
func (p *Position) UnrealizedPnL(mark fixedpoint.Wei) fixedpoint.Wei {
	var diff fixedpoint.Wei
	if p.Side == Long {
		diff, _ = fixedpoint.Sub(mark, p.EntryPrice)
	} else {
		diff, _ = fixedpoint.Sub(p.EntryPrice, mark)
	}
	pnl, _ := fixedpoint.MulWei(diff, p.Size)
	return pnl
}

type ownerSideKey struct {
	owner common.Address
	side  Side
}

// shard is the per-perpetual-market writer lock and position set of §5's
// concurrency model: all position mutation, mark/index updates, funding,
// and liquidation for one market serialize behind shard.mu.
type shard struct {
	mu          sync.Mutex
	positions   map[string]*Position
	byOwnerSide map[ownerSideKey]*Position
}

func newShard() *shard {
	return &shard{
		positions:   make(map[string]*Position),
		byOwnerSide: make(map[ownerSideKey]*Position),
	}
}
