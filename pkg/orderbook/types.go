// Package orderbook implements the per-pair price-time-priority limit order
// book (C3): accept/cancel/amend, price-time matching, TIF handling, OCO
// linkage, iceberg re-posting, and conditional (stop) order evaluation. It
// is the spot matching path; perpetual opens/closes are handled by package
// perp via the integration layer and never touch a book directly.
package orderbook

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
)

// Side is the direction of an order.
type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Kind is the order type.
type Kind int8

const (
	Market Kind = iota
	Limit
	StopLoss
	StopLimit
	TrailingStop
	OCO
	Iceberg
	TWAP
	VWAP
)

// TIF is the time-in-force.
type TIF int8

const (
	GTC TIF = iota
	DAY
	IOC
	FOK
)

// Status is an order's lifecycle state.
type Status int8

const (
	Pending Status = iota
	Open
	PartiallyFilled
	Filled
	Cancelled
	Expired
)

func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled || s == Expired
}

// Order is a resting or in-flight book order. Mutated only under the owning
// OrderBook's pair lock.
type Order struct {
	ID       string
	Owner    common.Address
	Pair     string
	Side     Side
	Kind     Kind
	TIF      TIF
	Quantity fixedpoint.Wei

	// Price is the limit price; zero-value/ignored for MARKET.
	Price    fixedpoint.Wei
	HasPrice bool

	// StopPrice triggers conditional order kinds (STOP_LOSS, STOP_LIMIT,
	// TRAILING_STOP); TrailingOffset is the trailing distance in wei for
	// TRAILING_STOP, re-anchoring StopPrice as the market moves favorably.
	StopPrice      fixedpoint.Wei
	HasStopPrice   bool
	TrailingOffset fixedpoint.Wei
	// TrailExtremum is the most favorable mark price observed since the
	// trailing stop was armed; re-anchors StopPrice as price moves in the
	// position's favor. Unused outside TRAILING_STOP.
	TrailExtremum    fixedpoint.Wei
	HasTrailExtremum bool

	PostOnly   bool
	ReduceOnly bool
	Leverage   int64

	// VisibleQty is the iceberg visible clip size; zero for non-iceberg
	// orders. DisplayedQty is the currently resting slice actually exposed
	// to matching; when it reaches zero and Remaining>0, the book re-posts
	// a fresh clip at the tail with a new timestamp.
	VisibleQty   fixedpoint.Wei
	DisplayedQty fixedpoint.Wei

	// LinkID groups an OCO pair; cancelling/filling one cancels the other.
	LinkID string

	// TWAP/VWAP slicing parameters; the parent order itself never rests in
	// the book. They are stored with the order; no component in this module
	// reads them to emit child slices.
	SliceDuration           time.Duration
	SliceInterval           time.Duration
	MaxParticipationRateBps int64

	Status        Status
	Filled        fixedpoint.Wei
	Remaining     fixedpoint.Wei
	AverageExec   fixedpoint.Wei
	HasAverage    bool
	Fees          fixedpoint.Wei
	CreatedAtMs   int64
	UpdatedAtMs   int64
}

// Fill is one match between a taker and a resting maker order.
type Fill struct {
	TradeID      string
	TakerOrderID string
	MakerOrderID string
	TakerOwner   common.Address
	MakerOwner   common.Address
	Pair         string
	Price        fixedpoint.Wei
	Quantity     fixedpoint.Wei
	TakerFee     fixedpoint.Wei
	MakerFee     fixedpoint.Wei
	Timestamp    time.Time
	IsBuyerMaker bool
}

// Level is an aggregated price level snapshot.
type Level struct {
	Price    fixedpoint.Wei
	Quantity fixedpoint.Wei
}
