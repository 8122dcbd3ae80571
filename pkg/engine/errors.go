package engine

import (
	"errors"

	"github.com/omnidex-labs/matchcore/pkg/integration"
	"github.com/omnidex-labs/matchcore/pkg/market"
	"github.com/omnidex-labs/matchcore/pkg/orderbook"
	"github.com/omnidex-labs/matchcore/pkg/perp"
)

// Kind is one of §7's tagged error kinds. Ingress code (not part of this
// module) maps a Kind plus its accompanying message onto its own wire
// format; this package never panics or uses errors for control flow.
type Kind string

const (
	KindUnknownPair          Kind = "UNKNOWN_PAIR"
	KindHalted               Kind = "HALTED"
	KindInvalidParams        Kind = "INVALID_PARAMS"
	KindTickSize             Kind = "TICK_SIZE"
	KindSizeIncrement        Kind = "SIZE_INCREMENT"
	KindLeverageRange        Kind = "LEVERAGE_RANGE"
	KindMissingPriceForLimit Kind = "MISSING_PRICE_FOR_LIMIT"

	KindOrderNotFound    Kind = "ORDER_NOT_FOUND"
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindNotCancellable   Kind = "NOT_CANCELLABLE"
	KindPositionNotFound Kind = "POSITION_NOT_FOUND"

	KindPostOnlyWouldCross  Kind = "POST_ONLY_WOULD_CROSS"
	KindFOKUnfillable       Kind = "FOK_UNFILLABLE"
	KindReduceOnlyNoPosition Kind = "REDUCE_ONLY_NO_POSITION"
	KindSelfTradeBlocked    Kind = "SELF_TRADE_BLOCKED"

	KindInsufficientMargin  Kind = "INSUFFICIENT_MARGIN"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindStoreBackpressure   Kind = "STORE_BACKPRESSURE"

	KindOverflow Kind = "OVERFLOW"

	// KindInternal is what opaque (arithmetic/capacity) errors are
	// reported as to the caller; Classify never returns their concrete Kind.
	KindInternal Kind = "INTERNAL"
)

// opaque reports whether a Kind must never cross the caller boundary
// unmasked (§7's "arithmetic and capacity errors ... surfaced as opaque
// INTERNAL").
func (k Kind) opaque() bool {
	switch k {
	case KindInsufficientMargin, KindInsufficientBalance, KindStoreBackpressure, KindOverflow:
		return true
	default:
		return false
	}
}

// Classify maps a known sentinel error from C1-C5 onto its §7 error kind.
// Unrecognized errors and opaque kinds classify as KindInternal.
func Classify(err error) Kind {
	k := classify(err)
	if k.opaque() {
		return KindInternal
	}
	return k
}

// classify is Classify's unmasked mapping, opaque kinds included.
func classify(err error) Kind {
	switch {
	case errors.Is(err, market.ErrUnknownPair), errors.Is(err, perp.ErrUnknownMarket), errors.Is(err, integration.ErrUnknownMarket):
		return KindUnknownPair
	case errors.Is(err, market.ErrHalted), errors.Is(err, integration.ErrMarketHalted):
		return KindHalted
	case errors.Is(err, market.ErrInvalidParams):
		return KindInvalidParams
	case errors.Is(err, market.ErrTickSize):
		return KindTickSize
	case errors.Is(err, market.ErrSizeIncrement), errors.Is(err, market.ErrSizeOutOfRange), errors.Is(err, perp.ErrInvalidSize):
		return KindSizeIncrement
	case errors.Is(err, market.ErrLeverageRange), errors.Is(err, perp.ErrInvalidLeverage):
		return KindLeverageRange
	case errors.Is(err, ErrMissingPriceForLimit):
		return KindMissingPriceForLimit
	case errors.Is(err, orderbook.ErrOrderNotFound):
		return KindOrderNotFound
	case errors.Is(err, perp.ErrUnknownPosition):
		return KindPositionNotFound
	case errors.Is(err, orderbook.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, orderbook.ErrNotCancellable), errors.Is(err, perp.ErrPositionClosed), errors.Is(err, perp.ErrCloseSizeExceeds):
		return KindNotCancellable
	case errors.Is(err, orderbook.ErrPostOnlyWouldCross):
		return KindPostOnlyWouldCross
	case errors.Is(err, orderbook.ErrFOKUnfillable):
		return KindFOKUnfillable
	case errors.Is(err, integration.ErrReduceOnlyNoPosition):
		return KindReduceOnlyNoPosition
	case errors.Is(err, perp.ErrInsufficientMargin):
		return KindInsufficientMargin
	case errors.Is(err, perp.ErrInsufficientFunds), errors.Is(err, orderbook.ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrQueueBackpressure):
		return KindStoreBackpressure
	default:
		return KindInternal
	}
}

var (
	// ErrMissingPriceForLimit is returned when a LIMIT (or conditional)
	// order omits its price.
	ErrMissingPriceForLimit = errors.New("engine: limit order requires a price")
	// ErrQueueBackpressure classifies as a store back-pressure error. Nothing
	// in this module returns it: store.Queue.Push blocks while the
	// write-through queue is full.
	ErrQueueBackpressure = errors.New("engine: store queue saturated")
)
