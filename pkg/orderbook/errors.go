package orderbook

import "errors"

var (
	ErrInsufficientBalance = errors.New("orderbook: insufficient balance")
	ErrPostOnlyWouldCross  = errors.New("orderbook: post-only order would cross")
	ErrMarketNoLiquidity   = errors.New("orderbook: insufficient liquidity")
	ErrFOKUnfillable       = errors.New("orderbook: fill-or-kill order cannot be fully filled")
	ErrOrderNotFound       = errors.New("orderbook: order not found")
	ErrUnauthorized        = errors.New("orderbook: unauthorized")
	ErrNotCancellable      = errors.New("orderbook: order is in a terminal state")
)
