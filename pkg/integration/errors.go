package integration

import "errors"

var (
	ErrUnknownMarket       = errors.New("integration: unknown market")
	ErrMarketHalted        = errors.New("integration: market is not trading")
	ErrReduceOnlyNoPosition = errors.New("integration: reduce_only order with no opposing position")
	ErrUnknownOrder        = errors.New("integration: order has no mapped position")
)
