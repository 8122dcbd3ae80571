package perp

import "errors"

var (
	ErrInsufficientMargin = errors.New("perp: insufficient margin")
	ErrUnknownMarket      = errors.New("perp: unknown market")
	ErrUnknownPosition    = errors.New("perp: unknown position")
	ErrPositionClosed     = errors.New("perp: position is in a terminal state")
	ErrInvalidSize        = errors.New("perp: size must be positive")
	ErrInvalidLeverage    = errors.New("perp: leverage outside [1,max]")
	ErrCloseSizeExceeds   = errors.New("perp: close size exceeds position size")
	ErrAccountNotFound    = errors.New("perp: account not found")
	ErrInsufficientFunds  = errors.New("perp: insufficient available collateral")
)
