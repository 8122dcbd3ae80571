// Package market defines tradable pairs/markets (C2): their parameters,
// validation rules, and the registry that owns them. A writer lock per
// registry entry serializes parameter/status changes; order validation reads
// the immutable parameters directly and takes only the market's read lock
// for the status, matching the registry style of the teacher's
// MarketRegistry (one RWMutex guarding a symbol->market map).
package market

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
)

// Kind distinguishes spot pairs from perpetual markets.
type Kind int8

const (
	Spot Kind = iota
	Perpetual
)

func (k Kind) String() string {
	if k == Perpetual {
		return "perpetual"
	}
	return "spot"
}

// Status is the trading status of a market.
type Status int8

const (
	Trading Status = iota
	Halt
	Maintenance
)

func (s Status) String() string {
	switch s {
	case Trading:
		return "trading"
	case Halt:
		return "halt"
	case Maintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// Errors returned by market validation, matching spec §7's Input error kinds.
var (
	ErrDuplicatePair      = errors.New("market: duplicate pair")
	ErrUnknownPair        = errors.New("market: unknown pair")
	ErrInvalidParams      = errors.New("market: invalid params")
	ErrHalted             = errors.New("market: halted")
	ErrTickSize           = errors.New("market: price violates tick size")
	ErrSizeIncrement      = errors.New("market: size violates size increment")
	ErrSizeOutOfRange     = errors.New("market: size outside [min,max]")
	ErrLeverageRange      = errors.New("market: leverage outside [1,max]")
)

// Params is the immutable configuration of a market, fixed at registration.
type Params struct {
	ID         string
	Base       string
	Quote      string
	Kind       Kind

	TickSize      fixedpoint.Wei
	SizeIncrement fixedpoint.Wei
	MinSize       fixedpoint.Wei
	MaxSize       fixedpoint.Wei

	MakerFeeBps int64
	TakerFeeBps int64

	// Perpetual-only fields; zero-valued for Spot.
	MaxLeverage          int64
	InitialMarginBps     int64
	MaintenanceMarginBps int64
	FundingInterval       time.Duration
	FundingRateCap        fixedpoint.Wei
}

// Validate checks the §3 invariants for a market's static parameters.
func (p Params) Validate() error {
	if p.ID == "" || p.Base == "" || p.Quote == "" {
		return fmt.Errorf("%w: id/base/quote required", ErrInvalidParams)
	}
	if p.TickSize.Sign() <= 0 || p.SizeIncrement.Sign() <= 0 {
		return fmt.Errorf("%w: tick size and size increment must be positive", ErrInvalidParams)
	}
	if p.MinSize.Sign() < 0 || p.MaxSize.Cmp(p.MinSize) < 0 {
		return fmt.Errorf("%w: min/max size inconsistent", ErrInvalidParams)
	}
	if p.Kind == Perpetual {
		if p.MaintenanceMarginBps <= 0 || p.InitialMarginBps <= 0 {
			return fmt.Errorf("%w: margin rates must be positive", ErrInvalidParams)
		}
		if p.MaintenanceMarginBps >= p.InitialMarginBps {
			return fmt.Errorf("%w: maintenance_margin_rate must be < initial_margin_rate", ErrInvalidParams)
		}
		maxAllowedLeverage := int64(10000) / p.InitialMarginBps
		if p.MaxLeverage <= 0 || p.MaxLeverage > maxAllowedLeverage {
			return fmt.Errorf("%w: max_leverage (%d) exceeds floor(1e4/initial_margin_bps) (%d)", ErrInvalidParams, p.MaxLeverage, maxAllowedLeverage)
		}
		if p.FundingInterval <= 0 {
			return fmt.Errorf("%w: funding interval must be positive", ErrInvalidParams)
		}
		if p.FundingRateCap.Sign() <= 0 {
			return fmt.Errorf("%w: funding rate cap must be positive", ErrInvalidParams)
		}
	}
	return nil
}

// Market is a registered, live trading pair or perpetual market. Parameters
// are immutable after registration; Status, MarkPrice, IndexPrice, and
// OpenInterest are mutated under mu — Status by the registry (UpdateStatus),
// the price/open-interest fields by the perpetual engine (package perp),
// which embeds *Market and never touches Params.
type Market struct {
	Params

	mu           sync.RWMutex
	status       Status
	markPrice    fixedpoint.Wei
	indexPrice   fixedpoint.Wei
	openInterest fixedpoint.Wei
}

// New constructs a Market, validating it against §3's invariants.
func New(p Params) (*Market, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Market{Params: p, status: Trading}, nil
}

// Status returns the current trading status.
func (m *Market) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatus transitions the market's status; in-flight matches are expected
// to complete under the orderbook's own lock — halting only blocks new
// order acceptance (enforced by ValidateOrder).
func (m *Market) SetStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// MarkPrice, IndexPrice, OpenInterest are read-only snapshots; perp.Engine
// is the sole writer (via SetMarkPrice/SetIndexPrice/AddOpenInterest), and
// these reads take only Market's own RWMutex.
func (m *Market) MarkPrice() fixedpoint.Wei {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.markPrice
}

func (m *Market) IndexPrice() fixedpoint.Wei {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexPrice
}

func (m *Market) OpenInterest() fixedpoint.Wei {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openInterest
}

// SetMarkPrice, SetIndexPrice, and AddOpenInterest are called exclusively by
// the perpetual engine (package perp); each takes Market's mutex for the
// duration of its own write.
func (m *Market) SetMarkPrice(p fixedpoint.Wei) {
	m.mu.Lock()
	m.markPrice = p
	m.mu.Unlock()
}

func (m *Market) SetIndexPrice(p fixedpoint.Wei) {
	m.mu.Lock()
	m.indexPrice = p
	m.mu.Unlock()
}

func (m *Market) AddOpenInterest(delta fixedpoint.Wei) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, err := fixedpoint.Add(m.openInterest, delta)
	if err != nil {
		return err
	}
	m.openInterest = sum
	return nil
}

// ValidateOrder enforces tick/size increments, min/max size, halted-market
// rejection, and (for perpetuals) leverage bounds.
func (m *Market) ValidateOrder(price fixedpoint.Wei, hasPrice bool, size fixedpoint.Wei, leverage int64) error {
	if m.Status() != Trading {
		return ErrHalted
	}
	if size.Sign() <= 0 {
		return fmt.Errorf("%w: size must be positive", ErrInvalidParams)
	}
	if size.Cmp(m.MinSize) < 0 || size.Cmp(m.MaxSize) > 0 {
		return ErrSizeOutOfRange
	}
	if !isMultiple(size, m.SizeIncrement) {
		return ErrSizeIncrement
	}
	if hasPrice {
		if !isMultiple(price, m.TickSize) {
			return ErrTickSize
		}
	}
	if m.Kind == Perpetual {
		if leverage < 1 || leverage > m.MaxLeverage {
			return ErrLeverageRange
		}
	}
	return nil
}

// isMultiple reports whether v is an integer multiple of step (both
// wei-scaled), i.e. v % step == 0, computed without floating point.
func isMultiple(v, step fixedpoint.Wei) bool {
	if step.Sign() <= 0 {
		return false
	}
	q, err := fixedpoint.DivWei(v, step)
	if err != nil {
		return false
	}
	// q is v/step at 18-decimal precision; it must be a whole number.
	// MulWei by a raw FromInt64(1) drops q's fractional digits and DivWei by
	// the same value scales the integer part back up.
	whole, err := fixedpoint.MulWei(q, fixedpoint.FromInt64(1))
	if err == nil {
		whole, err = fixedpoint.DivWei(whole, fixedpoint.FromInt64(1))
	}
	if err != nil || whole.Cmp(q) != 0 {
		return false
	}
	back, err := fixedpoint.MulWei(q, step)
	if err != nil {
		return false
	}
	return back.Cmp(v) == 0
}
