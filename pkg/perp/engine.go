// Package perp implements the perpetual engine (C4): leveraged positions,
// margin, mark/index prices, funding, liquidation, and the insurance fund.
// It exposes an imperative API called by the integration layer (C5) and
// never matches orders itself — fills come from the caller as a single
// settlement price, mirroring the teacher's AccountManager but generalized
// from int64-cents bookkeeping to Wei and from one-position-per-symbol to
// §4.4's (owner, market, side) aggregation.
package perp

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
	"github.com/omnidex-labs/matchcore/pkg/market"
	"github.com/omnidex-labs/matchcore/pkg/util"
)

// Engine owns all perpetual positions and the insurance fund, sharded one
// writer lock per market (§5) plus an independent owner-collateral ledger,
// always acquired owner-then-market to avoid deadlock.
type Engine struct {
	registry *market.Registry
	ledger   *ledger
	clock    util.Clock

	shardsMu sync.RWMutex
	shards   map[string]*shard

	insuranceMu   sync.Mutex
	insuranceFund fixedpoint.Wei

	liquidationFeeBps int64
}

// NewEngine constructs an engine bound to a market registry.
func NewEngine(registry *market.Registry, clock util.Clock, liquidationFeeBps int64) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Engine{
		registry:          registry,
		ledger:            newLedger(),
		clock:             clock,
		shards:            make(map[string]*shard),
		liquidationFeeBps: liquidationFeeBps,
	}
}

func (e *Engine) shardFor(marketID string) *shard {
	e.shardsMu.RLock()
	s, ok := e.shards[marketID]
	e.shardsMu.RUnlock()
	if ok {
		return s
	}
	e.shardsMu.Lock()
	defer e.shardsMu.Unlock()
	s, ok = e.shards[marketID]
	if ok {
		return s
	}
	s = newShard()
	e.shards[marketID] = s
	return s
}

// Deposit credits an owner's free collateral.
func (e *Engine) Deposit(owner common.Address, amount fixedpoint.Wei) error {
	return e.ledger.Deposit(owner, amount)
}

// Withdraw debits an owner's free collateral.
func (e *Engine) Withdraw(owner common.Address, amount fixedpoint.Wei) error {
	return e.ledger.Withdraw(owner, amount)
}

// AvailableCollateral returns an owner's unlocked balance.
func (e *Engine) AvailableCollateral(owner common.Address) fixedpoint.Wei {
	return e.ledger.availableBalance(owner)
}

// InsuranceFund returns a snapshot of the insurance fund balance.
func (e *Engine) InsuranceFund() fixedpoint.Wei {
	e.insuranceMu.Lock()
	defer e.insuranceMu.Unlock()
	return e.insuranceFund
}

func requiredMargin(size, price fixedpoint.Wei, leverage int64) (fixedpoint.Wei, error) {
	notional, err := fixedpoint.MulWei(size, price)
	if err != nil {
		return fixedpoint.Zero(), err
	}
	// DivWei by a raw FromInt64(leverage) scales up by 1e18; MulWei by a raw
	// FromInt64(1) scales back down, leaving notional/leverage.
	scaled, err := fixedpoint.DivWei(notional, fixedpoint.FromInt64(leverage))
	if err != nil {
		return fixedpoint.Zero(), err
	}
	return fixedpoint.MulWei(scaled, fixedpoint.FromInt64(1))
}

func liquidationPrice(entry fixedpoint.Wei, side Side, leverage, maintenanceBps int64) (fixedpoint.Wei, error) {
	// LONG: entry*(1 - 1/leverage + maintenance_bps/1e4)
	// SHORT: entry*(1 + 1/leverage - maintenance_bps/1e4)
	one := fixedpoint.MustFromDecimalString("1")
	invLeverage, err := fixedpoint.DivWei(fixedpoint.FromInt64(1), fixedpoint.FromInt64(leverage))
	if err != nil {
		return fixedpoint.Zero(), err
	}
	maintFrac, err := fixedpoint.DivWei(fixedpoint.FromInt64(maintenanceBps), fixedpoint.FromInt64(10000))
	if err != nil {
		return fixedpoint.Zero(), err
	}
	var factor fixedpoint.Wei
	if side == Long {
		factor, err = fixedpoint.Sub(one, invLeverage)
		if err != nil {
			return fixedpoint.Zero(), err
		}
		factor, err = fixedpoint.Add(factor, maintFrac)
	} else {
		factor, err = fixedpoint.Add(one, invLeverage)
		if err != nil {
			return fixedpoint.Zero(), err
		}
		factor, err = fixedpoint.Sub(factor, maintFrac)
	}
	if err != nil {
		return fixedpoint.Zero(), err
	}
	return fixedpoint.MulWei(entry, factor)
}

// OpenPosition opens or aggregates a position for (owner, market, side) and
// returns a snapshot of it, like Position and PositionsByOwner.
func (e *Engine) OpenPosition(owner common.Address, marketID string, side Side, size, fillPrice fixedpoint.Wei, leverage int64) (*Position, error) {
	mkt, err := e.registry.Get(marketID)
	if err != nil {
		return nil, ErrUnknownMarket
	}
	if size.Sign() <= 0 {
		return nil, ErrInvalidSize
	}
	if leverage < 1 || leverage > mkt.MaxLeverage {
		return nil, ErrInvalidLeverage
	}

	margin, err := requiredMargin(size, fillPrice, leverage)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.lockCollateral(owner, margin); err != nil {
		return nil, err
	}

	s := e.shardFor(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerSideKey{owner: owner, side: side}
	now := e.clock.Now().UnixMilli()

	if existing, ok := s.byOwnerSide[key]; ok && existing.Status == Open {
		totalSize, err := fixedpoint.Add(existing.Size, size)
		if err != nil {
			e.ledger.unlockCollateral(owner, margin)
			return nil, err
		}
		existingNotional, err := fixedpoint.MulWei(existing.Size, existing.EntryPrice)
		if err != nil {
			e.ledger.unlockCollateral(owner, margin)
			return nil, err
		}
		addedNotional, err := fixedpoint.MulWei(size, fillPrice)
		if err != nil {
			e.ledger.unlockCollateral(owner, margin)
			return nil, err
		}
		totalNotional, err := fixedpoint.Add(existingNotional, addedNotional)
		if err != nil {
			e.ledger.unlockCollateral(owner, margin)
			return nil, err
		}
		newEntry, err := fixedpoint.DivWei(totalNotional, totalSize)
		if err != nil {
			e.ledger.unlockCollateral(owner, margin)
			return nil, err
		}
		newMargin, err := fixedpoint.Add(existing.Margin, margin)
		if err != nil {
			e.ledger.unlockCollateral(owner, margin)
			return nil, err
		}
		existing.Size = totalSize
		existing.EntryPrice = newEntry
		existing.Margin = newMargin
		liqPrice, err := liquidationPrice(newEntry, side, leverage, mkt.MaintenanceMarginBps)
		if err == nil {
			existing.LiquidationPrice = liqPrice
		}
		existing.Leverage = leverage
		existing.UpdatedAtMs = now
		if err := mkt.AddOpenInterest(size); err != nil {
			return nil, err
		}
		cp := *existing
		return &cp, nil
	}

	liqPrice, err := liquidationPrice(fillPrice, side, leverage, mkt.MaintenanceMarginBps)
	if err != nil {
		e.ledger.unlockCollateral(owner, margin)
		return nil, err
	}

	pos := &Position{
		ID:               uuid.NewString(),
		Owner:            owner,
		MarketID:         marketID,
		Side:             side,
		Size:             size,
		EntryPrice:       fillPrice,
		Margin:           margin,
		Leverage:         leverage,
		LiquidationPrice: liqPrice,
		Status:           Open,
		CreatedAtMs:      now,
		UpdatedAtMs:      now,
	}
	s.positions[pos.ID] = pos
	s.byOwnerSide[key] = pos
	if err := mkt.AddOpenInterest(size); err != nil {
		return nil, err
	}
	cp := *pos
	return &cp, nil
}

// ClosePosition closes a position in full (size==nil) or partially.
func (e *Engine) ClosePosition(positionID string, marketID string, size *fixedpoint.Wei, fillPrice fixedpoint.Wei) (*Position, error) {
	s := e.shardFor(marketID)
	s.mu.Lock()
	pos, ok := s.positions[positionID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownPosition
	}
	if pos.Status.Terminal() {
		s.mu.Unlock()
		return nil, ErrPositionClosed
	}

	closeSize := pos.Size
	if size != nil {
		if size.Cmp(pos.Size) > 0 {
			s.mu.Unlock()
			return nil, ErrCloseSizeExceeds
		}
		closeSize = *size
	}

	var diff fixedpoint.Wei
	var err error
	if pos.Side == Long {
		diff, err = fixedpoint.Sub(fillPrice, pos.EntryPrice)
	} else {
		diff, err = fixedpoint.Sub(pos.EntryPrice, fillPrice)
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	realizedPnL, err := fixedpoint.MulWei(diff, closeSize)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	proportionalMargin, err := fixedpoint.MulWei(pos.Margin, closeSize)
	if err == nil {
		proportionalMargin, err = fixedpoint.DivWei(proportionalMargin, pos.Size)
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	newRealized, err := fixedpoint.Add(pos.RealizedPnL, realizedPnL)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	newSize, err := fixedpoint.Sub(pos.Size, closeSize)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	newMargin, err := fixedpoint.Sub(pos.Margin, proportionalMargin)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	pos.RealizedPnL = newRealized
	pos.Size = newSize
	pos.Margin = newMargin
	pos.UpdatedAtMs = e.clock.Now().UnixMilli()

	fullClose := pos.Size.IsZero()
	if fullClose {
		pos.Status = Closed
		key := ownerSideKey{owner: pos.Owner, side: pos.Side}
		delete(s.byOwnerSide, key)
	}
	owner := pos.Owner
	s.mu.Unlock()

	e.ledger.unlockCollateral(owner, proportionalMargin)
	e.ledger.creditRealized(owner, realizedPnL)

	if mkt, err := e.registry.Get(marketID); err == nil {
		_ = mkt.AddOpenInterest(closeSize.Neg())
	}

	return pos, nil
}

// UpdateLeverage changes a position's leverage, recomputing liquidation
// price; rejects the change if it would require more margin than is held.
func (e *Engine) UpdateLeverage(positionID, marketID string, newLeverage int64) (*Position, error) {
	mkt, err := e.registry.Get(marketID)
	if err != nil {
		return nil, ErrUnknownMarket
	}
	if newLeverage < 1 || newLeverage > mkt.MaxLeverage {
		return nil, ErrInvalidLeverage
	}

	s := e.shardFor(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[positionID]
	if !ok {
		return nil, ErrUnknownPosition
	}
	if pos.Status.Terminal() {
		return nil, ErrPositionClosed
	}

	required, err := requiredMargin(pos.Size, pos.EntryPrice, newLeverage)
	if err != nil {
		return nil, err
	}
	if pos.Margin.Cmp(required) < 0 {
		return nil, ErrInsufficientMargin
	}

	liqPrice, err := liquidationPrice(pos.EntryPrice, pos.Side, newLeverage, mkt.MaintenanceMarginBps)
	if err != nil {
		return nil, err
	}
	pos.Leverage = newLeverage
	pos.LiquidationPrice = liqPrice
	pos.UpdatedAtMs = e.clock.Now().UnixMilli()
	return pos, nil
}

// UpdateMarkPrice sets a market's mark price. Only the scheduler (C8) calls
// this; it is the sole writer of mark/index per §4.8.
func (e *Engine) UpdateMarkPrice(marketID string, price fixedpoint.Wei) error {
	mkt, err := e.registry.Get(marketID)
	if err != nil {
		return ErrUnknownMarket
	}
	mkt.SetMarkPrice(price)
	return nil
}

// UpdateIndexPrice sets a market's index price, feeding the next funding
// computation.
func (e *Engine) UpdateIndexPrice(marketID string, price fixedpoint.Wei) error {
	mkt, err := e.registry.Get(marketID)
	if err != nil {
		return ErrUnknownMarket
	}
	mkt.SetIndexPrice(price)
	return nil
}

// FundingEvent is the result of one apply_funding pass.
type FundingEvent struct {
	MarketID  string
	Rate      fixedpoint.Wei
	Payments  map[string]fixedpoint.Wei // position id -> signed payment (pays if negative to payer's margin)
	Timestamp int64
}

// ApplyFunding computes the funding rate from mark/index and applies it to
// every OPEN position in market as a single atomic pass (§4.4): LONG pays,
// SHORT receives.
func (e *Engine) ApplyFunding(marketID string, rateCap fixedpoint.Wei) (*FundingEvent, error) {
	mkt, err := e.registry.Get(marketID)
	if err != nil {
		return nil, ErrUnknownMarket
	}
	mark := mkt.MarkPrice()
	index := mkt.IndexPrice()
	if index.IsZero() {
		return &FundingEvent{MarketID: marketID, Rate: fixedpoint.Zero(), Payments: map[string]fixedpoint.Wei{}, Timestamp: e.clock.Now().UnixMilli()}, nil
	}

	diff, err := fixedpoint.Sub(mark, index)
	if err != nil {
		return nil, err
	}
	rate, err := fixedpoint.DivWei(diff, index)
	if err != nil {
		return nil, err
	}
	if rate.Cmp(rateCap) > 0 {
		rate = rateCap
	} else if rate.Cmp(rateCap.Neg()) < 0 {
		rate = rateCap.Neg()
	}

	s := e.shardFor(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := e.clock.Now().UnixMilli()
	payments := make(map[string]fixedpoint.Wei, len(s.positions))
	for _, pos := range s.positions {
		if pos.Status != Open {
			continue
		}
		notional, err := fixedpoint.MulWei(pos.Size, mark)
		if err != nil {
			return nil, err
		}
		payment, err := fixedpoint.MulWei(rate, notional)
		if err != nil {
			return nil, err
		}
		// LONG pays when rate is positive (mark above index): subtract.
		// SHORT receives the mirror amount.
		signed := payment
		if pos.Side == Long {
			signed = payment.Neg()
		}
		newMargin, err := fixedpoint.Add(pos.Margin, signed)
		if err != nil {
			return nil, err
		}
		newFundingPayment, err := fixedpoint.Add(pos.FundingPayment, signed)
		if err != nil {
			return nil, err
		}
		pos.Margin = newMargin
		pos.FundingPayment = newFundingPayment
		pos.LastFundingTimeMs = now
		payments[pos.ID] = signed
	}

	return &FundingEvent{MarketID: marketID, Rate: rate, Payments: payments, Timestamp: now}, nil
}

// LiquidationResult describes one executed liquidation.
type LiquidationResult struct {
	PositionID string
	Owner      common.Address
	MarketID   string
	Fee        fixedpoint.Wei
}

// CheckLiquidations sweeps every OPEN position in market and liquidates
// those below maintenance margin, crediting/debiting the insurance fund.
// The sweep is atomic per position but runs under the market's single
// shard lock, so the whole sweep is serialized against opens/closes.
func (e *Engine) CheckLiquidations(marketID string) ([]LiquidationResult, error) {
	mkt, err := e.registry.Get(marketID)
	if err != nil {
		return nil, ErrUnknownMarket
	}
	mark := mkt.MarkPrice()

	s := e.shardFor(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []LiquidationResult
	now := e.clock.Now().UnixMilli()

	for _, pos := range s.positions {
		if pos.Status != Open {
			continue
		}
		notional, err := fixedpoint.MulWei(pos.Size, mark)
		if err != nil {
			return results, err
		}
		maintReq, err := fixedpoint.MulWei(notional, fixedpoint.FromInt64(mkt.MaintenanceMarginBps))
		if err != nil {
			return results, err
		}
		maintReq, err = fixedpoint.DivWei(maintReq, fixedpoint.FromInt64(10000))
		if err != nil {
			return results, err
		}
		unrealized := pos.UnrealizedPnL(mark)
		equity, err := fixedpoint.Add(pos.Margin, unrealized)
		if err != nil {
			return results, err
		}
		if equity.Cmp(maintReq) > 0 {
			continue
		}

		fee, err := fixedpoint.MulWei(notional, fixedpoint.FromInt64(e.liquidationFeeBps))
		if err != nil {
			return results, err
		}
		fee, err = fixedpoint.DivWei(fee, fixedpoint.FromInt64(10000))
		if err != nil {
			return results, err
		}
		residual, err := fixedpoint.Sub(equity, fee)
		if err != nil {
			return results, err
		}

		newFund, err := fixedpoint.Add(e.insuranceFund, residual)
		if err != nil {
			return results, err
		}
		e.insuranceMu.Lock()
		e.insuranceFund = newFund
		e.insuranceMu.Unlock()

		pos.Status = Liquidated
		pos.UpdatedAtMs = now
		delete(s.byOwnerSide, ownerSideKey{owner: pos.Owner, side: pos.Side})
		e.ledger.forfeitCollateral(pos.Owner, pos.Margin)

		_ = mkt.AddOpenInterest(pos.Size.Neg())

		results = append(results, LiquidationResult{
			PositionID: pos.ID,
			Owner:      pos.Owner,
			MarketID:   marketID,
			Fee:        fee,
		})
	}
	return results, nil
}

// Position looks up a position snapshot by id.
func (e *Engine) Position(marketID, positionID string) (*Position, error) {
	s := e.shardFor(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[positionID]
	if !ok {
		return nil, ErrUnknownPosition
	}
	cp := *pos
	return &cp, nil
}

// PositionsByOwner returns a snapshot of every position held by owner in market.
func (e *Engine) PositionsByOwner(marketID string, owner common.Address) []*Position {
	s := e.shardFor(marketID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Position
	for _, pos := range s.positions {
		if pos.Owner == owner {
			cp := *pos
			out = append(out, &cp)
		}
	}
	return out
}

