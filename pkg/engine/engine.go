// Package engine is the top-level facade (§6 External Interfaces): submit
// order, cancel order, mark/index ingest, event subscription, and the
// persistence hookup — the one place that wires C2 through C8 together.
// C3 (orderbook) and C4 (perp) stay pure; this is where their return
// values turn into published events and persisted rows, grounded on the
// teacher's perp.App.applyTx/processFill, which plays the same role of
// gluing book fills to fee application and account settlement.
package engine

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omnidex-labs/matchcore/params"
	"github.com/omnidex-labs/matchcore/pkg/eventbus"
	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
	"github.com/omnidex-labs/matchcore/pkg/integration"
	"github.com/omnidex-labs/matchcore/pkg/market"
	"github.com/omnidex-labs/matchcore/pkg/orderbook"
	"github.com/omnidex-labs/matchcore/pkg/perp"
	"github.com/omnidex-labs/matchcore/pkg/scheduler"
	"github.com/omnidex-labs/matchcore/pkg/store"
	"github.com/omnidex-labs/matchcore/pkg/util"
)

// Engine owns every component and is the sole entry point ingress code (not
// part of this module, per the Non-goals) is expected to call into.
type Engine struct {
	cfg      params.Config
	registry *market.Registry
	perpEng  *perp.Engine
	integ    *integration.Layer
	sched    *scheduler.Scheduler
	bus      *eventbus.Bus
	queue    *store.Queue
	clock    util.Clock
	logger   *zap.Logger

	booksMu sync.RWMutex
	books   map[string]*orderbook.Book

	pendingMu sync.Mutex
	pending   map[string]PerpConditional
}

// New wires a fresh Engine. bus/queue may be nil (events/persistence
// disabled), matching the teacher's optional-sink style.
func New(cfg params.Config, registry *market.Registry, bus *eventbus.Bus, queue *store.Queue, clock util.Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	perpEng := perp.NewEngine(registry, clock, cfg.Fees.LiquidationBps)
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		perpEng:  perpEng,
		integ:    integration.New(registry, perpEng, clock),
		bus:      bus,
		queue:    queue,
		clock:    clock,
		logger:   logger,
		books:    make(map[string]*orderbook.Book),
		pending:  make(map[string]PerpConditional),
	}
	e.sched = scheduler.New(registry, perpEng, bus, clock, cfg.Scheduler.MarkQuiescent())
	return e
}

// RegisterMarket registers a new market and, for Spot and Perpetual alike,
// creates its order book (perpetual MARKET and LIMIT opens go straight
// through C5/C4, never through book matching; every other perpetual order
// kind is placed on the book).
func (e *Engine) RegisterMarket(p market.Params) (*market.Market, error) {
	mkt, err := e.registry.Register(p)
	if err != nil {
		return nil, err
	}
	book := orderbook.New(p.ID, mkt, e.cfg.Risk.SelfTradePrevent)
	e.booksMu.Lock()
	e.books[p.ID] = book
	e.booksMu.Unlock()
	e.sched.RegisterBook(p.ID, book)
	return mkt, nil
}

func (e *Engine) bookFor(marketID string) *orderbook.Book {
	e.booksMu.RLock()
	defer e.booksMu.RUnlock()
	return e.books[marketID]
}

// PerpConditional is the leverage/reduce-only context a perpetual stop
// order needs when it triggers — context a plain orderbook.Order/Fill
// cannot carry, so the engine tracks it out of band keyed by order id.
type PerpConditional struct {
	Owner      common.Address
	Side       perp.Side
	Leverage   int64
	ReduceOnly bool
}

// OrderRequest is §6's submit-order record.
type OrderRequest struct {
	OrderID    string // generated if empty
	Owner      common.Address
	MarketID   string
	Kind       orderbook.Kind
	Side       orderbook.Side
	Quantity   fixedpoint.Wei
	Price      fixedpoint.Wei
	HasPrice   bool
	StopPrice  fixedpoint.Wei
	HasStopPrice bool
	TrailingOffset fixedpoint.Wei
	TIF        orderbook.TIF
	PostOnly   bool
	ReduceOnly bool
	Leverage   int64 // default 1
}

// TradeSummary is one fill entry in an OrderResult.
type TradeSummary struct {
	TradeID  string
	Price    fixedpoint.Wei
	Quantity fixedpoint.Wei
	Fee      fixedpoint.Wei
	IsMaker  bool
}

// OrderResult is the accepted-outcome shape of §6's submit-order contract.
type OrderResult struct {
	OrderID      string
	Status       string
	Filled       fixedpoint.Wei
	Remaining    fixedpoint.Wei
	AveragePrice fixedpoint.Wei
	HasAverage   bool
	Fees         fixedpoint.Wei
	Trades       []TradeSummary
}

// SubmitOrder dispatches to C3 (spot matching) or C5→C4 (perpetual opens),
// then publishes events and persists rows for whatever happened. A
// non-nil error is always classifiable via Classify and is never a panic
// or a sentinel for control flow.
func (e *Engine) SubmitOrder(req OrderRequest) (*OrderResult, error) {
	mkt, err := e.registry.Get(req.MarketID)
	if err != nil {
		return nil, err
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}
	if req.Leverage == 0 {
		req.Leverage = 1
	}
	if (req.Kind == orderbook.Limit || req.Kind == orderbook.StopLimit) && !req.HasPrice {
		return nil, ErrMissingPriceForLimit
	}

	if mkt.Kind == market.Perpetual && isImmediateOpenKind(req.Kind) {
		return e.submitPerpOpen(mkt, req)
	}
	return e.submitBookOrder(mkt, req)
}

// isImmediateOpenKind reports whether a perpetual order kind bypasses the
// book and opens a position immediately. Conditional kinds instead rest in
// the market's book until triggered (see settleTriggeredPerp).
func isImmediateOpenKind(k orderbook.Kind) bool {
	switch k {
	case orderbook.Market, orderbook.Limit:
		return true
	default:
		return false
	}
}

func (e *Engine) submitPerpOpen(mkt *market.Market, req OrderRequest) (*OrderResult, error) {
	price := req.Price
	if req.Kind == orderbook.Market {
		price = mkt.MarkPrice()
	}
	side := perp.Long
	if req.Side == orderbook.Sell {
		side = perp.Short
	}

	trade, err := e.integ.ProcessPerpetualOrder(req.OrderID, integration.PerpOrder{
		Owner:      req.Owner,
		MarketID:   req.MarketID,
		Side:       side,
		Size:       req.Quantity,
		Price:      price,
		Leverage:   req.Leverage,
		ReduceOnly: req.ReduceOnly,
	})
	if err != nil {
		return nil, err
	}

	fee, err := fixedpoint.Fee(mustNotional(price, req.Quantity), e.perpTakerFeeBps())
	if err != nil {
		e.logger.Error("perp_fee_overflow", zap.Error(err))
		fee = fixedpoint.Zero()
	}

	e.publish(eventbus.Event{Type: eventbus.PositionOpened, Key: req.MarketID, Payload: trade, TimestampMs: trade.TimestampMs})
	e.persistPerpTrade(trade)
	if pos, err := e.perpEng.Position(req.MarketID, trade.PositionID); err == nil {
		e.persistPosition(pos)
	}

	return &OrderResult{
		OrderID:      req.OrderID,
		Status:       "FILLED",
		Filled:       req.Quantity,
		Remaining:    fixedpoint.Zero(),
		AveragePrice: price,
		HasAverage:   true,
		Fees:         fee,
		Trades: []TradeSummary{{
			TradeID:  trade.TradeID,
			Price:    price,
			Quantity: req.Quantity,
			Fee:      fee,
			IsMaker:  false,
		}},
	}, nil
}

func (e *Engine) submitBookOrder(mkt *market.Market, req OrderRequest) (*OrderResult, error) {
	book := e.bookFor(req.MarketID)
	if book == nil {
		return nil, market.ErrUnknownPair
	}

	o := &orderbook.Order{
		ID:             req.OrderID,
		Owner:          req.Owner,
		Pair:           req.MarketID,
		Side:           req.Side,
		Kind:           req.Kind,
		TIF:            req.TIF,
		Quantity:       req.Quantity,
		Price:          req.Price,
		HasPrice:       req.HasPrice,
		StopPrice:      req.StopPrice,
		HasStopPrice:   req.HasStopPrice,
		TrailingOffset: req.TrailingOffset,
		PostOnly:       req.PostOnly,
		ReduceOnly:     req.ReduceOnly,
		Leverage:       req.Leverage,
	}

	fills, err := book.Place(o)
	if err != nil {
		return nil, err
	}

	if mkt.Kind == market.Perpetual && isConditionalKind(req.Kind) {
		e.pendingMu.Lock()
		side := perp.Long
		if req.Side == orderbook.Sell {
			side = perp.Short
		}
		e.pending[o.ID] = PerpConditional{Owner: req.Owner, Side: side, Leverage: req.Leverage, ReduceOnly: req.ReduceOnly}
		e.pendingMu.Unlock()
	}

	e.persistOrder(o)
	result := &OrderResult{
		OrderID:      o.ID,
		Status:       statusString(o.Status),
		Filled:       o.Filled,
		Remaining:    o.Remaining,
		AveragePrice: o.AverageExec,
		HasAverage:   o.HasAverage,
		Fees:         o.Fees,
	}
	e.publish(eventbus.Event{Type: eventbus.OrderPlaced, Key: req.MarketID, Payload: o, TimestampMs: o.CreatedAtMs})

	for _, f := range fills {
		result.Trades = append(result.Trades, TradeSummary{TradeID: f.TradeID, Price: f.Price, Quantity: f.Quantity, Fee: f.TakerFee, IsMaker: false})
		e.persistFill(f)
		e.publish(eventbus.Event{Type: eventbus.TradeExecuted, Key: req.MarketID, Payload: f, TimestampMs: f.Timestamp.UnixMilli()})
	}
	if o.Status.Terminal() && len(fills) > 0 {
		e.publish(eventbus.Event{Type: eventbus.OrderFilled, Key: req.MarketID, Payload: o, TimestampMs: o.UpdatedAtMs})
	}

	return result, nil
}

func isConditionalKind(k orderbook.Kind) bool {
	switch k {
	case orderbook.StopLoss, orderbook.StopLimit, orderbook.TrailingStop:
		return true
	default:
		return false
	}
}

// CancelOrder implements §6's cancel-order contract.
func (e *Engine) CancelOrder(marketID, orderID string, owner common.Address) (bool, error) {
	book := e.bookFor(marketID)
	if book == nil {
		return false, market.ErrUnknownPair
	}
	if err := book.Cancel(orderID, owner); err != nil {
		return false, err
	}
	e.pendingMu.Lock()
	delete(e.pending, orderID)
	e.pendingMu.Unlock()
	e.publish(eventbus.Event{Type: eventbus.OrderCancelled, Key: marketID, Payload: orderID, TimestampMs: e.clock.Now().UnixMilli()})
	return true, nil
}

// SubmitMark implements §6's submit_mark: advances C4's mark, sweeps C3's
// conditional orders for the pair, settles any triggered perpetual
// conditional into a real position change via C5, and sweeps C4
// liquidations — publishing and persisting every side effect.
func (e *Engine) SubmitMark(marketID string, price fixedpoint.Wei) error {
	result, err := e.sched.SubmitMarkUpdate(marketID, price)
	if err != nil {
		return err
	}
	mkt, err := e.registry.Get(marketID)
	if err != nil {
		return err
	}
	for _, f := range result.ConditionalFills {
		if mkt.Kind == market.Perpetual {
			e.settleTriggeredPerp(marketID, f)
			continue
		}
		e.persistFill(f)
		e.publish(eventbus.Event{Type: eventbus.TradeExecuted, Key: marketID, Payload: f, TimestampMs: f.Timestamp.UnixMilli()})
	}
	for _, l := range result.Liquidations {
		e.persistLiquidation(l)
	}
	return nil
}

// settleTriggeredPerp turns a triggered perpetual conditional order's fill
// into a position change, using the leverage/reduce_only context recorded
// when the conditional order was accepted.
func (e *Engine) settleTriggeredPerp(marketID string, f orderbook.Fill) {
	e.pendingMu.Lock()
	ctx, ok := e.pending[f.TakerOrderID]
	if ok {
		delete(e.pending, f.TakerOrderID)
	}
	e.pendingMu.Unlock()
	if !ok {
		e.logger.Warn("triggered_perp_conditional_missing_context", zap.String("order_id", f.TakerOrderID))
		return
	}

	trade, err := e.integ.ProcessPerpetualOrder(f.TakerOrderID, integration.PerpOrder{
		Owner:      ctx.Owner,
		MarketID:   marketID,
		Side:       ctx.Side,
		Size:       f.Quantity,
		Price:      f.Price,
		Leverage:   ctx.Leverage,
		ReduceOnly: ctx.ReduceOnly,
	})
	if err != nil {
		e.logger.Error("triggered_perp_conditional_failed", zap.Error(err), zap.String("order_id", f.TakerOrderID))
		return
	}
	e.publish(eventbus.Event{Type: eventbus.PositionOpened, Key: marketID, Payload: trade, TimestampMs: trade.TimestampMs})
	e.persistPerpTrade(trade)
}

// SubmitIndex implements §6's submit_index.
func (e *Engine) SubmitIndex(marketID string, price fixedpoint.Wei) error {
	return e.sched.SubmitIndexUpdate(marketID, price)
}

// RunFundingLoop runs the funding timer for a market until stop closes.
func (e *Engine) RunFundingLoop(marketID string, interval time.Duration, rateCap fixedpoint.Wei, stop <-chan struct{}) {
	e.sched.RunFundingLoop(marketID, interval, rateCap, stop)
}

// Subscribe exposes the event stream (§6's "core → sink").
func (e *Engine) Subscribe(id string, bufferSize int) *eventbus.Subscriber {
	if e.bus == nil {
		return nil
	}
	return e.bus.Subscribe(id, bufferSize)
}

func (e *Engine) publish(ev eventbus.Event) {
	if e.bus == nil {
		return
	}
	if ev.TimestampMs == 0 {
		ev.TimestampMs = e.clock.Now().UnixMilli()
	}
	e.bus.Publish(ev)
}

func (e *Engine) persistOrder(o *orderbook.Order) {
	if e.queue == nil {
		return
	}
	rec, err := store.UpsertOrder(o)
	if err != nil {
		e.logger.Error("encode_order_failed", zap.Error(err), zap.String("order_id", o.ID))
		return
	}
	e.queue.Push(rec)
}

func (e *Engine) persistFill(f orderbook.Fill) {
	if e.queue == nil {
		return
	}
	rec, err := store.InsertSpotTrade(&f)
	if err != nil {
		e.logger.Error("encode_trade_failed", zap.Error(err), zap.String("trade_id", f.TradeID))
		return
	}
	e.queue.Push(rec)
}

func (e *Engine) persistPerpTrade(tr *integration.Trade) {
	if e.queue == nil {
		return
	}
	rec, err := store.InsertPerpTrade(tr)
	if err != nil {
		e.logger.Error("encode_perp_trade_failed", zap.Error(err), zap.String("trade_id", tr.TradeID))
		return
	}
	e.queue.Push(rec)
}

func (e *Engine) persistPosition(p *perp.Position) {
	if e.queue == nil {
		return
	}
	rec, err := store.UpsertPosition(p)
	if err != nil {
		e.logger.Error("encode_position_failed", zap.Error(err), zap.String("position_id", p.ID))
		return
	}
	e.queue.Push(rec)
}

// persistLiquidation writes the post-liquidation position snapshot to the
// store. The position:liquidated event itself is published once, by the
// scheduler that ran the sweep (scheduler.SubmitMarkUpdate) — not here.
func (e *Engine) persistLiquidation(l perp.LiquidationResult) {
	pos, err := e.perpEng.Position(l.MarketID, l.PositionID)
	if err != nil {
		return
	}
	e.persistPosition(pos)
}

func (e *Engine) perpTakerFeeBps() int64 {
	return e.cfg.Fees.PerpTakerBps
}

func mustNotional(price, qty fixedpoint.Wei) fixedpoint.Wei {
	notional, err := fixedpoint.MulWei(price, qty)
	if err != nil {
		return fixedpoint.Zero()
	}
	return notional
}

func statusString(s orderbook.Status) string {
	switch s {
	case orderbook.Pending:
		return "PENDING"
	case orderbook.Open:
		return "OPEN"
	case orderbook.PartiallyFilled:
		return "PARTIALLY_FILLED"
	case orderbook.Filled:
		return "FILLED"
	case orderbook.Cancelled:
		return "CANCELLED"
	case orderbook.Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Deposit, Withdraw, AvailableCollateral, Position, and PositionsByOwner
// expose C4's owner-facing account operations directly; they need no
// facade-level orchestration since they neither match nor emit trades.
func (e *Engine) Deposit(owner common.Address, amount fixedpoint.Wei) error {
	return e.perpEng.Deposit(owner, amount)
}

func (e *Engine) Withdraw(owner common.Address, amount fixedpoint.Wei) error {
	return e.perpEng.Withdraw(owner, amount)
}

func (e *Engine) AvailableCollateral(owner common.Address) fixedpoint.Wei {
	return e.perpEng.AvailableCollateral(owner)
}

func (e *Engine) Position(marketID, positionID string) (*perp.Position, error) {
	return e.perpEng.Position(marketID, positionID)
}

func (e *Engine) PositionsByOwner(marketID string, owner common.Address) []*perp.Position {
	return e.perpEng.PositionsByOwner(marketID, owner)
}

func (e *Engine) InsuranceFund() fixedpoint.Wei {
	return e.perpEng.InsuranceFund()
}
