// Package integration implements the layer (C5) that turns external
// perpetual-order submissions into perp.Engine calls, maintaining the
// order↔position and owner↔positions indices the ingress needs to resolve
// cancels and portfolio queries. It is grounded on the teacher's
// perp.App.applyTx/processFill glue, generalized from parsing owner
// addresses out of order-ID strings into an explicit mapping type.
package integration

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
	"github.com/omnidex-labs/matchcore/pkg/market"
	"github.com/omnidex-labs/matchcore/pkg/perp"
	"github.com/omnidex-labs/matchcore/pkg/util"
)

// PerpOrder is one external perpetual-order submission. A perp open is
// modeled as a single fill at the chosen price — partial fills within one
// submission are not modeled (spec.md §4.5).
type PerpOrder struct {
	Owner      common.Address
	MarketID   string
	Side       perp.Side
	Size       fixedpoint.Wei
	Price      fixedpoint.Wei
	Leverage   int64
	ReduceOnly bool
}

// Trade is the integration-level settlement record emitted for one
// successful open, handed to downstream event publication and persistence.
type Trade struct {
	TradeID    string
	Owner      common.Address
	MarketID   string
	PositionID string
	Side       perp.Side
	Size       fixedpoint.Wei
	Price      fixedpoint.Wei
	TimestampMs int64
}

// Layer owns the order/position index maps and wraps perp.Engine behind
// process_perpetual_order's validation contract.
type Layer struct {
	registry *market.Registry
	engine   *perp.Engine
	clock    util.Clock

	mu              sync.RWMutex
	orderToPosition map[string]string
	ownerPositions  map[common.Address]map[string]struct{}
}

// New constructs an integration layer bound to a market registry and perp engine.
func New(registry *market.Registry, engine *perp.Engine, clock util.Clock) *Layer {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Layer{
		registry:        registry,
		engine:          engine,
		clock:           clock,
		orderToPosition: make(map[string]string),
		ownerPositions:  make(map[common.Address]map[string]struct{}),
	}
}

// ProcessPerpetualOrder implements spec.md §4.5's contract: reject unknown
// or halted markets, reject reduce_only with no opposing position,
// otherwise open the position, record the index mapping, and return a Trade.
func (l *Layer) ProcessPerpetualOrder(orderID string, o PerpOrder) (*Trade, error) {
	mkt, err := l.registry.Get(o.MarketID)
	if err != nil {
		return nil, ErrUnknownMarket
	}
	if mkt.Status() != market.Trading {
		return nil, ErrMarketHalted
	}

	if o.ReduceOnly {
		opposing := l.engine.PositionsByOwner(o.MarketID, o.Owner)
		hasOpposing := false
		for _, p := range opposing {
			if p.Side == o.Side.Opposite() && p.Status == perp.Open {
				hasOpposing = true
				break
			}
		}
		if !hasOpposing {
			return nil, ErrReduceOnlyNoPosition
		}
	}

	pos, err := l.engine.OpenPosition(o.Owner, o.MarketID, o.Side, o.Size, o.Price, o.Leverage)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.orderToPosition[orderID] = pos.ID
	set, ok := l.ownerPositions[o.Owner]
	if !ok {
		set = make(map[string]struct{})
		l.ownerPositions[o.Owner] = set
	}
	set[pos.ID] = struct{}{}
	l.mu.Unlock()

	return &Trade{
		TradeID:     uuid.NewString(),
		Owner:       o.Owner,
		MarketID:    o.MarketID,
		PositionID:  pos.ID,
		Side:        o.Side,
		Size:        o.Size,
		Price:       o.Price,
		TimestampMs: l.clock.Now().UnixMilli(),
	}, nil
}

// PositionForOrder resolves the position opened by a given order id, for
// cancel/query paths that only know the order id.
func (l *Layer) PositionForOrder(orderID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.orderToPosition[orderID]
	return id, ok
}

// PositionsForOwner returns the set of position ids ever opened by owner
// through this layer (a portfolio view), including closed/liquidated ones.
func (l *Layer) PositionsForOwner(owner common.Address) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set, ok := l.ownerPositions[owner]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
