// Package scheduler implements the sole serialization point (C8) for
// mark/index price ingestion: submit_mark_update and submit_index_update,
// conditional-order evaluation, the liquidation sweep, and the
// funding-interval timer with missed-interval catch-up. Grounded on the
// teacher's consensus.Pacemaker, which drives its view-change timeout off
// an injected util.Clock the same way this drives funding off one.
package scheduler

import (
	"sync"
	"time"

	"github.com/omnidex-labs/matchcore/pkg/eventbus"
	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
	"github.com/omnidex-labs/matchcore/pkg/market"
	"github.com/omnidex-labs/matchcore/pkg/orderbook"
	"github.com/omnidex-labs/matchcore/pkg/perp"
	"github.com/omnidex-labs/matchcore/pkg/util"
)

// MarkUpdateResult bundles everything one submit_mark_update pass produced.
type MarkUpdateResult struct {
	ConditionalFills []orderbook.Fill
	Liquidations     []perp.LiquidationResult
}

// lastMark records the most recently applied mark for a market, so
// SubmitMarkUpdate can debounce a duplicate price arriving within the
// quiescent window.
type lastMark struct {
	price fixedpoint.Wei
	atMs  int64
}

// Scheduler owns the books it evaluates conditional orders against and the
// perp engine it feeds mark/index/funding updates into. It never mutates
// C3/C4 state itself — every call here is a thin, ordered dispatch onto
// their own per-pair/per-market locks.
type Scheduler struct {
	registry        *market.Registry
	engine          *perp.Engine
	bus             *eventbus.Bus
	clock           util.Clock
	markQuiescentMs int64

	booksMu sync.RWMutex
	books   map[string]*orderbook.Book

	marksMu sync.Mutex
	marks   map[string]lastMark
}

// New constructs a Scheduler bound to a market registry, perp engine, and
// event bus. bus may be nil if no event publication is wanted.
// markQuiescent debounces a duplicate mark price arriving for the same
// market within that window of the last applied one (spec.md's
// scheduler.mark_quiescent_ms); zero disables debouncing.
func New(registry *market.Registry, engine *perp.Engine, bus *eventbus.Bus, clock util.Clock, markQuiescent time.Duration) *Scheduler {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Scheduler{
		registry:        registry,
		engine:          engine,
		bus:             bus,
		clock:           clock,
		markQuiescentMs: markQuiescent.Milliseconds(),
		books:           make(map[string]*orderbook.Book),
		marks:           make(map[string]lastMark),
	}
}

// debounceMark reports whether price is a duplicate of the last mark applied
// to marketID within the quiescent window, and if not, records it as the new
// last-applied mark.
func (s *Scheduler) debounceMark(marketID string, price fixedpoint.Wei, nowMs int64) bool {
	s.marksMu.Lock()
	defer s.marksMu.Unlock()
	if last, ok := s.marks[marketID]; ok && s.markQuiescentMs > 0 {
		if price.Cmp(last.price) == 0 && nowMs-last.atMs < s.markQuiescentMs {
			return true
		}
	}
	s.marks[marketID] = lastMark{price: price, atMs: nowMs}
	return false
}

// RegisterBook associates a pair's order book with the scheduler, so mark
// updates for a perpetual market of that pair can evaluate its conditional
// orders.
func (s *Scheduler) RegisterBook(pair string, book *orderbook.Book) {
	s.booksMu.Lock()
	s.books[pair] = book
	s.booksMu.Unlock()
}

func (s *Scheduler) bookFor(pair string) *orderbook.Book {
	s.booksMu.RLock()
	defer s.booksMu.RUnlock()
	return s.books[pair]
}

func (s *Scheduler) publish(e eventbus.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(e)
}

// SubmitMarkUpdate is the sole writer of a market's mark price: it updates
// C4's mark, evaluates C3's conditional orders for the pair against the
// new mark, and sweeps C4 for liquidations, in that order.
func (s *Scheduler) SubmitMarkUpdate(marketID string, price fixedpoint.Wei) (*MarkUpdateResult, error) {
	if s.debounceMark(marketID, price, s.clock.Now().UnixMilli()) {
		return &MarkUpdateResult{}, nil
	}

	if err := s.engine.UpdateMarkPrice(marketID, price); err != nil {
		return nil, err
	}

	result := &MarkUpdateResult{}

	if book := s.bookFor(marketID); book != nil {
		fills, err := book.EvaluateConditional(price)
		if err != nil {
			return nil, err
		}
		result.ConditionalFills = fills
		for _, f := range fills {
			s.publish(eventbus.Event{Type: eventbus.OrderFilled, Key: marketID, Payload: f, TimestampMs: s.clock.Now().UnixMilli()})
		}
	}

	liquidations, err := s.engine.CheckLiquidations(marketID)
	if err != nil {
		return nil, err
	}
	result.Liquidations = liquidations
	for _, l := range liquidations {
		s.publish(eventbus.Event{Type: eventbus.PositionLiquidated, Key: marketID, Payload: l, TimestampMs: s.clock.Now().UnixMilli()})
	}

	return result, nil
}

// SubmitIndexUpdate updates C4's index price, feeding the next funding pass.
func (s *Scheduler) SubmitIndexUpdate(marketID string, price fixedpoint.Wei) error {
	return s.engine.UpdateIndexPrice(marketID, price)
}

// RunFundingLoop ticks every interval and applies funding for marketID,
// catching up any intervals missed while the loop was not scheduled (e.g.
// the process was descheduled past one or more boundaries) by applying
// funding once per missed interval, each at the latest available mark —
// an approximation, since the true mark at each missed boundary is not
// retained (spec.md §9 open question 4). Blocks until stop is closed.
func (s *Scheduler) RunFundingLoop(marketID string, interval time.Duration, rateCap fixedpoint.Wei, stop <-chan struct{}) {
	next := s.clock.Now().Add(interval)
	for {
		wait := next.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-stop:
			return
		case <-s.clock.After(wait):
			now := s.clock.Now()
			for !next.After(now) {
				event, err := s.engine.ApplyFunding(marketID, rateCap)
				if err == nil {
					s.publish(eventbus.Event{Type: eventbus.FundingProcessed, Key: marketID, Payload: event, TimestampMs: event.Timestamp})
				}
				next = next.Add(interval)
			}
		}
	}
}
