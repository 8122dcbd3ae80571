package orderbook

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
	"github.com/omnidex-labs/matchcore/pkg/market"
)

// Book is a single pair's price-time-priority order book. All mutation
// methods take the exclusive lock (the pair writer lock of spec §4.3);
// read-only queries (BestBidAsk, Snapshot, LastPrice) take the shared lock.
type Book struct {
	mu sync.RWMutex

	pair   string
	market *market.Market

	bids      bidHeap
	asks      askHeap
	bidLevels map[fixedpoint.Wei][]*Order
	askLevels map[fixedpoint.Wei][]*Order

	orders map[string]*Order

	conditional []*Order // STOP_LOSS / STOP_LIMIT / TRAILING_STOP awaiting trigger
	linkGroups  map[string][]string

	lastPrice    fixedpoint.Wei
	hasLastPrice bool

	selfTradePrevent bool
	now              func() time.Time
}

// New constructs an empty book for a pair.
func New(pair string, mkt *market.Market, selfTradePrevent bool) *Book {
	b := &Book{
		pair:             pair,
		market:           mkt,
		bidLevels:        make(map[fixedpoint.Wei][]*Order),
		askLevels:        make(map[fixedpoint.Wei][]*Order),
		orders:           make(map[string]*Order),
		linkGroups:       make(map[string][]string),
		selfTradePrevent: selfTradePrevent,
		now:              time.Now,
	}
	heap.Init(&b.bids)
	heap.Init(&b.asks)
	return b
}

// BestBidAsk returns the current best bid and ask prices, if any.
func (b *Book) BestBidAsk() (bid fixedpoint.Wei, hasBid bool, ask fixedpoint.Wei, hasAsk bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bid, hasBid = b.bids.Peek()
	ask, hasAsk = b.asks.Peek()
	return
}

// LastPrice returns the most recent trade price.
func (b *Book) LastPrice() (fixedpoint.Wei, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPrice, b.hasLastPrice
}

// Snapshot returns aggregated bid/ask levels, best price first, capped to depth.
func (b *Book) Snapshot(depth int) (bids []Level, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for price, q := range b.bidLevels {
		bids = append(bids, Level{Price: price, Quantity: levelQty(q)})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.Cmp(bids[j].Price) > 0 })
	if depth > 0 && len(bids) > depth {
		bids = bids[:depth]
	}

	for price, q := range b.askLevels {
		asks = append(asks, Level{Price: price, Quantity: levelQty(q)})
	}
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.Cmp(asks[j].Price) < 0 })
	if depth > 0 && len(asks) > depth {
		asks = asks[:depth]
	}
	return
}

func levelQty(orders []*Order) fixedpoint.Wei {
	total := fixedpoint.Zero()
	for _, o := range orders {
		qty := o.Remaining
		if o.Kind == Iceberg && o.VisibleQty.Sign() > 0 {
			qty = o.DisplayedQty
		}
		total, _ = fixedpoint.Add(total, qty)
	}
	return total
}

// Place submits a new order to the book: validates, matches against the
// opposing side per price-time priority, then rests any residual per TIF.
func (b *Book) Place(o *Order) ([]Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.market != nil {
		if err := b.market.ValidateOrder(o.Price, o.HasPrice, o.Quantity, o.Leverage); err != nil {
			return nil, err
		}
	}

	if o.Remaining.IsZero() {
		o.Remaining = o.Quantity
	}
	if o.CreatedAtMs == 0 {
		o.CreatedAtMs = b.now().UnixMilli()
	}
	o.UpdatedAtMs = o.CreatedAtMs
	o.Status = Pending

	// Conditional kinds never match immediately; they park until triggered.
	switch o.Kind {
	case StopLoss, StopLimit, TrailingStop:
		o.Status = Open
		if o.Kind == TrailingStop {
			o.TrailExtremum = o.StopPrice
			o.HasTrailExtremum = true
		}
		b.conditional = append(b.conditional, o)
		b.orders[o.ID] = o
		b.registerLink(o)
		return nil, nil
	case TWAP, VWAP:
		// Parent order is retained outside the book and never matched here;
		// nothing in this module slices it into child orders.
		o.Status = Open
		b.orders[o.ID] = o
		return nil, nil
	}

	if o.PostOnly {
		if b.wouldCross(o) {
			return nil, ErrPostOnlyWouldCross
		}
	}

	if o.TIF == FOK {
		fillable := b.simulateFillable(o)
		if fillable.Cmp(o.Remaining) < 0 {
			return nil, ErrFOKUnfillable
		}
	}

	var fills []Fill
	if o.Side == Buy {
		fills = b.matchAgainstAsks(o)
	} else {
		fills = b.matchAgainstBids(o)
	}

	for _, f := range fills {
		b.lastPrice = f.Price
		b.hasLastPrice = true
	}

	if o.Remaining.Sign() > 0 {
		switch o.TIF {
		case IOC, FOK:
			o.Status = b.terminalAfterPartial(o)
		default: // GTC, DAY
			if o.Kind == Market {
				// Unfilled market residual is cancelled regardless of TIF.
				o.Status = b.terminalAfterPartial(o)
			} else {
				b.rest(o)
				o.Status = Open
				if o.Filled.Sign() > 0 {
					o.Status = PartiallyFilled
				}
			}
		}
	} else {
		o.Status = Filled
	}

	b.orders[o.ID] = o
	b.registerLink(o)
	if o.Status.Terminal() {
		b.cancelLinkedSiblings(o)
	}
	return fills, nil
}

// terminalAfterPartial is the status of an order whose unfilled residual is
// cancelled rather than rested: Cancelled, whether or not part of it filled.
func (b *Book) terminalAfterPartial(o *Order) Status {
	return Cancelled
}

func (b *Book) registerLink(o *Order) {
	if o.LinkID == "" {
		return
	}
	b.linkGroups[o.LinkID] = append(b.linkGroups[o.LinkID], o.ID)
}

func (b *Book) cancelLinkedSiblings(o *Order) {
	if o.LinkID == "" {
		return
	}
	siblings := b.linkGroups[o.LinkID]
	for _, id := range siblings {
		if id == o.ID {
			continue
		}
		sib, ok := b.orders[id]
		if !ok || sib.Status.Terminal() {
			continue
		}
		b.removeFromLevel(sib)
		b.removeFromConditional(sib.ID)
		sib.Status = Cancelled
		sib.UpdatedAtMs = b.now().UnixMilli()
	}
	delete(b.linkGroups, o.LinkID)
}

// wouldCross reports whether a post-only order would match on entry: the
// opposing best price crosses the limit and at least one resting order
// there is not owned by the same owner (self-trade-prevented orders don't
// count as crossing liquidity).
func (b *Book) wouldCross(o *Order) bool {
	if o.Kind == Market || !o.HasPrice {
		return true
	}
	if o.Side == Buy {
		price, ok := b.asks.Peek()
		if !ok || price.Cmp(o.Price) > 0 {
			return false
		}
		return b.levelHasNonSelf(b.askLevels[price], o.Owner)
	}
	price, ok := b.bids.Peek()
	if !ok || price.Cmp(o.Price) < 0 {
		return false
	}
	return b.levelHasNonSelf(b.bidLevels[price], o.Owner)
}

func (b *Book) levelHasNonSelf(level []*Order, owner common.Address) bool {
	if !b.selfTradePrevent {
		return len(level) > 0
	}
	for _, maker := range level {
		if maker.Owner != owner {
			return true
		}
	}
	return false
}

// simulateFillable sums the quantity obtainable from the opposing side for
// a FOK precheck, without mutating book state.
func (b *Book) simulateFillable(o *Order) fixedpoint.Wei {
	total := fixedpoint.Zero()
	needed := o.Remaining

	if o.Side == Buy {
		for _, price := range sortedAsc(b.asks) {
			if o.Kind != Market && o.HasPrice && price.Cmp(o.Price) > 0 {
				break
			}
			for _, maker := range b.askLevels[price] {
				if b.selfTradePrevent && maker.Owner == o.Owner {
					continue
				}
				total, _ = fixedpoint.Add(total, maker.Remaining)
				if total.Cmp(needed) >= 0 {
					return total
				}
			}
		}
		return total
	}
	for _, price := range sortedDesc(b.bids) {
		if o.Kind != Market && o.HasPrice && price.Cmp(o.Price) < 0 {
			break
		}
		for _, maker := range b.bidLevels[price] {
			if b.selfTradePrevent && maker.Owner == o.Owner {
				continue
			}
			total, _ = fixedpoint.Add(total, maker.Remaining)
			if total.Cmp(needed) >= 0 {
				return total
			}
		}
	}
	return total
}

func sortedAsc(h askHeap) []fixedpoint.Wei {
	out := append([]fixedpoint.Wei{}, h...)
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func sortedDesc(h bidHeap) []fixedpoint.Wei {
	out := append([]fixedpoint.Wei{}, h...)
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) > 0 })
	return out
}

func (b *Book) matchAgainstAsks(taker *Order) []Fill {
	var fills []Fill
	var skipped []fixedpoint.Wei

	for taker.Remaining.Sign() > 0 {
		price, ok := b.asks.Peek()
		if !ok {
			break
		}
		if taker.Kind != Market && taker.HasPrice && price.Cmp(taker.Price) > 0 {
			break
		}
		levelFills, matchedAny := b.matchLevel(price, taker, &b.askLevels, Sell)
		fills = append(fills, levelFills...)
		if len(b.askLevels[price]) == 0 {
			delete(b.askLevels, price)
			heap.Pop(&b.asks)
			continue
		}
		if !matchedAny {
			heap.Pop(&b.asks)
			skipped = append(skipped, price)
			continue
		}
	}
	for _, p := range skipped {
		heap.Push(&b.asks, p)
	}
	return fills
}

func (b *Book) matchAgainstBids(taker *Order) []Fill {
	var fills []Fill
	var skipped []fixedpoint.Wei

	for taker.Remaining.Sign() > 0 {
		price, ok := b.bids.Peek()
		if !ok {
			break
		}
		if taker.Kind != Market && taker.HasPrice && price.Cmp(taker.Price) < 0 {
			break
		}
		levelFills, matchedAny := b.matchLevel(price, taker, &b.bidLevels, Buy)
		fills = append(fills, levelFills...)
		if len(b.bidLevels[price]) == 0 {
			delete(b.bidLevels, price)
			heap.Pop(&b.bids)
			continue
		}
		if !matchedAny {
			heap.Pop(&b.bids)
			skipped = append(skipped, price)
			continue
		}
	}
	for _, p := range skipped {
		heap.Push(&b.bids, p)
	}
	return fills
}

// matchLevel matches taker against the FIFO queue at price, skipping
// self-owned makers. makerSide is the resting side (Sell for the ask book,
// Buy for the bid book), used to set Fill.IsBuyerMaker.
func (b *Book) matchLevel(price fixedpoint.Wei, taker *Order, levels *map[fixedpoint.Wei][]*Order, makerSide Side) ([]Fill, bool) {
	queue := (*levels)[price]
	var fills []Fill
	matchedAny := false
	i := 0
	for i < len(queue) && taker.Remaining.Sign() > 0 {
		maker := queue[i]
		if b.selfTradePrevent && maker.Owner == taker.Owner {
			i++
			continue
		}
		isIceberg := maker.Kind == Iceberg && maker.VisibleQty.Sign() > 0
		available := maker.Remaining
		if isIceberg {
			available = maker.DisplayedQty
		}

		qty := taker.Remaining
		if available.Cmp(qty) < 0 {
			qty = available
		}

		taker.Remaining, _ = fixedpoint.Sub(taker.Remaining, qty)
		taker.Filled, _ = fixedpoint.Add(taker.Filled, qty)
		maker.Remaining, _ = fixedpoint.Sub(maker.Remaining, qty)
		maker.Filled, _ = fixedpoint.Add(maker.Filled, qty)
		if isIceberg {
			maker.DisplayedQty, _ = fixedpoint.Sub(maker.DisplayedQty, qty)
		}
		b.updateAverage(taker, price, qty)
		b.updateAverage(maker, price, qty)
		now := b.now()
		maker.UpdatedAtMs = now.UnixMilli()
		taker.UpdatedAtMs = maker.UpdatedAtMs

		takerFee, _ := b.takerFee(qty, price)
		makerFee, _ := b.makerFee(qty, price)
		taker.Fees, _ = fixedpoint.Add(taker.Fees, takerFee)
		maker.Fees, _ = fixedpoint.Add(maker.Fees, makerFee)

		fills = append(fills, Fill{
			TradeID:      uuid.NewString(),
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			TakerOwner:   taker.Owner,
			MakerOwner:   maker.Owner,
			Pair:         b.pair,
			Price:        price,
			Quantity:     qty,
			TakerFee:     takerFee,
			MakerFee:     makerFee,
			Timestamp:    now,
			IsBuyerMaker: makerSide == Buy,
		})
		matchedAny = true

		if maker.Remaining.IsZero() {
			maker.Status = Filled
			b.cancelLinkedSiblings(maker)
			queue = append(queue[:i], queue[i+1:]...)
			continue // i stays; next element shifted into position i
		}
		if isIceberg && maker.DisplayedQty.IsZero() && maker.Remaining.Sign() > 0 {
			// The visible clip is exhausted but hidden quantity remains;
			// re-post the next clip at the tail with a fresh timestamp,
			// losing priority vs. orders posted in the meantime.
			reposted := *maker
			reposted.DisplayedQty = reposted.VisibleQty
			if reposted.Remaining.Cmp(reposted.VisibleQty) < 0 {
				reposted.DisplayedQty = reposted.Remaining
			}
			reposted.CreatedAtMs = now.UnixMilli()
			reposted.UpdatedAtMs = reposted.CreatedAtMs
			queue = append(queue[:i], queue[i+1:]...)
			queue = append(queue, &reposted)
			b.orders[reposted.ID] = &reposted
			continue
		}
		i++
	}
	(*levels)[price] = queue
	return fills, matchedAny
}

func (b *Book) updateAverage(o *Order, price, qty fixedpoint.Wei) {
	notional, _ := fixedpoint.MulWei(price, qty)
	if !o.HasAverage {
		avg, err := fixedpoint.DivWei(notional, qty)
		if err == nil {
			o.AverageExec = avg
			o.HasAverage = true
		}
		return
	}
	priorFilled, _ := fixedpoint.Sub(o.Filled, qty)
	priorNotional, _ := fixedpoint.MulWei(o.AverageExec, priorFilled)
	totalNotional, _ := fixedpoint.Add(priorNotional, notional)
	avg, err := fixedpoint.DivWei(totalNotional, o.Filled)
	if err == nil {
		o.AverageExec = avg
	}
}

func (b *Book) takerFee(qty, price fixedpoint.Wei) (fixedpoint.Wei, error) {
	notional, err := fixedpoint.MulWei(price, qty)
	if err != nil {
		return fixedpoint.Zero(), err
	}
	return fixedpoint.Fee(notional, b.takerFeeBps())
}

func (b *Book) makerFee(qty, price fixedpoint.Wei) (fixedpoint.Wei, error) {
	notional, err := fixedpoint.MulWei(price, qty)
	if err != nil {
		return fixedpoint.Zero(), err
	}
	return fixedpoint.Fee(notional, b.makerFeeBps())
}

func (b *Book) takerFeeBps() int64 {
	if b.market == nil {
		return 0
	}
	return b.market.TakerFeeBps
}

func (b *Book) makerFeeBps() int64 {
	if b.market == nil {
		return 0
	}
	return b.market.MakerFeeBps
}

// rest inserts o at the tail of its side's price level, creating the level
// (and its heap entry) if absent. Icebergs rest with VisibleQty already set
// by the caller; the full Remaining is tracked internally and clipped only
// at snapshot/matching time by convention of VisibleQty bookkeeping above.
func (b *Book) rest(o *Order) {
	if o.Kind == Iceberg && o.VisibleQty.Sign() > 0 {
		o.DisplayedQty = o.VisibleQty
		if o.Remaining.Cmp(o.VisibleQty) < 0 {
			o.DisplayedQty = o.Remaining
		}
	}
	if o.Side == Buy {
		if len(b.bidLevels[o.Price]) == 0 {
			heap.Push(&b.bids, o.Price)
		}
		b.bidLevels[o.Price] = append(b.bidLevels[o.Price], o)
		return
	}
	if len(b.askLevels[o.Price]) == 0 {
		heap.Push(&b.asks, o.Price)
	}
	b.askLevels[o.Price] = append(b.askLevels[o.Price], o)
}

// Cancel removes a resting (or conditional) order, rejecting the call if it
// belongs to a different owner or is already terminal.
func (b *Book) Cancel(orderID string, owner common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Owner != owner {
		return ErrUnauthorized
	}
	if o.Status.Terminal() {
		return ErrNotCancellable
	}
	b.removeFromLevel(o)
	b.removeFromConditional(orderID)
	o.Status = Cancelled
	o.UpdatedAtMs = b.now().UnixMilli()
	b.cancelLinkedSiblings(o)
	return nil
}

func (b *Book) removeFromLevel(o *Order) {
	levels := &b.bidLevels
	h := heapRemover{bids: &b.bids}
	if o.Side == Sell {
		levels = &b.askLevels
		h = heapRemover{asks: &b.asks}
	}
	queue, ok := (*levels)[o.Price]
	if !ok {
		return
	}
	for i, cur := range queue {
		if cur.ID == o.ID {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(*levels, o.Price)
		h.remove(o.Price)
	} else {
		(*levels)[o.Price] = queue
	}
}

func (b *Book) removeFromConditional(orderID string) {
	for i, o := range b.conditional {
		if o.ID == orderID {
			b.conditional = append(b.conditional[:i], b.conditional[i+1:]...)
			return
		}
	}
}

// heapRemover removes a price node from whichever heap is in play; exactly
// one of bids/asks is set per call site.
type heapRemover struct {
	bids *bidHeap
	asks *askHeap
}

func (h heapRemover) remove(price fixedpoint.Wei) {
	if h.bids != nil {
		for i := 0; i < h.bids.Len(); i++ {
			if (*h.bids)[i].Cmp(price) == 0 {
				heap.Remove(h.bids, i)
				return
			}
		}
	}
	if h.asks != nil {
		for i := 0; i < h.asks.Len(); i++ {
			if (*h.asks)[i].Cmp(price) == 0 {
				heap.Remove(h.asks, i)
				return
			}
		}
	}
}

// Amend treats a change as cancel+replace: a price change or a size
// increase loses time priority (re-enters at the tail with a fresh
// timestamp); a size decrease alone keeps priority (mutated in place).
func (b *Book) Amend(orderID string, owner common.Address, newPrice *fixedpoint.Wei, newSize *fixedpoint.Wei) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.Owner != owner {
		return nil, ErrUnauthorized
	}
	if o.Status.Terminal() {
		return nil, ErrNotCancellable
	}

	priceChanged := newPrice != nil && (!o.HasPrice || newPrice.Cmp(o.Price) != 0)
	sizeUp := newSize != nil && newSize.Cmp(o.Remaining) > 0
	sizeDown := newSize != nil && newSize.Cmp(o.Remaining) < 0

	if priceChanged || sizeUp {
		b.removeFromLevel(o)
		if newPrice != nil {
			o.Price = *newPrice
			o.HasPrice = true
		}
		if newSize != nil {
			delta, _ := fixedpoint.Sub(*newSize, o.Remaining)
			o.Quantity, _ = fixedpoint.Add(o.Quantity, delta)
			o.Remaining = *newSize
		}
		o.CreatedAtMs = b.now().UnixMilli()
		o.UpdatedAtMs = o.CreatedAtMs
		b.rest(o)
		return o, nil
	}
	if sizeDown {
		delta, _ := fixedpoint.Sub(o.Remaining, *newSize)
		o.Quantity, _ = fixedpoint.Sub(o.Quantity, delta)
		o.Remaining = *newSize
		o.UpdatedAtMs = b.now().UnixMilli()
	}
	return o, nil
}

// PlaceConditional is a convenience alias documenting intent at call sites
// that only ever submit stop-family orders; it delegates to Place, which
// already parks STOP_LOSS/STOP_LIMIT/TRAILING_STOP orders untriggered.
func (b *Book) PlaceConditional(o *Order) error {
	_, err := b.Place(o)
	return err
}

// EvaluateConditional is called by the scheduler (C8) on every mark/last
// price update for this pair. Triggered stops are converted to MARKET (for
// STOP_LOSS/TRAILING_STOP) or LIMIT (for STOP_LIMIT) orders and routed back
// through Place; trailing stops that haven't triggered re-anchor instead.
func (b *Book) EvaluateConditional(markPrice fixedpoint.Wei) ([]Fill, error) {
	b.mu.Lock()
	var triggered []*Order
	remaining := b.conditional[:0]
	for _, o := range b.conditional {
		if o.Kind == TrailingStop {
			b.reanchorTrailing(o, markPrice)
		}
		if b.triggered(o, markPrice) {
			triggered = append(triggered, o)
			continue
		}
		remaining = append(remaining, o)
	}
	b.conditional = remaining
	for _, o := range triggered {
		delete(b.orders, o.ID)
	}
	b.mu.Unlock()

	var fills []Fill
	for _, o := range triggered {
		child := *o
		if o.Kind == StopLimit {
			child.Kind = Limit
		} else {
			child.Kind = Market
			child.HasPrice = false
		}
		child.CreatedAtMs = 0 // re-stamped fresh inside Place
		f, err := b.Place(&child)
		if err != nil {
			return fills, fmt.Errorf("conditional order %s trigger: %w", o.ID, err)
		}
		fills = append(fills, f...)
	}
	return fills, nil
}

func (b *Book) reanchorTrailing(o *Order, mark fixedpoint.Wei) {
	if !o.HasTrailExtremum {
		o.TrailExtremum = mark
		o.HasTrailExtremum = true
	}
	if o.Side == Sell {
		// Protects a long: extremum tracks the highest mark seen; stop
		// trails below it by TrailingOffset.
		if mark.Cmp(o.TrailExtremum) > 0 {
			o.TrailExtremum = mark
			o.StopPrice, _ = fixedpoint.Sub(mark, o.TrailingOffset)
		}
		return
	}
	// Side == Buy protects a short: extremum tracks the lowest mark seen.
	if mark.Cmp(o.TrailExtremum) < 0 {
		o.TrailExtremum = mark
		o.StopPrice, _ = fixedpoint.Add(mark, o.TrailingOffset)
	}
}

func (b *Book) triggered(o *Order, mark fixedpoint.Wei) bool {
	if !o.HasStopPrice {
		return false
	}
	// A SELL-side stop (protecting a long) triggers when price falls to or
	// below the stop; a BUY-side stop (protecting a short) triggers when
	// price rises to or above it.
	if o.Side == Sell {
		return mark.Cmp(o.StopPrice) <= 0
	}
	return mark.Cmp(o.StopPrice) >= 0
}
