package market

import (
	"sync"

	"github.com/omnidex-labs/matchcore/pkg/fixedpoint"
)

// Registry is the process-wide set of registered pairs/markets, keyed by
// ID. A single RWMutex guards the map itself (registration is rare);
// per-market state changes go through Market's own mutex, mirroring the
// teacher's MarketRegistry which layers a symbol map over individually
// locked market objects.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

// Register adds a new market under its ID. Returns ErrDuplicatePair if the
// ID is already registered.
func (r *Registry) Register(p Params) (*Market, error) {
	m, err := New(p)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[p.ID]; exists {
		return nil, ErrDuplicatePair
	}
	r.markets[p.ID] = m
	return m, nil
}

// Get looks up a market by ID.
func (r *Registry) Get(id string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[id]
	if !ok {
		return nil, ErrUnknownPair
	}
	return m, nil
}

// UpdateStatus transitions a market's trading status.
func (r *Registry) UpdateStatus(id string, s Status) error {
	m, err := r.Get(id)
	if err != nil {
		return err
	}
	m.SetStatus(s)
	return nil
}

// ValidateOrder looks up the market and validates order parameters against
// it in one call, the shape most callers (the orderbook, the integration
// layer) actually want.
func (r *Registry) ValidateOrder(id string, price fixedpoint.Wei, hasPrice bool, size fixedpoint.Wei, leverage int64) error {
	m, err := r.Get(id)
	if err != nil {
		return err
	}
	return m.ValidateOrder(price, hasPrice, size, leverage)
}

// List returns a snapshot slice of all registered markets.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}
