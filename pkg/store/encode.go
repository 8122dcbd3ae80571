package store

import (
	"encoding/json"
	"fmt"

	"github.com/omnidex-labs/matchcore/pkg/integration"
	"github.com/omnidex-labs/matchcore/pkg/orderbook"
	"github.com/omnidex-labs/matchcore/pkg/perp"
)

// UpsertOrder encodes an order as an upsert_order record, keyed by order id.
func UpsertOrder(o *orderbook.Order) (Record, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return Record{}, fmt.Errorf("store: marshal order: %w", err)
	}
	return Record{Table: TableOrders, Key: o.ID, Data: data}, nil
}

// InsertSpotTrade encodes a spot fill as an insert_trade record, keyed by trade id.
func InsertSpotTrade(f *orderbook.Fill) (Record, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return Record{}, fmt.Errorf("store: marshal fill: %w", err)
	}
	return Record{Table: TableTrades, Key: f.TradeID, Data: data}, nil
}

// InsertPerpTrade encodes an integration-level perpetual trade as an
// insert_trade record, keyed by trade id.
func InsertPerpTrade(tr *integration.Trade) (Record, error) {
	data, err := json.Marshal(tr)
	if err != nil {
		return Record{}, fmt.Errorf("store: marshal trade: %w", err)
	}
	return Record{Table: TableTrades, Key: tr.TradeID, Data: data}, nil
}

// UpsertPosition encodes a position as an upsert_position record, keyed by position id.
func UpsertPosition(p *perp.Position) (Record, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Record{}, fmt.Errorf("store: marshal position: %w", err)
	}
	return Record{Table: TablePositions, Key: p.ID, Data: data}, nil
}
