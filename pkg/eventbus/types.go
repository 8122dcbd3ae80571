package eventbus

// Type is one of the typed event kinds spec.md §4.6 names.
type Type string

const (
	OrderPlaced    Type = "order:placed"
	OrderUpdated   Type = "order:updated"
	OrderFilled    Type = "order:filled"
	OrderCancelled Type = "order:cancelled"

	TradeExecuted Type = "trade:executed"

	PositionOpened          Type = "position:opened"
	PositionClosed          Type = "position:closed"
	PositionLiquidated      Type = "position:liquidated"
	PositionLeverageUpdated Type = "position:leverage_updated"

	FundingProcessed Type = "funding:processed"

	MarketHalted  Type = "market:halted"
	MarketResumed Type = "market:resumed"

	// SubscriberDropped is emitted by the bus itself when back-pressure
	// eviction fires; Payload is the dropped subscriber's id.
	SubscriberDropped Type = "subscriber:dropped"
)

// Event is one bus message. Key is the ordering shard: the pair for
// market/order/trade events, the market id for position/funding events,
// per spec.md §4.6. Seq is a per-Key monotonically increasing sequence
// number stamped by Bus.Publish, letting a consumer detect gaps in its own
// per-shard stream without trusting wall-clock ordering.
type Event struct {
	Type        Type
	Key         string
	Seq         uint64
	Payload     interface{}
	TimestampMs int64
}
