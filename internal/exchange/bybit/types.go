package bybit

import (
	"time"

	"unitrader/internal/state"
)

// PositionInfo is the exchange's authoritative view of one instrument.
type PositionInfo struct {
	Symbol        string
	Side          state.Side
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	Leverage      int
	UnrealisedPnl float64
	SourceVersion int64
	UpdatedAt     time.Time
}

// OrderState is the exchange's view of one order, keyed by the
// caller-assigned client order id.
type OrderState struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Status          state.OrderStatus
	RequestedQty    float64
	FilledQty       float64
	AvgPrice        float64
}

// Ticker carries the top-of-book quote used by the spread guard.
type Ticker struct {
	Symbol    string
	Bid       float64
	Ask       float64
	LastPrice float64
}

// OrderRequest describes one order mutation. ClientOrderID is assigned by
// the caller and forwarded verbatim; the gateway never invents its own.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          state.Side // direction of the resulting exposure
	Intent        state.OrderIntent
	Qty           float64
	ReduceOnly    bool
	PositionIdx   int // 0 one-way, 1 hedge long, 2 hedge short
}

// orderSide maps the position direction and intent onto the wire-side
// Buy/Sell verb: opening follows the direction, closing opposes it.
func (r OrderRequest) orderSide() string {
	buy := r.Side == state.Long
	if r.Intent != state.IntentOpen {
		buy = !buy
	}
	if buy {
		return "Buy"
	}
	return "Sell"
}

// CandleEvent is a kline update; Confirm marks the candle as closed.
type CandleEvent struct {
	Symbol   string
	Interval string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Confirm  bool
	Start    time.Time
	End      time.Time
}

// OrderEvent is a private push for one of our orders.
type OrderEvent struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Status          state.OrderStatus
	FilledQty       float64
	AvgPrice        float64
}

// PositionEvent is a private push with the exchange's position delta.
type PositionEvent struct {
	Symbol        string
	Side          state.Side
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	SourceVersion int64
}

// mapOrderStatus translates the exchange's order status vocabulary into the
// engine's lifecycle states.
func mapOrderStatus(s string) state.OrderStatus {
	switch s {
	case "Created", "New", "Untriggered":
		return state.OrderAcknowledged
	case "PartiallyFilled":
		return state.OrderPartiallyFilled
	case "Filled":
		return state.OrderFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return state.OrderCancelled
	case "Rejected":
		return state.OrderRejected
	default:
		return state.OrderSubmitted
	}
}

// mapPositionSide translates the exchange side vocabulary; an empty or
// "None" side with zero size is flat.
func mapPositionSide(side string, qty float64) state.Side {
	if qty == 0 {
		return state.Flat
	}
	switch side {
	case "Buy":
		return state.Long
	case "Sell":
		return state.Short
	default:
		return state.Flat
	}
}
