package state

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of net exposure in one instrument.
type Side string

const (
	Flat  Side = "FLAT"
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the opposing direction. Flat has no opposite.
func (s Side) Opposite() Side {
	switch s {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return Flat
	}
}

// OrderIntent describes what an order is meant to do to the position.
type OrderIntent string

const (
	IntentOpen   OrderIntent = "OPEN"
	IntentClose  OrderIntent = "CLOSE"
	IntentReduce OrderIntent = "REDUCE"
)

// OrderStatus is the lifecycle state of a pending order.
type OrderStatus string

const (
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderAcknowledged    OrderStatus = "ACKNOWLEDGED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderTimedOut        OrderStatus = "TIMED_OUT"
)

// Terminal reports whether the status is final. Terminal orders are
// immutable; only non-terminal orders are reconciled.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderTimedOut:
		return true
	}
	return false
}

// Position is the engine's belief about net exposure in one instrument.
// Invariant: Side == Flat iff Qty == 0.
type Position struct {
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	EntryPrice    float64   `json:"entryPrice"`
	MarkPrice     float64   `json:"markPrice"`
	Leverage      int       `json:"leverage"`
	UpdatedAt     time.Time `json:"updatedAt"`
	SourceVersion int64     `json:"sourceVersion"`
}

// IsFlat reports whether the position carries no exposure.
func (p Position) IsFlat() bool {
	return p.Side == Flat || p.Qty == 0
}

// PendingOrder is an order submitted but not yet confirmed terminal.
type PendingOrder struct {
	ClientOrderID   string      `json:"clientOrderId"`
	ExchangeOrderID string      `json:"exchangeOrderId,omitempty"`
	Intent          OrderIntent `json:"intent"`
	Side            Side        `json:"side"`
	RequestedQty    float64     `json:"requestedQty"`
	Status          OrderStatus `json:"status"`
	CreatedAt       time.Time   `json:"createdAt"`
	LastCheckedAt   time.Time   `json:"lastCheckedAt"`
}

// RiskCounters is the process-durable risk tracking record.
type RiskCounters struct {
	DailyStartEquity  float64   `json:"dailyStartEquity"`
	DailyRealizedPnl  float64   `json:"dailyRealizedPnl"`
	PeakEquity        float64   `json:"peakEquity"`
	CurrentEquity     float64   `json:"currentEquity"`
	LastFlipAt        time.Time `json:"lastFlipAt"`
	ConsecutiveLosses int       `json:"consecutiveLosses"`
	DayBoundary       string    `json:"dayBoundary"` // YYYY-MM-DD in exchange-local time
}

// Snapshot is the atomically-updatable aggregate for one instrument:
// position, pending orders, risk counters, the client-order sequence and
// the optimistic-concurrency version.
type Snapshot struct {
	Instrument    string         `json:"instrument"`
	Position      Position       `json:"position"`
	PendingOrders []PendingOrder `json:"pendingOrders"`
	Risk          RiskCounters   `json:"riskCounters"`
	Halted        bool           `json:"halted"`
	Seq           uint64         `json:"seq"`
	Version       uint64         `json:"version"`
}

// NextClientOrderID reserves the next deterministic client order id for a
// logical step. The id is derived from the instrument, intent, side and a
// monotonically increasing per-instrument sequence so that resubmitting the
// same step after a timeout reuses the same id and the exchange deduplicates
// the retry.
func (s *Snapshot) NextClientOrderID(intent OrderIntent, side Side) string {
	s.Seq++
	return ClientOrderID(s.Instrument, intent, side, s.Seq)
}

// ClientOrderID builds the deterministic id for a given sequence number.
func ClientOrderID(instrument string, intent OrderIntent, side Side, seq uint64) string {
	return fmt.Sprintf("%s-%s-%s-%06d",
		strings.ToLower(instrument), strings.ToLower(string(intent)), strings.ToLower(string(side)), seq)
}

// FindOrder returns a pointer to the pending order with the given client id,
// or nil if it is not tracked.
func (s *Snapshot) FindOrder(clientOrderID string) *PendingOrder {
	for i := range s.PendingOrders {
		if s.PendingOrders[i].ClientOrderID == clientOrderID {
			return &s.PendingOrders[i]
		}
	}
	return nil
}

// UpsertOrder inserts or updates a pending order. Transitions out of a
// terminal status are rejected: terminal states are final.
func (s *Snapshot) UpsertOrder(o PendingOrder) error {
	if existing := s.FindOrder(o.ClientOrderID); existing != nil {
		if existing.Status.Terminal() && existing.Status != o.Status {
			return fmt.Errorf("order %s already terminal (%s), refusing transition to %s",
				o.ClientOrderID, existing.Status, o.Status)
		}
		*existing = o
		return nil
	}
	s.PendingOrders = append(s.PendingOrders, o)
	return nil
}

// PruneOrders drops all terminal orders from the pending set.
func (s *Snapshot) PruneOrders() {
	kept := s.PendingOrders[:0]
	for _, o := range s.PendingOrders {
		if !o.Status.Terminal() {
			kept = append(kept, o)
		}
	}
	s.PendingOrders = kept
}

// Validate checks the aggregate's internal invariants.
func (s *Snapshot) Validate() error {
	if s.Instrument == "" {
		return fmt.Errorf("snapshot missing instrument")
	}
	if s.Position.Qty < 0 {
		return fmt.Errorf("%s: negative quantity %f", s.Instrument, s.Position.Qty)
	}
	if s.Position.Side == Flat && s.Position.Qty != 0 {
		return fmt.Errorf("%s: flat position with quantity %f", s.Instrument, s.Position.Qty)
	}
	if s.Position.Qty > 0 && s.Position.Side == Flat {
		return fmt.Errorf("%s: open quantity with flat side", s.Instrument)
	}
	return nil
}

func (s *Snapshot) clone() Snapshot {
	cp := *s
	cp.PendingOrders = make([]PendingOrder, len(s.PendingOrders))
	copy(cp.PendingOrders, s.PendingOrders)
	return cp
}
