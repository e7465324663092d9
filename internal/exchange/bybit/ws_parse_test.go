package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"unitrader/internal/state"
)

func TestParseCandles_ConfirmedKline(t *testing.T) {
	raw := `{"topic":"kline.5.BTCUSDT","type":"snapshot","data":[
		{"start":1700000100000,"end":1700000400000,"interval":"5","open":"50000","high":"50250","low":"49900","close":"50200","volume":"123.4","confirm":true,"timestamp":1700000400123}
	],"ts":1700000400123}`

	var m wsMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	candles := make(chan CandleEvent, 1)
	if err := parseCandles(m, candles); err != nil {
		t.Fatalf("parseCandles: %v", err)
	}

	select {
	case c := <-candles:
		if c.Symbol != "BTCUSDT" {
			t.Errorf("expected symbol BTCUSDT, got %s", c.Symbol)
		}
		if !c.Confirm {
			t.Error("expected confirmed candle")
		}
		if c.Close != 50200 {
			t.Errorf("expected close 50200, got %f", c.Close)
		}
		if !c.Start.Equal(time.UnixMilli(1700000100000)) {
			t.Errorf("unexpected start time %v", c.Start)
		}
	default:
		t.Fatal("no candle received")
	}
}

func TestParseCandles_MalformedTopic(t *testing.T) {
	m := wsMessage{Topic: "kline.5", Data: json.RawMessage(`[]`)}
	if err := parseCandles(m, make(chan CandleEvent, 1)); err == nil {
		t.Fatal("expected error for malformed topic")
	}
}

func TestParseOrders_PrivatePush(t *testing.T) {
	raw := `[{"symbol":"ETHUSDT","orderId":"ex-77","orderLinkId":"ethusdt-open-short-000004","orderStatus":"PartiallyFilled","cumExecQty":"0.2","avgPrice":"3150.5"}]`

	orders := make(chan OrderEvent, 1)
	if err := parseOrders(json.RawMessage(raw), orders); err != nil {
		t.Fatalf("parseOrders: %v", err)
	}

	select {
	case o := <-orders:
		if o.ClientOrderID != "ethusdt-open-short-000004" {
			t.Errorf("unexpected client order id %s", o.ClientOrderID)
		}
		if o.Status != state.OrderPartiallyFilled {
			t.Errorf("expected PARTIALLY_FILLED, got %s", o.Status)
		}
		if o.FilledQty != 0.2 {
			t.Errorf("expected filled 0.2, got %f", o.FilledQty)
		}
	default:
		t.Fatal("no order event received")
	}
}

func TestParsePositions_FlatOnZeroSize(t *testing.T) {
	raw := `[{"symbol":"BTCUSDT","side":"","size":"0","entryPrice":"0","markPrice":"50100","seq":99}]`

	positions := make(chan PositionEvent, 1)
	if err := parsePositions(json.RawMessage(raw), positions); err != nil {
		t.Fatalf("parsePositions: %v", err)
	}

	p := <-positions
	if p.Side != state.Flat || p.Qty != 0 {
		t.Errorf("expected flat position, got %+v", p)
	}
	if p.SourceVersion != 99 {
		t.Errorf("expected source version 99, got %d", p.SourceVersion)
	}
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		name      string
		backoff   time.Duration
		lifetime  time.Duration
		wantDelay time.Duration
		wantNext  time.Duration
	}{
		{"first failure", time.Second, 0, time.Second, 2 * time.Second},
		{"doubles while flapping", 4 * time.Second, 100 * time.Millisecond, 4 * time.Second, 8 * time.Second},
		{"caps at max", 20 * time.Second, 0, 20 * time.Second, 30 * time.Second},
		{"stays capped", 30 * time.Second, time.Second, 30 * time.Second, 30 * time.Second},
		{"healthy connection resets", 30 * time.Second, 5 * time.Minute, time.Second, 2 * time.Second},
	}
	for _, tt := range tests {
		delay, next := reconnectDelay(tt.backoff, tt.lifetime)
		if delay != tt.wantDelay || next != tt.wantNext {
			t.Errorf("%s: reconnectDelay(%v, %v) = (%v, %v), want (%v, %v)",
				tt.name, tt.backoff, tt.lifetime, delay, next, tt.wantDelay, tt.wantNext)
		}
	}
}

func TestStream_ReportsReconnectSentinel(t *testing.T) {
	errs := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Nothing listens on this port; every dial fails immediately.
	w := NewPublicWS("ws://127.0.0.1:1")
	go w.Stream(ctx, []string{"kline.1.BTCUSDT"}, Events{Errors: errs}, time.Second)

	select {
	case err := <-errs:
		if !errors.Is(err, ErrReconnect) {
			t.Errorf("expected reconnect sentinel, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("no reconnect error reported")
	}
}

func TestMapOrderStatus(t *testing.T) {
	tests := []struct {
		wire string
		want state.OrderStatus
	}{
		{"New", state.OrderAcknowledged},
		{"PartiallyFilled", state.OrderPartiallyFilled},
		{"Filled", state.OrderFilled},
		{"Cancelled", state.OrderCancelled},
		{"Rejected", state.OrderRejected},
		{"???", state.OrderSubmitted},
	}
	for _, tt := range tests {
		if got := mapOrderStatus(tt.wire); got != tt.want {
			t.Errorf("mapOrderStatus(%q) = %s, want %s", tt.wire, got, tt.want)
		}
	}
}
