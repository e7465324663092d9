package exec

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitrader/internal/cfg"
	"unitrader/internal/exchange/bybit"
	"unitrader/internal/journal"
	"unitrader/internal/metrics"
	"unitrader/internal/risk"
	"unitrader/internal/signal"
	"unitrader/internal/state"
)

type stubSource struct {
	p   signal.Proposal
	err error
}

func (s stubSource) Propose(context.Context, signal.MarketContext) (signal.Proposal, error) {
	return s.p, s.err
}

// mockGateway records every call so tests can assert ordering and payloads.
type mockGateway struct {
	mu      sync.Mutex
	calls   []string
	submits []bybit.OrderRequest

	submitFn func(n int, req bybit.OrderRequest) (bybit.OrderState, error)
	statusFn func(n int, symbol, id string) (bybit.OrderState, error)
	posFn    func(symbol string) (bybit.PositionInfo, error)
	cancelFn func(symbol, id string) error

	statusCalls int
	cancels     []string
}

func (g *mockGateway) SubmitOrder(_ context.Context, req bybit.OrderRequest) (bybit.OrderState, error) {
	g.mu.Lock()
	g.calls = append(g.calls, "submit")
	g.submits = append(g.submits, req)
	n := len(g.submits)
	g.mu.Unlock()
	return g.submitFn(n, req)
}

func (g *mockGateway) GetOrderStatus(_ context.Context, symbol, id string) (bybit.OrderState, error) {
	g.mu.Lock()
	g.calls = append(g.calls, "status")
	g.statusCalls++
	n := g.statusCalls
	g.mu.Unlock()
	return g.statusFn(n, symbol, id)
}

func (g *mockGateway) GetPosition(_ context.Context, symbol string) (bybit.PositionInfo, error) {
	g.mu.Lock()
	g.calls = append(g.calls, "position")
	g.mu.Unlock()
	if g.posFn == nil {
		return bybit.PositionInfo{Symbol: symbol, Side: state.Flat}, nil
	}
	return g.posFn(symbol)
}

func (g *mockGateway) CancelOrder(_ context.Context, symbol, id string) error {
	g.mu.Lock()
	g.calls = append(g.calls, "cancel")
	g.cancels = append(g.cancels, id)
	g.mu.Unlock()
	if g.cancelFn == nil {
		return nil
	}
	return g.cancelFn(symbol, id)
}

func (g *mockGateway) cancelled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.cancels))
	copy(out, g.cancels)
	return out
}

func (g *mockGateway) submitted() []bybit.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]bybit.OrderRequest, len(g.submits))
	copy(out, g.submits)
	return out
}

func (g *mockGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.calls))
	copy(out, g.calls)
	return out
}

func ack(req bybit.OrderRequest) bybit.OrderState {
	return bybit.OrderState{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: "ex-" + req.ClientOrderID,
		Symbol:          req.Symbol,
		Status:          state.OrderAcknowledged,
		RequestedQty:    req.Qty,
	}
}

func filled(id string, qty, price float64) bybit.OrderState {
	return bybit.OrderState{ClientOrderID: id, Status: state.OrderFilled, FilledQty: qty, AvgPrice: price}
}

func testSettings() cfg.Settings {
	return cfg.Settings{
		AccountMode:     "oneway",
		Leverage:        5,
		RiskUSD:         100,
		MaxDailyLossPct: 0.05,
		MaxDrawdownPct:  0.15,
		FlipCooldown:    5 * time.Minute,
		MaxSpreadPct:    0.001,
		MinConfidence:   0.6,
		OrderTimeout:    2 * time.Second,
		FlattenTimeout:  2 * time.Second,
		MaxRetries:      2,
	}
}

func newTestCoordinator(t *testing.T, gw Gateway, src signal.Source) (*Coordinator, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)

	c, err := New(testSettings(), store, gw, src, nil, metrics.NewWithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	c.pollInterval = time.Millisecond
	return c, store
}

func testMarket() signal.MarketContext {
	return signal.MarketContext{
		Instrument:  "BTCUSDT",
		LastPrice:   50000,
		Bid:         49999,
		Ask:         50001,
		CandleClose: time.Now(),
	}
}

func TestHandleSignal_EntersFromFlat(t *testing.T) {
	gw := &mockGateway{
		submitFn: func(_ int, req bybit.OrderRequest) (bybit.OrderState, error) { return ack(req), nil },
		statusFn: func(_ int, _, id string) (bybit.OrderState, error) { return filled(id, 0.01, 50000), nil },
	}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Long, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))

	submits := gw.submitted()
	require.Len(t, submits, 1)
	assert.Equal(t, "btcusdt-open-long-000001", submits[0].ClientOrderID)
	assert.Equal(t, state.IntentOpen, submits[0].Intent)
	assert.False(t, submits[0].ReduceOnly)

	snap := store.Snapshot("BTCUSDT")
	assert.Equal(t, state.Long, snap.Position.Side)
	assert.InDelta(t, 0.01, snap.Position.Qty, 1e-9)
	assert.InDelta(t, 50000, snap.Position.EntryPrice, 1e-9)
	assert.Empty(t, snap.PendingOrders, "terminal orders must be pruned")
}

func TestHandleSignal_FlipClosesBeforeOpening(t *testing.T) {
	gw := &mockGateway{
		submitFn: func(_ int, req bybit.OrderRequest) (bybit.OrderState, error) { return ack(req), nil },
		statusFn: func(_ int, _, id string) (bybit.OrderState, error) { return filled(id, 0, 50500), nil },
	}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Short, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)

	_, err := store.Update("BTCUSDT", func(s *state.Snapshot) error {
		s.Position = state.Position{Side: state.Long, Qty: 0.004, EntryPrice: 50000}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))

	submits := gw.submitted()
	require.Len(t, submits, 2)
	assert.Equal(t, state.IntentClose, submits[0].Intent)
	assert.Equal(t, state.Long, submits[0].Side)
	assert.True(t, submits[0].ReduceOnly)
	assert.InDelta(t, 0.004, submits[0].Qty, 1e-9)
	assert.Equal(t, state.IntentOpen, submits[1].Intent)
	assert.Equal(t, state.Short, submits[1].Side)

	// The open leg waits for an observed flat between the two submissions.
	log := gw.callLog()
	firstPosition, secondSubmit := -1, -1
	seenSubmits := 0
	for i, call := range log {
		if call == "position" && firstPosition == -1 {
			firstPosition = i
		}
		if call == "submit" {
			seenSubmits++
			if seenSubmits == 2 {
				secondSubmit = i
			}
		}
	}
	require.NotEqual(t, -1, firstPosition, "expected a position check, got %v", log)
	require.NotEqual(t, -1, secondSubmit)
	assert.Less(t, firstPosition, secondSubmit, "flat must be observed before the opening leg: %v", log)

	snap := store.Snapshot("BTCUSDT")
	assert.Equal(t, state.Short, snap.Position.Side)
	assert.InDelta(t, 0.01, snap.Position.Qty, 1e-9)
	assert.False(t, snap.Risk.LastFlipAt.IsZero(), "flip time must be stamped after success")
	assert.InDelta(t, 2.0, snap.Risk.DailyRealizedPnl, 1e-9, "close at 50500 from 50000 long 0.004")
}

func TestHandleSignal_HedgeOpenNetsOpposingExposure(t *testing.T) {
	gw := &mockGateway{
		submitFn: func(_ int, req bybit.OrderRequest) (bybit.OrderState, error) { return ack(req), nil },
		statusFn: func(_ int, _, id string) (bybit.OrderState, error) { return filled(id, 0.01, 50500), nil },
	}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Short, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)
	c.mode = Hedge

	_, err := store.Update("BTCUSDT", func(s *state.Snapshot) error {
		s.Position = state.Position{Side: state.Long, Qty: 0.004, EntryPrice: 50000}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))

	// Hedge mode never submits the close leg; the exchange holds both legs
	// and local state books the net exposure.
	submits := gw.submitted()
	require.Len(t, submits, 1)
	assert.Equal(t, state.IntentOpen, submits[0].Intent)
	assert.Equal(t, 2, submits[0].PositionIdx)
	assert.False(t, submits[0].ReduceOnly)

	snap := store.Snapshot("BTCUSDT")
	assert.Equal(t, state.Short, snap.Position.Side)
	assert.InDelta(t, 0.006, snap.Position.Qty, 1e-9)
	assert.InDelta(t, 50500, snap.Position.EntryPrice, 1e-9)
	assert.InDelta(t, 2.0, snap.Risk.DailyRealizedPnl, 1e-9, "offset against the long 0.004 entered at 50000 realizes")
	assert.Empty(t, snap.PendingOrders)
}

func TestHandleSignal_AmbiguousSubmitResolvedByStatusCheck(t *testing.T) {
	gw := &mockGateway{
		submitFn: func(_ int, _ bybit.OrderRequest) (bybit.OrderState, error) {
			return bybit.OrderState{}, &bybit.APIError{Code: 10016, Msg: "service unavailable"}
		},
		statusFn: func(_ int, _, id string) (bybit.OrderState, error) { return filled(id, 0.01, 50000), nil },
	}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Long, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))

	require.Len(t, gw.submitted(), 1, "order landed on exchange, must not be resubmitted")
	snap := store.Snapshot("BTCUSDT")
	assert.Equal(t, state.Long, snap.Position.Side)
	assert.InDelta(t, 0.01, snap.Position.Qty, 1e-9)
}

func TestHandleSignal_SubmitTimeoutResolvedByStatusCheck(t *testing.T) {
	gw := &mockGateway{
		submitFn: func(_ int, _ bybit.OrderRequest) (bybit.OrderState, error) {
			// The HTTP client gave up waiting; the order may still have landed.
			return bybit.OrderState{}, fmt.Errorf("Post %q: %w", "/v5/order/create", context.DeadlineExceeded)
		},
		statusFn: func(_ int, _, id string) (bybit.OrderState, error) { return filled(id, 0.01, 50000), nil },
	}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Long, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))

	require.Len(t, gw.submitted(), 1, "a timed-out submit may have executed, must not be resubmitted blindly")
	assert.Contains(t, gw.callLog(), "status", "ambiguous timeout must be resolved against the exchange")

	snap := store.Snapshot("BTCUSDT")
	assert.Equal(t, state.Long, snap.Position.Side)
	assert.InDelta(t, 0.01, snap.Position.Qty, 1e-9)
	assert.Empty(t, snap.PendingOrders)
}

func TestHandleSignal_RetryAfterProvableNonExecutionReusesID(t *testing.T) {
	gw := &mockGateway{}
	gw.submitFn = func(n int, req bybit.OrderRequest) (bybit.OrderState, error) {
		if n == 1 {
			return bybit.OrderState{}, &bybit.APIError{Code: 10016, Msg: "service unavailable"}
		}
		return ack(req), nil
	}
	gw.statusFn = func(n int, _, id string) (bybit.OrderState, error) {
		if n == 1 {
			return bybit.OrderState{}, fmt.Errorf("%w: %s", bybit.ErrOrderNotFound, id)
		}
		return filled(id, 0.01, 50000), nil
	}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Long, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))

	submits := gw.submitted()
	require.Len(t, submits, 2)
	assert.Equal(t, submits[0].ClientOrderID, submits[1].ClientOrderID,
		"retry of the same logical step must reuse the client order id")

	snap := store.Snapshot("BTCUSDT")
	assert.Equal(t, state.Long, snap.Position.Side)
	assert.EqualValues(t, 1, snap.Seq, "retries must not burn new sequence numbers")
}

func TestHandleSignal_RiskRejectionPlacesNoOrder(t *testing.T) {
	gw := &mockGateway{}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Long, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)

	_, err := store.Update("BTCUSDT", func(s *state.Snapshot) error {
		s.Risk.DayBoundary = risk.DayKey(time.Now(), time.UTC)
		s.Risk.DailyStartEquity = 10000
		s.Risk.DailyRealizedPnl = -600
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))

	assert.Empty(t, gw.callLog(), "rejected proposal must not touch the exchange")
	assert.True(t, store.Snapshot("BTCUSDT").Position.IsFlat())
}

func TestHandleSignal_HoldIsNoop(t *testing.T) {
	gw := &mockGateway{}
	src := stubSource{p: signal.Proposal{Action: signal.ActionHold, Confidence: 0.3}}
	c, store := newTestCoordinator(t, gw, src)

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))
	assert.Empty(t, gw.callLog())
	assert.True(t, store.Snapshot("BTCUSDT").Position.IsFlat())
}

func TestHandleSignal_HoldIsJournaled(t *testing.T) {
	gw := &mockGateway{}
	src := stubSource{p: signal.Proposal{Action: signal.ActionHold, Confidence: 0.3, Reasoning: "range-bound"}}

	store, err := state.NewStore(t.TempDir())
	require.NoError(t, err)
	jr, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	defer jr.Close()

	c, err := New(testSettings(), store, gw, src, jr, metrics.NewWithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))
	assert.Empty(t, gw.callLog())

	decisions, err := jr.Decisions("BTCUSDT", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, decisions, 1, "holds must leave an audit trail")
	assert.Equal(t, string(signal.ActionHold), decisions[0].Action)
	assert.Equal(t, "HOLD", decisions[0].Outcome)
	assert.Equal(t, "range-bound", decisions[0].Reason)
}

func TestHandleSignal_TimedOutOrderCancelledOnExchange(t *testing.T) {
	gw := &mockGateway{
		submitFn: func(_ int, req bybit.OrderRequest) (bybit.OrderState, error) { return ack(req), nil },
		// The exchange never advances the order past acknowledged.
		statusFn: func(_ int, _, id string) (bybit.OrderState, error) {
			return bybit.OrderState{ClientOrderID: id, Status: state.OrderAcknowledged}, nil
		},
	}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Long, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)
	c.orderTimeout = 5 * time.Millisecond

	err := c.HandleSignal(context.Background(), testMarket())
	require.Error(t, err)

	cancels := gw.cancelled()
	require.Len(t, cancels, 1, "a timed-out order must be cancelled on the exchange before going terminal")
	assert.Equal(t, "btcusdt-open-long-000001", cancels[0])

	snap := store.Snapshot("BTCUSDT")
	assert.True(t, snap.Position.IsFlat(), "unfilled order must not move the position")
	assert.Empty(t, snap.PendingOrders, "confirmed cancellation resolves the pending order")
}

func TestHandleSignal_TimedOutCancelFailureLeavesOrderPending(t *testing.T) {
	gw := &mockGateway{
		submitFn: func(_ int, req bybit.OrderRequest) (bybit.OrderState, error) { return ack(req), nil },
		statusFn: func(_ int, _, id string) (bybit.OrderState, error) {
			return bybit.OrderState{ClientOrderID: id, Status: state.OrderAcknowledged}, nil
		},
		// The cancel racing a fill is exactly when marking terminal would lie.
		cancelFn: func(_, id string) error { return fmt.Errorf("cancel %s: order may have filled", id) },
	}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Long, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)
	c.orderTimeout = 5 * time.Millisecond

	err := c.HandleSignal(context.Background(), testMarket())
	require.Error(t, err)

	snap := store.Snapshot("BTCUSDT")
	require.Len(t, snap.PendingOrders, 1, "unresolved order must stay for the reconciler")
	assert.False(t, snap.PendingOrders[0].Status.Terminal())
	assert.True(t, snap.Position.IsFlat())
}

func TestHandleSignal_StuckFlattenHaltsInstrument(t *testing.T) {
	gw := &mockGateway{
		submitFn: func(_ int, req bybit.OrderRequest) (bybit.OrderState, error) { return ack(req), nil },
		statusFn: func(_ int, _, id string) (bybit.OrderState, error) { return filled(id, 0, 50500), nil },
		posFn: func(symbol string) (bybit.PositionInfo, error) {
			// Exchange keeps reporting lingering exposure.
			return bybit.PositionInfo{Symbol: symbol, Side: state.Long, Qty: 0.004}, nil
		},
	}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Short, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)
	c.flattenTimeout = 5 * time.Millisecond

	_, err := store.Update("BTCUSDT", func(s *state.Snapshot) error {
		s.Position = state.Position{Side: state.Long, Qty: 0.004, EntryPrice: 50000}
		return nil
	})
	require.NoError(t, err)

	err = c.HandleSignal(context.Background(), testMarket())
	var stuck *StuckPositionError
	require.ErrorAs(t, err, &stuck)
	assert.Equal(t, "BTCUSDT", stuck.Instrument)

	require.Len(t, gw.submitted(), 1, "open leg must never be submitted against lingering exposure")

	snap := store.Snapshot("BTCUSDT")
	assert.True(t, snap.Halted, "instrument must be halted until reconciliation converges it")
	assert.True(t, snap.Risk.LastFlipAt.IsZero(), "failed flip must not start a cooldown")
}

func TestHandleSignal_HaltedInstrumentSkipsPipeline(t *testing.T) {
	gw := &mockGateway{}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Long, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)

	_, err := store.Update("BTCUSDT", func(s *state.Snapshot) error {
		s.Halted = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))
	assert.Empty(t, gw.callLog())
}

func TestHandleSignal_DryRunSuppressesOrders(t *testing.T) {
	gw := &mockGateway{}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Long, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)
	c.dryRun = true

	require.NoError(t, c.HandleSignal(context.Background(), testMarket()))
	assert.Empty(t, gw.callLog())
	assert.True(t, store.Snapshot("BTCUSDT").Position.IsFlat())
}

func TestHandleSignal_BusinessRejectionIsFatal(t *testing.T) {
	gw := &mockGateway{
		submitFn: func(_ int, _ bybit.OrderRequest) (bybit.OrderState, error) {
			return bybit.OrderState{}, &bybit.APIError{Code: 110007, Msg: "insufficient balance"}
		},
	}
	src := stubSource{p: signal.Proposal{Action: signal.ActionEnter, Side: state.Long, Confidence: 0.9}}
	c, store := newTestCoordinator(t, gw, src)

	err := c.HandleSignal(context.Background(), testMarket())
	require.Error(t, err)
	var apiErr *bybit.APIError
	assert.ErrorAs(t, err, &apiErr)

	require.Len(t, gw.submitted(), 1, "business rejections must never be retried")
	snap := store.Snapshot("BTCUSDT")
	assert.True(t, snap.Position.IsFlat())
	assert.Empty(t, snap.PendingOrders, "rejected order must be pruned")
}
