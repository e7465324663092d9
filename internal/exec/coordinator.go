package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"unitrader/internal/cfg"
	"unitrader/internal/exchange/bybit"
	"unitrader/internal/journal"
	"unitrader/internal/metrics"
	"unitrader/internal/risk"
	"unitrader/internal/signal"
	"unitrader/internal/state"
)

// Gateway is the slice of the exchange client the coordinator needs.
type Gateway interface {
	GetPosition(ctx context.Context, symbol string) (bybit.PositionInfo, error)
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (bybit.OrderState, error)
	SubmitOrder(ctx context.Context, req bybit.OrderRequest) (bybit.OrderState, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
}

// ErrOutcomeUnknown means a submission failed and the follow-up status check
// could not prove whether the exchange accepted it. The pending order is left
// in state for the reconciler to resolve against exchange truth.
var ErrOutcomeUnknown = errors.New("exec: order outcome unknown")

// StuckPositionError reports a one-way flip whose close leg filled but whose
// position never reached flat within the flatten timeout. The instrument is
// halted until reconciliation converges it.
type StuckPositionError struct {
	Instrument string
	Waited     time.Duration
}

func (e *StuckPositionError) Error() string {
	return fmt.Sprintf("position %s still open after waiting %s to flatten; instrument halted",
		e.Instrument, e.Waited)
}

// Coordinator drives the signal -> risk -> plan -> execute pipeline for
// confirmed candles. All state mutations go through compare-and-swap so the
// reconciler can never be silently overwritten.
type Coordinator struct {
	store   *state.Store
	gw      Gateway
	source  signal.Source
	journal *journal.Store
	metrics *metrics.Metrics

	limits         risk.Limits
	mode           AccountMode
	loc            *time.Location
	riskUSD        float64
	leverage       int
	orderTimeout   time.Duration
	flattenTimeout time.Duration
	pollInterval   time.Duration
	maxRetries     int
	dryRun         bool
}

// New builds a coordinator from settings. The journal may be nil; journaling
// is best-effort and never blocks execution.
func New(c cfg.Settings, store *state.Store, gw Gateway, source signal.Source,
	jr *journal.Store, m *metrics.Metrics) (*Coordinator, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve risk timezone: %w", err)
	}
	return &Coordinator{
		store:   store,
		gw:      gw,
		source:  source,
		journal: jr,
		metrics: m,
		limits: risk.Limits{
			MaxDailyLossPct: c.MaxDailyLossPct,
			MaxDrawdownPct:  c.MaxDrawdownPct,
			FlipCooldown:    c.FlipCooldown,
			MaxSpreadPct:    c.MaxSpreadPct,
			MinVolatility:   c.MinVolatility,
			MinConfidence:   c.MinConfidence,
		},
		mode:           AccountMode(c.AccountMode),
		loc:            loc,
		riskUSD:        c.RiskUSD,
		leverage:       c.Leverage,
		orderTimeout:   c.OrderTimeout,
		flattenTimeout: c.FlattenTimeout,
		pollInterval:   500 * time.Millisecond,
		maxRetries:     c.MaxRetries,
		dryRun:         c.DryRun,
	}, nil
}

// HandleSignal runs the full pipeline for one confirmed candle: roll the
// daily boundary, fetch a proposal, validate it, evaluate risk, resolve a
// plan and execute it step by step.
func (c *Coordinator) HandleSignal(ctx context.Context, mkt signal.MarketContext) error {
	now := time.Now()
	instrument := mkt.Instrument

	snap, err := c.store.Update(instrument, func(s *state.Snapshot) error {
		risk.RollDaily(&s.Risk, now, c.loc)
		return nil
	})
	if err != nil {
		return fmt.Errorf("roll daily counters for %s: %w", instrument, err)
	}

	if snap.Halted {
		log.Warn().Str("instrument", instrument).Msg("instrument halted, skipping signal")
		c.recordDecision(instrument, "", "SKIPPED", "instrument halted pending reconciliation", now)
		return nil
	}

	proposal, err := c.source.Propose(ctx, mkt)
	if err != nil {
		return fmt.Errorf("signal source for %s: %w", instrument, err)
	}
	if err := signal.Validate(proposal); err != nil {
		return fmt.Errorf("invalid proposal for %s: %w", instrument, err)
	}

	if proposal.Action == signal.ActionHold {
		log.Debug().Str("instrument", instrument).Float64("confidence", proposal.Confidence).Msg("holding")
		c.recordDecision(instrument, string(signal.ActionHold), "HOLD", proposal.Reasoning, now)
		return nil
	}

	decision := risk.Evaluate(proposal, snap, mkt, c.limits, now)
	if !decision.Allowed {
		if c.metrics != nil {
			c.metrics.RiskRejections.Inc()
		}
		log.Info().
			Str("instrument", instrument).
			Str("action", string(proposal.Action)).
			Str("reason", decision.Reason).
			Msg("proposal rejected by risk policy")
		c.recordDecision(instrument, string(proposal.Action), "REJECTED", decision.Reason, now)
		return nil
	}

	steps, flip, err := c.plan(proposal, snap.Position, mkt)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		c.recordDecision(instrument, string(proposal.Action), "NOOP", "position already at target", now)
		return nil
	}

	if c.dryRun {
		for _, step := range steps {
			log.Info().
				Str("instrument", instrument).
				Str("intent", string(step.Intent)).
				Str("side", string(step.Side)).
				Float64("qty", step.Qty).
				Msg("dry run: would submit order")
		}
		c.recordDecision(instrument, string(proposal.Action), "DRY_RUN", proposal.Reasoning, now)
		return nil
	}

	start := time.Now()
	for _, step := range steps {
		if err := c.executeStep(ctx, instrument, step); err != nil {
			return err
		}
	}
	if c.metrics != nil {
		c.metrics.OrderExecutionDuration.Observe(time.Since(start).Seconds())
	}

	// The cooldown stamp lands only after the opening leg completed, so a
	// failed flip does not start a cooldown.
	if flip {
		if _, err := c.mutate(instrument, func(s *state.Snapshot) error {
			s.Risk.LastFlipAt = time.Now()
			return nil
		}); err != nil {
			return fmt.Errorf("record flip time for %s: %w", instrument, err)
		}
	}

	c.recordDecision(instrument, string(proposal.Action), "EXECUTED", proposal.Reasoning, now)
	return nil
}

func (c *Coordinator) plan(p signal.Proposal, pos state.Position, mkt signal.MarketContext) ([]PlanStep, bool, error) {
	switch p.Action {
	case signal.ActionExit:
		return PlanExit(pos), false, nil
	case signal.ActionEnter:
		qty := c.size(mkt.Instrument, mkt.LastPrice)
		if qty <= 0 {
			return nil, false, fmt.Errorf("cannot size order for %s at price %f", mkt.Instrument, mkt.LastPrice)
		}
		steps, err := PlanEntry(pos, p.Side, qty, c.mode)
		flip := !pos.IsFlat() && pos.Side != p.Side
		return steps, flip, err
	}
	return nil, false, nil
}

// size converts the configured risk budget into an order quantity at the
// given price, floored to the instrument's lot step.
func (c *Coordinator) size(symbol string, price float64) float64 {
	if price <= 0 {
		return 0
	}
	raw := c.riskUSD * float64(c.leverage) / price
	return roundStep(raw, lotStep(symbol))
}

// executeStep runs one plan step: wait for flat if required, reserve a
// deterministic client order id through compare-and-swap, submit, then poll
// the order to a terminal state and apply the fill.
func (c *Coordinator) executeStep(ctx context.Context, instrument string, step PlanStep) error {
	if step.AwaitFlat {
		if err := c.awaitFlat(ctx, instrument); err != nil {
			return err
		}
	}

	var clientID string
	if _, err := c.mutate(instrument, func(s *state.Snapshot) error {
		clientID = s.NextClientOrderID(step.Intent, step.Side)
		return s.UpsertOrder(state.PendingOrder{
			ClientOrderID: clientID,
			Intent:        step.Intent,
			Side:          step.Side,
			RequestedQty:  step.Qty,
			Status:        state.OrderSubmitted,
			CreatedAt:     time.Now(),
		})
	}); err != nil {
		return fmt.Errorf("reserve client order id: %w", err)
	}

	req := bybit.OrderRequest{
		ClientOrderID: clientID,
		Symbol:        instrument,
		Side:          step.Side,
		Intent:        step.Intent,
		Qty:           step.Qty,
		ReduceOnly:    step.ReduceOnly,
		PositionIdx:   positionIdx(c.mode, step.Side),
	}

	ack, err := c.submit(ctx, req)
	if err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			// Leave the pending order in place; reconciliation resolves it.
			return err
		}
		if _, merr := c.mutate(instrument, func(s *state.Snapshot) error {
			if o := s.FindOrder(clientID); o != nil && !o.Status.Terminal() {
				o.Status = state.OrderRejected
			}
			s.PruneOrders()
			return nil
		}); merr != nil {
			log.Warn().Err(merr).Str("client_order_id", clientID).Msg("failed to mark order rejected")
		}
		return fmt.Errorf("submit %s: %w", clientID, err)
	}
	if c.metrics != nil {
		c.metrics.OrdersTotal.Inc()
	}

	final, err := c.awaitTerminal(ctx, instrument, clientID, ack)
	if err != nil {
		return err
	}

	switch final.Status {
	case state.OrderFilled:
		return c.applyFill(instrument, step, final)
	default:
		if _, merr := c.mutate(instrument, func(s *state.Snapshot) error {
			if o := s.FindOrder(clientID); o != nil && !o.Status.Terminal() {
				o.Status = final.Status
			}
			s.PruneOrders()
			return nil
		}); merr != nil {
			return merr
		}
		return fmt.Errorf("order %s ended %s without filling", clientID, final.Status)
	}
}

// submit places the order, resolving ambiguous failures by looking the
// client order id up on the exchange before resubmitting. The id never
// changes across attempts, so a retry of an order that actually landed is
// deduplicated exchange-side.
func (c *Coordinator) submit(ctx context.Context, req bybit.OrderRequest) (bybit.OrderState, error) {
	for attempt := 0; ; attempt++ {
		st, err := c.gw.SubmitOrder(ctx, req)
		if err == nil {
			return st, nil
		}
		if ctx.Err() != nil {
			// Shutdown mid-submit: the outcome cannot be resolved now, so
			// the pending order stays for the reconciler.
			return bybit.OrderState{}, fmt.Errorf("%w: %s: %v", ErrOutcomeUnknown, req.ClientOrderID, err)
		}
		if !bybit.IsRetryable(err) {
			return bybit.OrderState{}, err
		}

		st, serr := c.gw.GetOrderStatus(ctx, req.Symbol, req.ClientOrderID)
		if serr == nil {
			log.Warn().
				Str("client_order_id", req.ClientOrderID).
				Str("status", string(st.Status)).
				Msg("ambiguous submit resolved by status check: order reached exchange")
			return st, nil
		}
		if !errors.Is(serr, bybit.ErrOrderNotFound) {
			return bybit.OrderState{}, fmt.Errorf("%w: %s: submit: %v, status check: %v",
				ErrOutcomeUnknown, req.ClientOrderID, err, serr)
		}
		// Provably never executed; safe to resubmit the same id.
		if attempt >= c.maxRetries {
			return bybit.OrderState{}, fmt.Errorf("submit %s failed after %d attempts: %w",
				req.ClientOrderID, attempt+1, err)
		}
		if c.metrics != nil {
			c.metrics.OrderRetries.Inc()
		}
		log.Warn().Err(err).
			Str("client_order_id", req.ClientOrderID).
			Int("attempt", attempt+1).
			Msg("order never reached exchange, resubmitting with same id")

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return bybit.OrderState{}, ctx.Err()
		}
	}
}

// awaitTerminal polls the order until it reaches a terminal status or the
// order timeout elapses. Progress (partial fills, acks) is mirrored into the
// pending order so the reconciler sees it.
func (c *Coordinator) awaitTerminal(ctx context.Context, instrument, clientID string, last bybit.OrderState) (bybit.OrderState, error) {
	deadline := time.Now().Add(c.orderTimeout)
	cur := last
	for {
		if cur.Status.Terminal() {
			return cur, nil
		}

		if _, err := c.mutate(instrument, func(s *state.Snapshot) error {
			if o := s.FindOrder(clientID); o != nil && !o.Status.Terminal() {
				o.Status = cur.Status
				o.ExchangeOrderID = cur.ExchangeOrderID
				o.LastCheckedAt = time.Now()
			}
			return nil
		}); err != nil {
			return cur, err
		}

		if time.Now().After(deadline) {
			return cur, c.cancelTimedOut(ctx, instrument, clientID)
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return cur, ctx.Err()
		}

		st, err := c.gw.GetOrderStatus(ctx, instrument, clientID)
		if err != nil {
			// Not-found right after submit is a propagation gap; other
			// failures are retried until the deadline.
			if !errors.Is(err, bybit.ErrOrderNotFound) {
				log.Warn().Err(err).Str("client_order_id", clientID).Msg("order status check failed")
			}
			continue
		}
		cur = st
	}
}

// cancelTimedOut resolves an order that outlived the order timeout. The
// true state is unknown, so the order is cancelled on the exchange first;
// only a confirmed cancellation makes it terminal locally. If the cancel
// fails (possibly because the order just filled) it stays non-terminal and
// the reconciler resolves it against exchange truth.
func (c *Coordinator) cancelTimedOut(ctx context.Context, instrument, clientID string) error {
	if c.metrics != nil {
		c.metrics.OrderTimeouts.Inc()
	}

	if err := c.gw.CancelOrder(ctx, instrument, clientID); err != nil {
		log.Error().Err(err).
			Str("instrument", instrument).
			Str("client_order_id", clientID).
			Msg("timed-out order cancel failed, leaving for reconciliation")
		return fmt.Errorf("order %s for %s did not reach a terminal state within %s, cancel pending",
			clientID, instrument, c.orderTimeout)
	}

	if _, err := c.mutate(instrument, func(s *state.Snapshot) error {
		if o := s.FindOrder(clientID); o != nil && !o.Status.Terminal() {
			o.Status = state.OrderTimedOut
		}
		s.PruneOrders()
		return nil
	}); err != nil {
		return err
	}
	return fmt.Errorf("order %s for %s did not reach a terminal state within %s, cancelled",
		clientID, instrument, c.orderTimeout)
}

// applyFill books the fill into position and risk counters in one
// compare-and-swap, then journals it.
func (c *Coordinator) applyFill(instrument string, step PlanStep, final bybit.OrderState) error {
	qty := final.FilledQty
	if qty == 0 {
		qty = step.Qty
	}
	price := final.AvgPrice

	var pnl float64
	snap, err := c.mutate(instrument, func(s *state.Snapshot) error {
		pnl = 0
		if o := s.FindOrder(final.ClientOrderID); o != nil && !o.Status.Terminal() {
			o.Status = state.OrderFilled
		}

		pos := &s.Position
		switch step.Intent {
		case state.IntentOpen:
			switch {
			case pos.IsFlat():
				pos.Side = step.Side
				pos.Qty = qty
				pos.EntryPrice = price
			case pos.Side == step.Side:
				total := pos.Qty + qty
				if price > 0 {
					pos.EntryPrice = (pos.EntryPrice*pos.Qty + price*qty) / total
				}
				pos.Qty = total
			default:
				// A hedge-mode open lands against opposing exposure; net it
				// so the single net-exposure model stays coherent with the
				// exchange's combined legs. P&L realizes on the offset.
				offset := math.Min(qty, pos.Qty)
				pnl = risk.RealizedPnl(pos.Side, offset, pos.EntryPrice, price)
				risk.ApplyRealized(&s.Risk, pnl)
				if remainder := qty - pos.Qty; remainder > qtyEpsilon {
					pos.Side = step.Side
					pos.Qty = remainder
					pos.EntryPrice = price
				} else {
					pos.Qty -= offset
					if pos.Qty <= qtyEpsilon {
						pos.Qty = 0
						pos.Side = state.Flat
						pos.EntryPrice = 0
					}
				}
			}
		case state.IntentClose, state.IntentReduce:
			closeQty := math.Min(qty, pos.Qty)
			pnl = risk.RealizedPnl(pos.Side, closeQty, pos.EntryPrice, price)
			pos.Qty -= closeQty
			if pos.Qty <= qtyEpsilon {
				pos.Qty = 0
				pos.Side = state.Flat
				pos.EntryPrice = 0
			}
			risk.ApplyRealized(&s.Risk, pnl)
		}
		if price > 0 {
			pos.MarkPrice = price
		}
		pos.UpdatedAt = time.Now()
		s.PruneOrders()
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply fill %s: %w", final.ClientOrderID, err)
	}

	if c.metrics != nil {
		c.metrics.DailyPnL.Set(snap.Risk.DailyRealizedPnl)
	}
	c.recordFill(journal.FillRecord{
		Symbol:        instrument,
		ClientOrderID: final.ClientOrderID,
		Intent:        string(step.Intent),
		Side:          string(step.Side),
		Qty:           qty,
		Price:         price,
		RealizedPnl:   pnl,
		Ts:            time.Now(),
	})

	log.Info().
		Str("instrument", instrument).
		Str("client_order_id", final.ClientOrderID).
		Str("intent", string(step.Intent)).
		Float64("qty", qty).
		Float64("price", price).
		Float64("realized_pnl", pnl).
		Msg("fill applied")
	return nil
}

// awaitFlat polls the exchange until the position reports flat. On timeout
// the instrument is halted and a StuckPositionError returned; the open leg
// of the flip is never submitted against lingering exposure.
func (c *Coordinator) awaitFlat(ctx context.Context, instrument string) error {
	deadline := time.Now().Add(c.flattenTimeout)
	for {
		info, err := c.gw.GetPosition(ctx, instrument)
		if err == nil && info.Qty == 0 {
			return nil
		}
		if err != nil {
			log.Warn().Err(err).Str("instrument", instrument).Msg("position check failed while waiting for flat")
		}

		if time.Now().After(deadline) {
			if c.metrics != nil {
				c.metrics.StuckPositions.Inc()
			}
			if _, herr := c.mutate(instrument, func(s *state.Snapshot) error {
				s.Halted = true
				return nil
			}); herr != nil {
				log.Error().Err(herr).Str("instrument", instrument).Msg("failed to halt instrument")
			}
			log.Error().Str("instrument", instrument).Dur("waited", c.flattenTimeout).
				Msg("position stuck, instrument halted")
			return &StuckPositionError{Instrument: instrument, Waited: c.flattenTimeout}
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mutate is a compare-and-swap retry loop that counts conflicts.
func (c *Coordinator) mutate(instrument string, fn func(*state.Snapshot) error) (state.Snapshot, error) {
	for {
		snap := c.store.Snapshot(instrument)
		next, err := c.store.CompareAndSwap(instrument, snap.Version, fn)
		if errors.Is(err, state.ErrVersionConflict) {
			if c.metrics != nil {
				c.metrics.VersionConflicts.Inc()
			}
			continue
		}
		return next, err
	}
}

func (c *Coordinator) recordDecision(instrument, action, outcome, reason string, ts time.Time) {
	if c.journal == nil {
		return
	}
	err := c.journal.RecordDecision(journal.DecisionRecord{
		Symbol: instrument, Action: action, Outcome: outcome, Reason: reason, Ts: ts,
	})
	if err != nil {
		log.Warn().Err(err).Str("instrument", instrument).Msg("failed to journal decision")
	}
}

func (c *Coordinator) recordFill(f journal.FillRecord) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordFill(f); err != nil {
		log.Warn().Err(err).Str("instrument", f.Symbol).Msg("failed to journal fill")
	}
}
