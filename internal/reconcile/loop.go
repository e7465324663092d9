// Package reconcile periodically converges local state onto exchange truth.
// The exchange always wins: phantom positions are closed out locally, missing
// positions adopted, size mismatches overwritten and stale orders cancelled.
// Every repair goes through compare-and-swap; losing the race to the executor
// aborts the pass, never overwrites it.
package reconcile

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
	"unitrader/internal/state"
)

// Divergence kinds between local belief and exchange truth.
const (
	PhantomLocal = "PHANTOM_LOCAL" // local open, exchange flat
	MissingLocal = "MISSING_LOCAL" // local flat, exchange open
	SizeMismatch = "SIZE_MISMATCH" // both open, size or side differs
	StaleOrder   = "STALE_ORDER"   // pending order exceeded its lifetime
)

// Gateway is the slice of the exchange client the reconciler needs.
type Gateway interface {
	GetPosition(ctx context.Context, symbol string) (bybit.PositionInfo, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]bybit.OrderState, error)
	GetOrderStatus(ctx context.Context, symbol, clientOrderID string) (bybit.OrderState, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	GetAccountEquity(ctx context.Context) (float64, error)
}

// Reconciler drives periodic and event-kicked reconciliation passes.
type Reconciler struct {
	store   *state.Store
	gw      Gateway
	journal *journal.Store
	metrics *metrics.Metrics

	symbols      []string
	interval     time.Duration
	staleTimeout time.Duration
	loc          *time.Location
}

// New builds a reconciler from settings. The journal may be nil.
func New(c cfg.Settings, store *state.Store, gw Gateway, jr *journal.Store, m *metrics.Metrics) (*Reconciler, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, fmt.Errorf("resolve risk timezone: %w", err)
	}
	return &Reconciler{
		store:        store,
		gw:           gw,
		journal:      jr,
		metrics:      m,
		symbols:      c.Symbols,
		interval:     c.ReconcileInterval,
		staleTimeout: c.StaleOrderTimeout,
		loc:          loc,
	}, nil
}

// Run reconciles on a fixed interval and immediately whenever a symbol
// arrives on kick (private stream order/position pushes).
func (r *Reconciler) Run(ctx context.Context, kick <-chan string) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Strs("symbols", r.symbols).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			for _, sym := range r.symbols {
				r.tickLogged(ctx, sym)
			}
		case sym := <-kick:
			r.tickLogged(ctx, sym)
		}
	}
}

func (r *Reconciler) tickLogged(ctx context.Context, symbol string) {
	if err := r.Tick(ctx, symbol); err != nil {
		if r.metrics != nil {
			r.metrics.ErrorsTotal.Inc()
		}
		log.Error().Err(err).Str("symbol", symbol).Msg("reconciliation pass failed")
	}
}

// orderResolution is the outcome of checking one pending order against the
// exchange.
type orderResolution struct {
	state   bybit.OrderState
	repair  string // non-empty when the resolution is itself a divergence
	detail  string
	missing bool // exchange has no record of the id
}

// Tick runs one reconciliation pass for a symbol: fetch exchange truth,
// resolve pending orders, repair position divergence, refresh equity and
// clear the halt flag once converged.
func (r *Reconciler) Tick(ctx context.Context, symbol string) error {
	if r.metrics != nil {
		r.metrics.ReconcileRuns.Inc()
	}
	now := time.Now()
	snap := r.store.Snapshot(symbol)

	exPos, err := r.gw.GetPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch position for %s: %w", symbol, err)
	}
	openOrders, err := r.gw.GetOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders for %s: %w", symbol, err)
	}
	equity, eqErr := r.gw.GetAccountEquity(ctx)
	if eqErr != nil {
		// Equity refresh is best-effort; position repair must not depend
		// on the wallet endpoint.
		log.Warn().Err(eqErr).Msg("equity refresh failed")
		equity = 0
	}

	openByID := make(map[string]bybit.OrderState, len(openOrders))
	for _, o := range openOrders {
		openByID[o.ClientOrderID] = o
	}

	resolutions := r.resolveOrders(ctx, symbol, snap, openByID, now)

	var repairs []journal.RepairRecord

	mutated, err := r.store.CompareAndSwap(symbol, snap.Version, func(s *state.Snapshot) error {
		repairs = repairs[:0]

		// Roll the day boundary before booking anything, so a boundary
		// crossing never wipes P&L realized in this pass.
		risk.RollDaily(&s.Risk, now, r.loc)

		// Order resolutions first, so fill-completed orders leave the
		// pending set before the convergence check below.
		for id, res := range resolutions {
			o := s.FindOrder(id)
			if o == nil || o.Status.Terminal() {
				continue
			}
			switch {
			case res.missing:
				o.Status = state.OrderCancelled
			default:
				o.Status = res.state.Status
				o.ExchangeOrderID = res.state.ExchangeOrderID
			}
			o.LastCheckedAt = now
			if res.repair != "" {
				repairs = append(repairs, journal.RepairRecord{
					Symbol: symbol, Divergence: res.repair, Detail: res.detail, Ts: now,
				})
			}
		}

		// Position divergence: the exchange record is authoritative, but a
		// stale read (older source version) never regresses local state.
		div := classify(s.Position, exPos)
		if div != "" {
			if exPos.SourceVersion > 0 && exPos.SourceVersion < s.Position.SourceVersion {
				log.Warn().
					Str("symbol", symbol).
					Int64("local_version", s.Position.SourceVersion).
					Int64("exchange_version", exPos.SourceVersion).
					Msg("skipping repair from stale exchange read")
			} else {
				repair := journal.RepairRecord{Symbol: symbol, Divergence: div, Ts: now}
				if div == PhantomLocal {
					exit := exPos.MarkPrice
					if exit == 0 {
						exit = s.Position.MarkPrice
					}
					if exit > 0 {
						pnl := risk.RealizedPnl(s.Position.Side, s.Position.Qty, s.Position.EntryPrice, exit)
						risk.ApplyRealized(&s.Risk, pnl)
						repair.RealizedPnl = pnl
						repair.Detail = fmt.Sprintf("closed %s %.8f @ %.2f externally", s.Position.Side, s.Position.Qty, exit)
					} else {
						// No exit price from either side: adopting flat is
						// still right, but inventing a P&L number is not.
						repair.Detail = fmt.Sprintf("closed %s %.8f externally, exit price unknown, no P&L booked",
							s.Position.Side, s.Position.Qty)
					}
				} else {
					repair.Detail = fmt.Sprintf("local %s %.8f -> exchange %s %.8f",
						s.Position.Side, s.Position.Qty, exPos.Side, exPos.Qty)
				}
				adopt(&s.Position, exPos, now)
				repairs = append(repairs, repair)
			}
		}

		if equity > 0 {
			risk.ApplyEquity(&s.Risk, equity)
		}
		s.PruneOrders()

		// A halted instrument resumes once state matches the exchange and
		// nothing is in flight.
		if s.Halted && len(s.PendingOrders) == 0 && classify(s.Position, exPos) == "" {
			s.Halted = false
			log.Info().Str("symbol", symbol).Msg("instrument converged, halt cleared")
		}
		return nil
	})
	if errors.Is(err, state.ErrVersionConflict) {
		// The executor won the race; its view is fresher than ours. Retry
		// from a clean read on the next pass.
		if r.metrics != nil {
			r.metrics.VersionConflicts.Inc()
		}
		log.Debug().Str("symbol", symbol).Msg("reconciliation lost version race, deferring")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply repairs for %s: %w", symbol, err)
	}

	if r.metrics != nil {
		if equity > 0 {
			r.metrics.EquityValue.Set(equity)
		}
		r.metrics.DailyPnL.Set(mutated.Risk.DailyRealizedPnl)
		r.metrics.ReconcileRepairs.Add(float64(len(repairs)))
	}
	for _, rep := range repairs {
		log.Warn().
			Str("symbol", rep.Symbol).
			Str("divergence", rep.Divergence).
			Str("detail", rep.Detail).
			Float64("realized_pnl", rep.RealizedPnl).
			Msg("state repaired from exchange truth")
		if r.journal != nil {
			if jerr := r.journal.RecordRepair(rep); jerr != nil {
				log.Warn().Err(jerr).Msg("failed to journal repair")
			}
		}
	}
	return nil
}

// resolveOrders checks every non-terminal pending order against the
// exchange: orders still open are refreshed (and cancelled once stale),
// orders gone from the open set are resolved through the status endpoint.
func (r *Reconciler) resolveOrders(ctx context.Context, symbol string, snap state.Snapshot,
	openByID map[string]bybit.OrderState, now time.Time) map[string]orderResolution {

	out := make(map[string]orderResolution)
	for _, o := range snap.PendingOrders {
		if o.Status.Terminal() {
			continue
		}

		if ex, ok := openByID[o.ClientOrderID]; ok {
			if now.Sub(o.CreatedAt) <= r.staleTimeout {
				out[o.ClientOrderID] = orderResolution{state: ex}
				continue
			}
			// Stale: status-check first, then cancel whatever is still live.
			st, serr := r.gw.GetOrderStatus(ctx, symbol, o.ClientOrderID)
			if serr == nil && st.Status.Terminal() {
				out[o.ClientOrderID] = orderResolution{state: st}
				continue
			}
			if cerr := r.gw.CancelOrder(ctx, symbol, o.ClientOrderID); cerr != nil {
				log.Error().Err(cerr).
					Str("symbol", symbol).
					Str("client_order_id", o.ClientOrderID).
					Msg("stale order cancel failed, escalating to next pass")
				continue
			}
			cancelled := ex
			cancelled.Status = state.OrderCancelled
			out[o.ClientOrderID] = orderResolution{
				state:  cancelled,
				repair: StaleOrder,
				detail: fmt.Sprintf("order %s cancelled after %s without terminal state", o.ClientOrderID, now.Sub(o.CreatedAt).Round(time.Second)),
			}
			continue
		}

		st, serr := r.gw.GetOrderStatus(ctx, symbol, o.ClientOrderID)
		switch {
		case errors.Is(serr, bybit.ErrOrderNotFound):
			out[o.ClientOrderID] = orderResolution{missing: true}
		case serr != nil:
			log.Warn().Err(serr).
				Str("symbol", symbol).
				Str("client_order_id", o.ClientOrderID).
				Msg("pending order status check failed")
		default:
			out[o.ClientOrderID] = orderResolution{state: st}
		}
	}
	return out
}

// classify names the divergence between local belief and exchange truth, or
// returns empty when they agree.
func classify(local state.Position, ex bybit.PositionInfo) string {
	switch {
	case !local.IsFlat() && ex.Qty == 0:
		return PhantomLocal
	case local.IsFlat() && ex.Qty > 0:
		return MissingLocal
	case !local.IsFlat() && ex.Qty > 0 &&
		(local.Side != ex.Side || math.Abs(local.Qty-ex.Qty) > 1e-9):
		return SizeMismatch
	}
	return ""
}

// adopt overwrites the local position with the exchange record.
func adopt(pos *state.Position, ex bybit.PositionInfo, now time.Time) {
	pos.Side = ex.Side
	pos.Qty = ex.Qty
	pos.EntryPrice = ex.EntryPrice
	if ex.MarkPrice > 0 {
		pos.MarkPrice = ex.MarkPrice
	}
	if ex.Leverage > 0 {
		pos.Leverage = ex.Leverage
	}
	pos.SourceVersion = ex.SourceVersion
	pos.UpdatedAt = now
}
