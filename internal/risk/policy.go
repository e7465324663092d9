// Package risk evaluates trade proposals against the persisted risk
// counters. Evaluate is a pure function of its inputs, with no hidden state
// and no I/O, so every rule is unit-testable in isolation.
package risk

import (
	"fmt"
	"time"

	"unitrader/internal/signal"
	"unitrader/internal/state"
)

// Limits are the operator-supplied risk configuration.
type Limits struct {
	MaxDailyLossPct float64
	MaxDrawdownPct  float64
	FlipCooldown    time.Duration
	MaxSpreadPct    float64
	MinVolatility   float64
	MinConfidence   float64
}

// Decision is the outcome of a policy evaluation. A rejection always
// carries a human-readable reason; callers never infer rejection from the
// absence of an order.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision          { return Decision{Allowed: true} }
func reject(r string) Decision { return Decision{Reason: r} }

// Evaluate applies the risk rules in order, short-circuiting on the first
// rejection. Rule order is part of the contract: daily loss, drawdown,
// flip cooldown, spread guard, volatility floor, confidence threshold.
func Evaluate(p signal.Proposal, snap state.Snapshot, mkt signal.MarketContext, lim Limits, now time.Time) Decision {
	rc := snap.Risk

	if lim.MaxDailyLossPct > 0 && rc.DailyStartEquity > 0 {
		limit := -(rc.DailyStartEquity * lim.MaxDailyLossPct)
		if rc.DailyRealizedPnl <= limit {
			return reject(fmt.Sprintf("daily loss limit reached: realized %.2f <= limit %.2f",
				rc.DailyRealizedPnl, limit))
		}
	}

	if lim.MaxDrawdownPct > 0 && rc.PeakEquity > 0 {
		dd := (rc.PeakEquity - rc.CurrentEquity) / rc.PeakEquity
		if dd >= lim.MaxDrawdownPct {
			return reject(fmt.Sprintf("drawdown limit reached: %.2f%% >= %.2f%%",
				dd*100, lim.MaxDrawdownPct*100))
		}
	}

	if isFlip(p, snap.Position) && lim.FlipCooldown > 0 && !rc.LastFlipAt.IsZero() {
		if elapsed := now.Sub(rc.LastFlipAt); elapsed < lim.FlipCooldown {
			return reject(fmt.Sprintf("flip cooldown active: %s of %s elapsed since last flip",
				elapsed.Round(time.Second), lim.FlipCooldown))
		}
	}

	if lim.MaxSpreadPct > 0 && mkt.Bid > 0 && mkt.Ask > mkt.Bid {
		mid := (mkt.Bid + mkt.Ask) / 2
		spread := (mkt.Ask - mkt.Bid) / mid
		if spread > lim.MaxSpreadPct {
			return reject(fmt.Sprintf("spread too wide: %.4f%% > %.4f%%",
				spread*100, lim.MaxSpreadPct*100))
		}
	}

	if p.Action == signal.ActionEnter {
		if lim.MinVolatility > 0 && mkt.Volatility < lim.MinVolatility {
			return reject(fmt.Sprintf("volatility %.6f below floor %.6f", mkt.Volatility, lim.MinVolatility))
		}
		if lim.MinConfidence > 0 && p.Confidence < lim.MinConfidence {
			return reject(fmt.Sprintf("confidence %.2f below threshold %.2f", p.Confidence, lim.MinConfidence))
		}
	}

	return allow()
}

// isFlip reports whether the proposal would reverse an open position.
func isFlip(p signal.Proposal, pos state.Position) bool {
	if p.Action != signal.ActionEnter || pos.IsFlat() {
		return false
	}
	return p.Side != pos.Side
}
