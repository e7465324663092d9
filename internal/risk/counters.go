package risk

import (
	"time"

	"unitrader/internal/state"
)

// DayKey formats the date for the counters' day boundary in the given
// exchange-local timezone.
func DayKey(now time.Time, loc *time.Location) string {
	return now.In(loc).Format("2006-01-02")
}

// RollDaily resets the daily counters when the wall-clock date has advanced
// past the stored boundary. It is idempotent: calling it twice within the
// same day leaves the counters unchanged. Returns true if a reset happened.
func RollDaily(rc *state.RiskCounters, now time.Time, loc *time.Location) bool {
	day := DayKey(now, loc)
	if rc.DayBoundary == day {
		return false
	}
	rc.DayBoundary = day
	rc.DailyStartEquity = rc.CurrentEquity
	rc.DailyRealizedPnl = 0
	return true
}

// ApplyRealized books a realized P&L amount into the counters and updates
// equity, peak and the consecutive-loss streak.
func ApplyRealized(rc *state.RiskCounters, pnl float64) {
	rc.DailyRealizedPnl += pnl
	rc.CurrentEquity += pnl
	if rc.CurrentEquity > rc.PeakEquity {
		rc.PeakEquity = rc.CurrentEquity
	}
	if pnl < 0 {
		rc.ConsecutiveLosses++
	} else if pnl > 0 {
		rc.ConsecutiveLosses = 0
	}
}

// ApplyEquity refreshes the mark-to-market equity from an authoritative
// exchange read without touching realized P&L. Seeds the start-of-day and
// peak values on first observation.
func ApplyEquity(rc *state.RiskCounters, equity float64) {
	rc.CurrentEquity = equity
	if rc.DailyStartEquity == 0 {
		rc.DailyStartEquity = equity
	}
	if equity > rc.PeakEquity {
		rc.PeakEquity = equity
	}
}

// RealizedPnl computes the realized profit for closing qty of a position
// entered at entry and exited at exit.
func RealizedPnl(side state.Side, qty, entry, exit float64) float64 {
	switch side {
	case state.Long:
		return (exit - entry) * qty
	case state.Short:
		return (entry - exit) * qty
	default:
		return 0
	}
}
