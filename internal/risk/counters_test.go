package risk

import (
	"testing"
	"time"

	"unitrader/internal/state"
)

func TestRollDaily_Idempotent(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 8, 29, 9, 30, 0, 0, loc)

	rc := state.RiskCounters{
		DailyStartEquity: 10000,
		DailyRealizedPnl: -300,
		CurrentEquity:    9700,
		PeakEquity:       10500,
		DayBoundary:      "2026-08-28",
	}

	if !RollDaily(&rc, now, loc) {
		t.Fatal("expected first roll to reset counters")
	}
	if rc.DayBoundary != "2026-08-29" {
		t.Errorf("boundary not advanced: %s", rc.DayBoundary)
	}
	if rc.DailyStartEquity != 9700 || rc.DailyRealizedPnl != 0 {
		t.Errorf("counters not reseeded: %+v", rc)
	}

	before := rc
	if RollDaily(&rc, now.Add(6*time.Hour), loc) {
		t.Error("second roll within the same day must be a no-op")
	}
	if rc != before {
		t.Errorf("counters changed on no-op roll:\nbefore %+v\nafter  %+v", before, rc)
	}
}

func TestRollDaily_TimezoneBoundary(t *testing.T) {
	// 23:30 UTC on the 28th is already the 29th in UTC+8.
	loc := time.FixedZone("UTC+8", 8*3600)
	now := time.Date(2026, 8, 28, 23, 30, 0, 0, time.UTC)

	rc := state.RiskCounters{CurrentEquity: 5000, DayBoundary: "2026-08-28"}
	if !RollDaily(&rc, now, loc) {
		t.Fatal("expected roll across the exchange-local midnight")
	}
	if rc.DayBoundary != "2026-08-29" {
		t.Errorf("expected boundary 2026-08-29, got %s", rc.DayBoundary)
	}
}

func TestApplyRealized(t *testing.T) {
	rc := state.RiskCounters{CurrentEquity: 10000, PeakEquity: 10000}

	ApplyRealized(&rc, -550)
	if rc.ConsecutiveLosses != 1 || rc.CurrentEquity != 9450 || rc.DailyRealizedPnl != -550 {
		t.Errorf("loss not booked: %+v", rc)
	}

	ApplyRealized(&rc, 700)
	if rc.ConsecutiveLosses != 0 {
		t.Errorf("win must reset the loss streak: %+v", rc)
	}
	if rc.PeakEquity != 10150 {
		t.Errorf("peak not advanced: %f", rc.PeakEquity)
	}
}

func TestApplyEquity_SeedsFirstObservation(t *testing.T) {
	var rc state.RiskCounters
	ApplyEquity(&rc, 10000)
	if rc.DailyStartEquity != 10000 || rc.PeakEquity != 10000 || rc.CurrentEquity != 10000 {
		t.Errorf("first equity observation not seeded: %+v", rc)
	}

	ApplyEquity(&rc, 9800)
	if rc.DailyStartEquity != 10000 {
		t.Errorf("start-of-day equity must not move on refresh: %+v", rc)
	}
	if rc.PeakEquity != 10000 {
		t.Errorf("peak must not fall: %+v", rc)
	}
}

func TestRealizedPnl(t *testing.T) {
	tests := []struct {
		side  state.Side
		qty   float64
		entry float64
		exit  float64
		want  float64
	}{
		{state.Long, 2, 100, 110, 20},
		{state.Long, 2, 100, 90, -20},
		{state.Short, 1.5, 200, 180, 30},
		{state.Short, 1.5, 200, 220, -30},
		{state.Flat, 1, 100, 110, 0},
	}
	for _, tt := range tests {
		if got := RealizedPnl(tt.side, tt.qty, tt.entry, tt.exit); got != tt.want {
			t.Errorf("RealizedPnl(%s, %v, %v, %v) = %v, want %v", tt.side, tt.qty, tt.entry, tt.exit, got, tt.want)
		}
	}
}
