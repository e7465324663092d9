// Package exec turns validated, risk-approved proposals into exchange
// mutations. The resolver produces a conflict-free plan for the account
// mode; the coordinator executes the plan with deterministic client order
// ids and status-check-before-retry semantics.
package exec

import (
	"fmt"
	"math"

	"unitrader/internal/state"
)

// AccountMode selects how opposing exposure is handled.
type AccountMode string

const (
	// OneWay nets everything into a single directional position; opening
	// against existing exposure requires flattening first.
	OneWay AccountMode = "oneway"
	// Hedge keeps long and short exposure in separate legs, so an open
	// never conflicts with the opposite side.
	Hedge AccountMode = "hedge"
)

// PlanStep is one exchange mutation within an execution plan. AwaitFlat
// marks a step that must not be submitted until the exchange reports the
// position flat (the second leg of a one-way flip).
type PlanStep struct {
	Intent     state.OrderIntent
	Side       state.Side // direction of the exposure the step acts on
	Qty        float64
	ReduceOnly bool
	AwaitFlat  bool
}

const qtyEpsilon = 1e-9

// PlanEntry resolves a desired directional exposure against the current
// position. In hedge mode every entry is a single open. In one-way mode a
// same-side entry resizes the position, and an opposing entry becomes a
// reduce-only close followed by an open that waits for the flatten to be
// observed.
func PlanEntry(current state.Position, desired state.Side, qty float64, mode AccountMode) ([]PlanStep, error) {
	if desired != state.Long && desired != state.Short {
		return nil, fmt.Errorf("plan entry: desired side must be LONG or SHORT, got %q", desired)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("plan entry: quantity must be positive, got %f", qty)
	}

	if mode == Hedge {
		return []PlanStep{{Intent: state.IntentOpen, Side: desired, Qty: qty}}, nil
	}

	if current.IsFlat() {
		return []PlanStep{{Intent: state.IntentOpen, Side: desired, Qty: qty}}, nil
	}

	if current.Side == desired {
		diff := qty - current.Qty
		switch {
		case diff > qtyEpsilon:
			return []PlanStep{{Intent: state.IntentOpen, Side: desired, Qty: diff}}, nil
		case diff < -qtyEpsilon:
			return []PlanStep{{Intent: state.IntentReduce, Side: desired, Qty: -diff, ReduceOnly: true}}, nil
		default:
			return nil, nil
		}
	}

	// Opposing exposure: close the full current position first, then open
	// the new direction only once the exchange confirms flat.
	return []PlanStep{
		{Intent: state.IntentClose, Side: current.Side, Qty: current.Qty, ReduceOnly: true},
		{Intent: state.IntentOpen, Side: desired, Qty: qty, AwaitFlat: true},
	}, nil
}

// PlanExit flattens whatever is open. A flat position yields an empty plan.
func PlanExit(current state.Position) []PlanStep {
	if current.IsFlat() {
		return nil
	}
	return []PlanStep{
		{Intent: state.IntentClose, Side: current.Side, Qty: current.Qty, ReduceOnly: true},
	}
}

// positionIdx maps a step's exposure onto the exchange position index:
// 0 for one-way, 1/2 for the hedge-mode long/short legs.
func positionIdx(mode AccountMode, side state.Side) int {
	if mode != Hedge {
		return 0
	}
	if side == state.Short {
		return 2
	}
	return 1
}

// lotStep is the order quantity granularity per instrument.
func lotStep(symbol string) float64 {
	switch symbol {
	case "BTCUSDT":
		return 0.001
	case "ETHUSDT":
		return 0.01
	default:
		return 0.1
	}
}

// roundStep floors qty to the instrument's lot granularity.
func roundStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}
