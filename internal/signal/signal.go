// Package signal defines the contract with the external decision model.
// The engine treats proposals as untrusted input: every field is validated
// against a closed set before use, and unknown shapes are rejected rather
// than coerced.
package signal

import (
	"context"
	"fmt"
	"math"
	"time"

	"unitrader/internal/state"
)

// Action is the closed set of trade proposals.
type Action string

const (
	ActionEnter Action = "ENTER"
	ActionExit  Action = "EXIT"
	ActionHold  Action = "HOLD"
)

// Proposal is a decision produced by the signal source.
type Proposal struct {
	Action     Action     `json:"action"`
	Side       state.Side `json:"side,omitempty"`
	Confidence float64    `json:"confidence"`
	StopLoss   float64    `json:"stopLoss,omitempty"`
	TakeProfit float64    `json:"takeProfit,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
}

// MarketContext is the snapshot handed to the signal source and the risk
// policy for one confirmed candle.
type MarketContext struct {
	Instrument  string    `json:"instrument"`
	LastPrice   float64   `json:"lastPrice"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	Volatility  float64   `json:"volatility"`
	CandleClose time.Time `json:"candleClose"`
}

// Source supplies a trade proposal for a market context. Implementations
// are external; the engine validates whatever comes back.
type Source interface {
	Propose(ctx context.Context, mkt MarketContext) (Proposal, error)
}

// Validate checks a proposal against the closed contract. It returns an
// error for unknown actions, confidence outside [0,1], non-finite or
// negative price levels, or an entry without a direction.
func Validate(p Proposal) error {
	switch p.Action {
	case ActionEnter, ActionExit, ActionHold:
	default:
		return fmt.Errorf("unknown action %q", p.Action)
	}

	if !finite(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", p.Confidence)
	}
	if !finite(p.StopLoss) || p.StopLoss < 0 {
		return fmt.Errorf("invalid stop loss %v", p.StopLoss)
	}
	if !finite(p.TakeProfit) || p.TakeProfit < 0 {
		return fmt.Errorf("invalid take profit %v", p.TakeProfit)
	}

	if p.Action == ActionEnter {
		if p.Side != state.Long && p.Side != state.Short {
			return fmt.Errorf("entry proposal requires side LONG or SHORT, got %q", p.Side)
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
