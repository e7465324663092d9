package signal

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"unitrader/internal/state"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       Proposal
		wantErr bool
	}{
		{
			name: "valid entry",
			p:    Proposal{Action: ActionEnter, Side: state.Long, Confidence: 0.8},
		},
		{
			name: "valid hold",
			p:    Proposal{Action: ActionHold},
		},
		{
			name: "valid exit",
			p:    Proposal{Action: ActionExit, Confidence: 0.5},
		},
		{
			name:    "unknown action rejected",
			p:       Proposal{Action: "YOLO", Confidence: 0.5},
			wantErr: true,
		},
		{
			name:    "empty action rejected",
			p:       Proposal{},
			wantErr: true,
		},
		{
			name:    "confidence above one",
			p:       Proposal{Action: ActionEnter, Side: state.Long, Confidence: 1.2},
			wantErr: true,
		},
		{
			name:    "confidence NaN",
			p:       Proposal{Action: ActionEnter, Side: state.Long, Confidence: math.NaN()},
			wantErr: true,
		},
		{
			name:    "entry without side",
			p:       Proposal{Action: ActionEnter, Confidence: 0.9},
			wantErr: true,
		},
		{
			name:    "entry with flat side",
			p:       Proposal{Action: ActionEnter, Side: state.Flat, Confidence: 0.9},
			wantErr: true,
		},
		{
			name:    "negative stop loss",
			p:       Proposal{Action: ActionEnter, Side: state.Short, Confidence: 0.9, StopLoss: -1},
			wantErr: true,
		},
		{
			name:    "infinite take profit",
			p:       Proposal{Action: ActionEnter, Side: state.Short, Confidence: 0.9, TakeProfit: math.Inf(1)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.p)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.p, err, tt.wantErr)
			}
		})
	}
}

func TestHTTPSource_Propose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"action":"ENTER","side":"LONG","confidence":0.72,"reasoning":"breakout"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, 2*time.Second)
	p, err := src.Propose(context.Background(), MarketContext{Instrument: "BTCUSDT", LastPrice: 50000})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if p.Action != ActionEnter || p.Side != state.Long || p.Confidence != 0.72 {
		t.Errorf("unexpected proposal: %+v", p)
	}
}

func TestHTTPSource_RejectsInvalidShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"action":"MOON","confidence":3.5}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, 2*time.Second)
	if _, err := src.Propose(context.Background(), MarketContext{Instrument: "BTCUSDT"}); err == nil {
		t.Fatal("expected invalid proposal to be rejected")
	}
}
