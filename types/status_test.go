package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSignalTransitions(t *testing.T) {
	legal := map[SignalStatus][]SignalStatus{
		SignalCreated: {SignalWaiting, SignalInvalidated},
		SignalWaiting: {SignalTP1Hit, SignalInvalidated, SignalExpired},
		SignalTP1Hit:  {SignalTP2Hit, SignalInvalidated},
		SignalTP2Hit:  {SignalTP3Hit, SignalInvalidated},
	}

	for _, from := range AllSignalStatuses {
		allowed := make(map[SignalStatus]bool)
		for _, to := range legal[from] {
			allowed[to] = true
		}
		for _, to := range AllSignalStatuses {
			if got := from.CanTransitionTo(to); got != allowed[to] {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, allowed[to])
			}
		}
		if from.IsTerminal() && len(legal[from]) > 0 {
			t.Errorf("%s is terminal but has outgoing edges", from)
		}
	}
}

func TestSignalStatusValid(t *testing.T) {
	for _, s := range AllSignalStatuses {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if SignalStatus("FILLED").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestExitLevelNeverEntry(t *testing.T) {
	sig := &Signal{
		EntryPrice: decimal.NewFromInt(100),
		StopPrice:  decimal.NewFromInt(95),
		TP1:        decimal.NewFromInt(105),
		TP2:        decimal.NewFromInt(110),
		TP3:        decimal.NewFromInt(120),
	}

	tests := []struct {
		status SignalStatus
		want   int64
		ok     bool
	}{
		{SignalTP1Hit, 105, true},
		{SignalTP2Hit, 110, true},
		{SignalTP3Hit, 120, true},
		{SignalInvalidated, 95, true},
		{SignalWaiting, 0, false},
		{SignalExpired, 0, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			sig.Status = tt.status
			got, ok := sig.ExitLevel()
			if ok != tt.ok || !got.Equal(decimal.NewFromInt(tt.want)) {
				t.Fatalf("got %s/%v, want %d/%v", got, ok, tt.want, tt.ok)
			}
		})
	}

	sig.Status = SignalInvalidated
	sig.InvalidationPrice = decimal.NewFromInt(93)
	if got, _ := sig.ExitLevel(); !got.Equal(decimal.NewFromInt(93)) {
		t.Fatalf("explicit invalidation price ignored: %s", got)
	}
}

func TestPositionClone(t *testing.T) {
	id := "sig-1"
	p := &Position{SignalID: &id, ScaleOuts: []ScaleOut{{Quantity: decimal.NewFromInt(1)}}}
	c := p.Clone()
	c.ScaleOuts[0].Quantity = decimal.NewFromInt(5)
	*c.SignalID = "other"
	if !p.ScaleOuts[0].Quantity.Equal(decimal.NewFromInt(1)) || *p.SignalID != "sig-1" {
		t.Fatal("clone shares state with original")
	}
}

func TestPositionTransitions(t *testing.T) {
	cases := []struct {
		from, to PositionStatus
		want     bool
	}{
		{PositionOpen, PositionOpen, true},
		{PositionOpen, PositionClosed, true},
		{PositionClosed, PositionClosed, true},
		{PositionClosed, PositionOpen, false},
		{PositionStatus("LIQUIDATED"), PositionClosed, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPricesPending(t *testing.T) {
	p := &Position{EntryFillPrice: decimal.NewNullDecimal(decimal.NewFromInt(100))}
	if p.PricesPending() {
		t.Fatal("confirmed entry reported pending")
	}

	p.ScaleOuts = append(p.ScaleOuts, ScaleOut{Quantity: decimal.NewFromInt(5), PricePending: true})
	if !p.PricesPending() {
		t.Fatal("pending exit leg not reported")
	}

	p.ScaleOuts[0].PricePending = false
	p.EntryFillPrice = decimal.NullDecimal{}
	if !p.PricesPending() {
		t.Fatal("pending entry not reported")
	}
}
