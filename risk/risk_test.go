package risk

import (
	"errors"
	"testing"

	"github.com/web3guy0/sentinel/types"
)

func TestValidator(t *testing.T) {
	long := types.Candidate{
		Symbol: "BTCUSDT", Side: types.SideLong, Strategy: "breakout",
		EntryPrice: d("100"), StopPrice: d("95"),
		TP1: d("110"), TP2: d("120"), TP3: d("130"),
	}
	short := types.Candidate{
		Symbol: "BTCUSDT", Side: types.SideShort, Strategy: "breakdown",
		EntryPrice: d("100"), StopPrice: d("105"),
		TP1: d("90"), TP2: d("80"), TP3: d("70"),
	}

	tests := []struct {
		name  string
		mut   func(c *types.Candidate)
		base  types.Candidate
		minRR string
		ok    bool
	}{
		{"valid long", nil, long, "0", true},
		{"valid short", nil, short, "0", true},
		{"long stop above entry", func(c *types.Candidate) { c.StopPrice = d("101") }, long, "0", false},
		{"short stop below entry", func(c *types.Candidate) { c.StopPrice = d("99") }, short, "0", false},
		{"tp out of order", func(c *types.Candidate) { c.TP2 = d("105") }, long, "0", false},
		{"tp equal", func(c *types.Candidate) { c.TP3 = d("120") }, long, "0", false},
		{"short tp wrong side", func(c *types.Candidate) { c.TP1 = d("101") }, short, "0", false},
		{"zero price", func(c *types.Candidate) { c.TP3 = d("0") }, long, "0", false},
		{"unknown side", func(c *types.Candidate) { c.Side = "UP" }, long, "0", false},
		{"missing strategy", func(c *types.Candidate) { c.Strategy = "" }, long, "0", false},
		{"rr satisfied", nil, long, "2", true},
		{"rr too low", nil, long, "2.5", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.base
			if tt.mut != nil {
				tt.mut(&c)
			}
			err := NewValidator(d(tt.minRR)).Validate(c)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSetup) {
				t.Fatalf("err = %v, want ErrInvalidSetup", err)
			}
		})
	}
}

func TestSizer(t *testing.T) {
	sig := &types.Signal{EntryPrice: d("100"), StopPrice: d("95")}

	// 50 risk / 5 per unit = 10 units
	if got := NewSizer(d("50"), d("0"), 3).Quantity(sig); !got.Equal(d("10")) {
		t.Fatalf("qty = %s, want 10", got)
	}
	// Capped at 500 notional = 5 units
	if got := NewSizer(d("50"), d("500"), 3).Quantity(sig); !got.Equal(d("5")) {
		t.Fatalf("capped qty = %s, want 5", got)
	}
	// Truncated to precision
	odd := &types.Signal{EntryPrice: d("100"), StopPrice: d("97")}
	if got := NewSizer(d("50"), d("0"), 3).Quantity(odd); !got.Equal(d("16.666")) {
		t.Fatalf("qty = %s, want 16.666", got)
	}
	// Zero stop distance cannot be sized
	flat := &types.Signal{EntryPrice: d("100"), StopPrice: d("100")}
	if got := NewSizer(d("50"), d("0"), 3).Quantity(flat); !got.IsZero() {
		t.Fatalf("qty = %s, want 0", got)
	}
}

func TestTrailer(t *testing.T) {
	tr := NewTrailer(d("0.02"))

	if lvl, ok := tr.Level(types.SideLong, d("100")); !ok || !lvl.Equal(d("98")) {
		t.Fatalf("long level = %s", lvl)
	}
	if lvl, ok := tr.Level(types.SideShort, d("100")); !ok || !lvl.Equal(d("102")) {
		t.Fatalf("short level = %s", lvl)
	}
	if _, ok := NewTrailer(d("0")).Level(types.SideLong, d("100")); ok {
		t.Fatal("zero distance should disable trailing")
	}
}

func TestImprovesAndBreach(t *testing.T) {
	if !Improves(types.SideLong, d("95"), d("96")) || Improves(types.SideLong, d("95"), d("95")) || Improves(types.SideLong, d("95"), d("94")) {
		t.Fatal("long improvement")
	}
	if !Improves(types.SideShort, d("105"), d("104")) || Improves(types.SideShort, d("105"), d("106")) {
		t.Fatal("short improvement")
	}
	if !StopBreached(types.SideLong, d("95"), d("95")) || StopBreached(types.SideLong, d("95"), d("96")) {
		t.Fatal("long breach")
	}
	if !StopBreached(types.SideShort, d("105"), d("106")) || StopBreached(types.SideShort, d("105"), d("104")) {
		t.Fatal("short breach")
	}
}

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(2)
	boom := errors.New("binance 503")

	cb.RecordFailure(boom)
	cb.RecordSuccess()
	cb.RecordFailure(boom)
	if !cb.Allow() {
		t.Fatal("streak was reset, should still allow")
	}
	cb.RecordFailure(boom)
	if cb.Allow() {
		t.Fatal("two consecutive failures should trip")
	}
	if tripped, reason := cb.IsTripped(); !tripped || reason != "binance 503" {
		t.Fatalf("tripped=%v reason=%q", tripped, reason)
	}

	off := NewCircuitBreaker(0)
	for i := 0; i < 10; i++ {
		off.RecordFailure(boom)
	}
	if !off.Allow() {
		t.Fatal("disabled breaker must never trip")
	}
}
