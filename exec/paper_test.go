package exec

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestPaperMarketFill(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(nil)
	p.SetPrice("BTCUSDT", d("100"))

	res, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: Buy, Type: OrderMarket, Quantity: d("2")})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !res.Filled() || !res.AvgPrice.Equal(d("100")) {
		t.Fatalf("res = %+v", res)
	}

	positions, _ := p.ListOpenPositions(ctx)
	if len(positions) != 1 || positions[0].Side != types.SideLong || !positions[0].Quantity.Equal(d("2")) {
		t.Fatalf("positions = %+v", positions)
	}

	// Reduce-only exit larger than the position flattens it
	if _, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: Sell, Type: OrderMarket, Quantity: d("5"), ReduceOnly: true}); err != nil {
		t.Fatal(err)
	}
	positions, _ = p.ListOpenPositions(ctx)
	if len(positions) != 0 {
		t.Fatalf("expected flat, got %+v", positions)
	}
}

func TestPaperStopTriggers(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(nil)
	p.SetPrice("ETHUSDT", d("100"))

	if _, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "ETHUSDT", Side: Buy, Type: OrderMarket, Quantity: d("1")}); err != nil {
		t.Fatal(err)
	}
	stop, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "ETHUSDT", Side: Sell, Type: OrderStopMarket, Quantity: d("1"), StopPrice: d("95"), ReduceOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if stop.Status != OrderNew {
		t.Fatalf("stop should rest, got %s", stop.Status)
	}

	got, _ := p.GetOrder(ctx, "ETHUSDT", stop.OrderID)
	if got.Status != OrderNew {
		t.Fatalf("stop above price should still rest, got %s", got.Status)
	}

	p.SetPrice("ETHUSDT", d("94"))
	got, _ = p.GetOrder(ctx, "ETHUSDT", stop.OrderID)
	if !got.Filled() || !got.AvgPrice.Equal(d("94")) {
		t.Fatalf("stop should fill at 94, got %+v", got)
	}
}

func TestPaperCancel(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(nil)
	p.SetPrice("SOLUSDT", d("50"))

	stop, _ := p.PlaceOrder(ctx, OrderRequest{Symbol: "SOLUSDT", Side: Buy, Type: OrderStopMarket, Quantity: d("1"), StopPrice: d("55")})
	if err := p.CancelOrder(ctx, "SOLUSDT", stop.OrderID); err != nil {
		t.Fatal(err)
	}

	p.SetPrice("SOLUSDT", d("60"))
	got, _ := p.GetOrder(ctx, "SOLUSDT", stop.OrderID)
	if got.Status != OrderCanceled {
		t.Fatalf("status = %s, want CANCELED", got.Status)
	}
}

func TestSides(t *testing.T) {
	if EntrySide(types.SideLong) != Buy || ExitSide(types.SideLong) != Sell {
		t.Fatal("long sides")
	}
	if EntrySide(types.SideShort) != Sell || ExitSide(types.SideShort) != Buy {
		t.Fatal("short sides")
	}
}
