package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER BROKER - Theoretical fills for non-production runs
// ═══════════════════════════════════════════════════════════════════════════════
//
// Market orders fill at the last price. Resting stop orders fill the first
// time GetOrder sees the price cross the trigger.
//
// ═══════════════════════════════════════════════════════════════════════════════

type PaperBroker struct {
	mu        sync.Mutex
	prices    PriceSource
	overrides map[string]decimal.Decimal
	orders    map[string]*paperOrder
	net       map[string]decimal.Decimal // signed quantity per symbol
	entry     map[string]decimal.Decimal
}

type paperOrder struct {
	req    OrderRequest
	result OrderResult
}

// NewPaperBroker quotes from prices, which may be nil when every symbol
// is priced through SetPrice.
func NewPaperBroker(prices PriceSource) *PaperBroker {
	return &PaperBroker{
		prices:    prices,
		overrides: make(map[string]decimal.Decimal),
		orders:    make(map[string]*paperOrder),
		net:       make(map[string]decimal.Decimal),
		entry:     make(map[string]decimal.Decimal),
	}
}

// SetPrice pins the quote for a symbol
func (p *PaperBroker) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[symbol] = price
}

func (p *PaperBroker) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	price, ok := p.overrides[symbol]
	p.mu.Unlock()
	if ok {
		return price, nil
	}
	if p.prices == nil {
		return decimal.Zero, fmt.Errorf("paper: no price for %s", symbol)
	}
	return p.prices.LastPrice(ctx, symbol)
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("paper: quantity must be positive")
	}

	o := &paperOrder{
		req: req,
		result: OrderResult{
			OrderID: "PAPER_" + uuid.NewString(),
			Symbol:  req.Symbol,
			Status:  OrderNew,
		},
	}

	if req.Type == OrderMarket {
		price, err := p.LastPrice(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.fill(o, price)
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.orders[o.result.OrderID] = o
	res := o.result
	p.mu.Unlock()

	log.Info().
		Str("order_id", res.OrderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Str("qty", req.Quantity.String()).
		Msg("📝 PAPER: Order placed")

	return &res, nil
}

func (p *PaperBroker) CancelOrder(_ context.Context, _ string, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if o, ok := p.orders[orderID]; ok && o.result.Status.Resting() {
		o.result.Status = OrderCanceled
	}
	return nil
}

func (p *PaperBroker) GetOrder(ctx context.Context, _ string, orderID string) (*OrderResult, error) {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("paper: unknown order %s", orderID)
	}

	if o.req.Type == OrderStopMarket && o.result.Status.Resting() {
		if price, err := p.LastPrice(ctx, o.req.Symbol); err == nil && p.triggered(o.req, price) {
			p.mu.Lock()
			p.fill(o, price)
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	res := o.result
	return &res, nil
}

func (p *PaperBroker) ListOpenPositions(_ context.Context) ([]BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []BrokerPosition
	for symbol, qty := range p.net {
		if qty.IsZero() {
			continue
		}
		side := types.SideLong
		if qty.IsNegative() {
			side = types.SideShort
		}
		out = append(out, BrokerPosition{
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty.Abs(),
			EntryPrice: p.entry[symbol],
		})
	}
	return out, nil
}

// triggered: a sell stop fires at or below the trigger, a buy stop at or above
func (p *PaperBroker) triggered(req OrderRequest, price decimal.Decimal) bool {
	if req.Side == Sell {
		return price.LessThanOrEqual(req.StopPrice)
	}
	return price.GreaterThanOrEqual(req.StopPrice)
}

// fill must be called with p.mu held
func (p *PaperBroker) fill(o *paperOrder, price decimal.Decimal) {
	qty := o.req.Quantity
	signed := qty
	if o.req.Side == Sell {
		signed = qty.Neg()
	}

	current := p.net[o.req.Symbol]
	if o.req.ReduceOnly {
		// Never flip through zero
		if current.Abs().LessThan(qty) {
			qty = current.Abs()
			signed = current.Neg()
		}
	} else if current.IsZero() {
		p.entry[o.req.Symbol] = price
	}
	p.net[o.req.Symbol] = current.Add(signed)

	o.result.Status = OrderFilled
	o.result.FilledQty = qty
	o.result.AvgPrice = price
}
