package exec

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER - Exchange collaborator used by the position manager and reconciler
// ═══════════════════════════════════════════════════════════════════════════════

// OrderSide is the exchange-level direction of a single order
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// EntrySide is the order side that opens a position in the given direction
func EntrySide(side types.Side) OrderSide {
	if side == types.SideShort {
		return Sell
	}
	return Buy
}

// ExitSide is the order side that reduces a position in the given direction
func ExitSide(side types.Side) OrderSide {
	if side == types.SideShort {
		return Buy
	}
	return Sell
}

// OrderType is the order kind
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus is the broker-reported order state
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Resting reports whether the order can still fill
func (s OrderStatus) Resting() bool {
	return s == OrderNew || s == OrderPartiallyFilled
}

// OrderRequest describes an order to place
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   decimal.Decimal
	StopPrice  decimal.Decimal // STOP_MARKET trigger
	ReduceOnly bool
	ClientID   string
}

// OrderResult is the broker's view of an order
type OrderResult struct {
	OrderID   string
	Symbol    string
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal // Zero until the broker reports a fill price
}

// Filled reports whether the order fully filled with a known price
func (o *OrderResult) Filled() bool {
	return o.Status == OrderFilled && o.AvgPrice.IsPositive()
}

// BrokerPosition is an open position as the broker reports it
type BrokerPosition struct {
	Symbol     string
	Side       types.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// Broker is the exchange collaborator
type Broker interface {
	ListOpenPositions(ctx context.Context) ([]BrokerPosition, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PriceSource quotes the last traded price
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
