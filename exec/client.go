package exec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE FUTURES BROKER
// ═══════════════════════════════════════════════════════════════════════════════
//
// USDⓈ-M futures via go-binance. Quantities are formatted to qtyPrecision
// decimals, trigger prices to the exchange string form.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Binance error code for an order that no longer exists
const codeUnknownOrder = -2011

// algoPrefix marks ids issued by the conditional (algo) order API
const algoPrefix = "algo:"

type BinanceBroker struct {
	client       *futures.Client
	qtyPrecision int32
}

// NewBinanceBroker creates a futures broker. Empty keys give a
// read-only client that can still quote public prices.
func NewBinanceBroker(apiKey, secretKey string, testnet bool, qtyPrecision int32) *BinanceBroker {
	if testnet {
		futures.UseTestnet = true
		log.Warn().Msg("⚠️ Using Binance Futures TESTNET")
	}

	b := &BinanceBroker{
		client:       binance.NewFuturesClient(apiKey, secretKey),
		qtyPrecision: qtyPrecision,
	}

	mode := "LIVE"
	if apiKey == "" {
		mode = "READ-ONLY"
	}
	log.Info().
		Str("mode", mode).
		Bool("testnet", testnet).
		Msg("🚀 Binance broker initialized")

	return b
}

func (b *BinanceBroker) ListOpenPositions(ctx context.Context) ([]BrokerPosition, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch position risk: %w", err)
	}

	var out []BrokerPosition
	for _, r := range risks {
		amt, err := decimal.NewFromString(r.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}

		side := types.SideLong
		if amt.IsNegative() {
			side = types.SideShort
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)

		out = append(out, BrokerPosition{
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   amt.Abs(),
			EntryPrice: entry,
		})
	}
	return out, nil
}

func (b *BinanceBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	switch req.Type {
	case OrderMarket:
		return b.placeMarket(ctx, req)
	case OrderStopMarket:
		return b.placeStop(ctx, req)
	}
	return nil, fmt.Errorf("unsupported order type %q", req.Type)
}

func (b *BinanceBroker) placeMarket(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(req.Quantity.StringFixed(b.qtyPrecision))
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("place %s %s %s: %w", req.Type, req.Side, req.Symbol, err)
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Int64("order_id", res.OrderID).
		Str("status", string(res.Status)).
		Msg("✅ Order placed")

	return &OrderResult{
		OrderID:   strconv.FormatInt(res.OrderID, 10),
		Symbol:    res.Symbol,
		Status:    OrderStatus(res.Status),
		FilledQty: parseDecimal(res.ExecutedQuantity),
		AvgPrice:  parseDecimal(res.AvgPrice),
	}, nil
}

// placeStop sends a conditional STOP_MARKET through the algo order API.
// The returned id carries the algo prefix so cancel and status lookups
// route back to the algo endpoints.
func (b *BinanceBroker) placeStop(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	svc := b.client.NewCreateAlgoOrderService().
		AlgoType(futures.OrderAlgoTypeConditional).
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.AlgoOrderTypeStopMarket).
		Quantity(req.Quantity.StringFixed(b.qtyPrecision)).
		TriggerPrice(req.StopPrice.String()).
		WorkingType(futures.WorkingTypeMarkPrice)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientID != "" {
		svc = svc.ClientAlgoId(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("place %s %s %s: %w", req.Type, req.Side, req.Symbol, err)
	}

	log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("trigger", req.StopPrice.String()).
		Int64("algo_id", res.AlgoId).
		Str("status", string(res.AlgoStatus)).
		Msg("🛡️ Stop leg placed")

	return &OrderResult{
		OrderID: algoPrefix + strconv.FormatInt(res.AlgoId, 10),
		Symbol:  res.Symbol,
		Status:  algoStatus(res.AlgoStatus),
	}, nil
}

func (b *BinanceBroker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	algo, id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}

	if algo {
		_, err = b.client.NewCancelAlgoOrderService().AlgoID(id).Do(ctx)
	} else {
		_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	}
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder {
			log.Debug().Str("symbol", symbol).Str("order_id", orderID).Msg("Order already gone")
			return nil
		}
		return fmt.Errorf("cancel %s %s: %w", symbol, orderID, err)
	}
	return nil
}

func (b *BinanceBroker) GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	algo, id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	if algo {
		return b.getAlgoOrder(ctx, symbol, orderID, id)
	}
	return b.getOrder(ctx, symbol, orderID, id)
}

func (b *BinanceBroker) getOrder(ctx context.Context, symbol, orderID string, id int64) (*OrderResult, error) {
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get order %s %s: %w", symbol, orderID, err)
	}

	return &OrderResult{
		OrderID:   orderID,
		Symbol:    o.Symbol,
		Status:    OrderStatus(o.Status),
		FilledQty: parseDecimal(o.ExecutedQuantity),
		AvgPrice:  parseDecimal(o.AvgPrice),
	}, nil
}

// getAlgoOrder reports a conditional order. Once triggered the exchange
// links it to a regular order, whose fill is what the caller sees.
func (b *BinanceBroker) getAlgoOrder(ctx context.Context, symbol, orderID string, id int64) (*OrderResult, error) {
	o, err := b.client.NewGetAlgoOrderService().AlgoID(id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get algo order %s %s: %w", symbol, orderID, err)
	}

	if o.ActualOrderId != "" && o.ActualOrderId != "0" {
		actual, err := strconv.ParseInt(o.ActualOrderId, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("algo order %s: bad triggered order id %q", orderID, o.ActualOrderId)
		}
		return b.getOrder(ctx, symbol, orderID, actual)
	}

	return &OrderResult{
		OrderID: orderID,
		Symbol:  o.Symbol,
		Status:  algoStatus(o.AlgoStatus),
	}, nil
}

func (b *BinanceBroker) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("price %s: not quoted", symbol)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseOrderID(orderID string) (bool, int64, error) {
	raw, algo := strings.CutPrefix(orderID, algoPrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("bad order id %q: %w", orderID, err)
	}
	return algo, id, nil
}

// algoStatus maps an untriggered conditional order onto the order states.
// Anything still waiting on its trigger is resting.
func algoStatus(s futures.AlgoOrderStatusType) OrderStatus {
	switch s {
	case futures.AlgoOrderStatusTypeCanceled:
		return OrderCanceled
	case futures.AlgoOrderStatusTypeRejected:
		return OrderRejected
	case futures.AlgoOrderStatusTypeExpired:
		return OrderExpired
	}
	return OrderNew
}
