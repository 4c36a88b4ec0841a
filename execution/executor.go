package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/bot"
	"github.com/web3guy0/sentinel/exec"
	"github.com/web3guy0/sentinel/metrics"
	"github.com/web3guy0/sentinel/risk"
	"github.com/web3guy0/sentinel/storage"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - Fill to close
// ═══════════════════════════════════════════════════════════════════════════════
//
// Position flow:
//   Signal WAITING → Execute → entry order → ConfirmFill → OPEN + stop leg
//                                               ↓ (no price)
//                                        AwaitingBackfill
//
//   TP1_HIT     → scale out SCALE_OUT_TP1, stop → breakeven
//   TP2_HIT     → scale out SCALE_OUT_TP2, stop → TP1, runner trails
//   TP3_HIT     → close runner
//   INVALIDATED → emergency close
//
// Invariants:
//   - RemainingQty never grows
//   - CurrentStop only moves in the position's favour
//   - one OPEN position per symbol
//   - an unknown fill price is never written as zero
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrPositionExists is returned when the symbol already has an OPEN position
	ErrPositionExists = errors.New("position already open for symbol")

	// ErrBreakerTripped is returned when new entries are halted for this run
	ErrBreakerTripped = errors.New("circuit breaker tripped")

	// ErrUnsizable is returned when the setup sizes to zero
	ErrUnsizable = errors.New("setup cannot be sized")
)

// ManagerConfig holds position manager settings
type ManagerConfig struct {
	ScaleOutTP1     decimal.Decimal // Fraction of original quantity sold at TP1
	ScaleOutTP2     decimal.Decimal // Fraction of original quantity sold at TP2
	ConfirmAttempts int             // GetOrder polls before giving up on a fill price
	ConfirmDelay    time.Duration
	AutoExecute     bool // false records theoretical positions without broker orders
}

// DefaultManagerConfig returns sensible defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ScaleOutTP1:     decimal.NewFromFloat(0.5),
		ScaleOutTP2:     decimal.NewFromFloat(0.25),
		ConfirmAttempts: 3,
		ConfirmDelay:    500 * time.Millisecond,
	}
}

// Manager turns fills into positions and manages them to close
type Manager struct {
	ledger   storage.Ledger
	broker   exec.Broker
	notifier bot.Notifier
	sizer    *risk.Sizer
	trailer  *risk.Trailer
	breaker  *risk.CircuitBreaker
	metrics  *metrics.Collector
	config   ManagerConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a position manager
func NewManager(
	ledger storage.Ledger,
	broker exec.Broker,
	notifier bot.Notifier,
	sizer *risk.Sizer,
	trailer *risk.Trailer,
	breaker *risk.CircuitBreaker,
	m *metrics.Collector,
	config ManagerConfig,
) *Manager {
	if breaker == nil {
		breaker = risk.NewCircuitBreaker(0)
	}
	if trailer == nil {
		trailer = risk.NewTrailer(decimal.Zero)
	}

	mode := "THEORETICAL"
	if config.AutoExecute {
		mode = "LIVE ORDERS"
	}
	log.Info().
		Str("mode", mode).
		Str("scale_tp1", config.ScaleOutTP1.String()).
		Str("scale_tp2", config.ScaleOutTP2.String()).
		Int("confirm_attempts", config.ConfirmAttempts).
		Msg("⚡ Position manager initialized")

	return &Manager{
		ledger:   ledger,
		broker:   broker,
		notifier: notifier,
		sizer:    sizer,
		trailer:  trailer,
		breaker:  breaker,
		metrics:  m,
		config:   config,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// EntriesAllowed reports whether the breaker still lets new entries through
func (m *Manager) EntriesAllowed() bool {
	return m.breaker.Allow()
}

// OpenPosition returns the symbol's OPEN position, or nil
func (m *Manager) OpenPosition(ctx context.Context, symbol string) (*types.Position, error) {
	open, err := m.ledger.QueryPositions(ctx, storage.PositionQuery{
		Symbol: symbol,
		Status: types.PositionOpen,
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}
	return open[0], nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ═══════════════════════════════════════════════════════════════════════════════

// Execute sizes the signal, places the entry and opens the position.
// Without AutoExecute the position is recorded as theoretical at the
// planned entry and no broker order is sent.
func (m *Manager) Execute(ctx context.Context, sig *types.Signal) (*types.Position, error) {
	if !m.breaker.Allow() {
		_, reason := m.breaker.IsTripped()
		return nil, fmt.Errorf("%w: %s", ErrBreakerTripped, reason)
	}

	existing, err := m.OpenPosition(ctx, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("check open position: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionExists, sig.Symbol)
	}

	qty := m.sizer.Quantity(sig)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrUnsizable, sig.Symbol)
	}

	if !m.config.AutoExecute {
		return m.open(ctx, sig, decimal.NewNullDecimal(sig.EntryPrice), qty, "", types.TradeTheoretical)
	}

	res, err := m.broker.PlaceOrder(ctx, exec.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     exec.EntrySide(sig.Side),
		Type:     exec.OrderMarket,
		Quantity: qty,
		ClientID: sig.ID,
	})
	if err != nil {
		m.brokerFailed(err)
		return nil, fmt.Errorf("entry order: %w", err)
	}
	m.breaker.RecordSuccess()

	fill := m.ConfirmFill(ctx, sig.Symbol, res)
	filledQty := qty
	if res.FilledQty.IsPositive() {
		filledQty = res.FilledQty
	}

	pos, err := m.OpenFromFill(ctx, sig, fill, filledQty, res.OrderID)
	if err != nil {
		return nil, err
	}

	if err := m.protect(ctx, pos); err != nil {
		log.Error().
			Err(err).
			Str("symbol", pos.Symbol).
			Msg("🚨 Position open WITHOUT protective stop")
		m.alert(ctx, bot.FormatPositionAlert("🚨 *UNPROTECTED POSITION*", pos, "Stop leg could not be placed: "+err.Error()))
	}

	return pos, nil
}

// ConfirmFill returns the entry fill price, polling the broker a bounded
// number of times. An unknown price comes back invalid, never zero.
func (m *Manager) ConfirmFill(ctx context.Context, symbol string, res *exec.OrderResult) decimal.NullDecimal {
	if res.Filled() {
		return decimal.NewNullDecimal(res.AvgPrice)
	}

	for attempt := 1; attempt <= m.config.ConfirmAttempts; attempt++ {
		if err := m.sleep(ctx, m.config.ConfirmDelay); err != nil {
			break
		}

		order, err := m.broker.GetOrder(ctx, symbol, res.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt).Msg("⚠️ Fill confirmation failed")
			continue
		}
		if order.Filled() {
			if order.FilledQty.IsPositive() {
				res.FilledQty = order.FilledQty
			}
			return decimal.NewNullDecimal(order.AvgPrice)
		}
	}

	log.Warn().
		Str("symbol", symbol).
		Str("order_id", res.OrderID).
		Msg("⏳ Fill price unconfirmed, awaiting backfill")
	return decimal.NullDecimal{}
}

// OpenFromFill seeds an OPEN position from a confirmed (or pending) entry fill
func (m *Manager) OpenFromFill(ctx context.Context, sig *types.Signal, fillPrice decimal.NullDecimal, qty decimal.Decimal, orderID string) (*types.Position, error) {
	return m.open(ctx, sig, fillPrice, qty, orderID, types.TradeExecuted)
}

func (m *Manager) open(ctx context.Context, sig *types.Signal, fillPrice decimal.NullDecimal, qty decimal.Decimal, orderID string, tradeType types.TradeType) (*types.Position, error) {
	existing, err := m.OpenPosition(ctx, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("check open position: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionExists, sig.Symbol)
	}
	if _, err := m.ledger.GetPosition(ctx, sig.ID); err == nil {
		return nil, fmt.Errorf("%w: %s already recorded", ErrPositionExists, sig.ID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check position: %w", err)
	}

	now := m.now().UTC()
	signalID := sig.ID
	pos := &types.Position{
		ID:               sig.ID,
		SignalID:         &signalID,
		Symbol:           sig.Symbol,
		Side:             sig.Side,
		Status:           types.PositionOpen,
		TradeType:        tradeType,
		OriginalQty:      qty,
		RemainingQty:     qty,
		PlannedEntry:     sig.EntryPrice,
		EntryFillPrice:   fillPrice,
		AwaitingBackfill: !fillPrice.Valid,
		CurrentStop:      sig.StopPrice,
		EntryOrderID:     orderID,
		OpenedAt:         now,
		UpdatedAt:        now,
	}

	if err := m.ledger.PutPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist position: %w", err)
	}
	m.metrics.PositionEvent("opened")

	log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Str("qty", qty.String()).
		Str("entry", fillText(fillPrice)).
		Str("stop", pos.CurrentStop.String()).
		Str("trade_type", string(tradeType)).
		Msg("📈 Position opened")

	return pos, nil
}

// protect places the initial stop leg
func (m *Manager) protect(ctx context.Context, pos *types.Position) error {
	if pos.TradeType != types.TradeExecuted {
		return nil
	}
	orderID, err := m.placeStop(ctx, pos, pos.CurrentStop)
	if err != nil {
		return err
	}
	updated, err := m.ledger.UpdatePosition(ctx, pos.ID, types.PositionOpen, func(p *types.Position) error {
		p.StopOrderID = orderID
		p.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	*pos = *updated
	return nil
}

func (m *Manager) placeStop(ctx context.Context, pos *types.Position, level decimal.Decimal) (string, error) {
	res, err := m.broker.PlaceOrder(ctx, exec.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exec.ExitSide(pos.Side),
		Type:       exec.OrderStopMarket,
		Quantity:   pos.RemainingQty,
		StopPrice:  level,
		ReduceOnly: true,
	})
	if err != nil {
		m.brokerFailed(err)
		return "", fmt.Errorf("stop leg: %w", err)
	}
	m.breaker.RecordSuccess()
	return res.OrderID, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXITS
// ═══════════════════════════════════════════════════════════════════════════════

// ScaleOut sells fraction of the ORIGINAL quantity, capped at what remains
func (m *Manager) ScaleOut(ctx context.Context, pos *types.Position, fraction, marketPrice decimal.Decimal) (*types.Position, error) {
	if pos.Status != types.PositionOpen {
		return pos, nil
	}

	qty := pos.OriginalQty.Mul(fraction)
	if m.sizer != nil {
		qty = m.sizer.Truncate(qty)
	}
	if qty.GreaterThan(pos.RemainingQty) {
		qty = pos.RemainingQty
	}
	if !qty.IsPositive() {
		return pos, nil
	}

	price, orderID, err := m.exitLeg(ctx, pos, qty, marketPrice)
	if err != nil {
		return nil, err
	}

	if err := m.recordExit(ctx, pos, qty, price, orderID, types.ReasonScaledOut); err != nil {
		return nil, err
	}
	m.metrics.PositionEvent("scaled")
	if pos.Status == types.PositionClosed {
		m.cancelLegs(ctx, pos)
	}

	log.Info().
		Str("symbol", pos.Symbol).
		Str("qty", qty.String()).
		Str("price", fillText(price)).
		Str("remaining", pos.RemainingQty.String()).
		Str("avg_exit", pos.AvgExitPrice.String()).
		Msg("💰 Scaled out")

	return pos, nil
}

// MoveStopToBreakeven moves the stop to the entry fill, once per position
func (m *Manager) MoveStopToBreakeven(ctx context.Context, pos *types.Position) error {
	if pos.Status != types.PositionOpen || pos.BreakevenSet {
		return nil
	}

	level := pos.EntryReference()
	if _, err := m.moveStop(ctx, pos, level, true); err != nil {
		return err
	}

	log.Info().Str("symbol", pos.Symbol).Str("stop", pos.CurrentStop.String()).Msg("🛡️ Stop moved to breakeven")
	return nil
}

// MoveStopToLevel ratchets the stop. A level that does not improve on
// the current stop is a no-op and reports false.
func (m *Manager) MoveStopToLevel(ctx context.Context, pos *types.Position, level decimal.Decimal) (bool, error) {
	if pos.Status != types.PositionOpen {
		return false, nil
	}
	return m.moveStop(ctx, pos, level, false)
}

func (m *Manager) moveStop(ctx context.Context, pos *types.Position, level decimal.Decimal, breakeven bool) (bool, error) {
	improves := risk.Improves(pos.Side, pos.CurrentStop, level)
	if !improves && !breakeven {
		return false, nil
	}

	newOrderID := pos.StopOrderID
	if improves && pos.TradeType == types.TradeExecuted {
		// New leg first so the position is never unprotected
		id, err := m.placeStop(ctx, pos, level)
		if err != nil {
			return false, err
		}
		newOrderID = id
	}

	oldOrderID := pos.StopOrderID
	applied := false
	updated, err := m.ledger.UpdatePosition(ctx, pos.ID, types.PositionOpen, func(p *types.Position) error {
		applied = risk.Improves(p.Side, p.CurrentStop, level)
		if applied {
			p.CurrentStop = level
			p.StopOrderID = newOrderID
		}
		if breakeven {
			p.BreakevenSet = true
		}
		p.UpdatedAt = m.now().UTC()
		return nil
	})
	// A leg the ledger never took must not stay resting
	placed := newOrderID != "" && newOrderID != oldOrderID
	if err != nil {
		if placed {
			m.cancel(ctx, pos.Symbol, newOrderID)
		}
		return false, err
	}
	*pos = *updated

	if !applied {
		if placed {
			m.cancel(ctx, pos.Symbol, newOrderID)
		}
		return false, nil
	}
	if oldOrderID != "" && oldOrderID != newOrderID {
		m.cancel(ctx, pos.Symbol, oldOrderID)
	}
	return true, nil
}

// CloseEmergency exits everything at market, then cancels resting legs.
// When the exit fails the stop leg stays in place and the position is
// marked so the next Manage pass retries the close.
func (m *Manager) CloseEmergency(ctx context.Context, pos *types.Position, reason string) error {
	if pos.Status != types.PositionOpen {
		return nil
	}

	price, orderID, err := m.exitLeg(ctx, pos, pos.RemainingQty, decimal.Zero)
	if err != nil {
		if holdErr := m.holdForRetry(ctx, pos, reason); holdErr != nil {
			log.Error().Err(holdErr).Str("symbol", pos.Symbol).Msg("❌ Could not mark close for retry")
		}
		m.alert(ctx, bot.FormatPositionAlert("🚨 *EMERGENCY CLOSE FAILED*", pos, err.Error()))
		return err
	}

	if err := m.recordExit(ctx, pos, pos.RemainingQty, price, orderID, reason); err != nil {
		return err
	}
	m.cancelLegs(ctx, pos)
	m.metrics.PositionEvent("emergency")

	log.Warn().
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Str("price", fillText(price)).
		Str("pnl", pos.RealizedPnL.String()).
		Msg("🚨 Emergency close")
	return nil
}

// holdForRetry records the pending close and makes sure a stop leg rests
// while the position waits for the next pass
func (m *Manager) holdForRetry(ctx context.Context, pos *types.Position, reason string) error {
	updated, err := m.ledger.UpdatePosition(ctx, pos.ID, types.PositionOpen, func(p *types.Position) error {
		p.PendingExit = reason
		p.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	*pos = *updated

	if pos.TradeType == types.TradeExecuted && pos.StopOrderID == "" {
		if err := m.protect(ctx, pos); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("🚨 Position open WITHOUT protective stop")
		}
	}
	return nil
}

// closeRunner exits the remainder at the final target
func (m *Manager) closeRunner(ctx context.Context, pos *types.Position, marketPrice decimal.Decimal, reason string) error {
	if pos.Status != types.PositionOpen {
		return nil
	}
	price, orderID, err := m.exitLeg(ctx, pos, pos.RemainingQty, marketPrice)
	if err != nil {
		return err
	}
	if err := m.recordExit(ctx, pos, pos.RemainingQty, price, orderID, reason); err != nil {
		return err
	}
	m.cancelLegs(ctx, pos)
	return nil
}

// exitLeg sells qty at market. Theoretical positions fill at marketPrice,
// or the broker's last price when none is given. An executed leg whose fill
// is not confirmed comes back with an invalid price, never a guess.
func (m *Manager) exitLeg(ctx context.Context, pos *types.Position, qty, marketPrice decimal.Decimal) (decimal.NullDecimal, string, error) {
	if pos.TradeType != types.TradeExecuted {
		if marketPrice.IsPositive() {
			return decimal.NewNullDecimal(marketPrice), "", nil
		}
		price, err := m.broker.LastPrice(ctx, pos.Symbol)
		if err != nil {
			return decimal.NullDecimal{}, "", fmt.Errorf("exit price: %w", err)
		}
		return decimal.NewNullDecimal(price), "", nil
	}

	res, err := m.broker.PlaceOrder(ctx, exec.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exec.ExitSide(pos.Side),
		Type:       exec.OrderMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if err != nil {
		m.brokerFailed(err)
		return decimal.NullDecimal{}, "", fmt.Errorf("exit order: %w", err)
	}
	m.breaker.RecordSuccess()

	return m.ConfirmFill(ctx, pos.Symbol, res), res.OrderID, nil
}

// recordExit appends an exit leg, re-derives the average exit and P&L, and
// closes the position when nothing remains. A leg without a confirmed price
// is kept as pending and flags the position for backfill.
func (m *Manager) recordExit(ctx context.Context, pos *types.Position, qty decimal.Decimal, price decimal.NullDecimal, orderID, reason string) error {
	now := m.now().UTC()

	updated, err := m.ledger.UpdatePosition(ctx, pos.ID, types.PositionOpen, func(p *types.Position) error {
		if qty.GreaterThan(p.RemainingQty) {
			qty = p.RemainingQty
		}
		p.ScaleOuts = append(p.ScaleOuts, types.ScaleOut{
			Quantity:     qty,
			Price:        price.Decimal,
			Timestamp:    now,
			OrderID:      orderID,
			PricePending: !price.Valid,
		})
		p.AvgExitPrice = avgExit(p.ScaleOuts)
		p.RemainingQty = p.RemainingQty.Sub(qty)
		if pnl, ok := realizedPnL(p); ok {
			p.RealizedPnL = pnl
		}
		if !price.Valid {
			p.AwaitingBackfill = true
		}
		p.UpdatedAt = now

		if !p.RemainingQty.IsPositive() {
			p.RemainingQty = decimal.Zero
			p.Status = types.PositionClosed
			p.ExitReason = reason
			p.PendingExit = ""
			p.ClosedAt = &now
		}
		return nil
	})
	if err != nil {
		return err
	}
	*pos = *updated

	if !price.Valid {
		log.Warn().
			Str("symbol", pos.Symbol).
			Str("order_id", orderID).
			Str("qty", qty.String()).
			Msg("⏳ Exit price unconfirmed, leg kept out of P&L")
	}
	if pos.Status == types.PositionClosed {
		m.metrics.PositionEvent("closed")
		m.alert(ctx, bot.FormatPositionClosed(pos))
	}
	return nil
}

// avgExit is the quantity-weighted exit price over the priced legs. Summing
// the legs in one pass equals folding (prevQty*prevAvg + qty*price) / (prevQty+qty)
// leg by leg, without the rounding of each intermediate division.
func avgExit(legs []types.ScaleOut) decimal.Decimal {
	qty, notional := decimal.Zero, decimal.Zero
	for _, leg := range legs {
		if leg.PricePending {
			continue
		}
		qty = qty.Add(leg.Quantity)
		notional = notional.Add(leg.Quantity.Mul(leg.Price))
	}
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// realizedPnL sums the priced exit legs against the entry fill. Without a
// confirmed fill it reports false and the caller leaves P&L untouched.
func realizedPnL(p *types.Position) (decimal.Decimal, bool) {
	if !p.EntryFillPrice.Valid {
		return decimal.Zero, false
	}
	entry := p.EntryFillPrice.Decimal

	total := decimal.Zero
	for _, leg := range p.ScaleOuts {
		if leg.PricePending {
			continue
		}
		move := leg.Price.Sub(entry)
		if p.Side == types.SideShort {
			move = move.Neg()
		}
		total = total.Add(move.Mul(leg.Quantity))
	}
	return total, true
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE HOOKS
// ═══════════════════════════════════════════════════════════════════════════════

// HandleTransition applies a signal transition to its position
func (m *Manager) HandleTransition(ctx context.Context, pos *types.Position, sig *types.Signal, tr types.Transition) error {
	if pos == nil || pos.Status != types.PositionOpen {
		return nil
	}

	switch tr.To {
	case types.SignalTP1Hit:
		if _, err := m.ScaleOut(ctx, pos, m.config.ScaleOutTP1, tr.Price); err != nil {
			return fmt.Errorf("tp1 scale out: %w", err)
		}
		return m.MoveStopToBreakeven(ctx, pos)

	case types.SignalTP2Hit:
		if _, err := m.ScaleOut(ctx, pos, m.config.ScaleOutTP2, tr.Price); err != nil {
			return fmt.Errorf("tp2 scale out: %w", err)
		}
		_, err := m.MoveStopToLevel(ctx, pos, sig.TP1)
		return err

	case types.SignalTP3Hit:
		return m.closeRunner(ctx, pos, tr.Price, types.ReasonTargetReached)

	case types.SignalInvalidated:
		reason := tr.Reason
		if reason == "" {
			reason = types.ReasonInvalidated
		}
		return m.CloseEmergency(ctx, pos, reason)

	case types.SignalCreated, types.SignalWaiting, types.SignalExpired:
		return nil
	}
	return nil
}

// Manage runs the per-pass checks on an open position: a filled stop leg or
// a breached stop closes it, a failed emergency close is retried, a missing
// stop leg is re-placed, and in the runner phase the stop trails price.
func (m *Manager) Manage(ctx context.Context, pos *types.Position, phase types.SignalStatus, price decimal.Decimal) error {
	if pos == nil || pos.Status != types.PositionOpen {
		return nil
	}

	if pos.TradeType == types.TradeExecuted && pos.StopOrderID != "" {
		order, err := m.broker.GetOrder(ctx, pos.Symbol, pos.StopOrderID)
		switch {
		case err != nil:
			m.brokerFailed(err)
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("⚠️ Stop leg status unavailable")
		case order.Filled():
			log.Warn().Str("symbol", pos.Symbol).Str("price", order.AvgPrice.String()).Msg("🛑 Stop leg filled")
			for _, id := range pos.TakeProfitOrderIDs {
				m.cancel(ctx, pos.Symbol, id)
			}
			return m.recordExit(ctx, pos, pos.RemainingQty, decimal.NewNullDecimal(order.AvgPrice), order.OrderID, types.ReasonStopHit)
		case !order.Status.Resting():
			log.Warn().
				Str("symbol", pos.Symbol).
				Str("order_id", pos.StopOrderID).
				Str("status", string(order.Status)).
				Msg("⚠️ Stop leg no longer resting")
			if err := m.dropStop(ctx, pos, pos.StopOrderID); err != nil {
				return fmt.Errorf("clear dead stop leg: %w", err)
			}
		}
	}

	if pos.PendingExit != "" {
		log.Warn().Str("symbol", pos.Symbol).Str("reason", pos.PendingExit).Msg("🔁 Retrying emergency close")
		return m.CloseEmergency(ctx, pos, pos.PendingExit)
	}

	// A resting stop leg owns the breach; without one the pass closes
	if pos.StopOrderID == "" && risk.StopBreached(pos.Side, pos.CurrentStop, price) {
		if pos.TradeType != types.TradeExecuted {
			return m.recordExit(ctx, pos, pos.RemainingQty, decimal.NewNullDecimal(price), "", types.ReasonStopHit)
		}
		return m.CloseEmergency(ctx, pos, types.ReasonStopHit)
	}

	if pos.TradeType == types.TradeExecuted && pos.StopOrderID == "" {
		if err := m.protect(ctx, pos); err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("🚨 Position open WITHOUT protective stop")
		} else {
			log.Info().Str("symbol", pos.Symbol).Str("stop", pos.CurrentStop.String()).Msg("🛡️ Stop leg re-placed")
		}
	}

	if phase == types.SignalTP2Hit {
		if level, ok := m.trailer.Level(pos.Side, price); ok {
			moved, err := m.MoveStopToLevel(ctx, pos, level)
			if err != nil {
				return fmt.Errorf("trail stop: %w", err)
			}
			if moved {
				log.Debug().Str("symbol", pos.Symbol).Str("stop", level.String()).Msg("Trailing stop ratcheted")
			}
		}
	}
	return nil
}

// MarkClosedExternally closes a position the broker no longer holds.
// Resting legs are cancelled best-effort; no exit leg is invented.
func (m *Manager) MarkClosedExternally(ctx context.Context, pos *types.Position) error {
	m.cancelLegs(ctx, pos)

	updated, err := m.ledger.UpdatePosition(ctx, pos.ID, types.PositionOpen, func(p *types.Position) error {
		now := m.now().UTC()
		p.Status = types.PositionClosed
		p.ExitReason = types.ReasonClosedExternally
		p.ClosedAt = &now
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	*pos = *updated
	m.metrics.PositionEvent("closed")
	return nil
}

// Backfill re-queries the entry order and every exit leg recorded without
// a confirmed price. Works on open and closed positions alike. Reports
// whether any price was filled in.
func (m *Manager) Backfill(ctx context.Context, pos *types.Position) (bool, error) {
	if !pos.AwaitingBackfill {
		return false, nil
	}

	var entry decimal.NullDecimal
	if !pos.EntryFillPrice.Valid && pos.EntryOrderID != "" {
		price, err := m.filledPrice(ctx, pos.Symbol, pos.EntryOrderID)
		if err != nil {
			return false, fmt.Errorf("backfill %s entry: %w", pos.Symbol, err)
		}
		entry = price
	}

	exits := make(map[string]decimal.Decimal)
	for _, leg := range pos.ScaleOuts {
		if !leg.PricePending || leg.OrderID == "" {
			continue
		}
		price, err := m.filledPrice(ctx, pos.Symbol, leg.OrderID)
		if err != nil {
			return false, fmt.Errorf("backfill %s exit %s: %w", pos.Symbol, leg.OrderID, err)
		}
		if price.Valid {
			exits[leg.OrderID] = price.Decimal
		}
	}

	if !entry.Valid && len(exits) == 0 {
		return false, nil
	}

	updated, err := m.ledger.UpdatePosition(ctx, pos.ID, pos.Status, func(p *types.Position) error {
		if entry.Valid && !p.EntryFillPrice.Valid {
			p.EntryFillPrice = entry
		}
		for i := range p.ScaleOuts {
			leg := &p.ScaleOuts[i]
			if price, ok := exits[leg.OrderID]; ok && leg.PricePending {
				leg.Price = price
				leg.PricePending = false
			}
		}
		p.AvgExitPrice = avgExit(p.ScaleOuts)
		p.AwaitingBackfill = p.PricesPending()
		if pnl, ok := realizedPnL(p); ok {
			p.RealizedPnL = pnl
		}
		p.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return false, err
	}
	*pos = *updated

	log.Info().
		Str("symbol", pos.Symbol).
		Str("entry", fillText(pos.EntryFillPrice)).
		Int("exit_legs", len(exits)).
		Str("pnl", pos.RealizedPnL.String()).
		Bool("still_pending", pos.AwaitingBackfill).
		Msg("🧾 Fill prices backfilled")
	return true, nil
}

// filledPrice is the average fill of an order, invalid while it is unfilled
func (m *Manager) filledPrice(ctx context.Context, symbol, orderID string) (decimal.NullDecimal, error) {
	order, err := m.broker.GetOrder(ctx, symbol, orderID)
	if err != nil {
		m.brokerFailed(err)
		return decimal.NullDecimal{}, err
	}
	if !order.Filled() {
		return decimal.NullDecimal{}, nil
	}
	return decimal.NewNullDecimal(order.AvgPrice), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// dropStop forgets a stop leg the broker no longer holds
func (m *Manager) dropStop(ctx context.Context, pos *types.Position, orderID string) error {
	updated, err := m.ledger.UpdatePosition(ctx, pos.ID, types.PositionOpen, func(p *types.Position) error {
		if p.StopOrderID == orderID {
			p.StopOrderID = ""
		}
		p.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	*pos = *updated
	return nil
}

func (m *Manager) cancelLegs(ctx context.Context, pos *types.Position) {
	if pos.TradeType != types.TradeExecuted {
		return
	}
	if pos.StopOrderID != "" {
		m.cancel(ctx, pos.Symbol, pos.StopOrderID)
	}
	for _, id := range pos.TakeProfitOrderIDs {
		m.cancel(ctx, pos.Symbol, id)
	}
}

func (m *Manager) cancel(ctx context.Context, symbol, orderID string) {
	if err := m.broker.CancelOrder(ctx, symbol, orderID); err != nil {
		m.brokerFailed(err)
		log.Warn().Err(err).Str("symbol", symbol).Str("order_id", orderID).Msg("⚠️ Cancel failed")
	}
}

func fillText(price decimal.NullDecimal) string {
	if price.Valid {
		return price.Decimal.String()
	}
	return "pending"
}

func (m *Manager) brokerFailed(err error) {
	m.breaker.RecordFailure(err)
	m.metrics.BrokerError()
}

func (m *Manager) alert(ctx context.Context, msg string) {
	if m.notifier == nil {
		return
	}
	if _, err := m.notifier.Post(ctx, bot.ChannelAlerts, msg); err != nil {
		log.Warn().Err(err).Msg("⚠️ Alert delivery failed")
	}
}
