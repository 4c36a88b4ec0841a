package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/exec"
	"github.com/web3guy0/sentinel/risk"
	"github.com/web3guy0/sentinel/storage"
	"github.com/web3guy0/sentinel/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// testBroker is a PaperBroker with failure injection and delayed fills
type testBroker struct {
	*exec.PaperBroker

	mu          sync.Mutex
	placed      []exec.OrderRequest
	ids         []string
	placeErr    error
	listErr     error
	holdEntries bool
	holdExits   bool
	pending     map[string]bool
}

func newTestBroker() *testBroker {
	return &testBroker{
		PaperBroker: exec.NewPaperBroker(nil),
		pending:     make(map[string]bool),
	}
}

func (b *testBroker) PlaceOrder(ctx context.Context, req exec.OrderRequest) (*exec.OrderResult, error) {
	b.mu.Lock()
	b.placed = append(b.placed, req)
	placeErr := b.placeErr
	hold := (b.holdEntries && !req.ReduceOnly) || (b.holdExits && req.ReduceOnly)
	b.mu.Unlock()

	if placeErr != nil {
		return nil, placeErr
	}
	res, err := b.PaperBroker.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.ids = append(b.ids, res.OrderID)
	b.mu.Unlock()
	if hold && req.Type == exec.OrderMarket {
		b.mu.Lock()
		b.pending[res.OrderID] = true
		b.mu.Unlock()
		return &exec.OrderResult{OrderID: res.OrderID, Symbol: res.Symbol, Status: exec.OrderNew}, nil
	}
	return res, nil
}

func (b *testBroker) GetOrder(ctx context.Context, symbol, orderID string) (*exec.OrderResult, error) {
	b.mu.Lock()
	held := b.pending[orderID]
	b.mu.Unlock()
	if held {
		return &exec.OrderResult{OrderID: orderID, Symbol: symbol, Status: exec.OrderNew}, nil
	}
	return b.PaperBroker.GetOrder(ctx, symbol, orderID)
}

func (b *testBroker) ListOpenPositions(ctx context.Context) ([]exec.BrokerPosition, error) {
	b.mu.Lock()
	listErr := b.listErr
	b.mu.Unlock()
	if listErr != nil {
		return nil, listErr
	}
	return b.PaperBroker.ListOpenPositions(ctx)
}

func (b *testBroker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[string]bool)
}

func (b *testBroker) lastOrderID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return ""
	}
	return b.ids[len(b.ids)-1]
}

func (b *testBroker) failPlacing(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeErr = err
}

func (b *testBroker) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

type recordingNotifier struct {
	mu    sync.Mutex
	posts []string
}

func (n *recordingNotifier) Post(_ context.Context, _ string, msg string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.posts = append(n.posts, msg)
	return "alerts:1", nil
}

func (n *recordingNotifier) PostToThread(context.Context, string, string) error { return nil }

func testSignal(id, symbol string) *types.Signal {
	return &types.Signal{
		ID:         id,
		Symbol:     symbol,
		Side:       types.SideLong,
		Strategy:   "breakout",
		EntryPrice: d("100"),
		StopPrice:  d("95"),
		TP1:        d("110"),
		TP2:        d("120"),
		TP3:        d("130"),
		Status:     types.SignalWaiting,
		ThreadID:   "signals:1",
	}
}

type fixture struct {
	ledger   *storage.MemoryLedger
	broker   *testBroker
	notifier *recordingNotifier
	manager  *Manager
}

func newFixture(autoExecute bool, breaker *risk.CircuitBreaker) *fixture {
	f := &fixture{
		ledger:   storage.NewMemoryLedger(),
		broker:   newTestBroker(),
		notifier: &recordingNotifier{},
	}
	f.manager = NewManager(
		f.ledger,
		f.broker,
		f.notifier,
		risk.NewSizer(d("50"), decimal.Zero, 3),
		risk.NewTrailer(d("0.02")),
		breaker,
		nil,
		ManagerConfig{
			ScaleOutTP1:     d("0.5"),
			ScaleOutTP2:     d("0.25"),
			ConfirmAttempts: 2,
			AutoExecute:     autoExecute,
		},
	)
	f.manager.now = func() time.Time { return testNow }
	f.manager.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func (f *fixture) executed(t *testing.T, symbol string) *types.Position {
	t.Helper()
	f.broker.SetPrice(symbol, d("100"))
	pos, err := f.manager.Execute(context.Background(), testSignal("sig-"+symbol, symbol))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return pos
}

func TestExecuteOpensProtectedPosition(t *testing.T) {
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")

	if pos.Status != types.PositionOpen || pos.TradeType != types.TradeExecuted {
		t.Fatalf("pos = %s/%s", pos.Status, pos.TradeType)
	}
	if !pos.OriginalQty.Equal(d("10")) || !pos.RemainingQty.Equal(d("10")) {
		t.Fatalf("qty = %s/%s", pos.OriginalQty, pos.RemainingQty)
	}
	if !pos.EntryFillPrice.Valid || !pos.EntryFillPrice.Decimal.Equal(d("100")) || pos.AwaitingBackfill {
		t.Fatalf("entry = %+v awaiting=%v", pos.EntryFillPrice, pos.AwaitingBackfill)
	}
	if !pos.CurrentStop.Equal(d("95")) || pos.StopOrderID == "" {
		t.Fatalf("stop = %s order=%q", pos.CurrentStop, pos.StopOrderID)
	}
	if pos.SignalID == nil || *pos.SignalID != "sig-BTCUSDT" {
		t.Fatal("position not linked to signal")
	}
}

func TestExecuteTheoreticalPlacesNoOrders(t *testing.T) {
	f := newFixture(false, nil)
	pos, err := f.manager.Execute(context.Background(), testSignal("sig-1", "ETHUSDT"))
	if err != nil {
		t.Fatal(err)
	}
	if pos.TradeType != types.TradeTheoretical {
		t.Fatalf("trade type = %s", pos.TradeType)
	}
	if f.broker.placedCount() != 0 {
		t.Fatalf("placed %d orders", f.broker.placedCount())
	}
}

func TestOnePositionPerSymbol(t *testing.T) {
	f := newFixture(true, nil)
	f.executed(t, "BTCUSDT")

	_, err := f.manager.Execute(context.Background(), testSignal("sig-2", "BTCUSDT"))
	if !errors.Is(err, ErrPositionExists) {
		t.Fatalf("err = %v, want ErrPositionExists", err)
	}

	_, err = f.manager.OpenFromFill(context.Background(), testSignal("sig-3", "BTCUSDT"), decimal.NewNullDecimal(d("100")), d("1"), "x")
	if !errors.Is(err, ErrPositionExists) {
		t.Fatalf("OpenFromFill err = %v", err)
	}
}

func TestScaleOutWeightedAverage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")

	f.broker.SetPrice("BTCUSDT", d("100"))
	if _, err := f.manager.ScaleOut(ctx, pos, d("0.5"), d("100")); err != nil {
		t.Fatal(err)
	}
	if !pos.RemainingQty.Equal(d("5")) {
		t.Fatalf("remaining = %s", pos.RemainingQty)
	}

	f.broker.SetPrice("BTCUSDT", d("110"))
	if _, err := f.manager.ScaleOut(ctx, pos, d("0.5"), d("110")); err != nil {
		t.Fatal(err)
	}

	if !pos.AvgExitPrice.Equal(d("105")) {
		t.Fatalf("avg exit = %s, want 105", pos.AvgExitPrice)
	}
	if !pos.RealizedPnL.Equal(d("50")) {
		t.Fatalf("pnl = %s, want 50", pos.RealizedPnL)
	}
	if pos.Status != types.PositionClosed || pos.ExitReason != types.ReasonScaledOut {
		t.Fatalf("status = %s reason = %q", pos.Status, pos.ExitReason)
	}
	if len(pos.ScaleOuts) != 2 {
		t.Fatalf("legs = %d", len(pos.ScaleOuts))
	}

	leftover, _ := f.broker.ListOpenPositions(ctx)
	if len(leftover) != 0 {
		t.Fatalf("broker still holds %+v", leftover)
	}
}

func TestScaleOutCappedAtRemaining(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false, nil)
	pos, _ := f.manager.Execute(ctx, testSignal("sig-1", "ETHUSDT"))

	f.manager.ScaleOut(ctx, pos, d("0.75"), d("110"))
	f.manager.ScaleOut(ctx, pos, d("0.75"), d("120"))

	if !pos.RemainingQty.IsZero() || !pos.ScaledQty().Equal(pos.OriginalQty) {
		t.Fatalf("remaining = %s scaled = %s", pos.RemainingQty, pos.ScaledQty())
	}
	if pos.Status != types.PositionClosed {
		t.Fatalf("status = %s", pos.Status)
	}
}

func TestMoveStopIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false, nil)
	pos, _ := f.manager.Execute(ctx, testSignal("sig-1", "ETHUSDT"))

	levels := []string{"96", "94", "98", "97", "99", "50"}
	prev := pos.CurrentStop
	for _, lvl := range levels {
		if _, err := f.manager.MoveStopToLevel(ctx, pos, d(lvl)); err != nil {
			t.Fatal(err)
		}
		if pos.CurrentStop.LessThan(prev) {
			t.Fatalf("stop went down: %s -> %s", prev, pos.CurrentStop)
		}
		prev = pos.CurrentStop
	}
	if !pos.CurrentStop.Equal(d("99")) {
		t.Fatalf("final stop = %s", pos.CurrentStop)
	}

	moved, _ := f.manager.MoveStopToLevel(ctx, pos, d("98"))
	if moved {
		t.Fatal("worse level reported as moved")
	}
}

func TestMoveStopShortMirrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false, nil)
	sig := testSignal("sig-s", "ETHUSDT")
	sig.Side, sig.StopPrice, sig.TP1, sig.TP2, sig.TP3 = types.SideShort, d("105"), d("90"), d("80"), d("70")
	pos, err := f.manager.Execute(ctx, sig)
	if err != nil {
		t.Fatal(err)
	}

	f.manager.MoveStopToLevel(ctx, pos, d("103"))
	f.manager.MoveStopToLevel(ctx, pos, d("104"))
	if !pos.CurrentStop.Equal(d("103")) {
		t.Fatalf("short stop = %s, want 103", pos.CurrentStop)
	}
}

func TestMoveStopReplacesLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")
	oldLeg := pos.StopOrderID

	if _, err := f.manager.MoveStopToLevel(ctx, pos, d("99")); err != nil {
		t.Fatal(err)
	}
	if pos.StopOrderID == oldLeg {
		t.Fatal("stop leg not replaced")
	}
	old, _ := f.broker.GetOrder(ctx, "BTCUSDT", oldLeg)
	if old.Status != exec.OrderCanceled {
		t.Fatalf("old leg = %s", old.Status)
	}
}

func TestBreakevenOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")

	if err := f.manager.MoveStopToBreakeven(ctx, pos); err != nil {
		t.Fatal(err)
	}
	if !pos.CurrentStop.Equal(d("100")) || !pos.BreakevenSet {
		t.Fatalf("stop = %s breakeven=%v", pos.CurrentStop, pos.BreakevenSet)
	}

	f.manager.MoveStopToLevel(ctx, pos, d("104"))
	placed := f.broker.placedCount()

	if err := f.manager.MoveStopToBreakeven(ctx, pos); err != nil {
		t.Fatal(err)
	}
	if !pos.CurrentStop.Equal(d("104")) {
		t.Fatalf("second breakeven moved stop to %s", pos.CurrentStop)
	}
	if f.broker.placedCount() != placed {
		t.Fatal("second breakeven placed an order")
	}
}

func TestCloseEmergency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")
	stopLeg := pos.StopOrderID

	f.broker.SetPrice("BTCUSDT", d("97"))
	if err := f.manager.CloseEmergency(ctx, pos, types.ReasonMomentumExhaustion); err != nil {
		t.Fatal(err)
	}

	if pos.Status != types.PositionClosed || pos.ExitReason != types.ReasonMomentumExhaustion {
		t.Fatalf("pos = %s/%q", pos.Status, pos.ExitReason)
	}
	if !pos.RemainingQty.IsZero() || !pos.RealizedPnL.Equal(d("-30")) {
		t.Fatalf("remaining = %s pnl = %s", pos.RemainingQty, pos.RealizedPnL)
	}
	leg, _ := f.broker.GetOrder(ctx, "BTCUSDT", stopLeg)
	if leg.Status != exec.OrderCanceled {
		t.Fatalf("stop leg = %s", leg.Status)
	}
	if open, _ := f.broker.ListOpenPositions(ctx); len(open) != 0 {
		t.Fatalf("broker not flat: %+v", open)
	}
}

func TestHandleTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	sig := testSignal("sig-BTCUSDT", "BTCUSDT")
	pos := f.executed(t, "BTCUSDT")

	f.broker.SetPrice("BTCUSDT", d("110"))
	if err := f.manager.HandleTransition(ctx, pos, sig, types.Transition{To: types.SignalTP1Hit, Price: d("110")}); err != nil {
		t.Fatal(err)
	}
	if !pos.RemainingQty.Equal(d("5")) || !pos.CurrentStop.Equal(d("100")) || !pos.BreakevenSet {
		t.Fatalf("after TP1: remaining=%s stop=%s", pos.RemainingQty, pos.CurrentStop)
	}

	f.broker.SetPrice("BTCUSDT", d("120"))
	if err := f.manager.HandleTransition(ctx, pos, sig, types.Transition{To: types.SignalTP2Hit, Price: d("120")}); err != nil {
		t.Fatal(err)
	}
	if !pos.RemainingQty.Equal(d("2.5")) || !pos.CurrentStop.Equal(d("110")) {
		t.Fatalf("after TP2: remaining=%s stop=%s", pos.RemainingQty, pos.CurrentStop)
	}

	f.broker.SetPrice("BTCUSDT", d("130"))
	if err := f.manager.HandleTransition(ctx, pos, sig, types.Transition{To: types.SignalTP3Hit, Price: d("130")}); err != nil {
		t.Fatal(err)
	}
	if pos.Status != types.PositionClosed || pos.ExitReason != types.ReasonTargetReached {
		t.Fatalf("after TP3: %s/%q", pos.Status, pos.ExitReason)
	}
	// 5@110 + 2.5@120 + 2.5@130 = 1200 / 10
	if !pos.AvgExitPrice.Equal(d("117.5")) {
		t.Fatalf("avg exit = %s", pos.AvgExitPrice)
	}
}

func TestManageRunnerTrails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false, nil)
	pos, _ := f.manager.Execute(ctx, testSignal("sig-1", "ETHUSDT"))

	if err := f.manager.Manage(ctx, pos, types.SignalTP2Hit, d("150")); err != nil {
		t.Fatal(err)
	}
	if !pos.CurrentStop.Equal(d("147")) {
		t.Fatalf("stop = %s, want 147", pos.CurrentStop)
	}

	f.manager.Manage(ctx, pos, types.SignalTP2Hit, d("148"))
	if !pos.CurrentStop.Equal(d("147")) {
		t.Fatalf("trail loosened to %s", pos.CurrentStop)
	}

	f.manager.Manage(ctx, pos, types.SignalTP2Hit, d("146"))
	if pos.Status != types.PositionClosed || pos.ExitReason != types.ReasonStopHit {
		t.Fatalf("pos = %s/%q", pos.Status, pos.ExitReason)
	}
}

func TestManageNoTrailBeforeRunner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(false, nil)
	pos, _ := f.manager.Execute(ctx, testSignal("sig-1", "ETHUSDT"))

	f.manager.Manage(ctx, pos, types.SignalTP1Hit, d("150"))
	if !pos.CurrentStop.Equal(d("95")) {
		t.Fatalf("stop moved outside runner phase: %s", pos.CurrentStop)
	}
}

func TestManageDetectsFilledStopLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")

	f.broker.SetPrice("BTCUSDT", d("94"))
	if err := f.manager.Manage(ctx, pos, types.SignalWaiting, d("94")); err != nil {
		t.Fatal(err)
	}
	if pos.Status != types.PositionClosed || pos.ExitReason != types.ReasonStopHit {
		t.Fatalf("pos = %s/%q", pos.Status, pos.ExitReason)
	}
}

func TestAwaitingBackfill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	f.broker.holdEntries = true
	pos := f.executed(t, "BTCUSDT")

	if !pos.AwaitingBackfill || pos.EntryFillPrice.Valid {
		t.Fatalf("entry = %+v awaiting=%v", pos.EntryFillPrice, pos.AwaitingBackfill)
	}

	ok, err := f.manager.Backfill(ctx, pos)
	if err != nil || ok {
		t.Fatalf("still pending: ok=%v err=%v", ok, err)
	}

	f.broker.release()
	ok, err = f.manager.Backfill(ctx, pos)
	if err != nil || !ok {
		t.Fatalf("backfill: ok=%v err=%v", ok, err)
	}
	if pos.AwaitingBackfill || !pos.EntryFillPrice.Decimal.Equal(d("100")) {
		t.Fatalf("entry = %+v", pos.EntryFillPrice)
	}
}

func TestBreakerHaltsEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, risk.NewCircuitBreaker(2))
	f.broker.SetPrice("BTCUSDT", d("100"))
	f.broker.placeErr = errors.New("binance 503")

	for i := 0; i < 2; i++ {
		if _, err := f.manager.Execute(ctx, testSignal("sig-1", "BTCUSDT")); err == nil {
			t.Fatal("expected broker failure")
		}
	}
	_, err := f.manager.Execute(ctx, testSignal("sig-1", "BTCUSDT"))
	if !errors.Is(err, ErrBreakerTripped) {
		t.Fatalf("err = %v, want ErrBreakerTripped", err)
	}
	if f.manager.EntriesAllowed() {
		t.Fatal("entries still allowed")
	}
}

func TestMoveStopCancelsUnusedLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")
	stale := pos.Clone()

	if _, err := f.manager.MoveStopToLevel(ctx, pos, d("99")); err != nil {
		t.Fatal(err)
	}
	current := pos.StopOrderID

	// stale still believes the stop sits at 95
	moved, err := f.manager.MoveStopToLevel(ctx, stale, d("97"))
	if err != nil {
		t.Fatal(err)
	}
	if moved {
		t.Fatal("97 reported as an improvement over 99")
	}
	if stale.StopOrderID != current || !stale.CurrentStop.Equal(d("99")) {
		t.Fatalf("stop = %s leg=%q", stale.CurrentStop, stale.StopOrderID)
	}

	unused, _ := f.broker.GetOrder(ctx, "BTCUSDT", f.broker.lastOrderID())
	if unused.Status != exec.OrderCanceled {
		t.Fatalf("unused leg = %s", unused.Status)
	}
	kept, _ := f.broker.GetOrder(ctx, "BTCUSDT", current)
	if kept.Status != exec.OrderNew {
		t.Fatalf("live leg = %s", kept.Status)
	}
}

func TestMoveStopCancelsLegOnConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")
	stale := pos.Clone()

	if err := f.manager.CloseEmergency(ctx, pos, types.ReasonInvalidated); err != nil {
		t.Fatal(err)
	}

	_, err := f.manager.MoveStopToLevel(ctx, stale, d("98"))
	if !errors.Is(err, storage.ErrStatusConflict) {
		t.Fatalf("err = %v, want ErrStatusConflict", err)
	}
	leg, _ := f.broker.GetOrder(ctx, "BTCUSDT", f.broker.lastOrderID())
	if leg.Status != exec.OrderCanceled {
		t.Fatalf("orphan leg = %s", leg.Status)
	}
}

func TestCloseEmergencyKeepsStopWhenExitFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")
	stopLeg := pos.StopOrderID

	f.broker.failPlacing(errors.New("binance 503"))
	if err := f.manager.CloseEmergency(ctx, pos, types.ReasonInvalidated); err == nil {
		t.Fatal("expected exit failure")
	}

	if pos.Status != types.PositionOpen || pos.PendingExit != types.ReasonInvalidated {
		t.Fatalf("pos = %s pending=%q", pos.Status, pos.PendingExit)
	}
	if pos.StopOrderID != stopLeg {
		t.Fatalf("stop leg changed to %q", pos.StopOrderID)
	}
	leg, _ := f.broker.GetOrder(ctx, "BTCUSDT", stopLeg)
	if leg.Status != exec.OrderNew {
		t.Fatalf("stop leg = %s, want still resting", leg.Status)
	}
	alerted := false
	for _, msg := range f.notifier.posts {
		alerted = alerted || strings.Contains(msg, "EMERGENCY CLOSE FAILED")
	}
	if !alerted {
		t.Fatal("failure not alerted")
	}

	// Next pass retries the close
	f.broker.failPlacing(nil)
	if err := f.manager.Manage(ctx, pos, types.SignalInvalidated, d("100")); err != nil {
		t.Fatal(err)
	}
	if pos.Status != types.PositionClosed || pos.ExitReason != types.ReasonInvalidated || pos.PendingExit != "" {
		t.Fatalf("pos = %s/%q pending=%q", pos.Status, pos.ExitReason, pos.PendingExit)
	}
	leg, _ = f.broker.GetOrder(ctx, "BTCUSDT", stopLeg)
	if leg.Status != exec.OrderCanceled {
		t.Fatalf("stop leg = %s after close", leg.Status)
	}
	if open, _ := f.broker.ListOpenPositions(ctx); len(open) != 0 {
		t.Fatalf("broker not flat: %+v", open)
	}
}

func TestManageClosesWhenStopLegCanceled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")

	// Someone cancels the leg on the exchange, then price falls through
	if err := f.broker.CancelOrder(ctx, "BTCUSDT", pos.StopOrderID); err != nil {
		t.Fatal(err)
	}
	f.broker.SetPrice("BTCUSDT", d("94"))

	if err := f.manager.Manage(ctx, pos, types.SignalWaiting, d("94")); err != nil {
		t.Fatal(err)
	}
	if pos.Status != types.PositionClosed || pos.ExitReason != types.ReasonStopHit {
		t.Fatalf("pos = %s/%q", pos.Status, pos.ExitReason)
	}
	if !pos.RealizedPnL.Equal(d("-60")) {
		t.Fatalf("pnl = %s", pos.RealizedPnL)
	}
	if open, _ := f.broker.ListOpenPositions(ctx); len(open) != 0 {
		t.Fatalf("broker not flat: %+v", open)
	}
}

func TestManageReplacesCanceledStopLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")
	dead := pos.StopOrderID

	if err := f.broker.CancelOrder(ctx, "BTCUSDT", dead); err != nil {
		t.Fatal(err)
	}
	f.broker.SetPrice("BTCUSDT", d("101"))

	if err := f.manager.Manage(ctx, pos, types.SignalWaiting, d("101")); err != nil {
		t.Fatal(err)
	}
	if pos.Status != types.PositionOpen {
		t.Fatalf("status = %s", pos.Status)
	}
	if pos.StopOrderID == "" || pos.StopOrderID == dead {
		t.Fatalf("stop leg = %q, want a new one", pos.StopOrderID)
	}
	leg, _ := f.broker.GetOrder(ctx, "BTCUSDT", pos.StopOrderID)
	if leg.Status != exec.OrderNew {
		t.Fatalf("new leg = %s", leg.Status)
	}
}

func TestExitLegWithoutConfirmedFill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(true, nil)
	pos := f.executed(t, "BTCUSDT")

	f.broker.holdExits = true
	f.broker.SetPrice("BTCUSDT", d("110"))
	if _, err := f.manager.ScaleOut(ctx, pos, d("0.5"), d("110")); err != nil {
		t.Fatal(err)
	}

	if len(pos.ScaleOuts) != 1 || !pos.ScaleOuts[0].PricePending || !pos.ScaleOuts[0].Price.IsZero() {
		t.Fatalf("legs = %+v", pos.ScaleOuts)
	}
	if !pos.AwaitingBackfill || !pos.RemainingQty.Equal(d("5")) {
		t.Fatalf("awaiting=%v remaining=%s", pos.AwaitingBackfill, pos.RemainingQty)
	}
	if !pos.RealizedPnL.IsZero() || !pos.AvgExitPrice.IsZero() {
		t.Fatalf("pending leg priced: pnl=%s avg=%s", pos.RealizedPnL, pos.AvgExitPrice)
	}

	ok, err := f.manager.Backfill(ctx, pos)
	if err != nil || ok {
		t.Fatalf("still pending: ok=%v err=%v", ok, err)
	}

	f.broker.release()
	ok, err = f.manager.Backfill(ctx, pos)
	if err != nil || !ok {
		t.Fatalf("backfill: ok=%v err=%v", ok, err)
	}
	if pos.AwaitingBackfill || pos.ScaleOuts[0].PricePending || !pos.ScaleOuts[0].Price.Equal(d("110")) {
		t.Fatalf("leg = %+v awaiting=%v", pos.ScaleOuts[0], pos.AwaitingBackfill)
	}
	if !pos.RealizedPnL.Equal(d("50")) || !pos.AvgExitPrice.Equal(d("110")) {
		t.Fatalf("pnl = %s avg = %s", pos.RealizedPnL, pos.AvgExitPrice)
	}
}
