package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/web3guy0/sentinel/bot"
	"github.com/web3guy0/sentinel/exec"
	"github.com/web3guy0/sentinel/execution"
	"github.com/web3guy0/sentinel/feeds"
	"github.com/web3guy0/sentinel/internal/config"
	"github.com/web3guy0/sentinel/internal/retry"
	"github.com/web3guy0/sentinel/lifecycle"
	"github.com/web3guy0/sentinel/metrics"
	"github.com/web3guy0/sentinel/risk"
	"github.com/web3guy0/sentinel/storage"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - One job invocation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Lock → Reconcile → per symbol:
//     Price → Evaluate signals → Manage position → Sweep → Gate → Admit → Execute
//   → Metrics push → Unlock
//
// A failing symbol is logged and skipped; it never aborts the run.
//
// ═══════════════════════════════════════════════════════════════════════════════

// LockName is the lease guarding against overlapping runs
const LockName = "sentinel-run"

// ErrLockHeld is returned when another invocation holds the run lease
var ErrLockHeld = errors.New("another run holds the lock")

// Deps are the collaborators wired in main
type Deps struct {
	Ledger   storage.Ledger
	Locker   storage.Locker
	Broker   exec.Broker
	Notifier bot.Notifier
	Source   feeds.CandidateSource
	Metrics  *metrics.Collector
}

// Summary is the outcome of one run
type Summary struct {
	Symbols     int
	Failed      int
	Admitted    int
	Transitions int
	Executed    int
	Report      *types.ReconciliationReport
	Duration    time.Duration
}

type Engine struct {
	cfg  *config.Config
	deps Deps

	gate       *risk.CooldownGate
	lifecycle  *lifecycle.Controller
	manager    *execution.Manager
	reconciler *execution.Reconciler
	limiter    *rate.Limiter
	policy     retry.Policy

	holder string
	now    func() time.Time
}

// NewEngine wires the domain components from config
func NewEngine(cfg *config.Config, deps Deps) *Engine {
	policy := cfg.RetryPolicy()

	gate := risk.NewCooldownGate(deps.Ledger, cfg.CooldownWindow, cfg.CooldownEscapePct, cfg.CooldownScope == config.ScopePattern)

	controller := lifecycle.NewController(deps.Ledger, deps.Notifier, risk.NewValidator(cfg.MinRiskReward), lifecycle.Options{
		Validity:       cfg.SignalValidity,
		Retention:      cfg.SignalRetention,
		ShadowRejected: cfg.ShadowRejected,
		Retry:          policy,
		Metrics:        deps.Metrics,
	})

	manager := execution.NewManager(
		deps.Ledger,
		deps.Broker,
		deps.Notifier,
		risk.NewSizer(cfg.RiskPerTrade, cfg.MaxNotional, cfg.QtyPrecision),
		risk.NewTrailer(cfg.TrailingPct),
		risk.NewCircuitBreaker(cfg.MaxBrokerErrors),
		deps.Metrics,
		execution.ManagerConfig{
			ScaleOutTP1:     cfg.ScaleOutTP1,
			ScaleOutTP2:     cfg.ScaleOutTP2,
			ConfirmAttempts: cfg.ConfirmAttempts,
			ConfirmDelay:    cfg.ConfirmDelay,
			AutoExecute:     cfg.AutoExecute,
		},
	)

	reconciler := execution.NewReconciler(deps.Ledger, deps.Broker, manager, deps.Notifier, deps.Metrics, cfg.IsProduction())

	limit := rate.Inf
	if cfg.InterSymbolDelay > 0 {
		limit = rate.Every(cfg.InterSymbolDelay)
	}

	host, _ := os.Hostname()

	return &Engine{
		cfg:        cfg,
		deps:       deps,
		gate:       gate,
		lifecycle:  controller,
		manager:    manager,
		reconciler: reconciler,
		limiter:    rate.NewLimiter(limit, 1),
		policy:     policy,
		holder:     host + "/" + uuid.NewString(),
		now:        time.Now,
	}
}

// Run executes one invocation. ErrLockHeld means another run is active and
// nothing was done; any other error is a startup failure.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	start := e.now()

	acquired, err := e.deps.Locker.Acquire(ctx, LockName, e.holder, e.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}
	defer func() {
		// The run context may already be done; release on a fresh one
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.deps.Locker.Release(releaseCtx, LockName, e.holder); err != nil {
			log.Warn().Err(err).Msg("⚠️ Failed to release run lock, it will expire")
		}
	}()

	log.Info().
		Str("env", e.cfg.Environment).
		Str("holder", e.holder).
		Bool("smoke", e.cfg.Smoke).
		Msg("🔒 Run lock acquired")

	if e.cfg.Smoke {
		return &Summary{Duration: e.now().Sub(start)}, e.Smoke(ctx)
	}

	summary := &Summary{}
	summary.Report = e.reconciler.Reconcile(ctx)

	snapshot, err := e.deps.Source.Load(ctx)
	if err != nil {
		log.Error().Err(err).Msg("❌ Candidate source unavailable, managing existing signals only")
		snapshot = &feeds.Snapshot{}
	}

	symbols := NewSymbolSet(e.cfg.Symbols...)
	if open, err := e.deps.Ledger.QueryPositions(ctx, storage.PositionQuery{Status: types.PositionOpen}); err == nil {
		for _, p := range open {
			symbols.Add(p.Symbol)
		}
	} else {
		log.Warn().Err(err).Msg("⚠️ Could not list open positions for the universe")
	}

	var failed, admitted, transitions, executed atomic.Int64

	g := &errgroup.Group{}
	g.SetLimit(e.cfg.Workers)
	for _, symbol := range symbols.Sorted() {
		g.Go(func() error {
			if err := e.limiter.Wait(ctx); err != nil {
				return err
			}
			res, err := e.processSymbol(ctx, symbol, snapshot.For(symbol))
			admitted.Add(int64(res.admitted))
			transitions.Add(int64(res.transitions))
			executed.Add(int64(res.executed))
			if err != nil {
				failed.Add(1)
				e.deps.Metrics.SymbolFailed()
				log.Error().Err(err).Str("symbol", symbol).Msg("❌ Symbol pass failed")
			}
			return nil
		})
	}
	loopErr := g.Wait()

	summary.Symbols = symbols.Count()
	summary.Failed = int(failed.Load())
	summary.Admitted = int(admitted.Load())
	summary.Transitions = int(transitions.Load())
	summary.Executed = int(executed.Load())
	summary.Duration = e.now().Sub(start)

	e.deps.Metrics.RunFinished(summary.Duration, loopErr == nil)
	e.pushMetrics()

	if loopErr != nil {
		return summary, fmt.Errorf("symbol loop interrupted: %w", loopErr)
	}

	log.Info().
		Int("symbols", summary.Symbols).
		Int("failed", summary.Failed).
		Int("admitted", summary.Admitted).
		Int("transitions", summary.Transitions).
		Int("executed", summary.Executed).
		Dur("duration", summary.Duration).
		Msg("✅ Run complete")

	return summary, nil
}

type symbolResult struct {
	admitted    int
	transitions int
	executed    int
}

// processSymbol runs the whole per-symbol pass. Only this goroutine writes
// the symbol's signals and position during the run.
func (e *Engine) processSymbol(ctx context.Context, symbol string, feed feeds.SymbolFeed) (symbolResult, error) {
	var res symbolResult
	logger := log.With().Str("symbol", symbol).Logger()

	var price decimal.Decimal
	err := retry.Do(ctx, e.policy, "last price "+symbol, func(ctx context.Context) error {
		p, err := e.deps.Broker.LastPrice(ctx, symbol)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("price: %w", err)
	}

	obs := types.Observation{
		Price:              price,
		MomentumExhaustion: feed.HardSell.MomentumExhaustion,
		Divergence:         feed.HardSell.Divergence,
		At:                 e.now().UTC(),
	}

	pos, err := e.manager.OpenPosition(ctx, symbol)
	if err != nil {
		return res, fmt.Errorf("open position: %w", err)
	}

	active, err := e.lifecycle.ActiveSignals(ctx, symbol)
	if err != nil {
		return res, fmt.Errorf("active signals: %w", err)
	}

	managed := false
	for _, sig := range active {
		tr, err := e.lifecycle.Evaluate(ctx, sig, obs)
		if err != nil {
			logger.Error().Err(err).Str("signal_id", sig.ID).Msg("❌ Exit evaluation failed")
			continue
		}
		if tr != nil {
			res.transitions++
		}

		if pos == nil || !linked(pos, sig) {
			continue
		}
		managed = true
		if tr != nil {
			if err := e.manager.HandleTransition(ctx, pos, sig, *tr); err != nil {
				// Anything left pending is retried by Manage on the next pass
				logger.Error().Err(err).Str("transition", string(tr.To)).Msg("❌ Position update failed")
				continue
			}
		}
		if err := e.manager.Manage(ctx, pos, sig.Status, price); err != nil {
			logger.Error().Err(err).Msg("❌ Position management failed")
		}
	}

	// Positions whose signal is terminal or missing still get stop protection
	if pos != nil && !managed {
		if err := e.manager.Manage(ctx, pos, "", price); err != nil {
			logger.Error().Err(err).Msg("❌ Position management failed")
		}
	}
	if pos != nil && pos.Status != types.PositionOpen {
		pos = nil
	}

	if swept, err := e.lifecycle.SweepStale(ctx, symbol, e.cfg.LockTTL); err != nil {
		logger.Warn().Err(err).Msg("⚠️ Stale signal sweep failed")
	} else if swept > 0 {
		logger.Warn().Int("swept", swept).Msg("🧹 Stale CREATED signals invalidated")
	}

	for _, cand := range feed.Candidates {
		decision, err := e.gate.Evaluate(ctx, symbol, price, cand.PatternID)
		if err != nil {
			e.deps.Metrics.Admission("cooldown")
			logger.Error().Err(err).Msg("❌ Cooldown lookup failed, rejecting")
			continue
		}
		if !decision.Admit {
			e.deps.Metrics.Admission("cooldown")
			logger.Info().
				Str("reason", decision.Reason).
				Str("prior", decision.PriorID).
				Str("distance_pct", decision.Distance.StringFixed(2)).
				Msg("⏸️ Cooldown active")
			continue
		}

		sig, fresh, err := e.lifecycle.Admit(ctx, cand)
		if err != nil {
			if !errors.Is(err, lifecycle.ErrInvalidSetup) {
				logger.Error().Err(err).Str("strategy", cand.Strategy).Msg("❌ Admission failed")
			}
			continue
		}
		if fresh {
			res.admitted++
		}
		if sig.Status != types.SignalWaiting || sig.EntryFilled {
			continue
		}

		if pos != nil {
			logger.Info().Str("signal_id", sig.ID).Msg("📌 Position already open, signal tracked only")
			continue
		}

		opened, err := e.manager.Execute(ctx, sig)
		if err != nil {
			logger.Warn().Err(err).Str("signal_id", sig.ID).Msg("⚠️ Entry not executed")
			continue
		}
		if _, err := e.lifecycle.MarkFilled(ctx, sig, opened.ID, opened.TradeType); err != nil {
			logger.Error().Err(err).Str("signal_id", sig.ID).Msg("❌ Could not link position to signal")
		}
		pos = opened
		res.executed++
	}

	return res, nil
}

func linked(pos *types.Position, sig *types.Signal) bool {
	if sig.PositionID != "" {
		return pos.ID == sig.PositionID
	}
	return pos.SignalID != nil && *pos.SignalID == sig.ID
}

// Smoke checks every collaborator without placing orders
func (e *Engine) Smoke(ctx context.Context) error {
	var errs []error

	if _, err := e.deps.Ledger.QuerySignals(ctx, storage.SignalQuery{Limit: 1}); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	} else {
		log.Info().Msg("✅ Ledger reachable")
	}

	if positions, err := e.deps.Broker.ListOpenPositions(ctx); err != nil {
		errs = append(errs, fmt.Errorf("broker positions: %w", err))
	} else {
		log.Info().Int("open", len(positions)).Msg("✅ Broker positions readable")
	}

	if len(e.cfg.Symbols) > 0 {
		if price, err := e.deps.Broker.LastPrice(ctx, e.cfg.Symbols[0]); err != nil {
			errs = append(errs, fmt.Errorf("broker price: %w", err))
		} else {
			log.Info().Str("symbol", e.cfg.Symbols[0]).Str("price", price.String()).Msg("✅ Price feed readable")
		}
	}

	if _, err := e.deps.Notifier.Post(ctx, bot.ChannelAlerts, "🩺 Smoke test: "+e.cfg.Environment+" connectivity OK"); err != nil {
		errs = append(errs, fmt.Errorf("notifier: %w", err))
	} else {
		log.Info().Msg("✅ Notifier delivered")
	}

	e.pushMetrics()

	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Msg("❌ Smoke test failed")
		return err
	}
	log.Info().Msg("🩺 Smoke test passed")
	return nil
}

func (e *Engine) pushMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.deps.Metrics.Push(ctx, e.cfg.PushgatewayURL, "sentinel", e.cfg.Environment); err != nil {
		log.Warn().Err(err).Msg("⚠️ Metrics push failed")
	}
}
