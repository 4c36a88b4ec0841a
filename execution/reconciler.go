package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sentinel/bot"
	"github.com/web3guy0/sentinel/exec"
	"github.com/web3guy0/sentinel/metrics"
	"github.com/web3guy0/sentinel/storage"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Ledger vs broker, once per run
// ═══════════════════════════════════════════════════════════════════════════════
//
// On every production run, before the symbol loop:
// 1. Load OPEN positions from the ledger (theoretical ones excluded)
// 2. Load open positions from the broker
// 3. Zombies (ledger only): close as "closed externally" and warn
// 4. Orphans (broker only): critical alert, never auto-managed
// 5. Backfill entry and exit prices that were never confirmed
//
// Advisory only: Reconcile never returns an error and never panics.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Reconciler compares the ledger against the broker
type Reconciler struct {
	ledger     storage.Ledger
	broker     exec.Broker
	manager    *Manager
	notifier   bot.Notifier
	metrics    *metrics.Collector
	production bool
	now        func() time.Time
}

// NewReconciler creates a reconciler. It does nothing outside production.
func NewReconciler(ledger storage.Ledger, broker exec.Broker, manager *Manager, notifier bot.Notifier, m *metrics.Collector, production bool) *Reconciler {
	return &Reconciler{
		ledger:     ledger,
		broker:     broker,
		manager:    manager,
		notifier:   notifier,
		metrics:    m,
		production: production,
		now:        time.Now,
	}
}

// Reconcile runs one pass and returns its report
func (r *Reconciler) Reconcile(ctx context.Context) (report *types.ReconciliationReport) {
	start := r.now()
	report = &types.ReconciliationReport{}

	defer func() {
		if rec := recover(); rec != nil {
			report.CriticalIssues = append(report.CriticalIssues, fmt.Sprintf("reconciler panic: %v", rec))
			log.Error().Interface("panic", rec).Msg("💀 Reconciler panicked")
		}
		report.Duration = r.now().Sub(start)
		r.metrics.Reconciled(report)
	}()

	if !r.production {
		report.Skipped = true
		log.Info().Msg("📦 Non-production run - skipping reconciliation")
		return report
	}

	ledgerOpen, ledgerErr := r.ledgerOpen(ctx)
	if ledgerErr != nil {
		report.CriticalIssues = append(report.CriticalIssues, "ledger fetch failed: "+ledgerErr.Error())
		log.Error().Err(ledgerErr).Msg("❌ Reconciler could not read ledger positions")
	}

	brokerOpen, brokerErr := r.brokerOpen(ctx)
	if brokerErr != nil {
		report.CriticalIssues = append(report.CriticalIssues, "broker fetch failed: "+brokerErr.Error())
		log.Error().Err(brokerErr).Msg("❌ Reconciler could not read broker positions")
	}

	if ledgerErr == nil && brokerErr == nil {
		r.classify(ctx, report, ledgerOpen, brokerOpen)
	}
	if ledgerErr == nil {
		r.backfill(ctx, report)
	}

	if len(report.CriticalIssues) > 0 {
		r.post(ctx, bot.FormatReconcileIssues(report))
	}

	log.Info().
		Int("zombies", len(report.Zombies)).
		Int("orphans", len(report.Orphans)).
		Int("healed", report.Healed).
		Int("backfilled", report.Backfilled).
		Int("critical", len(report.CriticalIssues)).
		Msg("✅ Reconciliation complete")

	return report
}

func (r *Reconciler) ledgerOpen(ctx context.Context) (map[string]*types.Position, error) {
	positions, err := r.ledger.QueryPositions(ctx, storage.PositionQuery{Status: types.PositionOpen})
	if err != nil {
		return nil, err
	}

	out := make(map[string]*types.Position, len(positions))
	for _, p := range positions {
		if p.TradeType == types.TradeTheoretical {
			continue
		}
		out[p.Symbol] = p
	}
	return out, nil
}

func (r *Reconciler) brokerOpen(ctx context.Context) (map[string]exec.BrokerPosition, error) {
	positions, err := r.broker.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]exec.BrokerPosition, len(positions))
	for _, p := range positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		out[p.Symbol] = p
	}
	return out, nil
}

func (r *Reconciler) classify(ctx context.Context, report *types.ReconciliationReport, ledgerOpen map[string]*types.Position, brokerOpen map[string]exec.BrokerPosition) {
	for _, symbol := range sortedKeys(ledgerOpen) {
		if _, ok := brokerOpen[symbol]; ok {
			continue
		}
		report.Zombies = append(report.Zombies, symbol)
		r.heal(ctx, report, ledgerOpen[symbol])
	}

	for _, symbol := range sortedKeys(brokerOpen) {
		if _, ok := ledgerOpen[symbol]; ok {
			continue
		}
		bp := brokerOpen[symbol]
		report.Orphans = append(report.Orphans, symbol)
		log.Error().
			Str("symbol", symbol).
			Str("side", string(bp.Side)).
			Str("qty", bp.Quantity.String()).
			Msg("👻 Orphan position at broker, manual action required")
		r.post(ctx, bot.FormatOrphan(bp))
	}
}

// heal closes one zombie. Failures stay on this symbol.
func (r *Reconciler) heal(ctx context.Context, report *types.ReconciliationReport, pos *types.Position) {
	defer func() {
		if rec := recover(); rec != nil {
			report.CriticalIssues = append(report.CriticalIssues, fmt.Sprintf("heal %s panicked: %v", pos.Symbol, rec))
		}
	}()

	if err := r.manager.MarkClosedExternally(ctx, pos); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			log.Debug().Str("symbol", pos.Symbol).Msg("Zombie already closed by another writer")
			return
		}
		report.CriticalIssues = append(report.CriticalIssues, fmt.Sprintf("heal %s: %v", pos.Symbol, err))
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("❌ Failed to heal zombie")
		return
	}

	report.Healed++
	log.Warn().Str("symbol", pos.Symbol).Str("position_id", pos.ID).Msg("🧟 Zombie healed, closed externally")
	r.post(ctx, bot.FormatZombie(pos))
}

func (r *Reconciler) backfill(ctx context.Context, report *types.ReconciliationReport) {
	// Closed positions too: their last exit leg may still be unpriced
	pending, err := r.ledger.QueryPositions(ctx, storage.PositionQuery{
		OnlyAwaitingBackfill: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Backfill query failed")
		return
	}

	for _, pos := range pending {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					report.CriticalIssues = append(report.CriticalIssues, fmt.Sprintf("backfill %s panicked: %v", pos.Symbol, rec))
				}
			}()

			filled, err := r.manager.Backfill(ctx, pos)
			if err != nil {
				log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("⚠️ Backfill failed, retrying next run")
				return
			}
			if filled {
				report.Backfilled++
			}
		}()
	}
}

func (r *Reconciler) post(ctx context.Context, msg string) {
	if r.notifier == nil {
		return
	}
	if _, err := r.notifier.Post(ctx, bot.ChannelAlerts, msg); err != nil {
		log.Warn().Err(err).Msg("⚠️ Reconciler alert delivery failed")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
