package lifecycle

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/bot"
	"github.com/web3guy0/sentinel/risk"
	"github.com/web3guy0/sentinel/storage"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT EVALUATION
// ═══════════════════════════════════════════════════════════════════════════════
//
// Precedence on a single pass:
//   1. Invalidation (structural stop, momentum exhaustion, divergence)
//   2. Expiry (WAITING, unfilled, validity elapsed)
//   3. Next take-profit only (TP1 → TP2 → TP3, one step per run)
//
// ═══════════════════════════════════════════════════════════════════════════════

// decide picks the transition for a signal without touching the ledger
func (c *Controller) decide(s *types.Signal, obs types.Observation) (types.SignalStatus, string, bool) {
	switch s.Status {
	case types.SignalWaiting, types.SignalTP1Hit, types.SignalTP2Hit:
	case types.SignalCreated, types.SignalTP3Hit, types.SignalInvalidated, types.SignalExpired:
		return "", "", false
	default:
		return "", "", false
	}

	if risk.StopBreached(s.Side, s.InvalidationLevel(), obs.Price) {
		return types.SignalInvalidated, types.ReasonStructuralStop, true
	}
	if obs.MomentumExhaustion {
		return types.SignalInvalidated, types.ReasonMomentumExhaustion, true
	}
	if obs.Divergence {
		return types.SignalInvalidated, types.ReasonDivergence, true
	}

	now := obs.At
	if now.IsZero() {
		now = c.now()
	}
	if s.Status == types.SignalWaiting && !s.EntryFilled && !s.ValidUntil.IsZero() && !now.Before(s.ValidUntil) {
		return types.SignalExpired, types.ReasonExpired, true
	}

	next, ok := s.Status.NextTarget()
	if !ok {
		return "", "", false
	}
	target, _ := s.TargetFor(next)
	if reached(s.Side, target, obs.Price) {
		return next, string(next), true
	}
	return "", "", false
}

func reached(side types.Side, target, price decimal.Decimal) bool {
	if !target.IsPositive() || !price.IsPositive() {
		return false
	}
	if side == types.SideShort {
		return price.LessThanOrEqual(target)
	}
	return price.GreaterThanOrEqual(target)
}

// Evaluate checks one active signal against the run's observation and applies
// at most one transition. A nil transition with a nil error means nothing
// changed, including when another writer moved the signal first. On success
// *s is updated to the stored record.
func (c *Controller) Evaluate(ctx context.Context, s *types.Signal, obs types.Observation) (*types.Transition, error) {
	to, reason, ok := c.decide(s, obs)
	if !ok {
		return nil, nil
	}

	from := s.Status
	at := obs.At
	if at.IsZero() {
		at = c.now()
	}
	at = at.UTC()

	updated, err := c.ledger.UpdateSignal(ctx, s.ID, from, func(rec *types.Signal) error {
		rec.Status = to
		rec.ExitReason = reason
		rec.ExitPrice = obs.Price
		rec.UpdatedAt = at
		if to.IsExit() {
			exited := at
			rec.ExitedAt = &exited
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			log.Debug().
				Str("symbol", s.Symbol).
				Str("signal_id", s.ID).
				Str("status", string(from)).
				Msg("Lost transition race, other writer wins")
			return nil, nil
		}
		return nil, err
	}
	*s = *updated

	tr := &types.Transition{
		SignalID: s.ID,
		From:     from,
		To:       to,
		Reason:   reason,
		Price:    obs.Price,
		At:       at,
	}
	c.opts.Metrics.Transition(to)

	logger := log.With().Str("symbol", s.Symbol).Str("signal_id", s.ID).Str("status", string(to)).Logger()
	switch to {
	case types.SignalInvalidated:
		logger.Warn().Str("reason", reason).Str("price", obs.Price.String()).Msg("🛑 Signal invalidated")
	case types.SignalExpired:
		logger.Info().Msg("⌛ Signal expired unfilled")
	case types.SignalCreated, types.SignalWaiting, types.SignalTP1Hit, types.SignalTP2Hit, types.SignalTP3Hit:
		logger.Info().Str("price", obs.Price.String()).Msg("🎯 Target reached")
	}

	if s.ThreadID != "" {
		if err := c.notifier.PostToThread(ctx, s.ThreadID, bot.FormatTransition(s, *tr)); err != nil {
			logger.Warn().Err(err).Msg("⚠️ Thread update failed")
		}
	}

	return tr, nil
}
