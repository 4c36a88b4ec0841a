package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/bot"
	"github.com/web3guy0/sentinel/internal/retry"
	"github.com/web3guy0/sentinel/metrics"
	"github.com/web3guy0/sentinel/risk"
	"github.com/web3guy0/sentinel/storage"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL LIFECYCLE CONTROLLER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Admission is persist → notify → finalize:
//
//   1. write CREATED            (failure: nothing user-visible happened)
//   2. post to signal channel   (returns the thread handle)
//   3. CREATED → WAITING        (thread attached)
//      or CREATED → INVALIDATED "notification failed"
//
// A signal is never WAITING without a thread.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidSetup is returned for candidates rejected before the state machine
	ErrInvalidSetup = risk.ErrInvalidSetup

	// ErrPersistFailed means phase 1 failed and nothing was announced
	ErrPersistFailed = errors.New("signal persist failed")

	// ErrNotifyFailed means the announcement failed and the signal was invalidated
	ErrNotifyFailed = errors.New("signal notification failed")

	// ErrFinalizeFailed means the announcement went out but the signal could not be activated
	ErrFinalizeFailed = errors.New("signal finalize failed")
)

// Options configures a Controller
type Options struct {
	Validity       time.Duration // How long an unfilled signal stays WAITING
	Retention      time.Duration // Physical expiry deadline from creation
	ShadowRejected bool          // Record validation rejects in the shadow collection
	Retry          retry.Policy
	Metrics        *metrics.Collector
}

type Controller struct {
	ledger    storage.Ledger
	notifier  bot.Notifier
	validator *risk.Validator
	opts      Options
	now       func() time.Time
}

// NewController creates the lifecycle controller
func NewController(ledger storage.Ledger, notifier bot.Notifier, validator *risk.Validator, opts Options) *Controller {
	if validator == nil {
		validator = risk.NewValidator(decimal.Zero)
	}
	return &Controller{
		ledger:    ledger,
		notifier:  notifier,
		validator: validator,
		opts:      opts,
		now:       time.Now,
	}
}

func (c *Controller) newSignal(cand types.Candidate) *types.Signal {
	now := c.now().UTC()
	return &types.Signal{
		ID:             SignalID(now, cand.Strategy, cand.Symbol),
		Symbol:         cand.Symbol,
		Side:           cand.Side,
		Strategy:       cand.Strategy,
		PatternID:      cand.PatternID,
		ConfluenceTags: cand.ConfluenceTags,
		Metadata:       cand.Metadata,
		EntryPrice:     cand.EntryPrice,
		StopPrice:      cand.StopPrice,
		TP1:            cand.TP1,
		TP2:            cand.TP2,
		TP3:            cand.TP3,
		Status:         types.SignalCreated,
		TradeType:      types.TradeTheoretical,
		CreatedAt:      now,
		UpdatedAt:      now,
		ValidUntil:     now.Add(c.opts.Validity),
		ExpiresAt:      now.Add(c.opts.Retention),
	}
}

// Admit runs the admission protocol for a candidate that passed the cooldown
// gate. The returned signal is the stored record; on ErrNotifyFailed and
// ErrFinalizeFailed it is the invalidated one. fresh is true only when this
// call announced the signal and moved it to WAITING; a same-day duplicate
// comes back unchanged with fresh false.
func (c *Controller) Admit(ctx context.Context, cand types.Candidate) (*types.Signal, bool, error) {
	sig := c.newSignal(cand)
	logger := log.With().Str("symbol", sig.Symbol).Str("signal_id", sig.ID).Logger()

	if err := c.validator.Validate(cand); err != nil {
		c.opts.Metrics.Admission("invalid")
		if c.opts.ShadowRejected {
			sig.TradeType = types.TradeFiltered
			if serr := c.ledger.PutShadowSignal(ctx, sig, err.Error()); serr != nil {
				logger.Warn().Err(serr).Msg("⚠️ Failed to record shadow signal")
			}
		}
		logger.Info().Err(err).Msg("🚫 Setup rejected")
		return nil, false, err
	}

	existing, err := c.ledger.GetSignal(ctx, sig.ID)
	switch {
	case err == nil && existing.Status != types.SignalCreated:
		c.opts.Metrics.Admission("duplicate")
		logger.Debug().Str("status", string(existing.Status)).Msg("Signal already admitted today")
		return existing, false, nil
	case err == nil:
		// Stuck between persist and finalize on an earlier run
		c.opts.Metrics.Admission("resumed")
		logger.Warn().Msg("♻️ Resuming CREATED signal from notify")
		sig = existing
	case errors.Is(err, storage.ErrNotFound):
		if err := c.persist(ctx, sig); err != nil {
			c.opts.Metrics.Admission("persist_failed")
			logger.Error().Err(err).Msg("❌ Persist failed, nothing announced")
			return nil, false, fmt.Errorf("%w: %v", ErrPersistFailed, err)
		}
	default:
		c.opts.Metrics.Admission("persist_failed")
		return nil, false, fmt.Errorf("%w: lookup: %v", ErrPersistFailed, err)
	}

	thread, notifyErr := c.notifier.Post(ctx, bot.ChannelSignals, bot.FormatSignal(sig))
	if notifyErr == nil && thread == "" {
		notifyErr = errors.New("notifier returned no thread handle")
	}
	if notifyErr != nil {
		c.opts.Metrics.Admission("notify_failed")
		logger.Error().Err(notifyErr).Msg("❌ Notification failed, invalidating")

		invalid, err := c.abort(ctx, sig.ID, types.ReasonNotificationFailed)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v (compensation: %v)", ErrNotifyFailed, notifyErr, err)
		}
		return invalid, false, fmt.Errorf("%w: %v", ErrNotifyFailed, notifyErr)
	}

	waiting, err := c.finalize(ctx, sig.ID, thread)
	if err != nil {
		c.opts.Metrics.Admission("finalize_failed")
		logger.Error().Err(err).Str("thread", thread).Msg("❌ Finalize failed after announcement, aborting tracking")

		invalid, abortErr := c.abort(ctx, sig.ID, types.ReasonFinalizeFailed)
		if perr := c.notifier.PostToThread(ctx, thread, bot.FormatTrackingAborted(sig)); perr != nil {
			logger.Error().Err(perr).Msg("❌ Could not post tracking-aborted notice")
		}
		if abortErr != nil {
			return nil, false, fmt.Errorf("%w: %v (compensation: %v)", ErrFinalizeFailed, err, abortErr)
		}
		return invalid, false, fmt.Errorf("%w: %v", ErrFinalizeFailed, err)
	}

	c.opts.Metrics.Admission("admitted")
	logger.Info().
		Str("side", string(waiting.Side)).
		Str("entry", waiting.EntryPrice.String()).
		Str("stop", waiting.StopPrice.String()).
		Msg("📡 Signal admitted")

	return waiting, true, nil
}

func (c *Controller) persist(ctx context.Context, sig *types.Signal) error {
	return retry.Do(ctx, c.opts.Retry, "persist signal", func(ctx context.Context) error {
		return c.ledger.PutSignal(ctx, sig)
	})
}

func (c *Controller) finalize(ctx context.Context, id, thread string) (*types.Signal, error) {
	var out *types.Signal
	err := retry.Do(ctx, c.opts.Retry, "finalize signal", func(ctx context.Context) error {
		s, err := c.ledger.UpdateSignal(ctx, id, types.SignalCreated, func(s *types.Signal) error {
			s.Status = types.SignalWaiting
			s.ThreadID = thread
			s.UpdatedAt = c.now().UTC()
			return nil
		})
		if err != nil {
			return permanentIfConflict(err)
		}
		out = s
		return nil
	})
	return out, err
}

// abort is the compensating CREATED → INVALIDATED move. ExitedAt stays unset:
// nothing was traded, so the cooldown gate must not see it as an exit.
func (c *Controller) abort(ctx context.Context, id, reason string) (*types.Signal, error) {
	var out *types.Signal
	err := retry.Do(ctx, c.opts.Retry, "abort signal", func(ctx context.Context) error {
		s, err := c.ledger.UpdateSignal(ctx, id, types.SignalCreated, func(s *types.Signal) error {
			s.Status = types.SignalInvalidated
			s.ExitReason = reason
			s.UpdatedAt = c.now().UTC()
			return nil
		})
		if err != nil {
			return permanentIfConflict(err)
		}
		out = s
		return nil
	})
	return out, err
}

// MarkFilled links an executed or theoretical fill to a WAITING signal
func (c *Controller) MarkFilled(ctx context.Context, sig *types.Signal, positionID string, tradeType types.TradeType) (*types.Signal, error) {
	updated, err := c.ledger.UpdateSignal(ctx, sig.ID, sig.Status, func(s *types.Signal) error {
		if s.Status != types.SignalWaiting {
			return fmt.Errorf("mark filled: signal is %s", s.Status)
		}
		s.EntryFilled = true
		s.PositionID = positionID
		s.TradeType = tradeType
		s.UpdatedAt = c.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	*sig = *updated
	return updated, nil
}

// ActiveSignals lists a symbol's signals that exit evaluation must visit
func (c *Controller) ActiveSignals(ctx context.Context, symbol string) ([]*types.Signal, error) {
	return c.ledger.QuerySignals(ctx, storage.SignalQuery{
		Symbol:   symbol,
		Statuses: types.ActiveStatuses,
	})
}

// SweepStale invalidates CREATED signals older than maxAge that no admission
// resumed. Returns how many were swept.
func (c *Controller) SweepStale(ctx context.Context, symbol string, maxAge time.Duration) (int, error) {
	stuck, err := c.ledger.QuerySignals(ctx, storage.SignalQuery{
		Symbol:   symbol,
		Statuses: []types.SignalStatus{types.SignalCreated},
	})
	if err != nil {
		return 0, err
	}

	cutoff := c.now().Add(-maxAge)
	swept := 0
	for _, s := range stuck {
		if s.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := c.abort(ctx, s.ID, types.ReasonFinalizeFailed); err != nil {
			if errors.Is(err, storage.ErrStatusConflict) {
				continue
			}
			return swept, err
		}
		log.Warn().Str("symbol", symbol).Str("signal_id", s.ID).Msg("🧹 Swept stale CREATED signal")
		swept++
	}
	return swept, nil
}

func permanentIfConflict(err error) error {
	if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrIllegalTransition) || errors.Is(err, storage.ErrNotFound) {
		return retry.Permanent(err)
	}
	return err
}
