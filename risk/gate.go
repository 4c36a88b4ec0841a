package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/storage"
	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COOLDOWN GATE - Blocks re-entry near a recent exit
// ═══════════════════════════════════════════════════════════════════════════════
//
// A symbol that exited (TP hit or invalidated) inside the window only gets a
// new signal once price has moved at least escapePct away from the level the
// previous signal exited at. The reference is always the exit level, never
// the old entry.
//
// ═══════════════════════════════════════════════════════════════════════════════

var hundred = decimal.NewFromInt(100)

// CooldownDecision explains a gate verdict
type CooldownDecision struct {
	Admit     bool
	Reason    string
	PriorID   string          // Most recent exited signal, if any
	ExitLevel decimal.Decimal // Reference the distance was measured against
	Distance  decimal.Decimal // Percent from ExitLevel
}

type CooldownGate struct {
	ledger    storage.Ledger
	window    time.Duration
	escapePct decimal.Decimal
	byPattern bool
	now       func() time.Time
}

// NewCooldownGate creates the gate. byPattern narrows the lookup to the
// candidate's pattern id; otherwise any exit on the symbol blocks.
func NewCooldownGate(ledger storage.Ledger, window time.Duration, escapePct decimal.Decimal, byPattern bool) *CooldownGate {
	return &CooldownGate{
		ledger:    ledger,
		window:    window,
		escapePct: escapePct,
		byPattern: byPattern,
		now:       time.Now,
	}
}

// Admit reports whether a new signal may be created. Fails closed.
func (g *CooldownGate) Admit(ctx context.Context, symbol string, price decimal.Decimal, patternID string) bool {
	decision, err := g.Evaluate(ctx, symbol, price, patternID)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("❌ Cooldown lookup failed, rejecting")
		return false
	}
	return decision.Admit
}

// Evaluate returns the full decision. An error always comes with Admit=false.
func (g *CooldownGate) Evaluate(ctx context.Context, symbol string, price decimal.Decimal, patternID string) (CooldownDecision, error) {
	q := storage.SignalQuery{
		Symbol:      symbol,
		Statuses:    types.ExitStatuses,
		ExitedAfter: g.now().Add(-g.window),
		Limit:       1,
	}
	if g.byPattern {
		q.PatternID = patternID
	}

	recent, err := g.ledger.QuerySignals(ctx, q)
	if err != nil {
		return CooldownDecision{Reason: "ledger unavailable"}, fmt.Errorf("cooldown query %s: %w", symbol, err)
	}
	if len(recent) == 0 {
		return CooldownDecision{Admit: true, Reason: "no recent exit"}, nil
	}

	prior := recent[0]
	exit, ok := prior.ExitLevel()
	if !ok || !exit.IsPositive() {
		// An exited signal without a usable level cannot prove the move
		return CooldownDecision{PriorID: prior.ID, Reason: "prior exit level unknown"}, nil
	}

	distance := price.Sub(exit).Abs().Div(exit).Mul(hundred)
	decision := CooldownDecision{
		PriorID:   prior.ID,
		ExitLevel: exit,
		Distance:  distance,
	}

	if distance.GreaterThanOrEqual(g.escapePct) {
		decision.Admit = true
		decision.Reason = "escaped exit zone"
		return decision, nil
	}

	decision.Reason = fmt.Sprintf("%.2f%% from %s exit at %s (need %s%%)",
		distance.InexactFloat64(), prior.Status, exit.String(), g.escapePct.String())

	log.Debug().
		Str("symbol", symbol).
		Str("prior", prior.ID).
		Str("distance", distance.StringFixed(2)).
		Msg("🧊 Cooldown active")

	return decision, nil
}
