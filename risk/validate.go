package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SETUP VALIDATION - Structural checks before a candidate becomes a signal
// ═══════════════════════════════════════════════════════════════════════════════
//
// Long:  stop < entry < TP1 < TP2 < TP3
// Short: stop > entry > TP1 > TP2 > TP3
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrInvalidSetup is returned for candidates that fail structural validation
var ErrInvalidSetup = errors.New("invalid setup")

// Validator checks candidate structure and reward-to-risk
type Validator struct {
	minRiskReward decimal.Decimal // TP1 distance / stop distance; zero disables
}

// NewValidator creates a validator
func NewValidator(minRiskReward decimal.Decimal) *Validator {
	return &Validator{minRiskReward: minRiskReward}
}

// Validate returns nil or an error wrapping ErrInvalidSetup
func (v *Validator) Validate(c types.Candidate) error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidSetup)
	}
	if !c.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidSetup, c.Side)
	}
	if c.Strategy == "" {
		return fmt.Errorf("%w: missing strategy", ErrInvalidSetup)
	}

	for name, p := range map[string]decimal.Decimal{
		"entry": c.EntryPrice, "stop": c.StopPrice,
		"tp1": c.TP1, "tp2": c.TP2, "tp3": c.TP3,
	} {
		if !p.IsPositive() {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidSetup, name)
		}
	}

	// Orient so that "further in profit" is always greater
	ordered := []decimal.Decimal{c.StopPrice, c.EntryPrice, c.TP1, c.TP2, c.TP3}
	if c.Side == types.SideShort {
		for i := range ordered {
			ordered[i] = ordered[i].Neg()
		}
	}
	names := []string{"stop", "entry", "tp1", "tp2", "tp3"}
	for i := 1; i < len(ordered); i++ {
		if !ordered[i].GreaterThan(ordered[i-1]) {
			return fmt.Errorf("%w: %s %s must be beyond %s for %s", ErrInvalidSetup, names[i], priceOf(c, i), names[i-1], c.Side)
		}
	}

	if v.minRiskReward.IsPositive() {
		risk := c.EntryPrice.Sub(c.StopPrice).Abs()
		reward := c.TP1.Sub(c.EntryPrice).Abs()
		if rr := reward.Div(risk); rr.LessThan(v.minRiskReward) {
			return fmt.Errorf("%w: R:R %s below %s", ErrInvalidSetup, rr.StringFixed(2), v.minRiskReward.String())
		}
	}

	return nil
}

func priceOf(c types.Candidate, i int) string {
	switch i {
	case 0:
		return c.StopPrice.String()
	case 1:
		return c.EntryPrice.String()
	case 2:
		return c.TP1.String()
	case 3:
		return c.TP2.String()
	}
	return c.TP3.String()
}
