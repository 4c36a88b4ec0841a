package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Fixed risk per trade
// ═══════════════════════════════════════════════════════════════════════════════
//
// Formula: qty = risk_amount / |entry - stop|
//
// Wider stops give smaller positions. The notional is capped at maxNotional.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Sizer struct {
	riskAmount  decimal.Decimal // Quote currency lost if the stop is hit
	maxNotional decimal.Decimal // Zero disables the cap
	precision   int32           // Quantity decimals accepted by the exchange
}

// NewSizer creates a new position sizer
func NewSizer(riskAmount, maxNotional decimal.Decimal, precision int32) *Sizer {
	return &Sizer{
		riskAmount:  riskAmount,
		maxNotional: maxNotional,
		precision:   precision,
	}
}

// Quantity sizes a signal. Zero means the setup cannot be sized.
func (s *Sizer) Quantity(sig *types.Signal) decimal.Decimal {
	riskPerUnit := sig.EntryPrice.Sub(sig.StopPrice).Abs()
	if riskPerUnit.IsZero() || !sig.EntryPrice.IsPositive() {
		return decimal.Zero
	}

	qty := s.riskAmount.Div(riskPerUnit)

	if s.maxNotional.IsPositive() {
		maxUnits := s.maxNotional.Div(sig.EntryPrice)
		if qty.GreaterThan(maxUnits) {
			qty = maxUnits
		}
	}

	return qty.Truncate(s.precision)
}

// RiskAmount returns the quote amount at risk for a position
func (s *Sizer) RiskAmount(qty, entry, stop decimal.Decimal) decimal.Decimal {
	return qty.Mul(entry.Sub(stop).Abs())
}

// Truncate rounds a quantity down to the exchange precision
func (s *Sizer) Truncate(qty decimal.Decimal) decimal.Decimal {
	return qty.Truncate(s.precision)
}
