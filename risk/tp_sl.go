package risk

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRAILER - Trailing exit level for the runner after TP2
// ═══════════════════════════════════════════════════════════════════════════════

type Trailer struct {
	distance decimal.Decimal // 0.02 = trail 2% behind price
}

// NewTrailer creates a trailer. A zero distance disables trailing.
func NewTrailer(distance decimal.Decimal) *Trailer {
	return &Trailer{distance: distance}
}

// Level is the candidate stop for the current price. The caller keeps the
// stop monotonic; Level itself can move either way.
func (t *Trailer) Level(side types.Side, price decimal.Decimal) (decimal.Decimal, bool) {
	if !t.distance.IsPositive() || !price.IsPositive() {
		return decimal.Zero, false
	}

	one := decimal.NewFromInt(1)
	if side == types.SideShort {
		return price.Mul(one.Add(t.distance)), true
	}
	return price.Mul(one.Sub(t.distance)), true
}

// Improves reports whether level is strictly better than the current stop:
// higher for longs, lower for shorts.
func Improves(side types.Side, current, level decimal.Decimal) bool {
	if current.IsZero() {
		return true
	}
	if side == types.SideShort {
		return level.LessThan(current)
	}
	return level.GreaterThan(current)
}

// StopBreached reports whether price has crossed the stop against the position
func StopBreached(side types.Side, stop, price decimal.Decimal) bool {
	if !stop.IsPositive() {
		return false
	}
	if side == types.SideShort {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}
