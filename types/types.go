package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Candidate is a setup produced by the upstream analysis engine
type Candidate struct {
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Strategy       string          `json:"strategy"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	TP1            decimal.Decimal `json:"tp1"`
	TP2            decimal.Decimal `json:"tp2"`
	TP3            decimal.Decimal `json:"tp3"`
	PatternID      string          `json:"pattern_id"`
	ConfluenceTags []string        `json:"confluence_tags"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// Observation is the per-run market view used for exit evaluation
type Observation struct {
	Price              decimal.Decimal
	MomentumExhaustion bool // Hard sell #1, computed upstream
	Divergence         bool // Hard sell #2, computed upstream
	At                 time.Time
}

// Signal is a detected opportunity tracked through its lifecycle
type Signal struct {
	ID                string          `json:"id" gorm:"primaryKey"`
	Symbol            string          `json:"symbol" gorm:"index:idx_signals_lookup,priority:1"`
	Side              Side            `json:"side"`
	Strategy          string          `json:"strategy"`
	PatternID         string          `json:"pattern_id" gorm:"index"`
	ConfluenceTags    []string        `json:"confluence_tags" gorm:"serializer:json"`
	Metadata          map[string]any  `json:"metadata,omitempty" gorm:"serializer:json"`
	EntryPrice        decimal.Decimal `json:"entry_price" gorm:"type:decimal(24,10)"`
	StopPrice         decimal.Decimal `json:"stop_price" gorm:"type:decimal(24,10)"`
	TP1               decimal.Decimal `json:"tp1" gorm:"column:tp1;type:decimal(24,10)"`
	TP2               decimal.Decimal `json:"tp2" gorm:"column:tp2;type:decimal(24,10)"`
	TP3               decimal.Decimal `json:"tp3" gorm:"column:tp3;type:decimal(24,10)"`
	InvalidationPrice decimal.Decimal `json:"invalidation_price" gorm:"type:decimal(24,10)"`
	Status            SignalStatus    `json:"status" gorm:"index:idx_signals_lookup,priority:2"`
	ExitReason        string          `json:"exit_reason,omitempty"`
	ExitPrice         decimal.Decimal `json:"exit_price" gorm:"type:decimal(24,10)"`
	ThreadID          string          `json:"thread_id,omitempty"`
	TradeType         TradeType       `json:"trade_type"`
	EntryFilled       bool            `json:"entry_filled"`
	PositionID        string          `json:"position_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ExitedAt          *time.Time      `json:"exited_at,omitempty" gorm:"index:idx_signals_lookup,priority:3"`
	ValidUntil        time.Time       `json:"valid_until"`
	ExpiresAt         time.Time       `json:"expires_at" gorm:"index"` // Physical retention deadline
}

// InvalidationLevel is the structural stop used for invalidation checks
func (s *Signal) InvalidationLevel() decimal.Decimal {
	if !s.InvalidationPrice.IsZero() {
		return s.InvalidationPrice
	}
	return s.StopPrice
}

// TargetFor returns the take-profit price for a TP status
func (s *Signal) TargetFor(status SignalStatus) (decimal.Decimal, bool) {
	switch status {
	case SignalTP1Hit:
		return s.TP1, true
	case SignalTP2Hit:
		return s.TP2, true
	case SignalTP3Hit:
		return s.TP3, true
	case SignalCreated, SignalWaiting, SignalInvalidated, SignalExpired:
		return decimal.Zero, false
	}
	return decimal.Zero, false
}

// ExitLevel is the price the signal exited at, by status.
// Never the entry price.
func (s *Signal) ExitLevel() (decimal.Decimal, bool) {
	switch s.Status {
	case SignalTP1Hit, SignalTP2Hit, SignalTP3Hit:
		return s.TargetFor(s.Status)
	case SignalInvalidated:
		return s.InvalidationLevel(), true
	case SignalCreated, SignalWaiting, SignalExpired:
		return decimal.Zero, false
	}
	return decimal.Zero, false
}

// LastExitTime is ExitedAt when set, UpdatedAt otherwise
func (s *Signal) LastExitTime() time.Time {
	if s.ExitedAt != nil {
		return *s.ExitedAt
	}
	return s.UpdatedAt
}

// Clone returns a deep copy
func (s *Signal) Clone() *Signal {
	c := *s
	if s.ConfluenceTags != nil {
		c.ConfluenceTags = append([]string(nil), s.ConfluenceTags...)
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.ExitedAt != nil {
		t := *s.ExitedAt
		c.ExitedAt = &t
	}
	return &c
}

// ScaleOut is one partial exit leg
type ScaleOut struct {
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	OrderID   string          `json:"order_id,omitempty"`
	// PricePending marks a leg whose fill was not confirmed. Price is zero
	// and the leg stays out of AvgExitPrice and RealizedPnL until backfilled.
	PricePending bool `json:"price_pending,omitempty"`
}

// Position is broker-side capital at risk
type Position struct {
	ID                 string              `json:"id" gorm:"primaryKey"`
	SignalID           *string             `json:"signal_id,omitempty"` // nil for manually opened positions
	Symbol             string              `json:"symbol" gorm:"index:idx_positions_lookup,priority:1"`
	Side               Side                `json:"side"`
	Status             PositionStatus      `json:"status" gorm:"index:idx_positions_lookup,priority:2"`
	TradeType          TradeType           `json:"trade_type"`
	OriginalQty        decimal.Decimal     `json:"original_qty" gorm:"type:decimal(24,10)"`
	RemainingQty       decimal.Decimal     `json:"remaining_qty" gorm:"type:decimal(24,10)"`
	PlannedEntry       decimal.Decimal     `json:"planned_entry" gorm:"type:decimal(24,10)"`
	EntryFillPrice     decimal.NullDecimal `json:"entry_fill_price" gorm:"type:decimal(24,10)"`
	AwaitingBackfill   bool                `json:"awaiting_backfill"`
	CurrentStop        decimal.Decimal     `json:"current_stop" gorm:"type:decimal(24,10)"`
	BreakevenSet       bool                `json:"breakeven_set"`
	EntryOrderID       string              `json:"entry_order_id"`
	StopOrderID        string              `json:"stop_order_id,omitempty"`
	TakeProfitOrderIDs []string            `json:"take_profit_order_ids,omitempty" gorm:"serializer:json"`
	ScaleOuts          []ScaleOut          `json:"scale_outs" gorm:"serializer:json"`
	AvgExitPrice       decimal.Decimal     `json:"avg_exit_price" gorm:"type:decimal(24,10)"`
	RealizedPnL        decimal.Decimal     `json:"realized_pnl" gorm:"type:decimal(24,10)"`
	ExitReason         string              `json:"exit_reason,omitempty"`
	PendingExit        string              `json:"pending_exit,omitempty"` // reason of a failed emergency close, retried next pass
	OpenedAt           time.Time           `json:"opened_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	ClosedAt           *time.Time          `json:"closed_at,omitempty"`
}

// ScaledQty is the total quantity exited so far
func (p *Position) ScaledQty() decimal.Decimal {
	total := decimal.Zero
	for _, so := range p.ScaleOuts {
		total = total.Add(so.Quantity)
	}
	return total
}

// PricesPending reports whether the entry or any exit leg still lacks a
// confirmed fill price
func (p *Position) PricesPending() bool {
	if !p.EntryFillPrice.Valid {
		return true
	}
	for _, so := range p.ScaleOuts {
		if so.PricePending {
			return true
		}
	}
	return false
}

// EntryReference is the fill price when known, the planned entry otherwise
func (p *Position) EntryReference() decimal.Decimal {
	if p.EntryFillPrice.Valid {
		return p.EntryFillPrice.Decimal
	}
	return p.PlannedEntry
}

// Clone returns a deep copy
func (p *Position) Clone() *Position {
	c := *p
	if p.SignalID != nil {
		id := *p.SignalID
		c.SignalID = &id
	}
	if p.TakeProfitOrderIDs != nil {
		c.TakeProfitOrderIDs = append([]string(nil), p.TakeProfitOrderIDs...)
	}
	if p.ScaleOuts != nil {
		c.ScaleOuts = append([]ScaleOut(nil), p.ScaleOuts...)
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Transition describes a signal status change produced by exit evaluation
type Transition struct {
	SignalID string
	From     SignalStatus
	To       SignalStatus
	Reason   string
	Price    decimal.Decimal
	At       time.Time
}

// ReconciliationReport is the ephemeral output of one reconciler run
type ReconciliationReport struct {
	Zombies        []string
	Orphans        []string
	Healed         int
	Backfilled     int
	Duration       time.Duration
	CriticalIssues []string
	Skipped        bool
}

// HasCritical reports whether a human needs to look at this run
func (r *ReconciliationReport) HasCritical() bool {
	return len(r.CriticalIssues) > 0 || len(r.Orphans) > 0
}
