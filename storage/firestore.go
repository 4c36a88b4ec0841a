package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FIRESTORE LEDGER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Collections: signals, positions, shadow_signals, locks.
// The cooldown lookup needs a composite index on
// signals (symbol ASC, status ASC, exited_at DESC).
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	colSignals   = "signals"
	colPositions = "positions"
	colShadow    = "shadow_signals"
	colLocks     = "locks"
)

// FirestoreLedger implements Ledger and Locker on Cloud Firestore
type FirestoreLedger struct {
	client *firestore.Client
}

// NewFirestoreLedger initializes the Firebase Admin SDK and opens Firestore
func NewFirestoreLedger(ctx context.Context, projectID, credentialsFile string) (*FirestoreLedger, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open firestore: %w", err)
	}

	log.Info().Str("project", projectID).Msg("🔥 Ledger connected (Firestore)")
	return &FirestoreLedger{client: client}, nil
}

// NewFirestoreLedgerFromClient wraps an existing client (emulator, tests)
func NewFirestoreLedgerFromClient(client *firestore.Client) *FirestoreLedger {
	return &FirestoreLedger{client: client}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// Documents store decimals as strings so no precision is lost

type signalDoc struct {
	ID                string         `firestore:"id"`
	Symbol            string         `firestore:"symbol"`
	Side              string         `firestore:"side"`
	Strategy          string         `firestore:"strategy"`
	PatternID         string         `firestore:"pattern_id"`
	ConfluenceTags    []string       `firestore:"confluence_tags"`
	Metadata          map[string]any `firestore:"metadata"`
	EntryPrice        string         `firestore:"entry_price"`
	StopPrice         string         `firestore:"stop_price"`
	TP1               string         `firestore:"tp1"`
	TP2               string         `firestore:"tp2"`
	TP3               string         `firestore:"tp3"`
	InvalidationPrice string         `firestore:"invalidation_price"`
	Status            string         `firestore:"status"`
	ExitReason        string         `firestore:"exit_reason"`
	ExitPrice         string         `firestore:"exit_price"`
	ThreadID          string         `firestore:"thread_id"`
	TradeType         string         `firestore:"trade_type"`
	EntryFilled       bool           `firestore:"entry_filled"`
	PositionID        string         `firestore:"position_id"`
	CreatedAt         time.Time      `firestore:"created_at"`
	UpdatedAt         time.Time      `firestore:"updated_at"`
	ExitedAt          *time.Time     `firestore:"exited_at"`
	ValidUntil        time.Time      `firestore:"valid_until"`
	ExpiresAt         time.Time      `firestore:"expires_at"`
}

type scaleOutDoc struct {
	Quantity  string    `firestore:"quantity"`
	Price     string    `firestore:"price"`
	Timestamp time.Time `firestore:"timestamp"`
	OrderID   string    `firestore:"order_id"`
	Pending   bool      `firestore:"price_pending"`
}

type positionDoc struct {
	ID                 string        `firestore:"id"`
	SignalID           *string       `firestore:"signal_id"`
	Symbol             string        `firestore:"symbol"`
	Side               string        `firestore:"side"`
	Status             string        `firestore:"status"`
	TradeType          string        `firestore:"trade_type"`
	OriginalQty        string        `firestore:"original_qty"`
	RemainingQty       string        `firestore:"remaining_qty"`
	PlannedEntry       string        `firestore:"planned_entry"`
	EntryFillPrice     *string       `firestore:"entry_fill_price"`
	AwaitingBackfill   bool          `firestore:"awaiting_backfill"`
	CurrentStop        string        `firestore:"current_stop"`
	BreakevenSet       bool          `firestore:"breakeven_set"`
	EntryOrderID       string        `firestore:"entry_order_id"`
	StopOrderID        string        `firestore:"stop_order_id"`
	TakeProfitOrderIDs []string      `firestore:"take_profit_order_ids"`
	ScaleOuts          []scaleOutDoc `firestore:"scale_outs"`
	AvgExitPrice       string        `firestore:"avg_exit_price"`
	RealizedPnL        string        `firestore:"realized_pnl"`
	ExitReason         string        `firestore:"exit_reason"`
	PendingExit        string        `firestore:"pending_exit"`
	OpenedAt           time.Time     `firestore:"opened_at"`
	UpdatedAt          time.Time     `firestore:"updated_at"`
	ClosedAt           *time.Time    `firestore:"closed_at"`
}

type shadowDoc struct {
	ID        string    `firestore:"id"`
	Symbol    string    `firestore:"symbol"`
	Reason    string    `firestore:"reason"`
	TradeType string    `firestore:"trade_type"`
	Payload   string    `firestore:"payload"`
	CreatedAt time.Time `firestore:"created_at"`
}

type lockDoc struct {
	Holder    string    `firestore:"holder"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toSignalDoc(s *types.Signal) signalDoc {
	return signalDoc{
		ID:                s.ID,
		Symbol:            s.Symbol,
		Side:              string(s.Side),
		Strategy:          s.Strategy,
		PatternID:         s.PatternID,
		ConfluenceTags:    s.ConfluenceTags,
		Metadata:          s.Metadata,
		EntryPrice:        s.EntryPrice.String(),
		StopPrice:         s.StopPrice.String(),
		TP1:               s.TP1.String(),
		TP2:               s.TP2.String(),
		TP3:               s.TP3.String(),
		InvalidationPrice: s.InvalidationPrice.String(),
		Status:            string(s.Status),
		ExitReason:        s.ExitReason,
		ExitPrice:         s.ExitPrice.String(),
		ThreadID:          s.ThreadID,
		TradeType:         string(s.TradeType),
		EntryFilled:       s.EntryFilled,
		PositionID:        s.PositionID,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		ExitedAt:          s.ExitedAt,
		ValidUntil:        s.ValidUntil,
		ExpiresAt:         s.ExpiresAt,
	}
}

func (d signalDoc) toSignal() *types.Signal {
	return &types.Signal{
		ID:                d.ID,
		Symbol:            d.Symbol,
		Side:              types.Side(d.Side),
		Strategy:          d.Strategy,
		PatternID:         d.PatternID,
		ConfluenceTags:    d.ConfluenceTags,
		Metadata:          d.Metadata,
		EntryPrice:        dec(d.EntryPrice),
		StopPrice:         dec(d.StopPrice),
		TP1:               dec(d.TP1),
		TP2:               dec(d.TP2),
		TP3:               dec(d.TP3),
		InvalidationPrice: dec(d.InvalidationPrice),
		Status:            types.SignalStatus(d.Status),
		ExitReason:        d.ExitReason,
		ExitPrice:         dec(d.ExitPrice),
		ThreadID:          d.ThreadID,
		TradeType:         types.TradeType(d.TradeType),
		EntryFilled:       d.EntryFilled,
		PositionID:        d.PositionID,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		ExitedAt:          d.ExitedAt,
		ValidUntil:        d.ValidUntil,
		ExpiresAt:         d.ExpiresAt,
	}
}

func toPositionDoc(p *types.Position) positionDoc {
	doc := positionDoc{
		ID:                 p.ID,
		SignalID:           p.SignalID,
		Symbol:             p.Symbol,
		Side:               string(p.Side),
		Status:             string(p.Status),
		TradeType:          string(p.TradeType),
		OriginalQty:        p.OriginalQty.String(),
		RemainingQty:       p.RemainingQty.String(),
		PlannedEntry:       p.PlannedEntry.String(),
		AwaitingBackfill:   p.AwaitingBackfill,
		CurrentStop:        p.CurrentStop.String(),
		BreakevenSet:       p.BreakevenSet,
		EntryOrderID:       p.EntryOrderID,
		StopOrderID:        p.StopOrderID,
		TakeProfitOrderIDs: p.TakeProfitOrderIDs,
		AvgExitPrice:       p.AvgExitPrice.String(),
		RealizedPnL:        p.RealizedPnL.String(),
		ExitReason:         p.ExitReason,
		PendingExit:        p.PendingExit,
		OpenedAt:           p.OpenedAt,
		UpdatedAt:          p.UpdatedAt,
		ClosedAt:           p.ClosedAt,
	}
	if p.EntryFillPrice.Valid {
		fill := p.EntryFillPrice.Decimal.String()
		doc.EntryFillPrice = &fill
	}
	for _, so := range p.ScaleOuts {
		doc.ScaleOuts = append(doc.ScaleOuts, scaleOutDoc{
			Quantity:  so.Quantity.String(),
			Price:     so.Price.String(),
			Timestamp: so.Timestamp,
			OrderID:   so.OrderID,
			Pending:   so.PricePending,
		})
	}
	return doc
}

func (d positionDoc) toPosition() *types.Position {
	p := &types.Position{
		ID:                 d.ID,
		SignalID:           d.SignalID,
		Symbol:             d.Symbol,
		Side:               types.Side(d.Side),
		Status:             types.PositionStatus(d.Status),
		TradeType:          types.TradeType(d.TradeType),
		OriginalQty:        dec(d.OriginalQty),
		RemainingQty:       dec(d.RemainingQty),
		PlannedEntry:       dec(d.PlannedEntry),
		AwaitingBackfill:   d.AwaitingBackfill,
		CurrentStop:        dec(d.CurrentStop),
		BreakevenSet:       d.BreakevenSet,
		EntryOrderID:       d.EntryOrderID,
		StopOrderID:        d.StopOrderID,
		TakeProfitOrderIDs: d.TakeProfitOrderIDs,
		AvgExitPrice:       dec(d.AvgExitPrice),
		RealizedPnL:        dec(d.RealizedPnL),
		ExitReason:         d.ExitReason,
		PendingExit:        d.PendingExit,
		OpenedAt:           d.OpenedAt,
		UpdatedAt:          d.UpdatedAt,
		ClosedAt:           d.ClosedAt,
	}
	if d.EntryFillPrice != nil {
		p.EntryFillPrice = decimal.NewNullDecimal(dec(*d.EntryFillPrice))
	}
	for _, so := range d.ScaleOuts {
		p.ScaleOuts = append(p.ScaleOuts, types.ScaleOut{
			Quantity:     dec(so.Quantity),
			Price:        dec(so.Price),
			Timestamp:    so.Timestamp,
			OrderID:      so.OrderID,
			PricePending: so.Pending,
		})
	}
	return p
}

// Signal operations

func (f *FirestoreLedger) GetSignal(ctx context.Context, id string) (*types.Signal, error) {
	snap, err := f.client.Collection(colSignals).Doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc signalDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode signal %s: %w", id, err)
	}
	return doc.toSignal(), nil
}

func (f *FirestoreLedger) PutSignal(ctx context.Context, s *types.Signal) error {
	_, err := f.client.Collection(colSignals).Doc(s.ID).Set(ctx, toSignalDoc(s))
	return err
}

func (f *FirestoreLedger) UpdateSignal(ctx context.Context, id string, expected types.SignalStatus, mutate SignalMutation) (*types.Signal, error) {
	ref := f.client.Collection(colSignals).Doc(id)
	var updated *types.Signal

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var doc signalDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}

		current := doc.toSignal()
		if current.Status != expected {
			return ErrStatusConflict
		}
		if err := mutate(current); err != nil {
			return err
		}
		if err := checkSignalTransition(expected, current.Status); err != nil {
			return err
		}
		current.ID = id

		updated = current
		return tx.Set(ref, toSignalDoc(current))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (f *FirestoreLedger) QuerySignals(ctx context.Context, q SignalQuery) ([]*types.Signal, error) {
	query := f.client.Collection(colSignals).Query

	if q.Symbol != "" {
		query = query.Where("symbol", "==", q.Symbol)
	}
	if len(q.Statuses) > 0 {
		query = query.Where("status", "in", statusStrings(q.Statuses))
	}
	if q.PatternID != "" {
		query = query.Where("pattern_id", "==", q.PatternID)
	}
	if !q.ExitedAfter.IsZero() {
		query = query.Where("exited_at", ">=", q.ExitedAfter).OrderBy("exited_at", firestore.Desc)
	} else {
		query = query.OrderBy("created_at", firestore.Desc)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*types.Signal
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var doc signalDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode signal %s: %w", snap.Ref.ID, err)
		}
		out = append(out, doc.toSignal())
	}
	return out, nil
}

// Position operations

func (f *FirestoreLedger) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	snap, err := f.client.Collection(colPositions).Doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc positionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", id, err)
	}
	return doc.toPosition(), nil
}

func (f *FirestoreLedger) PutPosition(ctx context.Context, p *types.Position) error {
	_, err := f.client.Collection(colPositions).Doc(p.ID).Set(ctx, toPositionDoc(p))
	return err
}

func (f *FirestoreLedger) UpdatePosition(ctx context.Context, id string, expected types.PositionStatus, mutate PositionMutation) (*types.Position, error) {
	ref := f.client.Collection(colPositions).Doc(id)
	var updated *types.Position

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var doc positionDoc
		if err := snap.DataTo(&doc); err != nil {
			return err
		}

		current := doc.toPosition()
		if current.Status != expected {
			return ErrStatusConflict
		}
		if err := mutate(current); err != nil {
			return err
		}
		if err := checkPositionTransition(expected, current.Status); err != nil {
			return err
		}
		current.ID = id

		updated = current
		return tx.Set(ref, toPositionDoc(current))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (f *FirestoreLedger) QueryPositions(ctx context.Context, q PositionQuery) ([]*types.Position, error) {
	query := f.client.Collection(colPositions).Query

	if q.Symbol != "" {
		query = query.Where("symbol", "==", q.Symbol)
	}
	if q.Status != "" {
		query = query.Where("status", "==", string(q.Status))
	}
	if q.OnlyAwaitingBackfill {
		query = query.Where("awaiting_backfill", "==", true)
	}
	query = query.OrderBy("opened_at", firestore.Desc)
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*types.Position
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		var doc positionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode position %s: %w", snap.Ref.ID, err)
		}
		out = append(out, doc.toPosition())
	}
	return out, nil
}

func (f *FirestoreLedger) PutShadowSignal(ctx context.Context, s *types.Signal, reason string) error {
	payload := "{}"
	if data, err := json.Marshal(s); err == nil {
		payload = string(data)
	}

	_, err := f.client.Collection(colShadow).Doc(s.ID).Set(ctx, shadowDoc{
		ID:        s.ID,
		Symbol:    s.Symbol,
		Reason:    reason,
		TradeType: string(types.TradeFiltered),
		Payload:   payload,
		CreatedAt: s.CreatedAt,
	})
	return err
}

func (f *FirestoreLedger) Close() error {
	return f.client.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// FIRESTORE LEASE
// ═══════════════════════════════════════════════════════════════════════════════

func (f *FirestoreLedger) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ref := f.client.Collection(colLocks).Doc(name)
	acquired := false

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		acquired = false
		now := time.Now()

		snap, err := tx.Get(ref)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil {
			var cur lockDoc
			if err := snap.DataTo(&cur); err != nil {
				return err
			}
			if cur.Holder != holder && now.Before(cur.ExpiresAt) {
				return nil
			}
		}

		acquired = true
		return tx.Set(ref, lockDoc{Holder: holder, ExpiresAt: now.Add(ttl)})
	})

	return acquired, err
}

func (f *FirestoreLedger) Release(ctx context.Context, name, holder string) error {
	ref := f.client.Collection(colLocks).Doc(name)

	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur lockDoc
		if err := snap.DataTo(&cur); err != nil {
			return err
		}
		if cur.Holder != holder {
			return nil
		}
		return tx.Delete(ref)
	})
}
