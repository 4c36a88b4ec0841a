package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER - Internal system of record for signals and positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every status move goes through UpdateSignal / UpdatePosition, which only
// apply the mutation when the stored status still equals the expected one.
// Blind overwrites (Put*) are reserved for creation.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotFound is returned when the entity does not exist
	ErrNotFound = errors.New("ledger: not found")

	// ErrStatusConflict is returned when the stored status differs from the expected one
	ErrStatusConflict = errors.New("ledger: status changed concurrently")

	// ErrIllegalTransition is returned when a mutation moves to a status the state machine forbids
	ErrIllegalTransition = errors.New("ledger: illegal status transition")
)

// SignalMutation edits a copy of the stored signal
type SignalMutation func(s *types.Signal) error

// PositionMutation edits a copy of the stored position
type PositionMutation func(p *types.Position) error

// SignalQuery filters signals. Results are ordered by exited_at descending
// when ExitedAfter is set, by created_at descending otherwise.
type SignalQuery struct {
	Symbol      string
	Statuses    []types.SignalStatus
	PatternID   string
	ExitedAfter time.Time
	Limit       int
}

// PositionQuery filters positions, newest first
type PositionQuery struct {
	Symbol               string
	Status               types.PositionStatus
	OnlyAwaitingBackfill bool
	Limit                int
}

// Ledger is the document store collaborator
type Ledger interface {
	GetSignal(ctx context.Context, id string) (*types.Signal, error)
	PutSignal(ctx context.Context, s *types.Signal) error
	UpdateSignal(ctx context.Context, id string, expected types.SignalStatus, mutate SignalMutation) (*types.Signal, error)
	QuerySignals(ctx context.Context, q SignalQuery) ([]*types.Signal, error)

	GetPosition(ctx context.Context, id string) (*types.Position, error)
	PutPosition(ctx context.Context, p *types.Position) error
	UpdatePosition(ctx context.Context, id string, expected types.PositionStatus, mutate PositionMutation) (*types.Position, error)
	QueryPositions(ctx context.Context, q PositionQuery) ([]*types.Position, error)

	// PutShadowSignal records a rejected setup for audit; never read for P&L
	PutShadowSignal(ctx context.Context, s *types.Signal, reason string) error

	Close() error
}

// Locker guards against overlapping job invocations with an expiring lease
type Locker interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

func checkSignalTransition(from, to types.SignalStatus) error {
	if from == to || from.CanTransitionTo(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

func checkPositionTransition(from, to types.PositionStatus) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

func matchesSignal(s *types.Signal, q SignalQuery) bool {
	if q.Symbol != "" && s.Symbol != q.Symbol {
		return false
	}
	if q.PatternID != "" && s.PatternID != q.PatternID {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, st := range q.Statuses {
			if s.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.ExitedAfter.IsZero() {
		if s.ExitedAt == nil || s.ExitedAt.Before(q.ExitedAfter) {
			return false
		}
	}
	return true
}

func matchesPosition(p *types.Position, q PositionQuery) bool {
	if q.Symbol != "" && p.Symbol != q.Symbol {
		return false
	}
	if q.Status != "" && p.Status != q.Status {
		return false
	}
	if q.OnlyAwaitingBackfill && !p.AwaitingBackfill {
		return false
	}
	return true
}

func statusStrings(statuses []types.SignalStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
