package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/web3guy0/sentinel/types"
)

// MemoryLedger keeps everything in process. Used for staging dry runs,
// smoke tests and unit tests.
type MemoryLedger struct {
	mu        sync.RWMutex
	signals   map[string]*types.Signal
	positions map[string]*types.Position
	shadow    map[string]string // signal id -> rejection reason
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		signals:   make(map[string]*types.Signal),
		positions: make(map[string]*types.Position),
		shadow:    make(map[string]string),
	}
}

func (m *MemoryLedger) GetSignal(_ context.Context, id string) (*types.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryLedger) PutSignal(_ context.Context, s *types.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.signals[s.ID] = s.Clone()
	return nil
}

func (m *MemoryLedger) UpdateSignal(_ context.Context, id string, expected types.SignalStatus, mutate SignalMutation) (*types.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != expected {
		return nil, ErrStatusConflict
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkSignalTransition(expected, next.Status); err != nil {
		return nil, err
	}
	next.ID = id

	m.signals[id] = next
	return next.Clone(), nil
}

func (m *MemoryLedger) QuerySignals(_ context.Context, q SignalQuery) ([]*types.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Signal
	for _, s := range m.signals {
		if matchesSignal(s, q) {
			out = append(out, s.Clone())
		}
	}

	byExit := !q.ExitedAfter.IsZero()
	sort.Slice(out, func(i, j int) bool {
		if byExit {
			return out[i].ExitedAt.After(*out[j].ExitedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryLedger) GetPosition(_ context.Context, id string) (*types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryLedger) PutPosition(_ context.Context, p *types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions[p.ID] = p.Clone()
	return nil
}

func (m *MemoryLedger) UpdatePosition(_ context.Context, id string, expected types.PositionStatus, mutate PositionMutation) (*types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != expected {
		return nil, ErrStatusConflict
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkPositionTransition(expected, next.Status); err != nil {
		return nil, err
	}
	next.ID = id

	m.positions[id] = next
	return next.Clone(), nil
}

func (m *MemoryLedger) QueryPositions(_ context.Context, q PositionQuery) ([]*types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Position
	for _, p := range m.positions {
		if matchesPosition(p, q) {
			out = append(out, p.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.After(out[j].OpenedAt)
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryLedger) PutShadowSignal(_ context.Context, s *types.Signal, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shadow[s.ID] = reason
	return nil
}

// ShadowReason returns the recorded rejection reason for a shadow signal
func (m *MemoryLedger) ShadowReason(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reason, ok := m.shadow[id]
	return reason, ok
}

func (m *MemoryLedger) Close() error { return nil }

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY LEASE
// ═══════════════════════════════════════════════════════════════════════════════

type lease struct {
	holder    string
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewMemoryLocker creates a process-local lease table
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]lease), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[name]; ok && cur.holder != holder && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[name] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, name, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[name]; ok && cur.holder == holder {
		delete(l.leases, name)
	}
	return nil
}
