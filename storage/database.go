package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/sentinel/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - SQL ledger (PostgreSQL in production, SQLite for local runs)
// ═══════════════════════════════════════════════════════════════════════════════

// GormLedger implements Ledger and Locker on top of gorm
type GormLedger struct {
	db *gorm.DB
}

// ShadowSignal is an audit record of a setup rejected before the state machine
type ShadowSignal struct {
	ID        string `gorm:"primaryKey"`
	Symbol    string `gorm:"index"`
	Reason    string
	Payload   string // JSON of the rejected signal
	CreatedAt time.Time
}

// JobLease backs the overlapping-run guard
type JobLease struct {
	Name      string `gorm:"primaryKey"`
	Holder    string
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// NewGormLedger opens PostgreSQL for postgres:// URLs and SQLite for anything else
func NewGormLedger(dbPath string) (*GormLedger, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Ledger connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("💾 Ledger initialized (SQLite)")
	}

	if err := db.AutoMigrate(&types.Signal{}, &types.Position{}, &ShadowSignal{}, &JobLease{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	return &GormLedger{db: db}, nil
}

// Signal operations

func (d *GormLedger) GetSignal(ctx context.Context, id string) (*types.Signal, error) {
	var s types.Signal
	err := d.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *GormLedger) PutSignal(ctx context.Context, s *types.Signal) error {
	return d.db.WithContext(ctx).Save(s).Error
}

func (d *GormLedger) UpdateSignal(ctx context.Context, id string, expected types.SignalStatus, mutate SignalMutation) (*types.Signal, error) {
	var updated *types.Signal

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current types.Signal
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if current.Status != expected {
			return ErrStatusConflict
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		if err := checkSignalTransition(expected, next.Status); err != nil {
			return err
		}
		next.ID = id

		// Conditional write: a concurrent writer that already moved the
		// status leaves zero rows affected.
		res := tx.Model(next).Where("status = ?", expected).Select("*").Updates(next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrStatusConflict
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *GormLedger) QuerySignals(ctx context.Context, q SignalQuery) ([]*types.Signal, error) {
	tx := d.db.WithContext(ctx).Model(&types.Signal{})

	if q.Symbol != "" {
		tx = tx.Where("symbol = ?", q.Symbol)
	}
	if len(q.Statuses) > 0 {
		tx = tx.Where("status IN ?", statusStrings(q.Statuses))
	}
	if q.PatternID != "" {
		tx = tx.Where("pattern_id = ?", q.PatternID)
	}
	if !q.ExitedAfter.IsZero() {
		tx = tx.Where("exited_at >= ?", q.ExitedAfter).Order("exited_at DESC")
	} else {
		tx = tx.Order("created_at DESC")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var signals []*types.Signal
	err := tx.Find(&signals).Error
	return signals, err
}

// Position operations

func (d *GormLedger) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	var p types.Position
	err := d.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *GormLedger) PutPosition(ctx context.Context, p *types.Position) error {
	return d.db.WithContext(ctx).Save(p).Error
}

func (d *GormLedger) UpdatePosition(ctx context.Context, id string, expected types.PositionStatus, mutate PositionMutation) (*types.Position, error) {
	var updated *types.Position

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current types.Position
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if current.Status != expected {
			return ErrStatusConflict
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		if err := checkPositionTransition(expected, next.Status); err != nil {
			return err
		}
		next.ID = id

		res := tx.Model(next).Where("status = ?", expected).Select("*").Updates(next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrStatusConflict
		}

		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *GormLedger) QueryPositions(ctx context.Context, q PositionQuery) ([]*types.Position, error) {
	tx := d.db.WithContext(ctx).Model(&types.Position{})

	if q.Symbol != "" {
		tx = tx.Where("symbol = ?", q.Symbol)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", string(q.Status))
	}
	if q.OnlyAwaitingBackfill {
		tx = tx.Where("awaiting_backfill = ?", true)
	}
	tx = tx.Order("opened_at DESC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var positions []*types.Position
	err := tx.Find(&positions).Error
	return positions, err
}

func (d *GormLedger) PutShadowSignal(ctx context.Context, s *types.Signal, reason string) error {
	payload := "{}"
	if data, err := json.Marshal(s); err == nil {
		payload = string(data)
	}

	return d.db.WithContext(ctx).Save(&ShadowSignal{
		ID:        s.ID,
		Symbol:    s.Symbol,
		Reason:    reason,
		Payload:   payload,
		CreatedAt: s.CreatedAt,
	}).Error
}

// Close closes the database connection
func (d *GormLedger) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// JOB LEASE
// ═══════════════════════════════════════════════════════════════════════════════

// Acquire takes the named lease when it is free, expired, or already ours
func (d *GormLedger) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	acquired := false

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		var current JobLease
		err := tx.First(&current, "name = ?", name).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&JobLease{Name: name, Holder: holder, ExpiresAt: now.Add(ttl)}).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		}
		if err != nil {
			return err
		}

		if current.Holder != holder && now.Before(current.ExpiresAt) {
			return nil
		}

		q := tx.Model(&JobLease{}).Where("name = ? AND holder = ?", name, current.Holder)
		if current.Holder != holder {
			q = q.Where("expires_at <= ?", now)
		}
		res := q.Updates(map[string]any{"holder": holder, "expires_at": now.Add(ttl)})
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected == 1
		return nil
	})

	return acquired, err
}

// Release drops the lease if we still hold it
func (d *GormLedger) Release(ctx context.Context, name, holder string) error {
	return d.db.WithContext(ctx).
		Where("name = ? AND holder = ?", name, holder).
		Delete(&JobLease{}).Error
}
