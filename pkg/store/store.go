// Package store persists session history and ledger counters in SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kisy/kipepeo/model"
)

type Store struct {
	log  *slog.Logger
	db   *gorm.DB
	keep int
}

// Open opens (or creates) the database at dsn. keep bounds the number of session rows
// retained; zero keeps everything.
func Open(dsn string, keep int, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// SQLite has a single writer, and every :memory: connection is a separate database
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&SessionModel{}, &LedgerModel{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	log.Info("store opened", "dsn", dsn, "keep", keep)
	return &Store{log: log, db: db, keep: keep}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// SaveSession appends a finished session and prunes the oldest rows beyond the
// retention limit.
func (s *Store) SaveSession(ctx context.Context, rec model.SessionRecord) error {
	m := sessionFromRecord(rec)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).Create(&m).Error; err != nil {
			return fmt.Errorf("save session %s: %w", rec.ID, err)
		}
		if s.keep <= 0 {
			return nil
		}
		newest := tx.Model(&SessionModel{}).Select("id").Order("finished_at DESC, id DESC").Limit(s.keep)
		if err := tx.Where("id NOT IN (?)", newest).Delete(&SessionModel{}).Error; err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
		return nil
	})
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	q := s.db.WithContext(ctx).Order("finished_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []SessionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]model.SessionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *Store) SaveLedger(ctx context.Context, snap model.Snapshot) error {
	m := LedgerModel{
		ID:             ledgerRowID,
		Epoch:          snap.Epoch,
		BytesUsed:      snap.BytesUsed,
		BytesSaved:     snap.BytesSaved,
		Samples:        snap.Samples,
		Aborted:        snap.Aborted,
		Inflated:       snap.Inflated,
		DeviceReceived: snap.DeviceReceived,
		DeviceSent:     snap.DeviceSent,
		Since:          snap.Since,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// LoadLedger returns the persisted counters. ok is false if nothing was saved yet.
func (s *Store) LoadLedger(ctx context.Context) (model.Snapshot, bool, error) {
	var m LedgerModel
	err := s.db.WithContext(ctx).First(&m, ledgerRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("load ledger: %w", err)
	}
	return model.Snapshot{
		Epoch:          m.Epoch,
		BytesUsed:      m.BytesUsed,
		BytesSaved:     m.BytesSaved,
		Samples:        m.Samples,
		Aborted:        m.Aborted,
		Inflated:       m.Inflated,
		DeviceReceived: m.DeviceReceived,
		DeviceSent:     m.DeviceSent,
		Since:          m.Since,
	}, true, nil
}
