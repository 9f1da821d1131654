// Package audit persists session lifecycle metadata (admissions, remote
// connects, closures) to a local sqlite database. Terminal content is never
// stored. A cron job prunes rows past the retention window.
package audit

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SessionEvent is one lifecycle event of one session.
type SessionEvent struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"index" json:"session_id"`
	Kind      string    `gorm:"index" json:"kind"` // admitted | connected | closed
	Host      string    `json:"host,omitempty"`
	Username  string    `json:"username,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Store writes and prunes session events. It implements relay.Recorder.
type Store struct {
	db        *gorm.DB
	retention time.Duration
	cron      *cron.Cron
}

// Open creates (or opens) the sqlite database at path and migrates the
// schema.
func Open(path string, retention time.Duration) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&SessionEvent{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db, retention: retention}, nil
}

// RecordEvent persists one lifecycle event. Failures are logged and
// swallowed: auditing must never take a session down.
func (s *Store) RecordEvent(sessionID, kind, host, username, detail string) {
	ev := SessionEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      kind,
		Host:      host,
		Username:  username,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := s.db.Create(&ev).Error; err != nil {
		log.Printf("[audit] record %s event for session %s: %v", kind, sessionID, err)
	}
}

// Events returns the most recent events, newest first.
func (s *Store) Events(limit int) ([]SessionEvent, error) {
	var events []SessionEvent
	err := s.db.Order("created_at DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return events, nil
}

// Prune deletes events older than the retention window and returns how many
// rows were removed. A non-positive retention disables pruning.
func (s *Store) Prune() (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.retention)
	res := s.db.Where("created_at < ?", cutoff).Delete(&SessionEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// StartPruner schedules hourly pruning. Stop the store to cancel it.
func (s *Store) StartPruner() {
	if s.retention <= 0 {
		return
	}
	s.cron = cron.New()
	s.cron.AddFunc("@hourly", func() {
		n, err := s.Prune()
		if err != nil {
			log.Printf("[audit] %v", err)
			return
		}
		if n > 0 {
			log.Printf("[audit] pruned %d events older than %s", n, s.retention)
		}
	})
	s.cron.Start()
}

// Close stops the pruner and closes the database.
func (s *Store) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.Close()
}
