// Package history records update attempts in a local SQLite database.
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Status is the outcome of an attempt.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusUpToDate Status = "up_to_date"
	StatusDryRun   Status = "dry_run"
)

// Attempt is one run of the update pipeline.
type Attempt struct {
	ID          uint      `gorm:"primaryKey"`
	RunID       string    `gorm:"uniqueIndex;not null"`
	StartedAt   time.Time `gorm:"index;not null"`
	FinishedAt  time.Time
	FromVersion string
	ToVersion   string
	Status      Status `gorm:"not null"`
	Copied      int
	Deleted     int
	Failed      int
	Error       string
}

// Recorder persists attempts.
type Recorder interface {
	Record(ctx context.Context, a *Attempt) error
	Recent(ctx context.Context, limit int) ([]Attempt, error)
}

// NewRunID returns a fresh identifier for an attempt.
func NewRunID() string {
	return uuid.NewString()
}

// Store is a Recorder backed by SQLite.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	if err := db.AutoMigrate(&Attempt{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history db: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts a, assigning a RunID when missing. Recording the same
// attempt again updates the stored row.
func (s *Store) Record(ctx context.Context, a *Attempt) error {
	if a.RunID == "" {
		a.RunID = NewRunID()
	}
	if err := s.db.WithContext(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	var attempts []Attempt
	q := s.db.WithContext(ctx).Order("started_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return attempts, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Nop discards attempts.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, *Attempt) error { return nil }

// Recent returns no attempts.
func (Nop) Recent(context.Context, int) ([]Attempt, error) { return nil, nil }
