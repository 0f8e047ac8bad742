package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"snapfile-go/internal/job"
	"snapfile-go/internal/statistics"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned for an unknown batch ID.
var ErrNotFound = errors.New("batch not in history")

// Store persists batch summaries in SQLite.
type Store struct {
	db *gorm.DB
}

// Open creates the database file if needed and migrates the schema.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.AutoMigrate(&BatchRecord{}, &JobRecord{}); err != nil {
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return &Store{db: db}, nil
}

// Record stores a finished batch and its jobs in one transaction.
// Recording the same batch twice replaces the earlier record.
func (s *Store) Record(batchID, tier string, submitted, finished time.Time, jobs []job.Snapshot) (*BatchRecord, error) {
	sum := statistics.Summarize(jobs)
	rec := &BatchRecord{
		ID:                 batchID,
		Tier:               tier,
		Total:              sum.Total,
		Succeeded:          sum.Succeeded,
		Skipped:            sum.Skipped,
		Failed:             sum.Failed,
		Cancelled:          sum.Cancelled,
		TotalOriginalBytes: sum.TotalOriginalBytes,
		TotalOutputBytes:   sum.TotalOutputBytes,
		SubmittedAt:        submitted,
		FinishedAt:         finished,
	}
	for i, j := range jobs {
		rec.Jobs = append(rec.Jobs, jobRecord(i, j))
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("batch_id = ?", batchID).Delete(&JobRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", batchID).Delete(&BatchRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("record batch %s: %w", batchID, err)
	}
	return rec, nil
}

// List returns the most recent batches without their jobs.
func (s *Store) List(limit int) ([]BatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []BatchRecord
	if err := s.db.Order("submitted_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

// Get returns one batch with its jobs in submission order.
func (s *Store) Get(batchID string) (*BatchRecord, error) {
	var rec BatchRecord
	err := s.db.Preload("Jobs", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).First(&rec, "id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	return &rec, nil
}

// Totals aggregates every recorded batch.
func (s *Store) Totals() (batches int64, original, output int64, err error) {
	var row struct {
		Batches  int64
		Original int64
		Output   int64
	}
	err = s.db.Model(&BatchRecord{}).
		Select("COUNT(*) AS batches, COALESCE(SUM(total_original_bytes), 0) AS original, COALESCE(SUM(total_output_bytes), 0) AS output").
		Scan(&row).Error
	if err != nil {
		return 0, 0, 0, fmt.Errorf("history totals: %w", err)
	}
	return row.Batches, row.Original, row.Output, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
