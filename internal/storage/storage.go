// Package storage persists JobAllocation and Commitment records to MySQL via
// gorm, grounded on the teacher's greptimeDBProvider (internal/autoscaler/metrics):
// same gorm.Open(mysql.New(...)) setup shape, same "Store is optional, only
// active when a DSN is configured" posture the teacher applies to its
// time-series backing store.
package storage

import (
	"context"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// AllocationRecord is the persisted row for one remote GPU allocation.
type AllocationRecord struct {
	ID            uint `gorm:"primaryKey"`
	JobID         string `gorm:"index;size:191"`
	ProviderTag   string
	Model         string
	PricePerHour  float64
	DurationHours float64
	AccruedCost   float64
	Status        string
	StartedAt     time.Time
	CreatedAt     time.Time
}

// CommitmentRecord is the persisted row for one job's output commitment.
type CommitmentRecord struct {
	ID          uint `gorm:"primaryKey"`
	JobID       string `gorm:"index;size:191"`
	SHA3_256    string `gorm:"size:64"`
	Blake3      string `gorm:"size:64"`
	Signature   string
	SignerHex   string
	UnixSeconds int64
	CreatedAt   time.Time
}

// Store is the optional persistence layer. A nil *Store (returned when no
// DSN is configured) makes every method a no-op, so callers never need to
// branch on whether persistence is enabled.
type Store struct {
	db *gorm.DB
}

// Open connects to MySQL at dsn and auto-migrates the schema. An empty dsn
// returns (nil, nil): persistence is disabled, not an error.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&AllocationRecord{}, &CommitmentRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenWithDB wraps an already-open *gorm.DB, the seam tests use to inject a
// sqlmock-backed connection without a real MySQL server.
func OpenWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// SaveAllocation inserts one allocation row. A nil Store is a no-op.
func (s *Store) SaveAllocation(ctx context.Context, rec AllocationRecord) error {
	if s == nil {
		return nil
	}
	rec.CreatedAt = time.Now()
	return s.db.WithContext(ctx).Create(&rec).Error
}

// SaveCommitment inserts one commitment row. A nil Store is a no-op.
func (s *Store) SaveCommitment(ctx context.Context, rec CommitmentRecord) error {
	if s == nil {
		return nil
	}
	rec.CreatedAt = time.Now()
	return s.db.WithContext(ctx).Create(&rec).Error
}

// AllocationsByJob returns every allocation row recorded for jobID, most
// recent first. A nil Store returns (nil, nil).
func (s *Store) AllocationsByJob(ctx context.Context, jobID string) ([]AllocationRecord, error) {
	if s == nil {
		return nil, nil
	}
	var out []AllocationRecord
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at desc").Find(&out).Error
	return out, err
}

// CommitmentByJob returns the most recently recorded commitment for jobID,
// and false if none exists. A nil Store returns (zero value, false, nil).
func (s *Store) CommitmentByJob(ctx context.Context, jobID string) (CommitmentRecord, bool, error) {
	if s == nil {
		return CommitmentRecord{}, false, nil
	}
	var rec CommitmentRecord
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at desc").First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return CommitmentRecord{}, false, nil
	}
	if err != nil {
		return CommitmentRecord{}, false, err
	}
	return rec, true, nil
}
