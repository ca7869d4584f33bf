// Package history keeps a SQLite log of pulls and of the digests that
// failed in them, so a later run can be aimed at what is still missing.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aweris/ocflsync"
)

var ErrNotFound = errors.New("history: pull not found")

// PullRecord is one Pull call.
type PullRecord struct {
	gorm.Model
	PullID        string `gorm:"uniqueIndex;not null"`
	StorageRootID string `gorm:"index:idx_object"`
	ObjectID      string `gorm:"index:idx_object;not null"`
	Version       int
	Head          int
	Algorithm     string
	LocalRoot     string `gorm:"not null"`
	Status        string `gorm:"index;not null"`
	Items         int
	Complete      int
	Fetched       int
	Copied        int
	Written       int
	BytesFetched  int64
	Error         string
	StartedAt     time.Time
	Duration      time.Duration

	Failures []FailureRecord `gorm:"constraint:OnDelete:CASCADE"`
}

// FailureRecord is one plan item that did not complete.
type FailureRecord struct {
	gorm.Model
	PullRecordID uint     `gorm:"index;not null"`
	Digest       string   `gorm:"not null"`
	Destinations []string `gorm:"serializer:json"`
	Written      []string `gorm:"serializer:json"`
	Cancelled    bool
	Error        string
}

// Repository stores pull records.
type Repository struct {
	db *gorm.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.AutoMigrate(&PullRecord{}, &FailureRecord{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores report with one FailureRecord per failed item.
func (r *Repository) Record(report *ocflsync.PullReport) (*PullRecord, error) {
	rec := PullRecord{
		PullID:        report.ID.String(),
		StorageRootID: report.Ref.StorageRootID,
		ObjectID:      report.Ref.ID,
		Version:       report.Version,
		Head:          report.Head,
		Algorithm:     string(report.Algorithm),
		LocalRoot:     report.LocalRoot,
		Status:        string(report.Status),
		Items:         report.Items,
		Complete:      report.Complete,
		Written:       report.FilesWritten(),
		BytesFetched:  report.BytesFetched(),
		Error:         report.Error,
		StartedAt:     report.StartedAt,
		Duration:      report.Duration,
	}
	for _, o := range report.Outcomes {
		if !o.OK() {
			rec.Failures = append(rec.Failures, FailureRecord{
				Digest:       string(o.Digest),
				Destinations: o.Destinations,
				Written:      o.Written,
				Cancelled:    o.Cancelled,
				Error:        o.Error,
			})
			continue
		}
		switch {
		case o.Fetched:
			rec.Fetched++
		case o.Source != "":
			rec.Copied++
		}
	}
	if err := r.db.Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("record pull: %w", err)
	}
	return &rec, nil
}

// ListOptions filters List.
type ListOptions struct {
	Limit      int
	FailedOnly bool
	Ref        *ocflsync.ObjectRef
}

// List returns pulls, newest first, with their failures.
func (r *Repository) List(opts ListOptions) ([]PullRecord, error) {
	q := r.db.Preload("Failures").Order("started_at desc").Order("id desc")
	if opts.FailedOnly {
		q = q.Where("status <> ?", string(ocflsync.StatusSuccess))
	}
	if opts.Ref != nil {
		q = q.Where("storage_root_id = ? AND object_id = ?", opts.Ref.StorageRootID, opts.Ref.ID)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var recs []PullRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list pulls: %w", err)
	}
	return recs, nil
}

// Get returns the pull with the given ID.
func (r *Repository) Get(pullID string) (*PullRecord, error) {
	var rec PullRecord
	err := r.db.Preload("Failures").Where("pull_id = ?", pullID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", pullID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pull: %w", err)
	}
	return &rec, nil
}

// Prune deletes pulls started before t and returns how many were removed.
func (r *Repository) Prune(before time.Time) (int64, error) {
	var ids []uint
	if err := r.db.Model(&PullRecord{}).Where("started_at < ?", before).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("prune pulls: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("pull_record_id IN ?", ids).Delete(&FailureRecord{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&PullRecord{}, ids).Error
	})
	if err != nil {
		return 0, fmt.Errorf("prune pulls: %w", err)
	}
	return int64(len(ids)), nil
}
