package stats

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// GormStorage implements Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a GORM-backed stats storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// MigrateStats creates the stats table.
func (s *GormStorage) MigrateStats(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&SpoolStat{})
}

// row returns the bucket for spool at ts, creating it if needed.
func (s *GormStorage) row(tx *gorm.DB, spool string, ts time.Time) (*SpoolStat, error) {
	var existing SpoolStat
	err := tx.Where("spool = ? AND timestamp = ?", spool, ts).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		existing = SpoolStat{Spool: spool, Timestamp: ts}
		return &existing, tx.Create(&existing).Error
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// AddCounters adds c to the bucket for spool at ts.
func (s *GormStorage) AddCounters(ctx context.Context, spool string, ts time.Time, c Counters) error {
	ts = ts.Truncate(time.Minute)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.row(tx, spool, ts)
		if err != nil {
			return err
		}
		return tx.Model(existing).Updates(map[string]any{
			"accepted":  gorm.Expr("accepted + ?", c.Accepted),
			"completed": gorm.Expr("completed + ?", c.Completed),
			"deferred":  gorm.Expr("deferred + ?", c.Deferred),
			"split":     gorm.Expr("split + ?", c.Split),
			"dropped":   gorm.Expr("dropped + ?", c.Dropped),
		}).Error
	})
}

// SnapshotDepth records how many mails were spooled and locked at ts.
func (s *GormStorage) SnapshotDepth(ctx context.Context, spool string, ts time.Time, spooled, locked int64) error {
	ts = ts.Truncate(time.Minute)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.row(tx, spool, ts)
		if err != nil {
			return err
		}
		return tx.Model(existing).Updates(map[string]any{
			"spooled": spooled,
			"locked":  locked,
		}).Error
	})
}

// History returns buckets in [since, until], oldest first. Zero bounds and
// an empty spool name are not filtered on.
func (s *GormStorage) History(ctx context.Context, spool string, since, until time.Time) ([]SpoolStat, error) {
	var out []SpoolStat
	q := s.db.WithContext(ctx).Order("timestamp ASC")

	if spool != "" {
		q = q.Where("spool = ?", spool)
	}
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since)
	}
	if !until.IsZero() {
		q = q.Where("timestamp <= ?", until)
	}

	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes buckets older than before.
func (s *GormStorage) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before).Delete(&SpoolStat{})
	return result.RowsAffected, result.Error
}
