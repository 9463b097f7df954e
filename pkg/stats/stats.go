// Package stats records spool throughput and depth per minute.
package stats

import (
	"context"
	"time"
)

// SpoolStat stores per-spool statistics bucketed by minute.
type SpoolStat struct {
	ID        uint      `gorm:"primaryKey"`
	Spool     string    `gorm:"index:idx_spool_stats_spool_ts;size:255;not null"`
	Timestamp time.Time `gorm:"index:idx_spool_stats_spool_ts;not null"`
	Spooled   int64     `gorm:"default:0"`
	Locked    int64     `gorm:"default:0"`
	Accepted  int64     `gorm:"default:0"`
	Completed int64     `gorm:"default:0"`
	Deferred  int64     `gorm:"default:0"`
	Split     int64     `gorm:"default:0"`
	Dropped   int64     `gorm:"default:0"`
}

// TableName keeps the table name stable.
func (SpoolStat) TableName() string { return "spool_stats" }

// Counters are event counts accumulated between flushes.
type Counters struct {
	Accepted  int64
	Completed int64
	Deferred  int64
	Split     int64
	Dropped   int64
}

// IsZero reports whether nothing was counted.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Storage is the interface for stats persistence.
type Storage interface {
	MigrateStats(ctx context.Context) error
	AddCounters(ctx context.Context, spool string, ts time.Time, c Counters) error
	SnapshotDepth(ctx context.Context, spool string, ts time.Time, spooled, locked int64) error
	History(ctx context.Context, spool string, since, until time.Time) ([]SpoolStat, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}
