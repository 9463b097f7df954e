package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PoolConfig sizes the database/sql pool behind a gorm spool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// backgroundConns covers the connections held outside the worker loops:
// maintenance tasks and the stats collector.
const backgroundConns = 2

// DefaultPoolConfig returns defaults sized for a handful of spool workers
// sharing one database.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// SQLitePoolConfig pins the pool to one connection. SQLite serialises
// writers, and an in-memory database exists only on its own connection.
func SQLitePoolConfig() PoolConfig {
	return PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}
}

// WorkerPoolConfig grows the default pool so that threads worker loops,
// each holding at most one connection while it accepts or persists a mail,
// never wait on the background tasks.
func WorkerPoolConfig(threads int) PoolConfig {
	cfg := DefaultPoolConfig()
	if n := threads + backgroundConns; n > cfg.MaxOpenConns {
		cfg.MaxOpenConns = n
	}
	if threads > cfg.MaxIdleConns {
		cfg.MaxIdleConns = threads
	}
	return cfg
}

// PoolOption configures connection pool settings.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// WithPoolConfig replaces every setting with cfg.
func WithPoolConfig(cfg PoolConfig) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { *c = cfg })
}

// MaxOpenConns caps open connections. Zero is unlimited.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxOpenConns = n })
}

// ConnMaxLifetime sets how long a connection may be reused.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.ConnMaxLifetime = d })
}

// ConfigurePool applies the pool settings to db, starting from
// DefaultPoolConfig.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) error {
	cfg := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&cfg)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return nil
}
