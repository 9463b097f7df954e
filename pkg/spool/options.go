package spool

import (
	"log/slog"
	"time"

	"github.com/jdziat/simple-mail-spool/pkg/lock"
)

// Option configures a Spool.
type Option interface {
	applySpool(*Spool)
}

type optionFunc func(*Spool)

func (f optionFunc) applySpool(s *Spool) { f(s) }

// FIFO makes List and Accept prefer lower insertion-order keys.
// Without it each scan starts at a rotating offset.
func FIFO(enabled bool) Option {
	return optionFunc(func(s *Spool) {
		s.fifo = enabled
	})
}

// CacheKeys keeps the key list in memory. The cache is loaded by Open and
// maintained by Store, Remove and corrupt-entry purges, so the repository
// must not be written by anything else.
func CacheKeys(enabled bool) Option {
	return optionFunc(func(s *Spool) {
		s.cacheKeys = enabled
	})
}

// WithLocks shares an existing lock table.
func WithLocks(t *lock.Table) Option {
	return optionFunc(func(s *Spool) {
		if t != nil {
			s.locks = t
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *Spool) {
		if l != nil {
			s.logger = l
		}
	})
}

// WithClock overrides the time source used for LastUpdated and retry
// eligibility.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(s *Spool) {
		if now != nil {
			s.now = now
		}
	})
}
