package worker

import (
	"context"
	"log/slog"

	"github.com/jdziat/simple-mail-spool/pkg/lock"
)

// Lister lists the names stored in a spool.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// ReapStaleLocks returns a maintenance task that drops expired locks from
// t. It only has an effect when the table was created with a TTL.
func ReapStaleLocks(t *lock.Table, logger *slog.Logger) MaintenanceFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(context.Context) error {
		if n := t.ReleaseStale(); n > 0 {
			logger.Warn("released stale locks", "count", n)
		}
		return nil
	}
}

// ReportSpoolSize returns a maintenance task that logs how many mails are
// spooled and how many of them are locked.
func ReportSpoolSize(l Lister, t *lock.Table, logger *slog.Logger) MaintenanceFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		keys, err := l.List(ctx)
		if err != nil {
			return err
		}
		logger.Info("spool size", "mails", len(keys), "locked", t.Len())
		return nil
	}
}
