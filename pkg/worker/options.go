package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/simple-mail-spool/pkg/schedule"
	"github.com/jdziat/simple-mail-spool/pkg/security"
)

// WorkerOption configures a Pool.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// MaintenanceFunc is a periodic housekeeping task.
type MaintenanceFunc func(ctx context.Context) error

// MaintenanceTask pairs a housekeeping task with its schedule.
type MaintenanceTask struct {
	Name     string
	Schedule schedule.Schedule
	Run      MaintenanceFunc
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	Threads      int           // processing loops
	RetryDelay   time.Duration // minimum age of an error mail before it is claimed again
	WorkerID     string        // prefix of each loop's lock owner id
	ErrorBackoff time.Duration // pause after a failed accept
	Logger       *slog.Logger
	StorageRetry *RetryConfig
	Maintenance  []MaintenanceTask
}

// Threads sets the number of processing loops.
// Values are clamped to [1, MaxThreads].
func Threads(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Threads = security.ClampThreads(n)
	})
}

// RetryDelay sets how long a mail in the error state waits before it is
// processed again.
func RetryDelay(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d >= 0 {
			c.RetryDelay = d
		}
	})
}

// WorkerID sets the identity lock owners are derived from.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if id != "" {
			c.WorkerID = id
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithMaintenance runs fn on schedule s while the pool is started.
func WithMaintenance(name string, s schedule.Schedule, fn MaintenanceFunc) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if s == nil || fn == nil {
			return
		}
		c.Maintenance = append(c.Maintenance, MaintenanceTask{Name: name, Schedule: s, Run: fn})
	})
}

// WithStorageRetry configures retry behavior for spool writes (store,
// remove).
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithRetryAttempts sets the maximum retry attempts for spool writes.
// Other settings use defaults.
func WithRetryAttempts(attempts int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = attempts
		c.StorageRetry = &cfg
	})
}

// DisableRetry disables retrying of spool writes.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		noRetry := RetryConfig{MaxAttempts: 1}
		c.StorageRetry = &noRetry
	})
}
