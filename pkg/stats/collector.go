package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// EventSource publishes spool events.
type EventSource interface {
	Events() <-chan core.Event
	Unsubscribe(ch <-chan core.Event)
}

// DepthFunc reports how many mails are spooled and how many are locked.
type DepthFunc func(ctx context.Context) (spooled, locked int64, err error)

// Collector subscribes to spool events and periodically snapshots spool
// depth.
type Collector struct {
	spool     string
	source    EventSource
	depth     DepthFunc
	stats     Storage
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	counters Counters

	// ready is closed once the collector has subscribed to events.
	ready     chan struct{}
	readyOnce sync.Once
}

// CollectorOption configures the Collector.
type CollectorOption interface {
	apply(*Collector)
}

type collectorOptionFunc func(*Collector)

func (f collectorOptionFunc) apply(c *Collector) { f(c) }

// WithRetention sets how long stats rows are kept. Zero keeps them forever.
func WithRetention(d time.Duration) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		c.retention = d
	})
}

// WithInterval sets the flush and snapshot interval.
func WithInterval(d time.Duration) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	})
}

// WithDepth sets the function used for depth snapshots.
func WithDepth(fn DepthFunc) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		c.depth = fn
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CollectorOption {
	return collectorOptionFunc(func(c *Collector) {
		c.logger = l
	})
}

// NewCollector creates a collector recording under the name spool.
func NewCollector(spool string, source EventSource, stats Storage, opts ...CollectorOption) *Collector {
	c := &Collector{
		spool:     spool,
		source:    source,
		stats:     stats,
		interval:  time.Minute,
		retention: 7 * 24 * time.Hour,
		logger:    slog.Default(),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Start runs the event listener and periodic flush. It blocks until ctx is
// cancelled, then flushes what is left.
func (c *Collector) Start(ctx context.Context) {
	events := c.source.Events()
	defer c.source.Unsubscribe(events)

	c.readyOnce.Do(func() { close(c.ready) })

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain(events)
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return
		case e := <-events:
			c.handleEvent(e)
		case <-ticker.C:
			c.Flush(ctx)
			c.snapshot(ctx)
			c.prune(ctx)
		}
	}
}

// drain counts events already buffered when the collector stops.
func (c *Collector) drain(events <-chan core.Event) {
	for {
		select {
		case e := <-events:
			c.handleEvent(e)
		default:
			return
		}
	}
}

func (c *Collector) handleEvent(e core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.(type) {
	case *core.MailAccepted:
		c.counters.Accepted++
	case *core.MailCompleted:
		c.counters.Completed++
	case *core.MailDeferred:
		c.counters.Deferred++
	case *core.MailSplit:
		c.counters.Split++
	case *core.MailDropped:
		c.counters.Dropped++
	}
}

// Flush writes accumulated counters to storage.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.counters
	c.counters = Counters{}
	c.mu.Unlock()

	if batch.IsZero() {
		return
	}
	if err := c.stats.AddCounters(ctx, c.spool, time.Now(), batch); err != nil {
		c.logger.Error("failed to flush spool stats", "error", err)
	}
}

func (c *Collector) snapshot(ctx context.Context) {
	if c.depth == nil {
		return
	}
	spooled, locked, err := c.depth(ctx)
	if err != nil {
		c.logger.Error("failed to measure spool depth", "error", err)
		return
	}
	if err := c.stats.SnapshotDepth(ctx, c.spool, time.Now(), spooled, locked); err != nil {
		c.logger.Error("failed to record spool depth", "error", err)
	}
}

func (c *Collector) prune(ctx context.Context) {
	if c.retention > 0 {
		_, _ = c.stats.Prune(ctx, time.Now().Add(-c.retention))
	}
}
