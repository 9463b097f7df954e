package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/simple-mail-spool/pkg/core"
	"github.com/jdziat/simple-mail-spool/pkg/pipeline"
	"github.com/jdziat/simple-mail-spool/pkg/security"
)

// Spool is the part of the spool a worker pool uses.
type Spool interface {
	AcceptDelay(ctx context.Context, owner string, delay time.Duration) (string, error)
	Retrieve(ctx context.Context, name string) (*core.Mail, error)
	Store(ctx context.Context, m *core.Mail) error
	Remove(ctx context.Context, name, owner string) error
	Lock(name, owner string) bool
	Unlock(name, owner string) bool
}

// Pool runs processing loops that claim mails from the spool and route
// them through the processors.
type Pool struct {
	spool  Spool
	procs  *pipeline.Processors
	config WorkerConfig
	logger *slog.Logger
	wg     sync.WaitGroup

	mu        sync.RWMutex
	eventSubs []chan core.Event
}

// NewPool creates a worker pool.
func NewPool(s Spool, procs *pipeline.Processors, opts ...WorkerOption) *Pool {
	config := WorkerConfig{
		Threads:      1,
		RetryDelay:   5 * time.Minute,
		WorkerID:     uuid.New().String(),
		ErrorBackoff: time.Second,
	}
	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}
	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		spool:  s,
		procs:  procs,
		config: config,
		logger: logger.With("worker", config.WorkerID),
	}
}

// Config returns the effective configuration.
func (w *Pool) Config() WorkerConfig {
	return w.config
}

// Start runs the processing loops and maintenance tasks. It blocks until
// ctx is cancelled and every in-flight mail has been settled.
func (w *Pool) Start(ctx context.Context) error {
	w.logger.Info("worker pool starting", "threads", w.config.Threads, "retry_delay", w.config.RetryDelay)

	for i := 0; i < w.config.Threads; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.config.WorkerID, i))
	}
	for _, task := range w.config.Maintenance {
		w.wg.Add(1)
		go w.runMaintenance(ctx, task)
	}

	<-ctx.Done()
	w.wg.Wait()
	w.logger.Info("worker pool stopped")
	return ctx.Err()
}

func (w *Pool) processLoop(ctx context.Context, owner string) {
	defer w.wg.Done()

	for {
		name, err := w.spool.AcceptDelay(ctx, owner, w.config.RetryDelay)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("accept failed", "owner", owner, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.config.ErrorBackoff):
			}
			continue
		}
		// A claimed mail is settled even if shutdown begins meanwhile.
		w.ProcessMail(context.WithoutCancel(ctx), owner, name)
	}
}

// ProcessMail runs one claimed mail to completion: it retrieves the mail,
// routes it through its processor and the error processor, then removes it
// or stores what is left and releases the lock. owner must hold the lock
// on name. Panics are recovered.
func (w *Pool) ProcessMail(ctx context.Context, owner, name string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while processing mail", "mail", name, "panic", r, "stack", string(debug.Stack()))
			w.spool.Unlock(name, owner)
		}
	}()

	start := time.Now()
	m, err := w.spool.Retrieve(ctx, name)
	if err != nil {
		w.spool.Unlock(name, owner)
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrCorrupt) {
			w.logger.Error("dropping unreadable mail", "mail", name, "error", err)
			w.Emit(&core.MailDropped{Name: name, Error: err, Timestamp: time.Now()})
			return
		}
		w.logger.Error("failed to retrieve mail", "mail", name, "error", err)
		return
	}
	w.Emit(&core.MailAccepted{Mail: m, WorkerID: owner, Timestamp: start})

	live := w.route(ctx, m)
	w.persist(ctx, owner, m, live, start)
}

// route runs m through the processor its state names and sends error
// fragments through the error processor. It returns the fragments that
// must be stored, error fragments first.
func (w *Pool) route(ctx context.Context, m *core.Mail) []*core.Mail {
	var failed, redirected []*core.Mail

	switch {
	case m.IsGhost():
		return nil
	case m.State == core.StateError:
		failed = append(failed, m)
	default:
		proc, ok := w.procs.Get(m.State)
		if !ok {
			m.SetError(fmt.Sprintf("unknown processor %q", m.State))
			failed = append(failed, m)
			break
		}
		out := proc.Service(ctx, m)
		for _, frag := range out.Fragments {
			switch frag.State {
			case core.StateError:
				failed = append(failed, frag)
			case proc.Name():
				frag.SetError(fmt.Sprintf("recipients not handled by processor %q", proc.Name()))
				failed = append(failed, frag)
			default:
				redirected = append(redirected, frag)
			}
		}
	}

	var live []*core.Mail
	errProc := w.procs.Error()
	for _, frag := range failed {
		w.logger.Debug("routing to error processor", "mail", m.Name, "recipients", frag.Recipients, "error", frag.ErrorMessage)
		out := errProc.Service(ctx, frag)
		for _, rest := range out.Fragments {
			if rest.State == core.StateError {
				live = append(live, rest)
			} else {
				redirected = append(redirected, rest)
			}
		}
	}
	live = append(live, redirected...)
	for _, frag := range live {
		frag.ErrorMessage = security.SanitizeErrorMessage(frag.ErrorMessage)
	}
	return live
}

// persist removes the mail when nothing is left, otherwise stores the
// first fragment under the original name and the others under derived
// names, then releases the lock.
func (w *Pool) persist(ctx context.Context, owner string, m *core.Mail, live []*core.Mail, start time.Time) {
	name := m.Name

	if len(live) == 0 {
		err := w.withStorageRetry(ctx, func() error {
			return w.spool.Remove(ctx, name, owner)
		})
		if err != nil {
			w.logger.Error("failed to remove completed mail", "mail", name, "error", err)
			w.spool.Unlock(name, owner)
			return
		}
		w.Emit(&core.MailCompleted{Name: name, Duration: time.Since(start), Timestamp: time.Now()})
		return
	}

	// Derived fragments stay locked by owner until the original is replaced.
	// Any failure removes the ones already written and leaves the original
	// intact for reprocessing.
	var derived []string
	fail := func(msg string, args ...any) {
		w.logger.Error(msg, args...)
		w.discard(ctx, owner, derived)
		w.spool.Unlock(name, owner)
	}
	for _, frag := range live[1:] {
		frag.Name = derivedName(name)
		for !w.spool.Lock(frag.Name, owner) {
			frag.Name = derivedName(name)
		}
		if err := w.withStorageRetry(ctx, func() error { return w.spool.Store(ctx, frag) }); err != nil {
			w.spool.Unlock(frag.Name, owner)
			fail("failed to store mail fragment", "mail", name, "fragment", frag.Name, "error", err)
			return
		}
		derived = append(derived, frag.Name)
	}

	first := live[0]
	first.Name = name
	if err := w.withStorageRetry(ctx, func() error { return w.spool.Store(ctx, first) }); err != nil {
		fail("failed to store mail", "mail", name, "error", err)
		return
	}
	for _, d := range derived {
		w.spool.Unlock(d, owner)
	}
	w.spool.Unlock(name, owner)

	for _, frag := range live[1:] {
		w.Emit(&core.MailDeferred{Mail: frag, Timestamp: time.Now()})
	}
	if first.State == core.StateError {
		w.logger.Warn("mail deferred", "mail", name, "recipients", first.Recipients, "error", first.ErrorMessage)
	} else {
		w.logger.Debug("mail redirected", "mail", name, "processor", first.State)
	}
	w.Emit(&core.MailDeferred{Mail: first, Timestamp: time.Now()})
	if len(derived) > 0 {
		w.Emit(&core.MailSplit{Name: name, Derived: derived, Timestamp: time.Now()})
	}
}

// discard removes fragments written by a persist that did not complete.
func (w *Pool) discard(ctx context.Context, owner string, names []string) {
	for _, d := range names {
		err := w.withStorageRetry(ctx, func() error { return w.spool.Remove(ctx, d, owner) })
		if err != nil {
			w.logger.Error("failed to discard mail fragment", "fragment", d, "error", err)
			w.spool.Unlock(d, owner)
		}
	}
}

func (w *Pool) withStorageRetry(ctx context.Context, op func() error) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, op)
}

// derivedName names a fragment split off from name.
func derivedName(name string) string {
	suffix := uuid.New().String()[:8]
	if len(name)+len(suffix)+1 > security.MaxMailNameLength {
		return core.NewName()
	}
	return name + "-" + suffix
}

func (w *Pool) runMaintenance(ctx context.Context, task MaintenanceTask) {
	defer w.wg.Done()

	next := task.Schedule.Next(time.Now())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := task.Run(ctx); err != nil {
			w.logger.Error("maintenance task failed", "task", task.Name, "error", err)
		} else {
			w.logger.Debug("maintenance task ran", "task", task.Name)
		}
		next = task.Schedule.Next(time.Now())
	}
}

// Events returns a channel for receiving spool events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (w *Pool) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	w.mu.Lock()
	w.eventSubs = append(w.eventSubs, ch)
	w.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling Unsubscribe.
func (w *Pool) Unsubscribe(ch <-chan core.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, sub := range w.eventSubs {
		if sub == ch {
			w.eventSubs = append(w.eventSubs[:i], w.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit sends an event to all subscribers without blocking.
func (w *Pool) Emit(e core.Event) {
	w.mu.RLock()
	subs := make([]chan core.Event, len(w.eventSubs))
	copy(subs, w.eventSubs)
	w.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full
		}
	}
}
