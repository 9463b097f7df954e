package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdziat/simple-mail-spool/pkg/core"
	"github.com/jdziat/simple-mail-spool/pkg/lock"
	"github.com/jdziat/simple-mail-spool/pkg/security"
)

// ErrNotLocked is returned when a caller modifies a mail it has not locked.
var ErrNotLocked = core.ErrNotOwned

// Spool is the keyed collection of mails awaiting processing.
type Spool struct {
	repo   core.Repository
	locks  *lock.Table
	logger *slog.Logger
	now    func() time.Time

	fifo      bool
	cacheKeys bool
	rotor     atomic.Uint64

	sigMu  sync.Mutex
	signal chan struct{}

	keyMu  sync.RWMutex
	keys   []string // insertion order, only with CacheKeys
	keySet map[string]struct{}
}

// Open creates a spool over repo.
func Open(ctx context.Context, repo core.Repository, opts ...Option) (*Spool, error) {
	s := &Spool{
		repo:   repo,
		logger: slog.Default(),
		now:    time.Now,
		signal: make(chan struct{}),
	}
	for _, opt := range opts {
		opt.applySpool(s)
	}
	if s.locks == nil {
		s.locks = lock.New()
	}
	if s.cacheKeys {
		keys, err := repo.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("spool: load keys: %w", err)
		}
		s.keys = keys
		s.keySet = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			s.keySet[k] = struct{}{}
		}
	}
	return s, nil
}

// Locks returns the spool's lock table.
func (s *Spool) Locks() *lock.Table {
	return s.locks
}

// Repository returns the backing repository.
func (s *Spool) Repository() core.Repository {
	return s.repo
}

// Enqueue inserts a new mail produced outside the spool. A missing name or
// state is filled in and the envelope is validated before storage.
func (s *Spool) Enqueue(ctx context.Context, m *core.Mail) error {
	if m.Name == "" {
		m.Name = core.NewName()
	}
	if m.State == "" {
		m.State = core.StateDefault
	}
	m.Sender = core.NormalizeAddress(m.Sender)
	m.Recipients = core.NormalizeRecipients(m.Recipients)
	if err := security.ValidateMail(m); err != nil {
		return err
	}
	return s.Store(ctx, m)
}

// Store inserts or replaces m and refreshes its LastUpdated. Waiting
// accepts are woken.
func (s *Spool) Store(ctx context.Context, m *core.Mail) error {
	if err := security.ValidateMailName(m.Name); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	m.LastUpdated = s.now()
	if err := s.repo.Put(ctx, m); err != nil {
		return fmt.Errorf("spool: store %s: %w", m.Name, err)
	}
	s.rememberKey(m.Name)
	s.notify()
	return nil
}

// Retrieve loads the mail stored under name. A corrupt entry is deleted,
// its lock released, and an error wrapping core.ErrCorrupt returned.
func (s *Spool) Retrieve(ctx context.Context, name string) (*core.Mail, error) {
	m, err := s.repo.Get(ctx, name)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, core.ErrCorrupt) {
		return nil, err
	}

	s.logger.Error("purging corrupt mail, content is lost", "mail", name, "error", err)
	if derr := s.repo.Delete(ctx, name); derr != nil {
		s.logger.Error("failed to purge corrupt mail", "mail", name, "error", derr)
		return nil, err
	}
	s.forgetKey(name)
	s.locks.Release(name)
	s.notify()
	return nil, err
}

// Remove deletes the mail stored under name and releases its lock. The
// caller must hold the lock as owner.
func (s *Spool) Remove(ctx context.Context, name, owner string) error {
	if holder, ok := s.locks.Owner(name); !ok || holder != owner {
		return fmt.Errorf("%w: %s", ErrNotLocked, name)
	}
	if err := s.repo.Delete(ctx, name); err != nil {
		return fmt.Errorf("spool: remove %s: %w", name, err)
	}
	s.forgetKey(name)
	s.locks.Unlock(name, owner)
	return nil
}

// List returns all stored keys. With FIFO they are in insertion order.
func (s *Spool) List(ctx context.Context) ([]string, error) {
	if s.cacheKeys {
		s.keyMu.RLock()
		defer s.keyMu.RUnlock()
		return slices.Clone(s.keys), nil
	}
	return s.repo.Keys(ctx)
}

// Lock acquires name for owner without blocking.
func (s *Spool) Lock(name, owner string) bool {
	return s.locks.Lock(name, owner)
}

// Unlock releases name held by owner and wakes waiting accepts.
func (s *Spool) Unlock(name, owner string) bool {
	if !s.locks.Unlock(name, owner) {
		return false
	}
	s.notify()
	return true
}

// IsLocked reports whether name is currently locked.
func (s *Spool) IsLocked(name string) bool {
	return s.locks.IsLocked(name)
}

// Accept blocks until some unlocked mail can be locked for owner and
// returns its name.
func (s *Spool) Accept(ctx context.Context, owner string) (string, error) {
	return s.AcceptDelay(ctx, owner, 0)
}

// AcceptDelay is like Accept but a mail in the error state is only eligible
// once delay has passed since it was last stored.
func (s *Spool) AcceptDelay(ctx context.Context, owner string, delay time.Duration) (string, error) {
	for {
		// Take the signal before scanning so a store racing with the scan
		// still wakes us.
		wake := s.waitChan()

		name, next, err := s.scan(ctx, owner, delay)
		if err != nil {
			return "", err
		}
		if name != "" {
			return name, nil
		}

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if !next.IsZero() {
			timer = time.NewTimer(max(next.Sub(s.now()), 0))
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return "", err
		}
	}
}

// scan makes one pass over the keys. It returns the claimed name, or the
// earliest time a skipped error mail becomes eligible.
func (s *Spool) scan(ctx context.Context, owner string, delay time.Duration) (string, time.Time, error) {
	var earliest time.Time

	keys, err := s.List(ctx)
	if err != nil {
		return "", earliest, fmt.Errorf("spool: list keys: %w", err)
	}
	n := len(keys)
	if n == 0 {
		return "", earliest, ctx.Err()
	}
	start := 0
	if !s.fifo {
		start = int(s.rotor.Add(1) % uint64(n))
	}

	for i := range n {
		if err := ctx.Err(); err != nil {
			return "", earliest, err
		}
		name := keys[(start+i)%n]
		if s.locks.IsLocked(name) || !s.locks.Lock(name, owner) {
			continue
		}

		entry, err := s.repo.Stat(ctx, name)
		switch {
		case errors.Is(err, core.ErrNotFound):
			s.locks.Unlock(name, owner)
			s.forgetKey(name)
			continue
		case errors.Is(err, core.ErrCorrupt):
			// Handed out so Retrieve purges it.
			return name, earliest, nil
		case err != nil:
			s.locks.Unlock(name, owner)
			return "", earliest, fmt.Errorf("spool: stat %s: %w", name, err)
		}

		if delay > 0 && entry.State == core.StateError {
			eligible := entry.LastUpdated.Add(delay)
			if s.now().Before(eligible) {
				s.locks.Unlock(name, owner)
				if earliest.IsZero() || eligible.Before(earliest) {
					earliest = eligible
				}
				continue
			}
		}
		return name, earliest, nil
	}
	return "", earliest, nil
}

func (s *Spool) waitChan() <-chan struct{} {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	return s.signal
}

// notify wakes every goroutine blocked in AcceptDelay.
func (s *Spool) notify() {
	s.sigMu.Lock()
	close(s.signal)
	s.signal = make(chan struct{})
	s.sigMu.Unlock()
}

func (s *Spool) rememberKey(name string) {
	if !s.cacheKeys {
		return
	}
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if _, ok := s.keySet[name]; !ok {
		s.keySet[name] = struct{}{}
		s.keys = append(s.keys, name)
	}
}

func (s *Spool) forgetKey(name string) {
	if !s.cacheKeys {
		return
	}
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if _, ok := s.keySet[name]; !ok {
		return
	}
	delete(s.keySet, name)
	if i := slices.Index(s.keys, name); i >= 0 {
		s.keys = slices.Delete(s.keys, i, i+1)
	}
}
