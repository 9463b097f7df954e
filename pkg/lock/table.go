package lock

import (
	"sync"
	"sync/atomic"
	"time"
)

// holder records who owns a key and since when.
type holder struct {
	owner    string
	acquired time.Time
}

// Table is a per-key mutual exclusion table.
type Table struct {
	entries sync.Map // key -> *holder
	count   atomic.Int64
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithTTL makes locks expire after d. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(t *Table) { t.ttl = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// New creates an empty lock table.
func New(opts ...Option) *Table {
	t := &Table{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Lock acquires key for owner. It returns true if the key was free, already
// held by owner, or held under an expired lease; false if another owner
// holds it.
func (t *Table) Lock(key, owner string) bool {
	mine := &holder{owner: owner, acquired: t.now()}
	for {
		actual, loaded := t.entries.LoadOrStore(key, mine)
		if !loaded {
			t.count.Add(1)
			return true
		}
		cur := actual.(*holder)
		if cur.owner == owner {
			return true
		}
		if !t.expired(cur) {
			return false
		}
		if t.entries.CompareAndSwap(key, cur, mine) {
			return true
		}
		// Lost a race on the expired entry; look again.
	}
}

// Unlock releases key if owner holds it. It returns false when the key is
// not locked or is held by a different owner.
func (t *Table) Unlock(key, owner string) bool {
	actual, ok := t.entries.Load(key)
	if !ok {
		return false
	}
	cur := actual.(*holder)
	if cur.owner != owner {
		return false
	}
	if t.entries.CompareAndDelete(key, cur) {
		t.count.Add(-1)
		return true
	}
	return false
}

// IsLocked reports whether key is held by an unexpired owner.
func (t *Table) IsLocked(key string) bool {
	actual, ok := t.entries.Load(key)
	if !ok {
		return false
	}
	return !t.expired(actual.(*holder))
}

// Owner returns the owner holding key and true, or ("", false) if the key
// is free.
func (t *Table) Owner(key string) (string, bool) {
	actual, ok := t.entries.Load(key)
	if !ok {
		return "", false
	}
	cur := actual.(*holder)
	if t.expired(cur) {
		return "", false
	}
	return cur.owner, true
}

// Release drops the lock on key regardless of owner. It is the operator
// override for orphaned locks and returns whether a lock was removed.
func (t *Table) Release(key string) bool {
	if _, loaded := t.entries.LoadAndDelete(key); loaded {
		t.count.Add(-1)
		return true
	}
	return false
}

// ReleaseStale drops every expired lock and returns how many were dropped.
// It is a no-op without a TTL.
func (t *Table) ReleaseStale() int {
	if t.ttl <= 0 {
		return 0
	}
	released := 0
	t.entries.Range(func(key, value any) bool {
		cur := value.(*holder)
		if t.expired(cur) && t.entries.CompareAndDelete(key, cur) {
			t.count.Add(-1)
			released++
		}
		return true
	})
	return released
}

// Len returns the number of keys currently held, expired leases included.
func (t *Table) Len() int {
	return int(t.count.Load())
}

func (t *Table) expired(h *holder) bool {
	return t.ttl > 0 && t.now().Sub(h.acquired) >= t.ttl
}
