package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

type memoryEntry struct {
	seq  int64
	mail *core.Mail
}

// MemoryRepository implements core.Repository in process memory.
// Stored mails are copied in and out, so callers never share state with
// the repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	seq     int64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]memoryEntry)}
}

// Put inserts or replaces a mail.
func (r *MemoryRepository) Put(_ context.Context, m *core.Mail) error {
	dup := m.Duplicate()
	dup.Content = slices.Clone(m.Content)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[m.Name]
	if !ok {
		r.seq++
		e.seq = r.seq
	}
	e.mail = dup
	r.entries[m.Name] = e
	return nil
}

// Get returns a copy of the stored mail.
func (r *MemoryRepository) Get(_ context.Context, name string) (*core.Mail, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, core.ErrNotFound
	}
	dup := e.mail.Duplicate()
	dup.Content = slices.Clone(e.mail.Content)
	return dup, nil
}

// Stat reports envelope metadata.
func (r *MemoryRepository) Stat(_ context.Context, name string) (*core.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &core.Entry{Name: name, State: e.mail.State, LastUpdated: e.mail.LastUpdated}, nil
}

// Delete removes a mail.
func (r *MemoryRepository) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
	return nil
}

// Keys lists names in insertion order.
func (r *MemoryRepository) Keys(_ context.Context) ([]string, error) {
	r.mu.RLock()
	type kv struct {
		name string
		seq  int64
	}
	all := make([]kv, 0, len(r.entries))
	for name, e := range r.entries {
		all = append(all, kv{name, e.seq})
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b kv) int { return cmp.Compare(a.seq, b.seq) })
	names := make([]string, len(all))
	for i, e := range all {
		names[i] = e.name
	}
	return names, nil
}
