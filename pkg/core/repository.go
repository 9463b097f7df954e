package core

import "context"

// Repository is the keyed store contract the spool depends on.
// Envelope and content of a name are written and removed as one unit;
// readers never observe one half without the other.
type Repository interface {
	// Put inserts or replaces the mail stored under m.Name.
	Put(ctx context.Context, m *Mail) error

	// Get loads the mail stored under name. It returns ErrNotFound when
	// absent and an error wrapping ErrCorrupt when the entry is unreadable.
	Get(ctx context.Context, name string) (*Mail, error)

	// Stat reports envelope metadata without loading the content.
	Stat(ctx context.Context, name string) (*Entry, error)

	// Delete removes envelope and content. Deleting a missing name is a no-op.
	Delete(ctx context.Context, name string) error

	// Keys lists every stored name in ascending insertion order.
	Keys(ctx context.Context) ([]string, error)
}

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}
