package mailet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// Errors
var (
	ErrUnknownMailet = errors.New("mailet: unknown mailet")
	ErrInvalidParam  = errors.New("mailet: invalid parameter")
	ErrNoService     = errors.New("mailet: required service not configured")
)

// Mailet is the action of one pipeline stage.
type Mailet interface {
	Service(ctx context.Context, m *core.Mail) error
}

// Targeter is implemented by mailets that route mail to other processors.
type Targeter interface {
	Targets() []string
}

// Settler is implemented by mailets that may hand a mail back in the state
// it arrived in. Settles reports false when the mailet, as configured,
// never ghosts or redirects the mail.
type Settler interface {
	Settles() bool
}

// Enqueuer accepts new mails, normally the spool.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *core.Mail) error
}

// Mailbox stores a copy of a mail for a local recipient.
type Mailbox interface {
	Deliver(ctx context.Context, recipient string, m *core.Mail) error
}

// Transport hands a mail to a remote system for all its recipients.
type Transport interface {
	Send(ctx context.Context, m *core.Mail) error
}

// PartialError reports recipients a transport could not deliver to while
// the others succeeded.
type PartialError struct {
	Failed []string
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("delivery failed for %s: %v", strings.Join(e.Failed, ", "), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Services carries the collaborators mailets may use. Nil fields are
// reported by the factories that need them.
type Services struct {
	Spool      Enqueuer
	Repository func(name string) (core.Repository, error)
	Mailbox    Mailbox
	Transport  Transport
	Postmaster string
	Logger     *slog.Logger
}

func (s *Services) logger() *slog.Logger {
	if s == nil || s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Params holds the configuration of one mailet instance. Keys are matched
// case-insensitively since configuration loaders fold them to lower case.
type Params map[string]string

// Value returns the named parameter.
func (p Params) Value(key string) (string, bool) {
	if v, ok := p[key]; ok {
		return v, true
	}
	for k, v := range p {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Get returns the named parameter or def.
func (p Params) Get(key, def string) string {
	if v, ok := p.Value(key); ok && v != "" {
		return v
	}
	return def
}

// Required returns the named parameter or an error if it is missing.
func (p Params) Required(key string) (string, error) {
	v, _ := p.Value(key)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %q is required", ErrInvalidParam, key)
	}
	return v, nil
}

// Bool parses the named parameter as a boolean.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p.Value(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrInvalidParam, key, err)
	}
	return b, nil
}

// List splits the named parameter on commas and whitespace.
func (p Params) List(key string) []string {
	v, _ := p.Value(key)
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// Factory builds a mailet.
type Factory func(svc *Services, params Params) (Mailet, error)

// Registry maps mailet names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in mailets.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered mailet names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// New builds the named mailet.
func (r *Registry) New(name string, svc *Services, params Params) (Mailet, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMailet, name)
	}
	if svc == nil {
		svc = &Services{}
	}
	m, err := f(svc, params)
	if err != nil {
		return nil, fmt.Errorf("mailet %s: %w", name, err)
	}
	return m, nil
}
