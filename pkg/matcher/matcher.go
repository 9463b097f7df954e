package matcher

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// Errors
var (
	ErrUnknownMatcher   = errors.New("matcher: unknown matcher")
	ErrInvalidCondition = errors.New("matcher: invalid condition")
)

// Matcher partitions the recipients of a mail.
type Matcher interface {
	// Match returns two disjoint sets whose union is m.Recipients.
	Match(ctx context.Context, m *core.Mail) (unmatched, matched []string, err error)
}

// Func adapts a recipient predicate evaluated against the whole mail.
type Func func(m *core.Mail, recipient string) bool

// Match implements Matcher.
func (f Func) Match(_ context.Context, m *core.Mail) ([]string, []string, error) {
	unmatched, matched := Partition(m.Recipients, func(r string) bool { return f(m, r) })
	return unmatched, matched, nil
}

// Partition splits recipients by pred, keeping order within each side.
func Partition(recipients []string, pred func(string) bool) (unmatched, matched []string) {
	for _, r := range recipients {
		if pred(r) {
			matched = append(matched, r)
		} else {
			unmatched = append(unmatched, r)
		}
	}
	return unmatched, matched
}

// Factory builds a matcher from its condition text.
type Factory func(condition string) (Matcher, error)

// Registry maps matcher names to factories.
type Registry struct {
	mu           sync.RWMutex
	factories    map[string]Factory
	localDomains []string
}

// Option configures a Registry.
type Option interface {
	applyRegistry(*Registry)
}

type optionFunc func(*Registry)

func (f optionFunc) applyRegistry(r *Registry) { f(r) }

// LocalDomains sets the domains HostIsLocal treats as local.
func LocalDomains(domains ...string) Option {
	return optionFunc(func(r *Registry) {
		for _, d := range domains {
			r.localDomains = append(r.localDomains, strings.ToLower(strings.TrimSpace(d)))
		}
	})
}

// NewRegistry returns a registry preloaded with the built-in matchers.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	for _, opt := range opts {
		opt.applyRegistry(r)
	}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered matcher names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// New builds the named matcher with condition.
func (r *Registry) New(name, condition string) (Matcher, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMatcher, name)
	}
	m, err := f(condition)
	if err != nil {
		return nil, fmt.Errorf("matcher %s: %w", name, err)
	}
	return m, nil
}

// Parse builds a matcher from stage text "Name" or "Name=condition".
func (r *Registry) Parse(text string) (Matcher, error) {
	name, condition, _ := strings.Cut(strings.TrimSpace(text), "=")
	return r.New(strings.TrimSpace(name), strings.TrimSpace(condition))
}

// splitList splits a comma or whitespace separated condition.
func splitList(condition string) []string {
	return strings.FieldsFunc(condition, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}
