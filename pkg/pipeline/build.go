package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jdziat/simple-mail-spool/pkg/core"
	"github.com/jdziat/simple-mail-spool/pkg/mailet"
	"github.com/jdziat/simple-mail-spool/pkg/matcher"
	"github.com/jdziat/simple-mail-spool/pkg/security"
)

// Configuration errors
var (
	ErrMissingProcessor = errors.New("pipeline: required processor not configured")
	ErrUnknownTarget    = errors.New("pipeline: mailet routes to unknown processor")
	ErrInvalidStage     = errors.New("pipeline: invalid stage")
	ErrUnsettledStage   = errors.New("pipeline: mailet leaves mail in its processor")
)

// StageSpec is the declarative form of one stage.
type StageSpec struct {
	// Match is matcher stage text, "Name" or "Name=condition". Empty means All.
	Match  string            `mapstructure:"match" yaml:"match"`
	Mailet string            `mapstructure:"mailet" yaml:"mailet"`
	Params map[string]string `mapstructure:"params" yaml:"params"`
}

// Processors is the resolved set of named pipelines.
type Processors struct {
	byName map[string]*Pipeline
}

// Get returns the pipeline named name.
func (p *Processors) Get(name string) (*Pipeline, bool) {
	pl, ok := p.byName[name]
	return pl, ok
}

// Root returns the processor new mail enters.
func (p *Processors) Root() *Pipeline {
	return p.byName[core.StateDefault]
}

// Error returns the processor error fragments are routed to.
func (p *Processors) Error() *Pipeline {
	return p.byName[core.StateError]
}

// Names lists processor names in sorted order.
func (p *Processors) Names() []string {
	return slices.Sorted(maps.Keys(p.byName))
}

// Build resolves processor specs into pipelines. The root and error
// processors are required and every redirect target must exist. Outside
// the error processor, a stage whose mailet never ghosts or redirects the
// mail is rejected.
func Build(specs map[string][]StageSpec, matchers *matcher.Registry, mailets *mailet.Registry, svc *mailet.Services, opts ...Option) (*Processors, error) {
	for _, required := range []string{core.StateDefault, core.StateError} {
		if _, ok := specs[required]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingProcessor, required)
		}
	}

	procs := &Processors{byName: make(map[string]*Pipeline, len(specs))}
	for _, name := range slices.Sorted(maps.Keys(specs)) {
		if name == core.StateGhost {
			return nil, fmt.Errorf("%w: %q is reserved", core.ErrInvalidProcessor, name)
		}
		if err := security.ValidateProcessorName(name); err != nil {
			return nil, fmt.Errorf("processor %q: %w", name, err)
		}

		stages := make([]Stage, 0, len(specs[name]))
		for i, spec := range specs[name] {
			st, err := buildStage(spec, matchers, mailets, svc)
			if err != nil {
				return nil, fmt.Errorf("processor %q stage %d: %w", name, i, err)
			}
			if t, ok := st.Mailet.(mailet.Targeter); ok {
				for _, target := range t.Targets() {
					if _, ok := specs[target]; !ok {
						return nil, fmt.Errorf("processor %q stage %d: %w: %q", name, i, ErrUnknownTarget, target)
					}
				}
			}
			if s, ok := st.Mailet.(mailet.Settler); ok && !s.Settles() && name != core.StateError {
				return nil, fmt.Errorf("processor %q stage %d: %w: %s needs a processor", name, i, ErrUnsettledStage, st.MailetName)
			}
			stages = append(stages, st)
		}
		procs.byName[name] = New(name, stages, opts...)
	}
	return procs, nil
}

func buildStage(spec StageSpec, matchers *matcher.Registry, mailets *mailet.Registry, svc *mailet.Services) (Stage, error) {
	matchText := strings.TrimSpace(spec.Match)
	if matchText == "" {
		matchText = matcher.All
	}
	mailetName := strings.TrimSpace(spec.Mailet)
	if mailetName == "" {
		return Stage{}, fmt.Errorf("%w: mailet name required", ErrInvalidStage)
	}

	m, err := matchers.Parse(matchText)
	if err != nil {
		return Stage{}, err
	}
	a, err := mailets.New(mailetName, svc, mailet.Params(spec.Params))
	if err != nil {
		return Stage{}, err
	}
	return Stage{Matcher: m, Mailet: a, MatcherName: matchText, MailetName: mailetName}, nil
}
