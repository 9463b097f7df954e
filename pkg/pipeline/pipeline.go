package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/simple-mail-spool/pkg/core"
	"github.com/jdziat/simple-mail-spool/pkg/mailet"
	"github.com/jdziat/simple-mail-spool/pkg/matcher"
	"github.com/jdziat/simple-mail-spool/pkg/security"
)

// tracerName is the instrumentation scope name for pipeline tracing.
const tracerName = "github.com/jdziat/simple-mail-spool/pipeline"

// Stage is one (matcher, mailet) pair.
type Stage struct {
	Matcher matcher.Matcher
	Mailet  mailet.Mailet

	// Descriptive names used in logs, spans and error messages.
	MatcherName string
	MailetName  string
}

// Invocation records one mailet call.
type Invocation struct {
	Stage      int
	Mailet     string
	Recipients []string
}

// Outcome is the result of running a mail through a pipeline.
type Outcome struct {
	// Fragments are the live pieces left over: in the error state,
	// redirected to another processor, or unhandled.
	Fragments []*core.Mail

	// Handled lists recipients that reached the ghost state.
	Handled []string

	// Invocations lists mailet calls in order.
	Invocations []Invocation
}

// Terminal reports whether nothing is left to persist.
func (o *Outcome) Terminal() bool {
	return len(o.Fragments) == 0
}

// Option configures a Pipeline.
type Option interface {
	applyPipeline(*Pipeline)
}

type optionFunc func(*Pipeline)

func (f optionFunc) applyPipeline(p *Pipeline) { f(p) }

// WithTracer sets the tracer. The default is the global provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return optionFunc(func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	})
}

// Pipeline is one named processor.
type Pipeline struct {
	name   string
	stages []Stage
	tracer trace.Tracer
	logger *slog.Logger
}

// New creates a pipeline named name.
func New(name string, stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:   name,
		stages: slices.Clone(stages),
		tracer: otel.Tracer(tracerName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt.applyPipeline(p)
	}
	return p
}

// Name returns the processor name.
func (p *Pipeline) Name() string {
	return p.name
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Service runs m through the stages. m itself is not modified.
func (p *Pipeline) Service(ctx context.Context, m *core.Mail) *Outcome {
	ctx, span := p.tracer.Start(ctx, "spool.processor",
		trace.WithAttributes(
			attribute.String("spool.processor", p.name),
			attribute.String("spool.mail.name", m.Name),
			attribute.Int("spool.mail.recipients", len(m.Recipients)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	out := &Outcome{}
	remaining := m.Duplicate()
	inState := remaining.State

	for i, st := range p.stages {
		if remaining.IsGhost() {
			break
		}
		unmatched, matched, err := p.match(ctx, st, remaining)
		if err != nil {
			p.logger.Warn("matcher failed", "processor", p.name, "matcher", st.MatcherName, "mail", m.Name, "error", err)
			remaining.SetError(security.SanitizeErrorMessage(
				fmt.Sprintf("processor %s: matcher %s: %v", p.name, st.MatcherName, err)))
			span.RecordError(err)
			break
		}
		if len(matched) > 0 {
			frag := remaining.Duplicate()
			frag.Recipients = matched
			out.Invocations = append(out.Invocations, Invocation{
				Stage:      i,
				Mailet:     st.MailetName,
				Recipients: slices.Clone(matched),
			})
			p.invoke(ctx, i, st, frag)
			out.settle(frag, matched)
		}
		remaining.Recipients = unmatched
	}

	if !remaining.IsGhost() {
		out.Fragments = append(out.Fragments, remaining)
	}

	span.SetAttributes(
		attribute.Int("spool.mail.handled", len(out.Handled)),
		attribute.Int("spool.mail.fragments", len(out.Fragments)),
	)
	for _, f := range out.Fragments {
		if f.State == core.StateError && inState != core.StateError {
			span.SetStatus(codes.Error, f.ErrorMessage)
			return out
		}
	}
	span.SetStatus(codes.Ok, "")
	return out
}

// match runs the matcher and normalises its answer against the remaining
// recipients: matched keeps only remaining recipients, in remaining order,
// and unmatched is everything else.
func (p *Pipeline) match(ctx context.Context, st Stage, remaining *core.Mail) (unmatched, matched []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.logger.Error("matcher panicked", "matcher", st.MatcherName, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	_, got, err := st.Matcher.Match(ctx, remaining.Duplicate())
	if err != nil {
		return nil, nil, err
	}
	want := make(map[string]bool, len(got))
	for _, r := range got {
		want[r] = true
	}
	unmatched, matched = matcher.Partition(remaining.Recipients, func(r string) bool { return want[r] })
	return unmatched, matched, nil
}

// invoke calls the mailet on frag. Errors and panics put frag in the error
// state.
func (p *Pipeline) invoke(ctx context.Context, i int, st Stage, frag *core.Mail) {
	ctx, span := p.tracer.Start(ctx, "spool.mailet",
		trace.WithAttributes(
			attribute.String("spool.processor", p.name),
			attribute.Int("spool.stage", i),
			attribute.String("spool.matcher", st.MatcherName),
			attribute.String("spool.mailet", st.MailetName),
			attribute.Int("spool.mail.recipients", len(frag.Recipients)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	err := p.safeService(ctx, st, frag)
	if err != nil {
		frag.SetError(security.SanitizeErrorMessage(
			fmt.Sprintf("processor %s: mailet %s: %v", p.name, st.MailetName, err)))
		p.logger.Warn("mailet failed", "processor", p.name, "mailet", st.MailetName, "mail", frag.Name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if frag.State == core.StateError {
		span.SetStatus(codes.Error, frag.ErrorMessage)
		return
	}
	span.SetStatus(codes.Ok, "")
}

func (p *Pipeline) safeService(ctx context.Context, st Stage, frag *core.Mail) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.logger.Error("mailet panicked", "mailet", st.MailetName, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return st.Mailet.Service(ctx, frag)
}

// settle files an invoked fragment as handled or live.
func (o *Outcome) settle(frag *core.Mail, matched []string) {
	if frag.IsGhost() {
		o.Handled = append(o.Handled, matched...)
		return
	}
	for _, r := range matched {
		if !slices.Contains(frag.Recipients, r) {
			o.Handled = append(o.Handled, r)
		}
	}
	o.Fragments = append(o.Fragments, frag)
}
