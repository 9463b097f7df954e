package mailet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jdziat/simple-mail-spool/pkg/core"
	"github.com/jdziat/simple-mail-spool/pkg/security"
)

// Built-in mailet names.
const (
	Null          = "Null"
	ToProcessor   = "ToProcessor"
	LocalDelivery = "LocalDelivery"
	Relay         = "Relay"
	Bounce        = "Bounce"
	Forward       = "Forward"
	ToRepository  = "ToRepository"
	SetAttribute  = "SetAttribute"
	Log           = "Log"
)

func registerBuiltins(r *Registry) {
	r.Register(Null, func(*Services, Params) (Mailet, error) { return nullMailet{}, nil })
	r.Register(ToProcessor, newToProcessor)
	r.Register(LocalDelivery, newLocalDelivery)
	r.Register(Relay, newRelay)
	r.Register(Bounce, newBounce)
	r.Register(Forward, newForward)
	r.Register(ToRepository, newToRepository)
	r.Register(SetAttribute, newSetAttribute)
	r.Register(Log, newLog)
}

func fail(m *core.Mail, err error) {
	m.SetError(security.SanitizeErrorMessage(err.Error()))
}

// optionalProcessor reads the "processor" parameter used by mailets that
// may redirect after doing their work.
func optionalProcessor(p Params) (string, error) {
	proc := strings.TrimSpace(p.Get("processor", ""))
	if proc == "" {
		return "", nil
	}
	if err := security.ValidateProcessorName(proc); err != nil {
		return "", fmt.Errorf("%w: processor %q", ErrInvalidParam, proc)
	}
	return proc, nil
}

func targets(proc string) []string {
	if proc == "" {
		return nil
	}
	return []string{proc}
}

// ──────────────────────────────────────────────────────────────────────────────
// Null
// ──────────────────────────────────────────────────────────────────────────────

// nullMailet discards the mail for its recipients.
type nullMailet struct{}

func (nullMailet) Service(_ context.Context, m *core.Mail) error {
	m.Ghost()
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// ToProcessor
// ──────────────────────────────────────────────────────────────────────────────

type toProcessor struct {
	processor string
	notice    string
}

func newToProcessor(_ *Services, p Params) (Mailet, error) {
	proc, err := p.Required("processor")
	if err != nil {
		return nil, err
	}
	if err := security.ValidateProcessorName(proc); err != nil {
		return nil, fmt.Errorf("%w: processor %q", ErrInvalidParam, proc)
	}
	return &toProcessor{processor: proc, notice: p.Get("notice", "")}, nil
}

func (t *toProcessor) Service(_ context.Context, m *core.Mail) error {
	m.State = t.processor
	if t.notice != "" {
		m.ErrorMessage = t.notice
	}
	return nil
}

func (t *toProcessor) Targets() []string { return []string{t.processor} }

// ──────────────────────────────────────────────────────────────────────────────
// LocalDelivery
// ──────────────────────────────────────────────────────────────────────────────

type localDelivery struct {
	mailbox Mailbox
	logger  *slog.Logger
}

func newLocalDelivery(svc *Services, _ Params) (Mailet, error) {
	if svc.Mailbox == nil {
		return nil, fmt.Errorf("%w: mailbox", ErrNoService)
	}
	return &localDelivery{mailbox: svc.Mailbox, logger: svc.logger()}, nil
}

// Service delivers to each recipient. Delivered recipients are dropped; if
// any remain the mail is put in the error state for them.
func (d *localDelivery) Service(ctx context.Context, m *core.Mail) error {
	var (
		failed []string
		errs   []error
	)
	for _, rcpt := range m.Recipients {
		if err := d.mailbox.Deliver(ctx, rcpt, m); err != nil {
			failed = append(failed, rcpt)
			errs = append(errs, fmt.Errorf("%s: %w", rcpt, err))
			continue
		}
		d.logger.Debug("delivered locally", "mail", m.Name, "recipient", rcpt)
	}
	m.Recipients = failed
	if len(failed) == 0 {
		m.Ghost()
		return nil
	}
	fail(m, fmt.Errorf("local delivery failed: %w", errors.Join(errs...)))
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Relay
// ──────────────────────────────────────────────────────────────────────────────

type relay struct {
	transport Transport
	logger    *slog.Logger
}

func newRelay(svc *Services, _ Params) (Mailet, error) {
	if svc.Transport == nil {
		return nil, fmt.Errorf("%w: transport", ErrNoService)
	}
	return &relay{transport: svc.Transport, logger: svc.logger()}, nil
}

func (r *relay) Service(ctx context.Context, m *core.Mail) error {
	err := r.transport.Send(ctx, m)
	if err == nil {
		r.logger.Info("relayed", "mail", m.Name, "recipients", len(m.Recipients))
		m.Ghost()
		return nil
	}
	var partial *PartialError
	if errors.As(err, &partial) {
		m.Recipients = partial.Failed
	}
	fail(m, fmt.Errorf("relay: %w", err))
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Bounce
// ──────────────────────────────────────────────────────────────────────────────

type bounce struct {
	spool      Enqueuer
	postmaster string
	notice     string
	logger     *slog.Logger
}

func newBounce(svc *Services, p Params) (Mailet, error) {
	if svc.Spool == nil {
		return nil, fmt.Errorf("%w: spool", ErrNoService)
	}
	return &bounce{
		spool:      svc.Spool,
		postmaster: p.Get("postmaster", svc.Postmaster),
		notice:     p.Get("notice", "Your message could not be delivered to the following recipients."),
		logger:     svc.logger(),
	}, nil
}

// Service returns a delivery status notice to the sender and ghosts the
// mail. Mails with a null sender are never bounced.
func (b *bounce) Service(ctx context.Context, m *core.Mail) error {
	if !m.HasSender() {
		b.logger.Warn("not bouncing mail with null sender", "mail", m.Name, "error", m.ErrorMessage)
		m.Ghost()
		return nil
	}

	notice := &core.Mail{
		Name:       core.NewName(),
		Recipients: []string{m.Sender},
		Content:    b.render(m),
		State:      core.StateDefault,
		RemoteHost: "localhost",
		RemoteAddr: "127.0.0.1",
		Attributes: map[string]string{"bounce.original": m.Name},
	}
	if err := b.spool.Enqueue(ctx, notice); err != nil {
		return fmt.Errorf("enqueue bounce: %w", err)
	}
	b.logger.Info("bounced", "mail", m.Name, "bounce", notice.Name, "to", m.Sender)
	m.Ghost()
	return nil
}

func (b *bounce) render(m *core.Mail) []byte {
	var buf bytes.Buffer
	from := "MAILER-DAEMON"
	if b.postmaster != "" {
		from = b.postmaster
	}
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", m.Sender)
	fmt.Fprintf(&buf, "Subject: Undelivered Mail Returned to Sender\r\n")
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Auto-Submitted: auto-replied\r\n\r\n")
	fmt.Fprintf(&buf, "%s\r\n\r\n", b.notice)
	for _, r := range m.Recipients {
		fmt.Fprintf(&buf, "  %s\r\n", r)
	}
	if m.ErrorMessage != "" {
		fmt.Fprintf(&buf, "\r\nReason: %s\r\n", m.ErrorMessage)
	}
	buf.WriteString("\r\n--- Original message ---\r\n\r\n")
	buf.Write(m.Content)
	return buf.Bytes()
}

// ──────────────────────────────────────────────────────────────────────────────
// Forward
// ──────────────────────────────────────────────────────────────────────────────

type forward struct {
	spool Enqueuer
	to    []string
}

func newForward(svc *Services, p Params) (Mailet, error) {
	if svc.Spool == nil {
		return nil, fmt.Errorf("%w: spool", ErrNoService)
	}
	to := core.NormalizeRecipients(p.List("forwardto"))
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: %q is required", ErrInvalidParam, "forwardto")
	}
	for _, a := range to {
		if err := security.ValidateAddress(a); err != nil {
			return nil, fmt.Errorf("%w: forwardto %q", ErrInvalidParam, a)
		}
	}
	return &forward{spool: svc.Spool, to: to}, nil
}

// Service enqueues a copy addressed to the forward list and ghosts the
// original recipients.
func (f *forward) Service(ctx context.Context, m *core.Mail) error {
	fwd := m.Duplicate()
	fwd.Name = core.NewName()
	fwd.Recipients = append([]string(nil), f.to...)
	fwd.State = core.StateDefault
	fwd.ErrorMessage = ""
	if err := f.spool.Enqueue(ctx, fwd); err != nil {
		return fmt.Errorf("enqueue forward: %w", err)
	}
	m.Ghost()
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// ToRepository
// ──────────────────────────────────────────────────────────────────────────────

type toRepository struct {
	repo        core.Repository
	name        string
	passThrough bool
	processor   string
	logger      *slog.Logger
}

func newToRepository(svc *Services, p Params) (Mailet, error) {
	name, err := p.Required("repository")
	if err != nil {
		return nil, err
	}
	if svc.Repository == nil {
		return nil, fmt.Errorf("%w: repository lookup", ErrNoService)
	}
	repo, err := svc.Repository(name)
	if err != nil {
		return nil, fmt.Errorf("open repository %q: %w", name, err)
	}
	passThrough, err := p.Bool("passThrough", false)
	if err != nil {
		return nil, err
	}
	proc, err := optionalProcessor(p)
	if err != nil {
		return nil, err
	}
	return &toRepository{repo: repo, name: name, passThrough: passThrough, processor: proc, logger: svc.logger()}, nil
}

// Service files a copy of the mail in the repository. Unless passThrough is
// set the mail is ghosted afterwards, otherwise it moves on to processor.
func (t *toRepository) Service(ctx context.Context, m *core.Mail) error {
	stored := m.Duplicate()
	stored.LastUpdated = time.Now()
	if err := t.repo.Put(ctx, stored); err != nil {
		return fmt.Errorf("store in repository %q: %w", t.name, err)
	}
	t.logger.Info("stored mail in repository", "mail", m.Name, "repository", t.name)
	switch {
	case !t.passThrough:
		m.Ghost()
	case t.processor != "":
		m.State = t.processor
	}
	return nil
}

func (t *toRepository) Targets() []string { return targets(t.processor) }

func (t *toRepository) Settles() bool { return !t.passThrough || t.processor != "" }

// ──────────────────────────────────────────────────────────────────────────────
// SetAttribute
// ──────────────────────────────────────────────────────────────────────────────

type setAttribute struct {
	name, value string
	processor   string
}

func newSetAttribute(_ *Services, p Params) (Mailet, error) {
	name, err := p.Required("name")
	if err != nil {
		return nil, err
	}
	proc, err := optionalProcessor(p)
	if err != nil {
		return nil, err
	}
	return &setAttribute{name: name, value: p.Get("value", ""), processor: proc}, nil
}

func (s *setAttribute) Service(_ context.Context, m *core.Mail) error {
	m.SetAttribute(s.name, s.value)
	if s.processor != "" {
		m.State = s.processor
	}
	return nil
}

func (s *setAttribute) Targets() []string { return targets(s.processor) }

func (s *setAttribute) Settles() bool { return s.processor != "" }

// ──────────────────────────────────────────────────────────────────────────────
// Log
// ──────────────────────────────────────────────────────────────────────────────

type logMailet struct {
	message   string
	processor string
	logger    *slog.Logger
}

func newLog(svc *Services, p Params) (Mailet, error) {
	proc, err := optionalProcessor(p)
	if err != nil {
		return nil, err
	}
	return &logMailet{
		message:   p.Get("message", "mail passed"),
		processor: proc,
		logger:    svc.logger(),
	}, nil
}

func (l *logMailet) Service(_ context.Context, m *core.Mail) error {
	l.logger.Info(l.message,
		"mail", m.Name,
		"sender", m.Sender,
		"recipients", m.Recipients,
		"state", m.State,
		"error", m.ErrorMessage,
	)
	if l.processor != "" {
		m.State = l.processor
	}
	return nil
}

func (l *logMailet) Targets() []string { return targets(l.processor) }

func (l *logMailet) Settles() bool { return l.processor != "" }
