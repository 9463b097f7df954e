package mailet

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// TransportOption configures an SMTPTransport.
type TransportOption interface {
	applyTransport(*SMTPTransport)
}

type transportOptionFunc func(*SMTPTransport)

func (f transportOptionFunc) applyTransport(t *SMTPTransport) { f(t) }

// HeloName sets the name announced in EHLO.
func HeloName(name string) TransportOption {
	return transportOptionFunc(func(t *SMTPTransport) {
		t.helo = name
	})
}

// DialTimeout bounds connection setup.
func DialTimeout(d time.Duration) TransportOption {
	return transportOptionFunc(func(t *SMTPTransport) {
		if d > 0 {
			t.timeout = d
		}
	})
}

// WithAuth authenticates when the server offers AUTH.
func WithAuth(auth smtp.Auth) TransportOption {
	return transportOptionFunc(func(t *SMTPTransport) {
		t.auth = auth
	})
}

// WithTLS upgrades with STARTTLS when the server offers it.
func WithTLS(cfg *tls.Config) TransportOption {
	return transportOptionFunc(func(t *SMTPTransport) {
		t.tls = cfg
	})
}

// SMTPTransport relays every mail through one smarthost.
type SMTPTransport struct {
	addr    string
	helo    string
	timeout time.Duration
	auth    smtp.Auth
	tls     *tls.Config
}

// NewSMTPTransport creates a transport for the smarthost at addr (host:port).
func NewSMTPTransport(addr string, opts ...TransportOption) *SMTPTransport {
	t := &SMTPTransport{addr: addr, helo: "localhost", timeout: 30 * time.Second}
	for _, opt := range opts {
		opt.applyTransport(t)
	}
	return t
}

// Send delivers m to its recipients. Recipients refused by the smarthost
// are reported in a *PartialError.
func (t *SMTPTransport) Send(ctx context.Context, m *core.Mail) error {
	if len(m.Recipients) == 0 {
		return nil
	}
	dialer := net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("dial smarthost: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	host, _, err := net.SplitHostPort(t.addr)
	if err != nil {
		host = t.addr
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if err := c.Hello(t.helo); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok && t.tls != nil {
		cfg := t.tls.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = host
		}
		if err := c.StartTLS(cfg); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if ok, _ := c.Extension("AUTH"); ok && t.auth != nil {
		if err := c.Auth(t.auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(m.Sender); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	var (
		failed []string
		errs   []error
	)
	for _, rcpt := range m.Recipients {
		if err := c.Rcpt(rcpt); err != nil {
			failed = append(failed, rcpt)
			errs = append(errs, fmt.Errorf("%s: %w", rcpt, err))
		}
	}
	if len(failed) == len(m.Recipients) {
		_ = c.Reset()
		return &PartialError{Failed: failed, Err: errors.Join(errs...)}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(m.Content); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end of data: %w", err)
	}
	_ = c.Quit()

	if len(failed) > 0 {
		return &PartialError{Failed: failed, Err: errors.Join(errs...)}
	}
	return nil
}
