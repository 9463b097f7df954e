// Package mailspool provides a durable mail spool with matcher/mailet
// processing pipelines and a worker pool.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages and assembles them from configuration.
//
// Basic usage:
//
//	cfg := mailspool.DefaultConfig()
//	cfg.Processors = map[string][]mailspool.StageSpec{
//	    "root":  {{Match: "HostIsLocal", Mailet: "LocalDelivery"}},
//	    "error": {{Mailet: "Bounce"}},
//	}
//	srv, _ := mailspool.NewServer(ctx, cfg)
//	defer srv.Close()
//
//	// Enqueue mail
//	srv.Enqueue(ctx, mailspool.NewMail("a@example.com", []string{"b@localhost"}, body))
//
//	// Process until ctx is cancelled
//	srv.Run(ctx)
package mailspool

import (
	"github.com/jdziat/simple-mail-spool/pkg/config"
	"github.com/jdziat/simple-mail-spool/pkg/core"
	"github.com/jdziat/simple-mail-spool/pkg/mailet"
	"github.com/jdziat/simple-mail-spool/pkg/matcher"
	"github.com/jdziat/simple-mail-spool/pkg/pipeline"
	"github.com/jdziat/simple-mail-spool/pkg/spool"
	"github.com/jdziat/simple-mail-spool/pkg/worker"
)

// Type aliases for the public API
type (
	// Mail is one message with its envelope and processing state.
	Mail = core.Mail

	// Repository is the keyed persistence contract of the spool.
	Repository = core.Repository

	// Spool is the keyed collection of mails awaiting processing.
	Spool = spool.Spool

	// Matcher selects the recipients a stage applies to.
	Matcher = matcher.Matcher

	// Mailet acts on a mail for the recipients its matcher selected.
	Mailet = mailet.Mailet

	// StageSpec is the declarative form of one processor stage.
	StageSpec = pipeline.StageSpec

	// Processors is the resolved set of named pipelines.
	Processors = pipeline.Processors

	// Pool runs the processing loops.
	Pool = worker.Pool

	// Config is the complete server configuration.
	Config = config.Config

	// Event is the interface for all spool events.
	Event = core.Event

	// MailAccepted is emitted when a worker claims a mail.
	MailAccepted = core.MailAccepted

	// MailCompleted is emitted when a mail has no recipients left.
	MailCompleted = core.MailCompleted

	// MailDeferred is emitted when a mail is stored back for later.
	MailDeferred = core.MailDeferred

	// MailSplit is emitted when processing stored derived mails.
	MailSplit = core.MailSplit

	// MailDropped is emitted when an unreadable mail is discarded.
	MailDropped = core.MailDropped
)

// Processing states
const (
	StateDefault = core.StateDefault
	StateError   = core.StateError
	StateGhost   = core.StateGhost
)

// Errors
var (
	ErrNotFound  = core.ErrNotFound
	ErrCorrupt   = core.ErrCorrupt
	ErrNotLocked = spool.ErrNotLocked
)

// NewMail creates a mail in the default state.
func NewMail(sender string, recipients []string, content []byte) *Mail {
	return core.NewMail(sender, recipients, content)
}

// DefaultConfig returns the default configuration with the default
// processors.
func DefaultConfig() *Config {
	cfg := config.Default()
	cfg.Processors = config.DefaultProcessors()
	return cfg
}

// LoadConfig reads the configuration file at path (or spoold.yaml from the
// usual locations when path is empty) with SPOOLD_ environment overrides.
func LoadConfig(path string) (*Config, error) {
	v, err := config.New(path)
	if err != nil {
		return nil, err
	}
	return config.Load(v)
}
