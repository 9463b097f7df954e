package core

import "time"

// Event is the interface for all spool events.
type Event interface {
	eventMarker()
}

// MailAccepted is emitted when a worker claims a mail.
type MailAccepted struct {
	Mail      *Mail
	WorkerID  string
	Timestamp time.Time
}

func (*MailAccepted) eventMarker() {}

// MailCompleted is emitted when every recipient of a mail was handled and
// the mail was removed from the spool.
type MailCompleted struct {
	Name      string
	Duration  time.Duration
	Timestamp time.Time
}

func (*MailCompleted) eventMarker() {}

// MailDeferred is emitted when a mail is stored back into the spool, either
// in the error state awaiting retry or redirected to another processor.
type MailDeferred struct {
	Mail      *Mail
	Timestamp time.Time
}

func (*MailDeferred) eventMarker() {}

// MailSplit is emitted when processing produced fragments stored under
// derived names.
type MailSplit struct {
	Name      string
	Derived   []string
	Timestamp time.Time
}

func (*MailSplit) eventMarker() {}

// MailDropped is emitted when an unreadable mail is discarded.
type MailDropped struct {
	Name      string
	Error     error
	Timestamp time.Time
}

func (*MailDropped) eventMarker() {}
