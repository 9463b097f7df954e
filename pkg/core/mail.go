// Package core provides the domain models and interfaces for the spool.
package core

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known mail states. Any other state value names the processor the
// mail should be routed to next.
const (
	StateDefault = "root"  // Initial processor
	StateError   = "error" // Error processor, retried after the backoff delay
	StateGhost   = "ghost" // Fully handled, never processed again
)

// Mail is one message envelope, its content and its processing state as it
// flows through the spool.
type Mail struct {
	Name         string
	Sender       string // empty is the null sender
	Recipients   []string
	Content      []byte
	State        string
	ErrorMessage string
	RemoteHost   string
	RemoteAddr   string
	LastUpdated  time.Time
	Attributes   map[string]string
}

// NewName returns a fresh, never reused mail name.
func NewName() string {
	return "mail-" + uuid.New().String()
}

// NewMail creates a mail in the default state with normalised recipients.
func NewMail(sender string, recipients []string, content []byte) *Mail {
	return &Mail{
		Name:       NewName(),
		Sender:     NormalizeAddress(sender),
		Recipients: NormalizeRecipients(recipients),
		Content:    content,
		State:      StateDefault,
	}
}

// HasSender reports whether the mail carries a non-null sender.
func (m *Mail) HasSender() bool {
	return m.Sender != ""
}

// IsGhost reports whether the mail needs no further processing.
func (m *Mail) IsGhost() bool {
	return m.State == StateGhost || len(m.Recipients) == 0
}

// Ghost marks the mail fully handled.
func (m *Mail) Ghost() {
	m.State = StateGhost
}

// SetError moves the mail to the error state with the given message.
func (m *Mail) SetError(msg string) {
	m.State = StateError
	m.ErrorMessage = msg
}

// Attribute returns a named attribute.
func (m *Mail) Attribute(name string) (string, bool) {
	v, ok := m.Attributes[name]
	return v, ok
}

// SetAttribute stores a named attribute, allocating the bag on first use.
func (m *Mail) SetAttribute(name, value string) {
	if m.Attributes == nil {
		m.Attributes = make(map[string]string)
	}
	m.Attributes[name] = value
}

// Duplicate returns a deep copy of the mail. Content bytes are shared;
// content is treated as immutable once stored.
func (m *Mail) Duplicate() *Mail {
	dup := *m
	dup.Recipients = slices.Clone(m.Recipients)
	if m.Attributes != nil {
		dup.Attributes = maps.Clone(m.Attributes)
	}
	return &dup
}

// Validate checks the envelope invariants required before storage.
func (m *Mail) Validate() error {
	if m.Name == "" {
		return ErrInvalidMailName
	}
	if m.State == "" {
		return ErrInvalidState
	}
	if len(m.Recipients) == 0 && m.State != StateGhost {
		return ErrNoRecipients
	}
	return nil
}

// NormalizeAddress trims an address and lowercases its domain part.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">")
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr
	}
	return addr[:at] + "@" + strings.ToLower(addr[at+1:])
}

// NormalizeRecipients normalises every address and drops duplicates and
// blanks while keeping first-seen order.
func NormalizeRecipients(recipients []string) []string {
	out := make([]string, 0, len(recipients))
	seen := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		r = NormalizeAddress(r)
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Domain returns the lowercased domain part of an address, or "" if none.
func Domain(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// Entry is the envelope metadata a repository can report without loading
// the content.
type Entry struct {
	Name        string
	State       string
	LastUpdated time.Time
}
