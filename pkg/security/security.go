// Package security provides validation, sanitization, and limits for the spool.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// Security limits and configuration
const (
	// MaxMailNameLength is the maximum length for mail names
	MaxMailNameLength = 200

	// MaxContentSize is the maximum size in bytes for mail content (50MB)
	MaxContentSize = 50 << 20

	// MaxRecipients is the hard limit for recipients on one mail
	MaxRecipients = 10000

	// MaxAddressLength is the maximum length of one address (RFC 5321 path)
	MaxAddressLength = 256

	// MaxThreads is the hard limit for worker threads
	MaxThreads = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxProcessorNameLength is the maximum length for processor names
	MaxProcessorNameLength = 64
)

// validMailName matches alphanumeric, hyphens, underscores, and dots.
// Names double as file names in the file repository.
var validMailName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.]*$`)

// validProcessorName matches alphanumeric, hyphens and underscores
var validProcessorName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-]*$`)

// ValidateMailName validates a mail name
func ValidateMailName(name string) error {
	if name == "" {
		return core.ErrInvalidMailName
	}
	if len(name) > MaxMailNameLength {
		return core.ErrMailNameTooLong
	}
	if !validMailName.MatchString(name) || strings.Contains(name, "..") {
		return core.ErrInvalidMailName
	}
	return nil
}

// ValidateProcessorName validates a processor name
func ValidateProcessorName(name string) error {
	if name == "" || len(name) > MaxProcessorNameLength {
		return core.ErrInvalidProcessor
	}
	if !validProcessorName.MatchString(name) {
		return core.ErrInvalidProcessor
	}
	return nil
}

// ValidateAddress performs a shallow syntax check of an envelope address.
// Full RFC 5321 parsing belongs to the protocol front ends.
func ValidateAddress(addr string) error {
	if addr == "" || len(addr) > MaxAddressLength {
		return core.ErrInvalidAddress
	}
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return core.ErrInvalidAddress
	}
	for _, r := range addr {
		if r <= ' ' || r == 127 || r == '<' || r == '>' {
			return core.ErrInvalidAddress
		}
	}
	return nil
}

// ValidateMail checks a mail before it is first enqueued.
func ValidateMail(m *core.Mail) error {
	if err := ValidateMailName(m.Name); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.HasSender() {
		if err := ValidateAddress(m.Sender); err != nil {
			return err
		}
	}
	if len(m.Recipients) > MaxRecipients {
		return core.ErrInvalidAddress
	}
	for _, r := range m.Recipients {
		if err := ValidateAddress(r); err != nil {
			return err
		}
	}
	if len(m.Content) > MaxContentSize {
		return core.ErrContentTooLarge
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampThreads ensures the worker thread count is within limits
func ClampThreads(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxThreads {
		return MaxThreads
	}
	return n
}
