package core

import (
	"errors"
	"fmt"
)

// Storage errors
var (
	ErrNotFound = errors.New("spool: mail not found")
	ErrCorrupt  = errors.New("spool: mail entry corrupt")
	ErrNotOwned = errors.New("spool: mail not locked by this owner")
)

// Validation errors
var (
	ErrInvalidMailName  = errors.New("spool: invalid mail name")
	ErrMailNameTooLong  = errors.New("spool: mail name too long")
	ErrInvalidState     = errors.New("spool: invalid mail state")
	ErrNoRecipients     = errors.New("spool: mail has no recipients")
	ErrContentTooLarge  = errors.New("spool: mail content exceeds size limit")
	ErrInvalidAddress   = errors.New("spool: invalid mail address")
	ErrInvalidProcessor = errors.New("spool: invalid processor name")
)

// CorruptError describes an unreadable repository entry.
type CorruptError struct {
	Name string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("spool: mail %q corrupt: %v", e.Name, e.Err)
}

func (e *CorruptError) Unwrap() []error {
	return []error{ErrCorrupt, e.Err}
}

// Corrupt wraps a decoding failure of the named entry.
func Corrupt(name string, err error) error {
	return &CorruptError{Name: name, Err: err}
}
