package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

func TestValidateMailName_Valid(t *testing.T) {
	validNames := []string{
		"mail-3f1c2a9e-6a1b-4c3d-9e8f-0a1b2c3d4e5f",
		"m1",
		"Mail1234.5678",
		"mail_1-abcdef12",
		"1",
	}

	for _, name := range validNames {
		err := ValidateMailName(name)
		assert.NoError(t, err, "Expected %q to be valid", name)
	}
}

func TestValidateMailName_Invalid(t *testing.T) {
	invalidNames := []string{
		"",                       // empty
		"-mail",                  // starts with hyphen
		"mail with spaces",       // contains spaces
		"mail/../../etc/passwd",  // contains slash
		"mail..x",                // dot-dot
		strings.Repeat("a", 300), // too long
	}

	for _, name := range invalidNames {
		err := ValidateMailName(name)
		assert.Error(t, err, "Expected %q to be invalid", name)
	}
}

func TestValidateProcessorName(t *testing.T) {
	for _, name := range []string{"root", "error", "transport", "local-delivery", "spam_check"} {
		assert.NoError(t, ValidateProcessorName(name), "Expected %q to be valid", name)
	}
	for _, name := range []string{"", "1root", "has space", "a/b", strings.Repeat("p", 65)} {
		assert.ErrorIs(t, ValidateProcessorName(name), core.ErrInvalidProcessor, "Expected %q to be invalid", name)
	}
}

func TestValidateAddress(t *testing.T) {
	for _, addr := range []string{"a@x", "user.name+tag@example.com"} {
		assert.NoError(t, ValidateAddress(addr), "Expected %q to be valid", addr)
	}
	for _, addr := range []string{"", "@x", "a@", "noat", "a b@x", "<a@x>", "a@x\x00"} {
		assert.ErrorIs(t, ValidateAddress(addr), core.ErrInvalidAddress, "Expected %q to be invalid", addr)
	}
}

func TestValidateMail(t *testing.T) {
	m := core.NewMail("s@x", []string{"a@y"}, []byte("body"))
	assert.NoError(t, ValidateMail(m))

	nullSender := core.NewMail("", []string{"a@y"}, nil)
	assert.NoError(t, ValidateMail(nullSender), "null sender is allowed")

	badRcpt := core.NewMail("s@x", []string{"not-an-address"}, nil)
	assert.ErrorIs(t, ValidateMail(badRcpt), core.ErrInvalidAddress)

	noRcpt := core.NewMail("s@x", nil, nil)
	assert.ErrorIs(t, ValidateMail(noRcpt), core.ErrNoRecipients)

	badName := core.NewMail("s@x", []string{"a@y"}, nil)
	badName.Name = "../escape"
	assert.ErrorIs(t, ValidateMail(badName), core.ErrInvalidMailName)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "normal message",
			input:    "connection refused",
			expected: "connection refused",
		},
		{
			name:     "message with newlines",
			input:    "error on\nline 2",
			expected: "error on\nline 2",
		},
		{
			name:     "message with null bytes",
			input:    "error\x00with\x00nulls",
			expected: "errorwithnulls",
		},
		{
			name:     "empty message",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeErrorMessage(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestSanitizeErrorMessage_Truncation(t *testing.T) {
	longMessage := strings.Repeat("a", 5000)
	result := SanitizeErrorMessage(longMessage)

	assert.LessOrEqual(t, len(result), MaxErrorMessageLength)
	assert.True(t, strings.HasSuffix(result, "..."))
}

func TestClampThreads(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{-1, 1},
		{0, 1},
		{1, 1},
		{10, 10},
		{1000, 1000},
		{1001, 1000},
	}

	for _, tt := range tests {
		result := ClampThreads(tt.input)
		assert.Equal(t, tt.expected, result, "ClampThreads(%d)", tt.input)
	}
}

func TestConstants(t *testing.T) {
	assert.Equal(t, 200, MaxMailNameLength)
	assert.Equal(t, 50<<20, MaxContentSize)
	assert.Equal(t, 1000, MaxThreads)
	assert.Equal(t, 4096, MaxErrorMessageLength)
	assert.Equal(t, 64, MaxProcessorNameLength)
}
