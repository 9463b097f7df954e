// Package security provides validation, sanitization, and limits for the spool.
//
// This package includes:
//   - Input validation for mail names, addresses and processor names
//   - Error message sanitization before error text is persisted on a mail
//   - Clamping of worker thread counts
//   - Security-related constants defining maximum sizes and counts
//
// Most users should import the root package github.com/jdziat/simple-mail-spool
// which re-exports these functions.
package security
