// Package core provides the fundamental types and interfaces for the spool.
//
// This package contains:
//   - Mail: envelope, content and processing state of one message
//   - Repository: the keyed persistence contract of the spool
//   - Event types for spool monitoring
//   - Sentinel errors shared by storage, spool and workers
//
// Most users should import the root package github.com/jdziat/simple-mail-spool
// instead of this package directly.
package core
