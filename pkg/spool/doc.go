// Package spool provides the durable keyed collection of mails awaiting
// processing.
//
// A [Spool] wraps a core.Repository with a lock.Table. Producers call
// [Spool.Enqueue]; workers claim mails with [Spool.Accept] or
// [Spool.AcceptDelay], which block until some unlocked mail can be locked
// for the calling owner.
//
// # Claiming
//
// AcceptDelay treats mails in the error state as ineligible until the retry
// delay has passed since their last store. While nothing is eligible the
// caller sleeps until the earliest eligibility time, a store, an unlock or
// context cancellation, whichever happens first.
//
// # Ownership
//
// Only the lock holder may store, remove or mutate a claimed mail. Remove
// refuses callers that do not hold the lock and releases it on success.
//
// # Corruption
//
// An entry that cannot be decoded is deleted by [Spool.Retrieve] and logged
// as data loss; it is never retried.
package spool
