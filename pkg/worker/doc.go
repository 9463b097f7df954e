// Package worker provides the pool of loops that process spooled mail.
//
// Each loop claims a mail with the spool's AcceptDelay, routes it through
// the processor named by its state and sends error fragments through the
// error processor. When nothing is left the mail is removed; otherwise the
// remaining fragments are stored (the first under the original name, the
// rest under derived names) and the lock is released.
//
// Failures inside processors never stop a loop. Unreadable mails are
// dropped and reported with a MailDropped event. Spool writes are retried
// with jittered exponential backoff.
package worker
