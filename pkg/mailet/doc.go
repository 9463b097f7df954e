// Package mailet provides the processing actions of pipeline stages.
//
// A [Mailet] receives a mail scoped to the recipients its stage matched and
// settles it: it may drop handled recipients, mark the mail ghost, put it
// in the error state, redirect it to another processor by changing its
// state, or enqueue derived mails through [Services].
//
// Expected failures (an unreachable smarthost, a full mailbox) are recorded
// on the mail with SetError. A returned error or a panic is treated by the
// pipeline the same way.
//
// Mailets are built once at startup by a [Registry] from a name and
// [Params]. Mailets that redirect to other processors implement [Targeter]
// so unknown processor names are rejected before any mail is processed.
package mailet
