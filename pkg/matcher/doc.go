// Package matcher provides recipient predicates for pipeline stages.
//
// A [Matcher] splits the recipients of a mail into an unmatched and a
// matched set. Matchers are pure: they never mutate the mail and never read
// its content.
//
// Matchers are built once at startup from stage text of the form
// "Name=condition" through a [Registry]:
//
//	reg := matcher.NewRegistry()
//	m, err := reg.Parse("HostIs=example.com,example.org")
//
// Unknown names and malformed conditions are reported as errors so a bad
// configuration fails before any mail is processed.
package matcher
