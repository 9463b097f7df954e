// Package pipeline routes mails through ordered (matcher, mailet) stages.
//
// A [Pipeline] is one named processor. [Pipeline.Service] walks its stages
// with an explicit remaining fragment: each stage's matcher selects some of
// the remaining recipients, the mailet is invoked once on a fragment scoped
// to exactly those recipients, and the rest move on to the next stage. The
// recipients handed to mailets during one run are pairwise disjoint.
//
// Every invoked fragment is settled when its mailet returns:
//
//   - ghost: handled, its recipients are reported in Outcome.Handled
//   - error: put in the error state by the mailet, a returned error or a panic
//   - redirected: its state names another processor
//   - unhandled: state unchanged with recipients left
//
// The last three are returned in Outcome.Fragments for the caller to
// persist. Recipients no stage matched are returned as one more unhandled
// fragment.
//
// [Build] resolves declarative processor configuration into [Processors]
// once at startup. Any configuration problem is an error.
package pipeline
