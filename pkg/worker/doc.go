// Package worker provides the loop that drives stepwise workflows forward.
//
// A Worker wraps an api.Engine and calls ProcessOne over and over. When there
// is no eligible step it sleeps for PollInterval; when the store reports an
// error it logs it and sleeps for ErrorBackoff. A processed step is followed
// immediately by the next iteration.
//
// # Recovery
//
// Run calls Engine.Recover once before the first iteration. Recovery treats
// every RUNNING step as orphaned, so only one process may recover a given
// store, and it must do so before any worker starts claiming. Steps that were
// interrupted mid-handler run again: execution is at-least-once.
//
// # Shutdown
//
// Stop sets a flag that the loop checks between iterations and wakes a
// sleeping loop. The step in flight is not cancelled; Stop returns after it
// has been persisted. Cancelling the context passed to Run or Start also ends
// the loop, and is passed through to the running handler.
//
// Several workers may share one store. Each claim is atomic, so a step is
// executed by exactly one of them, and chain ordering guarantees at most one
// RUNNING step per workflow.
package worker
