// Package scheduler drives one sample's stage graph to a terminal outcome.
//
// # How It Works
//
// Each sample gets one loop goroutine that owns the runtime state of every
// node in its graph. Nothing else reads or writes that state, so the loop
// needs no locks of its own. The shared pieces are the resource manager and
// the job store, both safe for concurrent use. The loop repeats:
//
//  1. Move Pending nodes whose dependencies allow it to Ready (or Skipped,
//     for a package stage with no successful producer).
//  2. Offer every Ready node, in canonical stage order, to the resource
//     manager. Admitted nodes are recorded as Running and dispatched on their
//     own goroutine: tool stages go to the Invoker, the package stage to the
//     Packager.
//  3. Block until a dispatched node completes, a resource is released
//     anywhere in the process, a retry delay expires, or the context ends.
//
// # Failures
//
// A failed attempt is retried after an exponential backoff delay until the
// retry limit is used up. The node is then Failed and every node reachable
// from it over hard edges is Skipped. Optional edges, which only the package
// stage has, never propagate a failure: the package runs with whatever its
// producers managed to write.
//
// Only job store errors and oversized requirements escape Run as errors.
// Everything else is folded into the sample's Result.
//
// # Resume
//
// When resuming, a stored Succeeded record short-circuits its node and its
// outputs are reused. Any other stored state restarts from Pending with a
// fresh attempt counter.
//
// # Cancellation
//
// Cancelling the context stops dispatch at once. Calls already in flight see
// their own context cancelled and the loop waits for every one of them to
// return before Run does. Nodes that were interrupted are recorded as
// Pending, so a later resume runs them again.
package scheduler
