// Package subscription implements the live-query engine: standing query
// subscriptions that stay continuously correct as the node graph mutates.
//
// ARCHITECTURE:
//
// Mutation events arrive from the event bus and are optionally batched for
// a debounce window. For each batch the service computes the set of
// subscriptions the mutations could affect (dependency tracker union
// current-membership check), re-evaluates each affected subscription once
// via the injected evaluator, diffs the result against the cached previous
// result using content signatures, and delivers a ChangeEvent to the
// subscriber callback only when the diff is non-empty.
//
// Everything between the evaluator call and callback delivery is
// synchronous and run-to-completion under the service lock, which keeps
// diff computation race-free against concurrent mutations. The only
// asynchronous boundaries are the evaluator itself and the debounce timer.
//
// INVARIANTS:
//   - A subscription's cached result-ID set always equals the key set of
//     its cached assembled-node map.
//   - ChangeEvents are delivered only when added, removed, or changed is
//     non-empty.
//   - Smart invalidation never omits a subscription whose membership or
//     content a mutation can change (false positives allowed, false
//     negatives never).
package subscription
