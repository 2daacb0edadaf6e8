// Package automation implements the rules engine on top of the live-query
// subscription service: definitions persisted as nodes tagged with the
// automation supertag, membership and threshold triggers, cycle-guarded
// action execution, and webhook enqueueing.
//
// Triggers and actions are sealed sum types with a JSON discriminator for
// persistence, so adding a variant breaks every dispatch site at compile
// time.
//
// EXECUTION CHAINS:
//
// Every firing belongs to an execution chain: the cascade of automations
// set off by one root cause. Because mutation-to-callback dispatch is
// serialized through the subscription service's queue, a whole cascade
// runs sequentially on one goroutine; the chain context lives from the
// first firing until the dispatch queue settles. Within a chain the
// engine enforces a maximum number of firings (MaxExecutionDepth) and
// refuses to act twice on the same node; the quota bounds linear
// explosions, the repeat check breaks recursive cycles, and together
// they guarantee termination.
package automation
