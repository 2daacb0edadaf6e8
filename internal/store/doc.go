// Package store provides the SQLite-backed durable node repository.
//
// The store is the single source of truth for nodes, properties, and
// supertags, and the single producer of mutation events: every
// successful write commits its transaction first and then emits exactly
// one event on the process bus, so listeners always observe committed
// state (read-your-writes).
//
// # Contract highlights
//
//   - Soft deletes: a deleted node becomes invisible to AssembleNode,
//     FindNodesBySupertag, and ListNodeIDs, but its rows remain.
//   - Idempotent tag writes: adding a supertag a node already carries,
//     or removing one it does not, is a no-op and emits no event.
//   - Deterministic reads: ListNodeIDs and FindNodesBySupertag order by
//     creation sequence, ties broken by id, so repeated scans of an
//     unchanged database return identical slices.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
