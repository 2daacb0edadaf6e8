// Package query defines the filter-tree query model shared by the
// subscription engine and its evaluator.
//
// Filter is a sealed interface - only types in this package implement it.
// The marker method pattern prevents external implementations and enables
// exhaustive type switches in the dependency tracker and the evaluator:
// adding a variant breaks every switch at compile time instead of silently
// under-matching at runtime.
//
// The package also ships a reference Evaluator that matches filter trees
// against a graph.Repository. Evaluation is a pure function of current
// repository state and the definition: no caching, deterministic node
// ordering, so repeated evaluation with no intervening mutations yields
// identical results.
package query
