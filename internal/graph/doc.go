// Package graph defines the node data model shared by every component of
// the automation core: assembled nodes, graph mutation events, and the
// collaborator interfaces (repository, query evaluator, computed fields).
//
// The package is intentionally free of behavior beyond value helpers.
// Components depend on these interfaces, never on a concrete store, so a
// process wires one instance graph at startup and tests construct fakes.
package graph
