package automation

import (
	"github.com/roach88/weft/internal/graph"
)

// ExecutionContext tracks one chain of automation firings. A chain
// begins when some external mutation fires the first automation and
// ends when the dispatch queue settles with no further firings.
//
// Two guards stop runaway chains. The cycle guard rejects any second
// firing on a node already acted on in this chain, whichever automation
// acted first, so a pair of automations toggling one node back and
// forth is cut off at the first revisit. The depth guard caps how many
// times any single automation may fire in a chain.
type ExecutionContext struct {
	firings int
	counts  map[graph.NodeID]int
	nodes   map[graph.NodeID]struct{}
}

// NewExecutionContext returns an empty chain context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		counts: make(map[graph.NodeID]int),
		nodes:  make(map[graph.NodeID]struct{}),
	}
}

// Enter records one firing of automation on node. It returns an
// *ExecError if the firing would push the automation past
// MaxExecutionDepth firings, or revisit a node the chain already acted
// on. The node is recorded before the action executes, so recursive
// triggers within the chain see it.
func (c *ExecutionContext) Enter(automation, node graph.NodeID) error {
	if c.counts[automation] >= MaxExecutionDepth {
		return &ExecError{Code: CodeDepthExceeded, AutomationID: automation, NodeID: node, Depth: c.counts[automation]}
	}
	if _, seen := c.nodes[node]; seen {
		return &ExecError{Code: CodeCycleDetected, AutomationID: automation, NodeID: node, Depth: c.counts[automation]}
	}
	c.nodes[node] = struct{}{}
	c.counts[automation]++
	c.firings++
	return nil
}

// Depth returns the total number of firings recorded so far.
func (c *ExecutionContext) Depth() int { return c.firings }
