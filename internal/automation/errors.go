package automation

import (
	"errors"
	"fmt"

	"github.com/roach88/weft/internal/graph"
)

// MaxExecutionDepth bounds how many automations may fire within one
// execution chain before the chain is cut off.
const MaxExecutionDepth = 10

// ExecErrorCode classifies execution-chain failures.
type ExecErrorCode string

const (
	CodeCycleDetected ExecErrorCode = "CYCLE_DETECTED"
	CodeDepthExceeded ExecErrorCode = "DEPTH_EXCEEDED"
)

// ExecError is returned when an execution chain is stopped by one of
// the safety guards.
type ExecError struct {
	Code         ExecErrorCode
	AutomationID graph.NodeID
	NodeID       graph.NodeID
	Depth        int
}

func (e *ExecError) Error() string {
	switch e.Code {
	case CodeCycleDetected:
		return fmt.Sprintf("automation %s: cycle detected on node %s", e.AutomationID, e.NodeID)
	case CodeDepthExceeded:
		return fmt.Sprintf("automation %s: execution depth %d exceeds limit %d", e.AutomationID, e.Depth, MaxExecutionDepth)
	default:
		return fmt.Sprintf("automation %s: execution error %s", e.AutomationID, e.Code)
	}
}

// IsCycleDetected reports whether err is a cycle guard failure.
func IsCycleDetected(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Code == CodeCycleDetected
}

// IsDepthExceeded reports whether err is a depth guard failure.
func IsDepthExceeded(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Code == CodeDepthExceeded
}
