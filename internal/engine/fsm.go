package engine

import (
	"github.com/flowrun/flowrun/pkg/schema"
)

// ValidRunTransitions is the run lifecycle table. Paused is not terminal:
// a matching resume call moves the run back to Running.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusReady:     {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusPaused, schema.RunStatusFailed},
	schema.RunStatusPaused:    {schema.RunStatusRunning},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// ValidBlockTransitions is the per-block-instance lifecycle table.
var ValidBlockTransitions = map[schema.BlockStatus][]schema.BlockStatus{
	schema.BlockStatusPending:   {schema.BlockStatusRunning, schema.BlockStatusSkipped},
	schema.BlockStatusRunning:   {schema.BlockStatusCompleted, schema.BlockStatusFailed},
	schema.BlockStatusCompleted: {},
	schema.BlockStatusFailed:    {},
	schema.BlockStatusSkipped:   {},
}

// transitionRun validates and applies a run state transition on the context.
func transitionRun(ec *ExecutionContext, to schema.RunStatus) error {
	from := ec.Status
	for _, allowed := range ValidRunTransitions[from] {
		if allowed == to {
			ec.Status = to
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": ec.ExecutionID})
}

// validBlockTransition reports whether a block status change is allowed.
func validBlockTransition(from, to schema.BlockStatus) bool {
	for _, allowed := range ValidBlockTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
