package store

import (
	"encoding/json"
	"time"

	"github.com/flowrun/flowrun/pkg/schema"
)

// RecordStatus is the lifecycle state of a paused execution record.
// Resume claims follow paused -> resuming -> resumed; a run that pauses
// again writes a fresh record under a new execution ID.
type RecordStatus string

const (
	RecordStatusPaused   RecordStatus = "paused"
	RecordStatusResuming RecordStatus = "resuming"
	RecordStatusResumed  RecordStatus = "resumed"
)

// PausedRecord is the durable snapshot of an in-flight run frozen at a wait
// block. It carries everything needed to reconstitute the run with identical
// semantics: the serialized execution context, the workflow graph, the
// sealed environment bindings, and the original external input.
type PausedRecord struct {
	ExecutionID string                   `json:"execution_id"`
	RunID       string                   `json:"run_id"` // stable across re-pauses
	WorkflowID  string                   `json:"workflow_id"`
	OwnerID     string                   `json:"owner_id,omitempty"`
	State       json.RawMessage          `json:"state"`    // serialized ExecutionContext
	Workflow    json.RawMessage          `json:"workflow"` // serialized schema.Workflow
	Environment []byte                   `json:"-"`        // sealed bindings, never serialized
	StartInput  json.RawMessage          `json:"start_input,omitempty"`
	Trigger     schema.TriggerDescriptor `json:"trigger"`
	Status      RecordStatus             `json:"status"`
	PausedAt    time.Time                `json:"paused_at"`
	ResumedAt   *time.Time               `json:"resumed_at,omitempty"`
}

// ListFilter specifies criteria for listing paused records.
type ListFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
