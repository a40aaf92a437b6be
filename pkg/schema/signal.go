package schema

import (
	"encoding/json"
	"time"
)

// SignalKind enumerates the flow-control signals a handler can raise.
// Exactly one signal is consumed by the coordinator per handler invocation.
type SignalKind string

const (
	SignalNone  SignalKind = "none"
	SignalPause SignalKind = "pause"
	SignalFatal SignalKind = "fatal"
)

// Signal is the typed flow-control outcome of a handler invocation.
type Signal struct {
	Kind  SignalKind   `json:"kind"`
	Pause *PauseReason `json:"pause,omitempty"`
	Err   *FlowError   `json:"error,omitempty"`
}

// NoSignal returns the neutral signal.
func NoSignal() Signal {
	return Signal{Kind: SignalNone}
}

// PauseSignal returns a pause signal carrying the trigger descriptor.
func PauseSignal(reason *PauseReason) Signal {
	return Signal{Kind: SignalPause, Pause: reason}
}

// FatalSignal returns a fatal signal carrying the terminal error.
func FatalSignal(err *FlowError) Signal {
	return Signal{Kind: SignalFatal, Err: err}
}

// TriggerType enumerates the resume triggers a wait block can declare.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerAPI       TriggerType = "api"
	TriggerWebhook   TriggerType = "webhook"
	TriggerSchedule  TriggerType = "schedule"
	TriggerInputForm TriggerType = "input-form"
)

// TriggerDescriptor describes how a paused run is expected to be resumed.
type TriggerDescriptor struct {
	Type        TriggerType     `json:"type"`
	Config      json.RawMessage `json:"config,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"` // resume payload schema
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`  // schedule triggers only
}

// PauseReason is attached to the execution context when a wait block pauses
// the run. The engine persists it as part of the Paused Execution Record.
type PauseReason struct {
	BlockID string            `json:"block_id"`
	Trigger TriggerDescriptor `json:"trigger"`
	Note    string            `json:"note,omitempty"`
}

// PauseDescriptor is the externally visible pause summary returned to callers.
type PauseDescriptor struct {
	ExecutionID string            `json:"execution_id"`
	PausedAt    time.Time         `json:"paused_at"`
	BlockID     string            `json:"block_id"`
	Trigger     TriggerDescriptor `json:"trigger"`
}
