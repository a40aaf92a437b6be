package schema

import "encoding/json"

// Workflow is the JSON-serializable workflow graph. It is produced by an
// external serializer (the authoring surface) and consumed read-only by the
// execution engine.
type Workflow struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name,omitempty"`
	Blocks    []Block                  `json:"blocks"`
	Edges     []Edge                   `json:"edges,omitempty"`
	Loops     map[string]LoopGroup     `json:"loops,omitempty"`
	Parallels map[string]ParallelGroup `json:"parallels,omitempty"`
	Variables map[string]any           `json:"variables,omitempty"`
	Metadata  map[string]any           `json:"metadata,omitempty"`
}

// Block is a single node in the workflow graph.
type Block struct {
	ID       string          `json:"id"`
	Kind     BlockKind       `json:"kind,omitempty"` // default: operation
	Name     string          `json:"name,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"` // kind-specific config
	Disabled bool            `json:"disabled,omitempty"`
}

// BlockKind enumerates the kinds of blocks in a workflow.
type BlockKind string

const (
	BlockKindStart     BlockKind = "start"
	BlockKindOperation BlockKind = "operation"
	BlockKindCondition BlockKind = "condition"
	BlockKindLoop      BlockKind = "loop"
	BlockKindParallel  BlockKind = "parallel"
	BlockKindWait      BlockKind = "wait"
	BlockKindSubflow   BlockKind = "subflow"
)

// Edge connects a source block's output handle to a target block's input handle.
type Edge struct {
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"` // default: "source"
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Output handle names. Condition blocks emit per-branch handles built with
// ConditionHandle; loop and parallel controllers route through dedicated
// entry/exit handles so group members cannot be entered from outside.
const (
	HandleSource        = "source"
	HandleError         = "error"
	HandleElse          = "else"
	HandleLoopStart     = "loop-start-source"
	HandleLoopEnd       = "loop-end-source"
	HandleParallelStart = "parallel-start-source"
	HandleParallelEnd   = "parallel-end-source"
)

// ConditionHandle returns the output handle name for a condition branch.
func ConditionHandle(branchID string) string {
	return "condition-" + branchID
}

// GroupKind distinguishes count-bounded groups from collection-driven ones.
type GroupKind string

const (
	GroupKindCount      GroupKind = "count"
	GroupKindCollection GroupKind = "collection"
)

// LoopGroup is a named subset of block IDs iterated sequentially. The group
// is keyed by its controlling loop block's ID; members may only be entered
// through the loop's entry handle.
type LoopGroup struct {
	ID         string    `json:"id"`
	Nodes      []string  `json:"nodes"`
	Kind       GroupKind `json:"kind,omitempty"` // default: count
	Iterations int       `json:"iterations,omitempty"`
	Collection string    `json:"collection,omitempty"` // expression producing the iterable
}

// ParallelGroup is structurally a LoopGroup but fans out branches that may
// run concurrently up to MaxConcurrency.
type ParallelGroup struct {
	ID             string    `json:"id"`
	Nodes          []string  `json:"nodes"`
	Kind           GroupKind `json:"kind,omitempty"` // default: count
	Count          int       `json:"count,omitempty"`
	Distribution   string    `json:"distribution,omitempty"` // expression producing branch items
	MaxConcurrency int       `json:"maxConcurrency,omitempty"`
}

// OperationConfig is the config block for operation-type blocks.
type OperationConfig struct {
	Tool    string          `json:"tool"`
	Params  json.RawMessage `json:"params,omitempty"`
	Timeout string          `json:"timeout,omitempty"` // per-block deadline, e.g. "30s"

	// ContinueOnError marks operation failures as recoverable: the router
	// follows the block's error handle instead of failing the run.
	ContinueOnError bool `json:"continueOnError,omitempty"`
}

// ConditionBranch is one predicate of a condition block, evaluated in order.
type ConditionBranch struct {
	ID         string `json:"id"`
	Expression string `json:"expression"` // CEL predicate
}

// ConditionConfig is the config block for condition-type blocks. The first
// branch whose expression evaluates true wins; the else handle fires when
// none match.
type ConditionConfig struct {
	Branches []ConditionBranch `json:"branches"`
}

// WaitConfig is the config block for wait-type blocks.
type WaitConfig struct {
	Trigger     TriggerType     `json:"trigger"`               // manual | api | webhook | schedule | input-form
	Schedule    string          `json:"schedule,omitempty"`    // cron spec (trigger=schedule)
	InputSchema json.RawMessage `json:"inputSchema,omitempty"` // JSON Schema for the resume payload
	Note        string          `json:"note,omitempty"`
}

// SubflowConfig is the config block for subflow-type blocks. Input maps the
// child workflow's declared input fields to expressions resolved against the
// parent's context.
type SubflowConfig struct {
	WorkflowID string            `json:"workflowId"`
	Input      map[string]string `json:"input,omitempty"`
}

// StartConfig is the config block for the start block.
type StartConfig struct {
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}
