package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowrun/flowrun/internal/resolver"
	"github.com/flowrun/flowrun/pkg/schema"
)

// Instance identifies one runnable occurrence of a block. Outside parallel
// groups a block has a single instance; inside, each branch gets its own.
type Instance struct {
	BlockID string
	Branch  int // -1 outside parallel groups
}

// Key returns the instance's key in the executed/decision/output maps.
func (i Instance) Key() string {
	if i.Branch < 0 {
		return i.BlockID
	}
	return fmt.Sprintf("%s#%d", i.BlockID, i.Branch)
}

// LoopState tracks one loop group's progress across passes.
type LoopState struct {
	Iteration int               `json:"iteration"`       // 1-based current pass
	Bound     int               `json:"bound"`           // total passes
	Items     []any             `json:"items,omitempty"` // collection loops only
	Completed bool              `json:"completed"`
	Results   []json.RawMessage `json:"results,omitempty"` // one aggregate per pass
}

// ParallelState tracks one parallel group's branch fan-out.
type ParallelState struct {
	Total     int                        `json:"total"`
	Items     []any                      `json:"items,omitempty"` // collection distributions only
	Started   map[int]bool               `json:"started,omitempty"`
	Completed map[int]bool               `json:"completed,omitempty"`
	Results   map[string]json.RawMessage `json:"results,omitempty"` // branch index -> aggregate
	Done      bool                       `json:"done"`
}

// openBranches returns branch indexes that are started but not completed.
func (p *ParallelState) openBranches() []int {
	var open []int
	for i := 0; i < p.Total; i++ {
		if p.Started[i] && !p.Completed[i] {
			open = append(open, i)
		}
	}
	return open
}

func (p *ParallelState) completedCount() int {
	n := 0
	for i := 0; i < p.Total; i++ {
		if p.Completed[i] {
			n++
		}
	}
	return n
}

// BlockTrace is one entry of the per-run execution trace.
type BlockTrace struct {
	BlockID    string             `json:"block_id"`
	Branch     int                `json:"branch,omitempty"`
	Status     schema.BlockStatus `json:"status"`
	Input      json.RawMessage    `json:"input,omitempty"`
	Output     json.RawMessage    `json:"output,omitempty"`
	Error      *schema.FlowError  `json:"error,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	DurationMS int64              `json:"duration_ms"`
}

// RunMetrics accumulates additive cost counters across a run.
type RunMetrics struct {
	BlocksExecuted int     `json:"blocks_executed"`
	TotalMS        int64   `json:"total_ms"`
	Cost           float64 `json:"cost,omitempty"`
	Tokens         int64   `json:"tokens,omitempty"`
}

// ExecutionContext is the full mutable state of one in-progress run. It is
// mutated only by the coordinator goroutine; handlers receive read-only
// views and return deltas. The whole struct serializes to JSON for pause
// snapshots and rehydrates byte-for-byte on resume.
type ExecutionContext struct {
	ExecutionID string           `json:"execution_id"`
	RunID       string           `json:"run_id"`
	WorkflowID  string           `json:"workflow_id"`
	Status      schema.RunStatus `json:"status"`

	Executed  map[string]bool            `json:"executed"`            // instance key -> ran this pass
	Decisions map[string]string          `json:"decisions,omitempty"` // instance key -> chosen handle
	Outputs   map[string]json.RawMessage `json:"outputs,omitempty"`   // instance key -> output

	Loops     map[string]*LoopState     `json:"loops,omitempty"`
	Parallels map[string]*ParallelState `json:"parallels,omitempty"`

	Variables  map[string]any `json:"variables,omitempty"`
	StartInput map[string]any `json:"start_input,omitempty"`

	Trace   []BlockTrace        `json:"trace,omitempty"`
	Metrics RunMetrics          `json:"metrics"`
	Pause   *schema.PauseReason `json:"pause,omitempty"`

	StartedAt time.Time `json:"started_at"`

	// Environment is sealed separately in the paused record, never inside
	// the serialized context.
	Environment map[string]string `json:"-"`
}

// NewExecutionContext creates the context for a fresh run.
func NewExecutionContext(executionID string, wf *schema.Workflow, input map[string]any, env map[string]string) *ExecutionContext {
	vars := make(map[string]any, len(wf.Variables))
	for k, v := range wf.Variables {
		vars[k] = v
	}
	if input == nil {
		input = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		RunID:       executionID,
		WorkflowID:  wf.ID,
		Status:      schema.RunStatusReady,
		Executed:    make(map[string]bool),
		Decisions:   make(map[string]string),
		Outputs:     make(map[string]json.RawMessage),
		Loops:       make(map[string]*LoopState),
		Parallels:   make(map[string]*ParallelState),
		Variables:   vars,
		StartInput:  input,
		StartedAt:   time.Now().UTC(),
		Environment: env,
	}
}

// Snapshot serializes the context for a pause record.
func (ec *ExecutionContext) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(ec)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "snapshot execution context").WithCause(err)
	}
	return data, nil
}

// RehydrateContext reconstitutes a context exactly as persisted.
func RehydrateContext(state json.RawMessage) (*ExecutionContext, error) {
	ec := &ExecutionContext{}
	if err := json.Unmarshal(state, ec); err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "rehydrate execution context").WithCause(err)
	}
	if ec.Executed == nil {
		ec.Executed = make(map[string]bool)
	}
	if ec.Decisions == nil {
		ec.Decisions = make(map[string]string)
	}
	if ec.Outputs == nil {
		ec.Outputs = make(map[string]json.RawMessage)
	}
	if ec.Loops == nil {
		ec.Loops = make(map[string]*LoopState)
	}
	if ec.Parallels == nil {
		ec.Parallels = make(map[string]*ParallelState)
	}
	return ec, nil
}

// scopeFor builds the resolver scope for one instance. Parallel members see
// their branch siblings' outputs under the plain block ID; loop members see
// the current pass's bindings.
func (ec *ExecutionContext) scopeFor(g *CompiledGraph, inst Instance) *resolver.Scope {
	// Branch-keyed outputs are overlaid below for the matching branch.
	blocks := make(map[string]any, len(ec.Outputs))
	for key, raw := range ec.Outputs {
		if !isBranchKey(key) {
			blocks[key] = decodeOutput(raw)
		}
	}

	var loopBinding *resolver.LoopBinding
	if loopID, ok := g.LoopOf[inst.BlockID]; ok {
		if st := ec.Loops[loopID]; st != nil && !st.Completed {
			loopBinding = &resolver.LoopBinding{
				Index:     st.Iteration - 1,
				Iteration: st.Iteration,
			}
			if st.Items != nil && st.Iteration-1 < len(st.Items) {
				loopBinding.Item = st.Items[st.Iteration-1]
			}
		}
	}

	var branchBinding *resolver.BranchBinding
	if parID, ok := g.ParallelOf[inst.BlockID]; ok && inst.Branch >= 0 {
		if st := ec.Parallels[parID]; st != nil {
			branchBinding = &resolver.BranchBinding{Index: inst.Branch}
			if st.Items != nil && inst.Branch < len(st.Items) {
				branchBinding.Item = st.Items[inst.Branch]
			}
		}
		// Overlay branch-local sibling outputs.
		for member, group := range g.ParallelOf {
			if group != parID {
				continue
			}
			key := Instance{BlockID: member, Branch: inst.Branch}.Key()
			if raw, ok := ec.Outputs[key]; ok {
				blocks[member] = decodeOutput(raw)
			}
		}
	}

	return &resolver.Scope{
		Blocks:    blocks,
		Variables: ec.Variables,
		Start:     ec.StartInput,
		Env:       ec.Environment,
		Loop:      loopBinding,
		Parallel:  branchBinding,
		Known:     g.Known,
	}
}

// isBranchKey reports whether an output key is branch-scoped (id#n).
func isBranchKey(key string) bool {
	for i := 0; i < len(key); i++ {
		if key[i] == '#' {
			return true
		}
	}
	return false
}

func decodeOutput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// terminalOutput collects the outputs of executed blocks with no outgoing
// edges, keyed by block ID. This is the run's external result.
func (ec *ExecutionContext) terminalOutput(g *CompiledGraph) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for id := range g.Blocks {
		if len(g.Out[id]) > 0 {
			continue
		}
		if !ec.Executed[id] {
			continue
		}
		if raw, ok := ec.Outputs[id]; ok {
			out[id] = raw
		}
	}
	return out
}
