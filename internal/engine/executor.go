package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowrun/flowrun/internal/expressions"
	"github.com/flowrun/flowrun/internal/logging"
	"github.com/flowrun/flowrun/internal/resolver"
	"github.com/flowrun/flowrun/internal/secrets"
	"github.com/flowrun/flowrun/internal/store"
	"github.com/flowrun/flowrun/internal/streaming"
	"github.com/flowrun/flowrun/internal/validation"
	"github.com/flowrun/flowrun/pkg/schema"
)

const (
	defaultPoolSize        = 8
	defaultMaxSubflowDepth = 8
)

// Config holds the engine's tunables. Zero values select defaults.
type Config struct {
	PoolSize            int           // dispatch pool size for concurrent block execution
	DefaultBlockTimeout time.Duration // per-block deadline when the block sets none
	MaxSubflowDepth     int           // nested subflow guard
}

// Deps are the engine's external collaborators. Nil fields fall back to
// in-memory defaults where one exists.
type Deps struct {
	Tools  ToolRegistry
	Store  store.Store
	Hub    streaming.EventHub
	Sealer secrets.Sealer
	Loader WorkflowLoader // subflow blocks only
	Logger *slog.Logger
}

// RunResult is the outcome of a run, resume, or cancelled run. Every
// terminal state carries the full execution trace; Paused carries the trace
// up to the pause point plus the descriptor needed to resume externally.
type RunResult struct {
	ExecutionID string                     `json:"execution_id"`
	Status      schema.RunStatus           `json:"status"`
	Output      map[string]json.RawMessage `json:"output,omitempty"`
	Error       *schema.FlowError          `json:"error,omitempty"`
	Pause       *schema.PauseDescriptor    `json:"pause,omitempty"`
	Trace       []BlockTrace               `json:"trace,omitempty"`
	Metrics     RunMetrics                 `json:"metrics"`
}

// Engine drives workflow runs: one logical coordinator per run, with
// concurrent dispatch of independent frontier blocks through a shared
// bounded dispatch pool. All execution-context mutation happens on the
// coordinator goroutine.
type Engine struct {
	cfg       Config
	deps      Deps
	log       *slog.Logger
	res       *resolver.Resolver
	validator *validation.JSONSchemaValidator
	registry  *Registry
	pool      *DispatchPool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	reasons map[string]string
}

// New creates an Engine. Store, Hub, and Sealer default to in-memory
// implementations when nil; Tools and Loader stay nil until provided and
// the corresponding block kinds fail with CONFIGURATION_ERROR.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.MaxSubflowDepth <= 0 {
		cfg.MaxSubflowDepth = defaultMaxSubflowDepth
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Hub == nil {
		deps.Hub = streaming.NewMemoryHub()
	}
	if deps.Sealer == nil {
		deps.Sealer = secrets.Plaintext{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	res := resolver.New(expressions.NewInlineEngine(), expressions.NewQueryEngine())

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Logger,
		res:       res,
		validator: validator,
		pool:      NewDispatchPool(cfg.PoolSize),
		cancels:   make(map[string]context.CancelFunc),
		reasons:   make(map[string]string),
	}
	e.registry = NewRegistry(
		NewStartHandler(),
		NewOperationHandler(deps.Tools, cfg.DefaultBlockTimeout),
		NewConditionHandler(cel),
		NewLoopHandler(res),
		NewParallelHandler(res),
		NewWaitHandler(),
		NewSubflowHandler(e, res, cfg.MaxSubflowDepth),
	)
	return e, nil
}

// Close shuts down the shared dispatch pool.
func (e *Engine) Close() {
	e.pool.Shutdown()
	m := e.pool.Metrics()
	e.log.Debug("dispatch pool drained",
		"pooled", m.Pooled, "inline", m.Inline, "failed", m.Failed, "panics", m.Panics)
}

// Run executes a workflow to a terminal state or a pause. The returned
// result carries the execution ID callers use to cancel or resume.
func (e *Engine) Run(ctx context.Context, wf *schema.Workflow, input map[string]any, env map[string]string) (*RunResult, error) {
	return e.run(ctx, wf, input, env, 0)
}

func (e *Engine) run(ctx context.Context, wf *schema.Workflow, input map[string]any, env map[string]string, depth int) (*RunResult, error) {
	if err := e.validator.ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	g, err := CompileGraph(wf)
	if err != nil {
		return nil, err
	}

	ec := NewExecutionContext(uuid.NewString(), wf, input, env)
	if err := transitionRun(ec, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	ctx = logging.WithRun(ctx, ec.ExecutionID, ec.WorkflowID)
	e.logFor(ctx).Info("run started", slog.Int("blocks", len(wf.Blocks)), slog.Int("depth", depth))
	e.publish(ctx, ec, "", schema.EventRunStarted, nil)

	return e.runLoop(ctx, g, ec, depth)
}

// Resume loads a paused record, rehydrates the execution context exactly as
// persisted, applies the resume input as the wait block's output, and
// re-enters the main loop. Resuming into another wait block re-pauses under
// a fresh execution ID; the consumed record is deleted so a stale resume
// attempt fails with NOT_FOUND.
func (e *Engine) Resume(ctx context.Context, executionID string, resumeInput map[string]any) (*RunResult, error) {
	rec, err := e.deps.Store.ClaimForResume(ctx, executionID)
	if err != nil {
		return nil, err
	}

	release := func() { _ = e.deps.Store.ReleaseClaim(ctx, executionID) }

	if err := e.validator.ValidateResumeInput(resumeInput, rec.Trigger.InputSchema); err != nil {
		release()
		return nil, err
	}

	env, err := e.deps.Sealer.Unseal(rec.Environment)
	if err != nil {
		release()
		return nil, err
	}

	var wf schema.Workflow
	if err := json.Unmarshal(rec.Workflow, &wf); err != nil {
		release()
		return nil, schema.NewError(schema.ErrCodePersistence, "unmarshal paused workflow").WithCause(err)
	}
	g, err := CompileGraph(&wf)
	if err != nil {
		release()
		return nil, err
	}

	ec, err := RehydrateContext(rec.State)
	if err != nil {
		release()
		return nil, err
	}
	ec.Environment = env

	if ec.Pause == nil {
		release()
		return nil, schema.NewErrorf(schema.ErrCodePersistence,
			"paused record %q carries no pause reason", executionID)
	}
	waitID := ec.Pause.BlockID

	// Bind the resume input as if it were the wait block's live output.
	if resumeInput == nil {
		resumeInput = map[string]any{}
	}
	output, err := json.Marshal(resumeInput)
	if err != nil {
		release()
		return nil, schema.NewError(schema.ErrCodePersistence, "encode resume input").WithCause(err)
	}
	started := time.Now().UTC()
	ec.Outputs[waitID] = output
	ec.Executed[waitID] = true
	ec.Decisions[waitID] = schema.HandleSource
	ec.Pause = nil
	ec.Trace = append(ec.Trace, BlockTrace{
		BlockID:   waitID,
		Branch:    -1,
		Status:    schema.BlockStatusCompleted,
		Output:    output,
		StartedAt: started,
	})

	if err := transitionRun(ec, schema.RunStatusRunning); err != nil {
		release()
		return nil, err
	}

	// The rehydrated context is valid: consume the record. A later pause
	// writes a new record under a fresh execution ID.
	if err := e.deps.Store.Delete(ctx, executionID); err != nil {
		release()
		return nil, err
	}
	ec.ExecutionID = uuid.NewString()

	ctx = logging.WithRun(ctx, ec.ExecutionID, ec.WorkflowID)
	e.logFor(ctx).Info("run resumed",
		slog.String("paused_execution_id", executionID),
		slog.String("wait_block", waitID))
	e.publish(ctx, ec, waitID, schema.EventRunResumed, resumeInput)
	return e.runLoop(ctx, g, ec, 0)
}

// Cancel requests cancellation of an in-flight run. New frontier blocks stop
// dispatching immediately; in-flight handler calls finish or time out; the
// run transitions to Failed with a CANCELLED error.
func (e *Engine) Cancel(executionID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cancel, ok := e.cancels[executionID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run %q", executionID)
	}
	e.reasons[executionID] = reason
	cancel()
	e.log.Info("cancellation requested",
		slog.String("execution_id", executionID),
		slog.String("reason", reason))
	return nil
}

// ListPaused lists paused execution records for operators and UIs.
func (e *Engine) ListPaused(ctx context.Context, workflowID, ownerID string) ([]*store.PausedRecord, error) {
	return e.deps.Store.ListPaused(ctx, store.ListFilter{WorkflowID: workflowID, OwnerID: ownerID})
}

// DeletePaused removes a paused record without resuming it. Idempotent.
func (e *Engine) DeletePaused(ctx context.Context, executionID string) error {
	return e.deps.Store.Delete(ctx, executionID)
}

// RunChild satisfies SubflowRunner: it executes a child workflow as a nested
// run and returns its terminal output. A child that pauses is an error; wait
// semantics do not cross the subflow boundary.
func (e *Engine) RunChild(ctx context.Context, workflowID string, input map[string]any, env map[string]string, depth int) (json.RawMessage, error) {
	if e.deps.Loader == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "no workflow loader configured")
	}
	wf, err := e.deps.Loader.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeNotFound)
	}

	result, err := e.run(ctx, wf, input, env, depth)
	if err != nil {
		return nil, err
	}
	switch result.Status {
	case schema.RunStatusCompleted:
		return json.Marshal(result.Output)
	case schema.RunStatusPaused:
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"subflow %q paused at a wait block; waits inside subflows are not resumable", workflowID)
	default:
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "subflow %q failed", workflowID)
	}
}

// --- main loop ---

func (e *Engine) runLoop(ctx context.Context, g *CompiledGraph, ec *ExecutionContext, depth int) (*RunResult, error) {
	router := NewRouter(g)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(ec.ExecutionID, cancel)
	defer e.unregisterCancel(ec.ExecutionID)

	for {
		if err := runCtx.Err(); err != nil {
			return e.failRun(ctx, ec, g, e.cancelError(ec.ExecutionID, err))
		}

		frontier := router.Frontier(ec)
		if len(frontier) == 0 {
			progressed, err := e.advanceGroups(ctx, g, ec)
			if err != nil {
				return e.failRun(ctx, ec, g, schema.AsFlowError(err, schema.ErrCodeExecution))
			}
			if progressed {
				continue
			}
			return e.completeRun(ctx, ec, g)
		}

		pause, fatal := e.dispatchPass(runCtx, g, router, ec, frontier, depth)
		if fatal != nil {
			return e.failRun(ctx, ec, g, fatal)
		}
		if pause {
			return e.pauseRun(ctx, ec, g)
		}
	}
}

// dispatchPass runs one frontier pass: instances are planned into waves so a
// block whose config references another frontier block's output runs after
// it, and each wave dispatches concurrently through the dispatch pool.
// Subflow blocks run inline on the coordinator instead of on a slot. Results
// fold sequentially on the coordinator.
func (e *Engine) dispatchPass(ctx context.Context, g *CompiledGraph, router *Router, ec *ExecutionContext, frontier []Instance, depth int) (pause bool, fatal *schema.FlowError) {
	for _, wave := range planWaves(g, frontier) {
		results := make([]*dispatchOutcome, len(wave))
		var wg sync.WaitGroup

		for i, inst := range wave {
			block := g.Blocks[inst.BlockID]

			if block.Disabled {
				e.foldSkip(ctx, ec, inst)
				continue
			}

			outcome, ready := e.prepare(ctx, g, ec, inst, depth)
			if !ready {
				results[i] = outcome
				continue
			}

			e.publish(ctx, ec, inst.BlockID, schema.EventBlockStarted, map[string]any{"branch": inst.Branch})

			if blockKind(block) == schema.BlockKindSubflow {
				// The child run submits its own blocks into this pool;
				// holding a slot across the nested run starves the child
				// once subflow blocks occupy every slot.
				if err := e.pool.RunInline(ctx, func(workCtx context.Context) error {
					outcome.run(workCtx)
					return outcome.err
				}); err != nil && outcome.err == nil {
					outcome.err = err
				}
				results[i] = outcome
				continue
			}

			wg.Add(1)
			if err := e.pool.Submit(ctx, func(workCtx context.Context) error {
				defer wg.Done()
				outcome.run(workCtx)
				results[i] = outcome
				return outcome.err
			}); err != nil {
				wg.Done()
				outcome.err = err
				results[i] = outcome
			}
		}
		wg.Wait()

		// Single-writer fold, deterministic order.
		for _, outcome := range results {
			if outcome == nil {
				continue
			}
			p, f := e.fold(ctx, g, router, ec, outcome)
			pause = pause || p
			if f != nil && fatal == nil {
				fatal = f
			}
		}
		if pause || fatal != nil {
			return pause, fatal
		}
	}
	return pause, fatal
}

// dispatchOutcome carries one instance through prepare, worker execution,
// and fold.
type dispatchOutcome struct {
	inst    Instance
	block   *schema.Block
	handler Handler
	inv     *Invocation
	started time.Time
	dur     time.Duration
	result  *Result
	err     error
}

func (o *dispatchOutcome) run(ctx context.Context) {
	o.started = time.Now().UTC()
	o.result, o.err = o.handler.Execute(ctx, o.inv)
	o.dur = time.Since(o.started)
}

// prepare builds the invocation for an instance on the coordinator: scope
// snapshot, reference resolution, handler lookup, and group state wiring.
// A false return means the outcome already carries a terminal error.
func (e *Engine) prepare(ctx context.Context, g *CompiledGraph, ec *ExecutionContext, inst Instance, depth int) (*dispatchOutcome, bool) {
	block := g.Blocks[inst.BlockID]
	outcome := &dispatchOutcome{inst: inst, block: block, started: time.Now().UTC()}

	handler, err := e.registry.For(block)
	if err != nil {
		outcome.err = err
		return outcome, false
	}
	outcome.handler = handler

	scope := ec.scopeFor(g, inst)
	resolved, err := e.res.Resolve(ctx, block.Config, scope)
	if err != nil {
		outcome.err = schema.AsFlowError(err, schema.ErrCodeResolution).WithBlock(block.ID)
		return outcome, false
	}

	inv := &Invocation{Block: block, Config: resolved, Scope: scope, Depth: depth}
	switch blockKind(block) {
	case schema.BlockKindLoop:
		group, ok := g.Workflow.Loops[block.ID]
		if ok {
			inv.Group = &group
		}
		inv.Loop = ec.Loops[block.ID]
	case schema.BlockKindParallel:
		fan, ok := g.Workflow.Parallels[block.ID]
		if ok {
			inv.Fan = &fan
		}
		inv.Parallel = ec.Parallels[block.ID]
	}
	outcome.inv = inv
	return outcome, true
}

// fold applies one outcome to the execution context. It is the only place
// run state mutates during a pass.
func (e *Engine) fold(ctx context.Context, g *CompiledGraph, router *Router, ec *ExecutionContext, o *dispatchOutcome) (pause bool, fatal *schema.FlowError) {
	key := o.inst.Key()

	if o.err != nil {
		code := schema.ErrCodeExecution
		if errors.Is(o.err, context.Canceled) {
			code = schema.ErrCodeCancelled
		}
		fe := schema.AsFlowError(o.err, code)
		if fe.BlockID == "" {
			fe = fe.WithBlock(o.inst.BlockID)
		}
		ec.Trace = append(ec.Trace, BlockTrace{
			BlockID:   o.inst.BlockID,
			Branch:    o.inst.Branch,
			Status:    schema.BlockStatusFailed,
			Error:     fe,
			StartedAt: o.started,
		})
		e.logFor(ctx).Warn("block failed",
			slog.String("block_id", o.inst.BlockID),
			slog.String("code", fe.Code))
		e.publish(ctx, ec, o.inst.BlockID, schema.EventBlockFailed, fe)
		return false, fe
	}

	res := o.result

	if res.Signal.Kind == schema.SignalFatal {
		fe := res.Signal.Err
		if fe == nil {
			fe = schema.NewError(schema.ErrCodeExecution, "handler raised a fatal signal").WithBlock(o.inst.BlockID)
		}
		e.publish(ctx, ec, o.inst.BlockID, schema.EventBlockFailed, fe)
		return false, fe
	}

	if res.Signal.Kind == schema.SignalPause {
		// The wait block stays unexecuted: its output arrives on resume.
		if ec.Pause == nil {
			ec.Pause = res.Signal.Pause
		}
		e.publish(ctx, ec, o.inst.BlockID, schema.EventWaitStarted, res.Signal.Pause)
		return true, nil
	}

	// Group state deltas from controller blocks.
	if res.Loop != nil {
		ec.Loops[o.inst.BlockID] = res.Loop
	}
	if res.Parallel != nil {
		ec.Parallels[o.inst.BlockID] = res.Parallel
	}

	status := schema.BlockStatusCompleted
	if res.Failure != nil {
		if !res.Recoverable && !router.hasErrorEdge(o.inst.BlockID) {
			ec.Trace = append(ec.Trace, BlockTrace{
				BlockID:    o.inst.BlockID,
				Branch:     o.inst.Branch,
				Status:     schema.BlockStatusFailed,
				Input:      o.inv.Config,
				Output:     res.Output,
				Error:      res.Failure,
				StartedAt:  o.started,
				DurationMS: o.dur.Milliseconds(),
			})
			e.publish(ctx, ec, o.inst.BlockID, schema.EventBlockFailed, res.Failure)
			return false, res.Failure
		}
		status = schema.BlockStatusFailed
	}

	ec.Executed[key] = true
	output := res.Output
	if len(output) == 0 {
		output = json.RawMessage(`null`)
	}
	ec.Outputs[key] = output
	ec.Decisions[key] = router.decisionFor(o.block, res.Handle, res.Failure != nil)

	ec.Metrics.BlocksExecuted++
	ec.Metrics.TotalMS += o.dur.Milliseconds()
	foldUsage(&ec.Metrics, output)

	ec.Trace = append(ec.Trace, BlockTrace{
		BlockID:    o.inst.BlockID,
		Branch:     o.inst.Branch,
		Status:     status,
		Input:      o.inv.Config,
		Output:     output,
		Error:      res.Failure,
		StartedAt:  o.started,
		DurationMS: o.dur.Milliseconds(),
	})

	switch ec.Decisions[key] {
	case schema.HandleLoopStart:
		e.publish(ctx, ec, o.inst.BlockID, schema.EventLoopIterStarted, ec.Loops[o.inst.BlockID].Iteration)
	case schema.HandleLoopEnd:
		e.publish(ctx, ec, o.inst.BlockID, schema.EventLoopCompleted, nil)
	case schema.HandleParallelEnd:
		e.publish(ctx, ec, o.inst.BlockID, schema.EventParallelCompleted, nil)
	}
	e.publish(ctx, ec, o.inst.BlockID, schema.EventBlockCompleted, map[string]any{"branch": o.inst.Branch})

	return false, nil
}

// foldSkip marks a disabled block executed with its default handle so the
// path continues through it.
func (e *Engine) foldSkip(ctx context.Context, ec *ExecutionContext, inst Instance) {
	key := inst.Key()
	ec.Executed[key] = true
	ec.Outputs[key] = json.RawMessage(`null`)
	ec.Decisions[key] = schema.HandleSource
	ec.Trace = append(ec.Trace, BlockTrace{
		BlockID:   inst.BlockID,
		Branch:    inst.Branch,
		Status:    schema.BlockStatusSkipped,
		StartedAt: time.Now().UTC(),
	})
	e.publish(ctx, ec, inst.BlockID, schema.EventBlockSkipped, nil)
}

// advanceGroups runs with an empty frontier: every open loop pass and
// parallel branch has drained. It records pass/branch results, advances loop
// counters, opens parallel branch slots within the concurrency bound, and
// re-arms controllers whose groups finished. Returns whether any progress
// unlocked further work.
func (e *Engine) advanceGroups(ctx context.Context, g *CompiledGraph, ec *ExecutionContext) (bool, error) {
	progressed := false

	for _, id := range sortedKeys(g.Workflow.Loops) {
		group := g.Workflow.Loops[id]
		st := ec.Loops[id]
		if st == nil || st.Completed || !ec.Executed[id] {
			continue
		}
		if ec.Decisions[id] != schema.HandleLoopStart {
			continue
		}

		// Body pass drained: record it and advance the counter exactly once.
		passOut, err := json.Marshal(memberOutputs(ec, group.Nodes, -1))
		if err != nil {
			return false, schema.NewError(schema.ErrCodePersistence, "encode loop pass result").WithCause(err)
		}
		st.Results = append(st.Results, passOut)
		e.publish(ctx, ec, id, schema.EventLoopIterCompleted, st.Iteration)
		st.Iteration++

		for _, member := range group.Nodes {
			delete(ec.Executed, member)
			delete(ec.Decisions, member)
		}
		delete(ec.Executed, id)
		progressed = true
	}

	for _, id := range sortedKeys(g.Workflow.Parallels) {
		fan := g.Workflow.Parallels[id]
		st := ec.Parallels[id]
		if st == nil || st.Done || !ec.Executed[id] {
			continue
		}
		if ec.Decisions[id] != schema.HandleParallelStart {
			continue
		}

		// Open branches have drained: mark them complete and free slots.
		for _, br := range st.openBranches() {
			st.Completed[br] = true
			branchOut, err := json.Marshal(memberOutputs(ec, fan.Nodes, br))
			if err != nil {
				return false, schema.NewError(schema.ErrCodePersistence, "encode branch result").WithCause(err)
			}
			st.Results[strconv.Itoa(br)] = branchOut
			e.publish(ctx, ec, id, schema.EventBranchCompleted, br)
			progressed = true
		}

		maxConcurrency := fan.MaxConcurrency
		if maxConcurrency <= 0 {
			maxConcurrency = st.Total
		}
		open := len(st.openBranches())
		for next := 0; next < st.Total && open < maxConcurrency; next++ {
			if st.Started[next] {
				continue
			}
			st.Started[next] = true
			open++
			progressed = true
			e.publish(ctx, ec, id, schema.EventBranchStarted, next)
		}

		if st.completedCount() == st.Total {
			// Re-arm the controller so it emits the aggregate and exits.
			delete(ec.Executed, id)
			progressed = true
		}
	}

	return progressed, nil
}

// --- terminal states ---

func (e *Engine) completeRun(ctx context.Context, ec *ExecutionContext, g *CompiledGraph) (*RunResult, error) {
	if err := transitionRun(ec, schema.RunStatusCompleted); err != nil {
		return nil, err
	}
	result := &RunResult{
		ExecutionID: ec.ExecutionID,
		Status:      schema.RunStatusCompleted,
		Output:      ec.terminalOutput(g),
		Trace:       ec.Trace,
		Metrics:     ec.Metrics,
	}
	e.logFor(ctx).Info("run completed",
		slog.Int("blocks_executed", ec.Metrics.BlocksExecuted),
		slog.Int64("total_ms", ec.Metrics.TotalMS))
	e.publish(ctx, ec, "", schema.EventRunCompleted, result.Output)
	return result, nil
}

func (e *Engine) failRun(ctx context.Context, ec *ExecutionContext, g *CompiledGraph, fe *schema.FlowError) (*RunResult, error) {
	if err := transitionRun(ec, schema.RunStatusFailed); err != nil {
		return nil, err
	}
	result := &RunResult{
		ExecutionID: ec.ExecutionID,
		Status:      schema.RunStatusFailed,
		Output:      ec.terminalOutput(g),
		Error:       fe,
		Trace:       ec.Trace,
		Metrics:     ec.Metrics,
	}
	event := schema.EventRunFailed
	if fe.Code == schema.ErrCodeCancelled {
		event = schema.EventRunCancelled
	}
	e.logFor(ctx).Error("run failed",
		slog.String("code", fe.Code),
		slog.String("block_id", fe.BlockID),
		slog.String("error", fe.Message))
	e.publish(ctx, ec, fe.BlockID, event, fe)
	return result, nil
}

// pauseRun snapshots the context into a paused record and detaches the run.
// The write is all-or-nothing: a failed snapshot fails the run, since
// correctness cannot be guaranteed without it.
func (e *Engine) pauseRun(ctx context.Context, ec *ExecutionContext, g *CompiledGraph) (*RunResult, error) {
	if err := transitionRun(ec, schema.RunStatusPaused); err != nil {
		return nil, err
	}

	state, err := ec.Snapshot()
	if err != nil {
		return e.failRun(ctx, ec, g, schema.AsFlowError(err, schema.ErrCodePersistence))
	}
	wfData, err := json.Marshal(g.Workflow)
	if err != nil {
		return e.failRun(ctx, ec, g, schema.NewError(schema.ErrCodePersistence, "encode workflow").WithCause(err))
	}
	sealed, err := e.deps.Sealer.Seal(ec.Environment)
	if err != nil {
		return e.failRun(ctx, ec, g, schema.AsFlowError(err, schema.ErrCodePersistence))
	}
	startInput, err := json.Marshal(ec.StartInput)
	if err != nil {
		return e.failRun(ctx, ec, g, schema.NewError(schema.ErrCodePersistence, "encode start input").WithCause(err))
	}

	pausedAt := time.Now().UTC()
	rec := &store.PausedRecord{
		ExecutionID: ec.ExecutionID,
		RunID:       ec.RunID,
		WorkflowID:  ec.WorkflowID,
		OwnerID:     ownerOf(g.Workflow),
		State:       state,
		Workflow:    wfData,
		Environment: sealed,
		StartInput:  startInput,
		Trigger:     ec.Pause.Trigger,
		Status:      store.RecordStatusPaused,
		PausedAt:    pausedAt,
	}
	if err := e.deps.Store.SavePaused(ctx, rec); err != nil {
		return e.failRun(ctx, ec, g, schema.AsFlowError(err, schema.ErrCodePersistence))
	}

	descriptor := &schema.PauseDescriptor{
		ExecutionID: ec.ExecutionID,
		PausedAt:    pausedAt,
		BlockID:     ec.Pause.BlockID,
		Trigger:     ec.Pause.Trigger,
	}
	result := &RunResult{
		ExecutionID: ec.ExecutionID,
		Status:      schema.RunStatusPaused,
		Pause:       descriptor,
		Trace:       ec.Trace,
		Metrics:     ec.Metrics,
	}
	e.logFor(ctx).Info("run paused",
		slog.String("wait_block", descriptor.BlockID),
		slog.String("trigger", string(descriptor.Trigger.Type)))
	e.publish(ctx, ec, ec.Pause.BlockID, schema.EventRunPaused, descriptor)
	return result, nil
}

// --- helpers ---

func (e *Engine) logFor(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, e.log)
}

func (e *Engine) registerCancel(executionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[executionID] = cancel
}

func (e *Engine) unregisterCancel(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, executionID)
}

// cancelError builds the CANCELLED terminal error, carrying the external
// reason when Cancel supplied one.
func (e *Engine) cancelError(executionID string, cause error) *schema.FlowError {
	e.mu.Lock()
	reason := e.reasons[executionID]
	delete(e.reasons, executionID)
	e.mu.Unlock()

	if reason == "" {
		reason = "run cancelled"
	}
	return schema.NewError(schema.ErrCodeCancelled, reason).WithCause(cause)
}

func (e *Engine) publish(ctx context.Context, ec *ExecutionContext, blockID, eventType string, payload any) {
	_ = e.deps.Hub.Publish(ctx, streaming.Event{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		BlockID:     blockID,
		Type:        eventType,
		Payload:     payload,
	})
}

// planWaves orders frontier instances so a block whose config references
// another frontier block's output dispatches in a later wave. Independent
// instances share a wave and run concurrently. Unsatisfiable reference
// cycles degrade to a single wave; the resolver's REFERENCE_NOT_READY then
// surfaces the scheduling bug.
func planWaves(g *CompiledGraph, frontier []Instance) [][]Instance {
	pending := make(map[string][]Instance) // block ID -> instances
	refs := make(map[string]map[string]bool)
	for _, inst := range frontier {
		pending[inst.BlockID] = append(pending[inst.BlockID], inst)
		if _, ok := refs[inst.BlockID]; !ok {
			refs[inst.BlockID] = resolver.ExtractBlockRefs(g.Blocks[inst.BlockID].Config, g.Known)
		}
	}

	var waves [][]Instance
	for len(pending) > 0 {
		var wave []Instance
		var picked []string
		for _, inst := range frontier {
			if _, ok := pending[inst.BlockID]; !ok {
				continue
			}
			blocked := false
			for ref := range refs[inst.BlockID] {
				if ref == inst.BlockID {
					continue
				}
				if _, inFrontier := pending[ref]; inFrontier {
					blocked = true
					break
				}
			}
			if !blocked {
				wave = append(wave, inst)
				picked = append(picked, inst.BlockID)
			}
		}
		if len(wave) == 0 {
			// Reference cycle inside the frontier: run everything left.
			for _, inst := range frontier {
				if _, ok := pending[inst.BlockID]; ok {
					wave = append(wave, inst)
					picked = append(picked, inst.BlockID)
				}
			}
		}
		for _, id := range picked {
			delete(pending, id)
		}
		waves = append(waves, wave)
	}
	return waves
}

// memberOutputs collects group member outputs for a pass or branch.
func memberOutputs(ec *ExecutionContext, members []string, branch int) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(members))
	for _, member := range members {
		key := Instance{BlockID: member, Branch: branch}.Key()
		if raw, ok := ec.Outputs[key]; ok {
			out[member] = raw
		}
	}
	return out
}

// foldUsage folds additive cost/token counters from an operation output's
// usage object into the run metrics.
func foldUsage(m *RunMetrics, output json.RawMessage) {
	var envelope struct {
		Usage struct {
			Cost   float64 `json:"cost"`
			Tokens int64   `json:"tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(output, &envelope); err != nil {
		return
	}
	m.Cost += envelope.Usage.Cost
	m.Tokens += envelope.Usage.Tokens
}

func ownerOf(wf *schema.Workflow) string {
	if wf.Metadata == nil {
		return ""
	}
	if owner, ok := wf.Metadata["ownerId"].(string); ok {
		return owner
	}
	return ""
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
