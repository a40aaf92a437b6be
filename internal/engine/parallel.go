package engine

import (
	"context"
	"encoding/json"

	"github.com/flowrun/flowrun/internal/resolver"
	"github.com/flowrun/flowrun/pkg/schema"
)

// ParallelHandler is the parallel controller: the same state machine as the
// loop controller but it fans out branches instead of serializing passes.
// Each branch executes the member subgraph once with an isolated item/index
// binding. Opening branch slots within the concurrency bound and marking
// branches complete is the coordinator's job.
type ParallelHandler struct {
	res *resolver.Resolver
}

// NewParallelHandler creates the parallel controller handler.
func NewParallelHandler(res *resolver.Resolver) *ParallelHandler {
	return &ParallelHandler{res: res}
}

func (h *ParallelHandler) CanHandle(block *schema.Block) bool {
	return blockKind(block) == schema.BlockKindParallel
}

func (h *ParallelHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	fan := inv.Fan
	if fan == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"parallel block %q has no parallel group definition", inv.Block.ID).WithBlock(inv.Block.ID)
	}

	st := inv.Parallel
	if st == nil {
		var err error
		st, err = h.initState(ctx, fan, inv)
		if err != nil {
			return nil, err
		}
		output, merr := json.Marshal(map[string]any{"branches": st.Total})
		if merr != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "encode parallel fan-out").
				WithBlock(inv.Block.ID).WithCause(merr)
		}
		return &Result{Output: output, Handle: schema.HandleParallelStart, Parallel: st}, nil
	}

	if st.completedCount() < st.Total {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"parallel %q revisited with %d of %d branches complete",
			fan.ID, st.completedCount(), st.Total).WithBlock(inv.Block.ID)
	}

	st.Done = true
	output, err := json.Marshal(map[string]any{
		"branches": st.Total,
		"results":  st.Results,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode parallel aggregate").
			WithBlock(inv.Block.ID).WithCause(err)
	}
	return &Result{Output: output, Handle: schema.HandleParallelEnd, Parallel: st}, nil
}

func (h *ParallelHandler) initState(ctx context.Context, fan *schema.ParallelGroup, inv *Invocation) (*ParallelState, error) {
	st := &ParallelState{
		Started:   make(map[int]bool),
		Completed: make(map[int]bool),
		Results:   make(map[string]json.RawMessage),
	}
	switch groupKindOf(fan.Kind) {
	case schema.GroupKindCollection:
		items, err := h.res.ResolveCollection(ctx, fan.Distribution, inv.Scope)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeEmptyCollection).WithBlock(inv.Block.ID)
		}
		st.Items = items
		st.Total = len(items)
	default:
		st.Total = fan.Count
	}
	if st.Total < 1 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"parallel %q has no branches to run", fan.ID).WithBlock(inv.Block.ID)
	}
	return st, nil
}
