package engine

import (
	"context"
	"encoding/json"

	"github.com/flowrun/flowrun/internal/resolver"
	"github.com/flowrun/flowrun/pkg/schema"
)

// LoopHandler is the loop controller. On first visit it initializes the
// iteration counter to 1 and, for collection loops, evaluates the collection
// expression. On each visit: past the bound it reports loop completion and
// routes down the exit handle; otherwise it binds the current item/index and
// activates the entry edges. The counter advances once per full body pass,
// and that advance is the coordinator's job, not the handler's.
type LoopHandler struct {
	res *resolver.Resolver
}

// NewLoopHandler creates the loop controller handler.
func NewLoopHandler(res *resolver.Resolver) *LoopHandler {
	return &LoopHandler{res: res}
}

func (h *LoopHandler) CanHandle(block *schema.Block) bool {
	return blockKind(block) == schema.BlockKindLoop
}

func (h *LoopHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	group := inv.Group
	if group == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"loop block %q has no loop group definition", inv.Block.ID).WithBlock(inv.Block.ID)
	}

	st := inv.Loop
	if st == nil {
		var err error
		st, err = h.initState(ctx, group, inv)
		if err != nil {
			return nil, err
		}
	}

	if st.Iteration > st.Bound {
		st.Completed = true
		output, err := json.Marshal(map[string]any{
			"iterations": st.Bound,
			"results":    rawSlice(st.Results),
		})
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "encode loop aggregate").
				WithBlock(inv.Block.ID).WithCause(err)
		}
		return &Result{Output: output, Handle: schema.HandleLoopEnd, Loop: st}, nil
	}

	pass := map[string]any{
		"iteration": st.Iteration,
		"index":     st.Iteration - 1,
	}
	if st.Items != nil {
		pass["item"] = st.Items[st.Iteration-1]
	}
	output, err := json.Marshal(pass)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode loop pass").
			WithBlock(inv.Block.ID).WithCause(err)
	}
	return &Result{Output: output, Handle: schema.HandleLoopStart, Loop: st}, nil
}

func (h *LoopHandler) initState(ctx context.Context, group *schema.LoopGroup, inv *Invocation) (*LoopState, error) {
	st := &LoopState{Iteration: 1}
	switch groupKindOf(group.Kind) {
	case schema.GroupKindCollection:
		items, err := h.res.ResolveCollection(ctx, group.Collection, inv.Scope)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeEmptyCollection).WithBlock(inv.Block.ID)
		}
		st.Items = items
		st.Bound = len(items)
	default:
		st.Bound = group.Iterations
	}
	if st.Bound < 1 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"loop %q has no iterations to run", group.ID).WithBlock(inv.Block.ID)
	}
	return st, nil
}

// rawSlice re-types raw JSON pass results so they embed without re-encoding.
func rawSlice(results []json.RawMessage) []json.RawMessage {
	if results == nil {
		return []json.RawMessage{}
	}
	return results
}
