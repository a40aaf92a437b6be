package engine

import (
	"context"
	"encoding/json"

	"github.com/flowrun/flowrun/internal/resolver"
	"github.com/flowrun/flowrun/pkg/schema"
)

// SubflowRunner executes a child workflow as a nested run. Satisfied by the
// Engine itself.
type SubflowRunner interface {
	RunChild(ctx context.Context, workflowID string, input map[string]any, env map[string]string, depth int) (json.RawMessage, error)
}

// SubflowHandler invokes another graph as a nested run: it maps the parent's
// context into the child's declared input, runs the child to a terminal
// state, and folds its output back as this block's output. Child errors
// propagate as this block's failure unless an error edge catches them.
type SubflowHandler struct {
	runner   SubflowRunner
	res      *resolver.Resolver
	maxDepth int
}

// NewSubflowHandler creates the subflow handler.
func NewSubflowHandler(runner SubflowRunner, res *resolver.Resolver, maxDepth int) *SubflowHandler {
	if maxDepth <= 0 {
		maxDepth = defaultMaxSubflowDepth
	}
	return &SubflowHandler{runner: runner, res: res, maxDepth: maxDepth}
}

func (h *SubflowHandler) CanHandle(block *schema.Block) bool {
	return blockKind(block) == schema.BlockKindSubflow
}

func (h *SubflowHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var cfg schema.SubflowConfig
	if err := json.Unmarshal(inv.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "invalid subflow config").
			WithBlock(inv.Block.ID).WithCause(err)
	}
	if cfg.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "subflow block requires a workflow id").
			WithBlock(inv.Block.ID)
	}
	if inv.Depth+1 > h.maxDepth {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"subflow nesting exceeds max depth %d", h.maxDepth).WithBlock(inv.Block.ID)
	}
	if h.runner == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "no subflow runner configured").
			WithBlock(inv.Block.ID)
	}

	input := make(map[string]any, len(cfg.Input))
	for field, expr := range cfg.Input {
		val, err := h.res.ResolveString(ctx, expr, inv.Scope)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeResolution).WithBlock(inv.Block.ID)
		}
		input[field] = val
	}

	output, err := h.runner.RunChild(ctx, cfg.WorkflowID, input, inv.Scope.Env, inv.Depth+1)
	if err != nil {
		fe := schema.AsFlowError(err, schema.ErrCodeExecution).WithBlock(inv.Block.ID)
		failed, merr := json.Marshal(map[string]any{
			"success": false,
			"error":   fe.Message,
			"code":    fe.Code,
		})
		if merr != nil {
			failed = json.RawMessage(`{"success":false}`)
		}
		return &Result{Output: failed, Failure: fe}, nil
	}

	if len(output) == 0 {
		output = json.RawMessage(`null`)
	}
	return &Result{Output: output, Handle: schema.HandleSource}, nil
}
