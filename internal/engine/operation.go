package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flowrun/flowrun/pkg/schema"
)

// OperationHandler invokes an external tool from the catalog and returns its
// result as the block's output. Tool failures are recoverable per-block:
// they are wrapped into the result with success=false and the router decides
// whether the run continues.
type OperationHandler struct {
	tools          ToolRegistry
	defaultTimeout time.Duration
}

// NewOperationHandler creates the operation handler.
func NewOperationHandler(tools ToolRegistry, defaultTimeout time.Duration) *OperationHandler {
	return &OperationHandler{tools: tools, defaultTimeout: defaultTimeout}
}

func (h *OperationHandler) CanHandle(block *schema.Block) bool {
	return blockKind(block) == schema.BlockKindOperation
}

func (h *OperationHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var cfg schema.OperationConfig
	if err := json.Unmarshal(inv.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "invalid operation config").
			WithBlock(inv.Block.ID).WithCause(err)
	}
	if cfg.Tool == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "operation block requires a tool").
			WithBlock(inv.Block.ID)
	}

	timeout := h.defaultTimeout
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"invalid timeout %q", cfg.Timeout).WithBlock(inv.Block.ID)
		}
		timeout = d
	}

	if h.tools == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "no tool registry configured").
			WithBlock(inv.Block.ID)
	}
	tool, err := h.tools.Lookup(cfg.Tool)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"tool %q not available: %s", cfg.Tool, err.Error()).
			WithBlock(inv.Block.ID).WithCause(err)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	output, err := tool.Execute(callCtx, cfg.Params)
	if err != nil {
		fe := wrapToolError(err, inv.Block.ID, cfg.Tool)
		failed, merr := json.Marshal(map[string]any{
			"success": false,
			"error":   fe.Message,
			"code":    fe.Code,
		})
		if merr != nil {
			failed = json.RawMessage(`{"success":false}`)
		}
		return &Result{Output: failed, Failure: fe, Recoverable: cfg.ContinueOnError}, nil
	}

	if len(output) == 0 {
		output = json.RawMessage(`null`)
	}
	return &Result{Output: output, Handle: schema.HandleSource}, nil
}

// wrapToolError classifies a tool call error: deadline expiry is TIMEOUT,
// external cancellation is CANCELLED, anything else OPERATION_FAILURE.
func wrapToolError(err error, blockID, tool string) *schema.FlowError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewErrorf(schema.ErrCodeTimeout,
			"tool %q deadline exceeded", tool).WithBlock(blockID).WithCause(err)
	case errors.Is(err, context.Canceled):
		return schema.NewErrorf(schema.ErrCodeCancelled,
			"tool %q cancelled", tool).WithBlock(blockID).WithCause(err)
	default:
		return schema.AsFlowError(err, schema.ErrCodeOperationFailure).WithBlock(blockID)
	}
}
