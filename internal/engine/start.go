package engine

import (
	"context"
	"encoding/json"

	"github.com/flowrun/flowrun/pkg/schema"
)

// StartHandler runs the workflow's entry block. Its output is the run's
// initial input, which downstream blocks reference as <start.field>.
type StartHandler struct{}

// NewStartHandler creates the start block handler.
func NewStartHandler() *StartHandler { return &StartHandler{} }

func (h *StartHandler) CanHandle(block *schema.Block) bool {
	return blockKind(block) == schema.BlockKindStart
}

func (h *StartHandler) Execute(_ context.Context, inv *Invocation) (*Result, error) {
	output, err := json.Marshal(inv.Scope.Start)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode start input").
			WithBlock(inv.Block.ID).WithCause(err)
	}
	return &Result{Output: output, Handle: schema.HandleSource}, nil
}
