package engine

import (
	"context"
	"encoding/json"

	"github.com/flowrun/flowrun/internal/expressions"
	"github.com/flowrun/flowrun/pkg/schema"
)

// ConditionHandler evaluates an ordered list of predicates and selects
// exactly one output handle. The first branch whose expression is true wins;
// the else handle fires when none match.
type ConditionHandler struct {
	cel *expressions.CELEngine
}

// NewConditionHandler creates the condition handler.
func NewConditionHandler(cel *expressions.CELEngine) *ConditionHandler {
	return &ConditionHandler{cel: cel}
}

func (h *ConditionHandler) CanHandle(block *schema.Block) bool {
	return blockKind(block) == schema.BlockKindCondition
}

func (h *ConditionHandler) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var cfg schema.ConditionConfig
	if err := json.Unmarshal(inv.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "invalid condition config").
			WithBlock(inv.Block.ID).WithCause(err)
	}
	if len(cfg.Branches) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "condition block requires at least one branch").
			WithBlock(inv.Block.ID)
	}

	data := inv.Scope.Data()
	for _, branch := range cfg.Branches {
		if branch.ID == "" || branch.Expression == "" {
			return nil, schema.NewError(schema.ErrCodeConfiguration,
				"condition branch requires id and expression").WithBlock(inv.Block.ID)
		}
		matched, err := h.cel.EvaluateBool(ctx, branch.Expression, data)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeConfiguration).WithBlock(inv.Block.ID)
		}
		if matched {
			return conditionResult(schema.ConditionHandle(branch.ID), branch.ID)
		}
	}

	return conditionResult(schema.HandleElse, "else")
}

func conditionResult(handle, selected string) (*Result, error) {
	output, _ := json.Marshal(map[string]any{"selected": selected})
	return &Result{Output: output, Handle: handle}, nil
}
