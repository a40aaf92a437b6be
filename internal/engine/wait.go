package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowrun/flowrun/pkg/schema"
)

// WaitHandler is the wait controller. It computes the trigger descriptor
// from the block's configuration and raises the pause signal; persisting the
// snapshot is the coordinator's responsibility.
type WaitHandler struct {
	now func() time.Time
}

// NewWaitHandler creates the wait handler.
func NewWaitHandler() *WaitHandler {
	return &WaitHandler{now: func() time.Time { return time.Now().UTC() }}
}

func (h *WaitHandler) CanHandle(block *schema.Block) bool {
	return blockKind(block) == schema.BlockKindWait
}

func (h *WaitHandler) Execute(_ context.Context, inv *Invocation) (*Result, error) {
	var cfg schema.WaitConfig
	if err := json.Unmarshal(inv.Config, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "invalid wait config").
			WithBlock(inv.Block.ID).WithCause(err)
	}

	trigger := cfg.Trigger
	if trigger == "" {
		trigger = schema.TriggerManual
	}

	desc := schema.TriggerDescriptor{
		Type:        trigger,
		Config:      inv.Config,
		InputSchema: cfg.InputSchema,
	}

	switch trigger {
	case schema.TriggerManual, schema.TriggerAPI, schema.TriggerWebhook:
	case schema.TriggerInputForm:
		if len(cfg.InputSchema) == 0 {
			return nil, schema.NewError(schema.ErrCodeConfiguration,
				"input-form trigger requires an input schema").WithBlock(inv.Block.ID)
		}
	case schema.TriggerSchedule:
		if cfg.Schedule == "" {
			return nil, schema.NewError(schema.ErrCodeConfiguration,
				"schedule trigger requires a cron expression").WithBlock(inv.Block.ID)
		}
		sched, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"invalid cron expression %q", cfg.Schedule).
				WithBlock(inv.Block.ID).WithCause(err)
		}
		next := sched.Next(h.now())
		desc.NextRunAt = &next
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"unknown wait trigger %q", trigger).WithBlock(inv.Block.ID)
	}

	reason := &schema.PauseReason{
		BlockID: inv.Block.ID,
		Trigger: desc,
		Note:    cfg.Note,
	}
	return &Result{Signal: schema.PauseSignal(reason)}, nil
}
