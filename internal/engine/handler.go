package engine

import (
	"context"
	"encoding/json"

	"github.com/flowrun/flowrun/internal/resolver"
	"github.com/flowrun/flowrun/pkg/schema"
)

// Tool is one callable operation from the external block/tool catalog.
type Tool interface {
	Name() string
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// ToolRegistry is the read-only catalog the operation handler queries. Its
// contents are external to the engine; Lookup may itself fail and that
// failure propagates as the block's failure.
type ToolRegistry interface {
	Lookup(name string) (Tool, error)
}

// WorkflowLoader fetches child workflow definitions for subflow blocks.
type WorkflowLoader interface {
	LoadWorkflow(ctx context.Context, workflowID string) (*schema.Workflow, error)
}

// Invocation carries everything a handler may read: the block, its config
// with references already resolved, and a snapshot scope. Handlers never see
// the mutable execution context.
type Invocation struct {
	Block  *schema.Block
	Config json.RawMessage // resolved
	Scope  *resolver.Scope

	// Loop / Parallel carry the controller's own group state; nil on the
	// controller's first visit and for non-controller blocks.
	Loop     *LoopState
	Parallel *ParallelState

	Group *schema.LoopGroup     // loop controllers only
	Fan   *schema.ParallelGroup // parallel controllers only

	Depth int // subflow nesting depth
}

// Result is the delta a handler returns. The coordinator folds it into the
// execution context; handlers perform no shared-state mutation themselves.
type Result struct {
	Output json.RawMessage
	Handle string        // chosen output handle; empty means the default
	Signal schema.Signal // none | pause | fatal

	// Failure marks a local block failure (operation failure, timeout).
	// Recoverable carries the block's continue-on-error flag; the router
	// decides whether the failure routes down an error handle or fails
	// the run.
	Failure     *schema.FlowError
	Recoverable bool

	// Loop / Parallel return updated group state for controller blocks.
	Loop     *LoopState
	Parallel *ParallelState
}

// Handler executes one block kind.
type Handler interface {
	CanHandle(block *schema.Block) bool
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Registry maps block kinds to handlers, resolved once at engine startup.
type Registry struct {
	handlers map[schema.BlockKind]Handler
}

// NewRegistry builds the kind -> handler table.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[schema.BlockKind]Handler)}
	kinds := []schema.BlockKind{
		schema.BlockKindStart,
		schema.BlockKindOperation,
		schema.BlockKindCondition,
		schema.BlockKindLoop,
		schema.BlockKindParallel,
		schema.BlockKindWait,
		schema.BlockKindSubflow,
	}
	for _, kind := range kinds {
		probe := &schema.Block{Kind: kind}
		for _, h := range handlers {
			if h.CanHandle(probe) {
				r.handlers[kind] = h
				break
			}
		}
	}
	return r
}

// For returns the handler for a block, or a CONFIGURATION_ERROR when no
// handler claims its kind.
func (r *Registry) For(block *schema.Block) (Handler, error) {
	h, ok := r.handlers[blockKind(block)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"no handler for block kind %q", blockKind(block)).WithBlock(block.ID)
	}
	return h, nil
}
