package engine

import (
	"sort"

	"github.com/flowrun/flowrun/pkg/schema"
)

// Router computes the active path: which block instances are currently
// eligible to run given prior routing decisions. It is a pure reader of the
// graph and the execution context.
//
// A block is active iff at least one edge terminating at it originates from
// an executed block whose chosen output handle matches that edge's source
// handle. Transitivity holds because only active blocks ever execute. Edges
// from a condition block's non-chosen handles are dead for that execution
// instance; a join point activates once per pass, not once per satisfied
// inbound edge.
type Router struct {
	g     *CompiledGraph
	order []string // block IDs, sorted for deterministic dispatch
}

// NewRouter creates a Router over a compiled graph.
func NewRouter(g *CompiledGraph) *Router {
	order := make([]string, 0, len(g.Blocks))
	for id := range g.Blocks {
		order = append(order, id)
	}
	sort.Strings(order)
	return &Router{g: g, order: order}
}

// Frontier returns the instances ready to run, in deterministic order.
// Group members are special-cased: their activation depends on group state
// (current pass, open branches), not just static reachability.
func (r *Router) Frontier(ec *ExecutionContext) []Instance {
	var frontier []Instance

	for _, id := range r.order {
		if loopID, ok := r.g.LoopOf[id]; ok {
			st := ec.Loops[loopID]
			if st == nil || st.Completed {
				continue
			}
			if ec.Executed[id] {
				continue
			}
			if r.inboundSatisfied(ec, id, -1) {
				frontier = append(frontier, Instance{BlockID: id, Branch: -1})
			}
			continue
		}

		if parID, ok := r.g.ParallelOf[id]; ok {
			st := ec.Parallels[parID]
			if st == nil || st.Done {
				continue
			}
			for _, br := range st.openBranches() {
				inst := Instance{BlockID: id, Branch: br}
				if ec.Executed[inst.Key()] {
					continue
				}
				if r.inboundSatisfied(ec, id, br) {
					frontier = append(frontier, inst)
				}
			}
			continue
		}

		if ec.Executed[id] {
			continue
		}
		if id == r.g.StartID {
			frontier = append(frontier, Instance{BlockID: id, Branch: -1})
			continue
		}
		if r.inboundSatisfied(ec, id, -1) {
			frontier = append(frontier, Instance{BlockID: id, Branch: -1})
		}
	}

	return frontier
}

// IsActive reports whether a block is on the active path: it has executed,
// or at least one inbound edge from an executed source matches that source's
// chosen handle.
func (r *Router) IsActive(ec *ExecutionContext, blockID string) bool {
	if blockID == r.g.StartID {
		return true
	}
	if ec.Executed[blockID] {
		return true
	}
	if _, ok := r.g.ParallelOf[blockID]; ok {
		if parID := r.g.ParallelOf[blockID]; ec.Parallels[parID] != nil {
			for _, br := range ec.Parallels[parID].openBranches() {
				if ec.Executed[Instance{BlockID: blockID, Branch: br}.Key()] {
					return true
				}
				if r.inboundSatisfied(ec, blockID, br) {
					return true
				}
			}
		}
		return false
	}
	return r.inboundSatisfied(ec, blockID, -1)
}

// inboundSatisfied reports whether any edge into target is live: its source
// instance executed and chose the edge's handle. For targets inside a
// parallel group, edges from sibling members are checked against the same
// branch instance.
func (r *Router) inboundSatisfied(ec *ExecutionContext, target string, branch int) bool {
	tgtGroup := r.g.ParallelOf[target]
	for _, e := range r.g.In[target] {
		srcKey := e.Source
		if branch >= 0 && tgtGroup != "" && r.g.ParallelOf[e.Source] == tgtGroup {
			srcKey = Instance{BlockID: e.Source, Branch: branch}.Key()
		}
		if !ec.Executed[srcKey] {
			continue
		}
		if ec.Decisions[srcKey] == e.SourceHandle {
			return true
		}
	}
	return false
}

// decisionFor picks the handle recorded for a finished instance. A block
// that failed recoverably routes down its error handle when one is wired;
// continue-on-error without an error edge falls through the default handle.
func (r *Router) decisionFor(block *schema.Block, handle string, failed bool) string {
	if !failed {
		if handle == "" {
			return schema.HandleSource
		}
		return handle
	}
	for _, e := range r.g.Out[block.ID] {
		if e.SourceHandle == schema.HandleError {
			return schema.HandleError
		}
	}
	return schema.HandleSource
}

// hasErrorEdge reports whether a block has an error-handle edge wired.
func (r *Router) hasErrorEdge(blockID string) bool {
	for _, e := range r.g.Out[blockID] {
		if e.SourceHandle == schema.HandleError {
			return true
		}
	}
	return false
}
