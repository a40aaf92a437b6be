package engine

import (
	"github.com/flowrun/flowrun/pkg/schema"
)

// CompiledGraph is the validated, indexed form of a workflow consumed by the
// run loop. It is immutable after CompileGraph returns.
type CompiledGraph struct {
	Workflow *schema.Workflow
	Blocks   map[string]*schema.Block
	Out      map[string][]schema.Edge // edges by source block
	In       map[string][]schema.Edge // edges by target block
	StartID  string

	// LoopOf / ParallelOf map member block IDs to their controlling group.
	// A block belongs to at most one group.
	LoopOf     map[string]string
	ParallelOf map[string]string

	// Known is the set of all block IDs, shared with resolver scopes.
	Known map[string]bool
}

// CompileGraph indexes and structurally validates a workflow graph.
func CompileGraph(wf *schema.Workflow) (*CompiledGraph, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Blocks) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no blocks")
	}

	g := &CompiledGraph{
		Workflow:   wf,
		Blocks:     make(map[string]*schema.Block, len(wf.Blocks)),
		Out:        make(map[string][]schema.Edge),
		In:         make(map[string][]schema.Edge),
		LoopOf:     make(map[string]string),
		ParallelOf: make(map[string]string),
		Known:      make(map[string]bool, len(wf.Blocks)),
	}

	for i := range wf.Blocks {
		b := &wf.Blocks[i]
		if b.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "block with empty id")
		}
		if _, dup := g.Blocks[b.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate block id %q", b.ID)
		}
		g.Blocks[b.ID] = b
		g.Known[b.ID] = true

		kind := blockKind(b)
		if kind == schema.BlockKindStart {
			if g.StartID != "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"multiple start blocks: %q and %q", g.StartID, b.ID)
			}
			g.StartID = b.ID
		}
	}
	if g.StartID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no start block")
	}

	for _, e := range wf.Edges {
		if !g.Known[e.Source] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge references unknown source block %q", e.Source)
		}
		if !g.Known[e.Target] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge references unknown target block %q", e.Target)
		}
		if e.SourceHandle == "" {
			e.SourceHandle = schema.HandleSource
		}
		g.Out[e.Source] = append(g.Out[e.Source], e)
		g.In[e.Target] = append(g.In[e.Target], e)
	}

	if err := g.indexGroups(); err != nil {
		return nil, err
	}
	if err := g.validateGroupBoundaries(); err != nil {
		return nil, err
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	return g, nil
}

// blockKind returns the block's kind, defaulting to operation.
func blockKind(b *schema.Block) schema.BlockKind {
	if b.Kind == "" {
		return schema.BlockKindOperation
	}
	return b.Kind
}

// GroupOf returns the group controlling a member block, if any.
// The second return distinguishes loop from parallel membership.
func (g *CompiledGraph) GroupOf(blockID string) (groupID string, parallel bool, ok bool) {
	if id, in := g.LoopOf[blockID]; in {
		return id, false, true
	}
	if id, in := g.ParallelOf[blockID]; in {
		return id, true, true
	}
	return "", false, false
}

func (g *CompiledGraph) indexGroups() error {
	for key, loop := range g.Workflow.Loops {
		if loop.ID == "" || loop.ID != key {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"loop group key %q does not match its id %q", key, loop.ID)
		}
		ctrl, ok := g.Blocks[loop.ID]
		if !ok || blockKind(ctrl) != schema.BlockKindLoop {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"loop group %q has no loop block with that id", loop.ID)
		}
		if err := g.claimMembers(loop.ID, loop.Nodes, false); err != nil {
			return err
		}
		switch groupKindOf(loop.Kind) {
		case schema.GroupKindCount:
			if loop.Iterations < 1 {
				return schema.NewErrorf(schema.ErrCodeConfiguration,
					"count loop %q requires iterations >= 1", loop.ID).WithBlock(loop.ID)
			}
		case schema.GroupKindCollection:
			if loop.Collection == "" {
				return schema.NewErrorf(schema.ErrCodeConfiguration,
					"collection loop %q requires a collection expression", loop.ID).WithBlock(loop.ID)
			}
		}
	}

	for key, par := range g.Workflow.Parallels {
		if par.ID == "" || par.ID != key {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"parallel group key %q does not match its id %q", key, par.ID)
		}
		ctrl, ok := g.Blocks[par.ID]
		if !ok || blockKind(ctrl) != schema.BlockKindParallel {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"parallel group %q has no parallel block with that id", par.ID)
		}
		if err := g.claimMembers(par.ID, par.Nodes, true); err != nil {
			return err
		}
		switch groupKindOf(par.Kind) {
		case schema.GroupKindCount:
			if par.Count < 1 {
				return schema.NewErrorf(schema.ErrCodeConfiguration,
					"count parallel %q requires count >= 1", par.ID).WithBlock(par.ID)
			}
		case schema.GroupKindCollection:
			if par.Distribution == "" {
				return schema.NewErrorf(schema.ErrCodeConfiguration,
					"collection parallel %q requires a distribution expression", par.ID).WithBlock(par.ID)
			}
		}
	}
	return nil
}

func groupKindOf(k schema.GroupKind) schema.GroupKind {
	if k == "" {
		return schema.GroupKindCount
	}
	return k
}

// claimMembers records group membership, rejecting unknown members, the
// controller claiming itself, and overlap with any other group.
func (g *CompiledGraph) claimMembers(groupID string, nodes []string, parallel bool) error {
	for _, id := range nodes {
		if !g.Known[id] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"group %q references unknown block %q", groupID, id)
		}
		if id == groupID {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"group %q cannot contain its own controller", groupID)
		}
		switch blockKind(g.Blocks[id]) {
		case schema.BlockKindLoop, schema.BlockKindParallel:
			return schema.NewErrorf(schema.ErrCodeValidation,
				"group %q cannot contain controller block %q; groups do not nest", groupID, id)
		case schema.BlockKindWait:
			if parallel {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"group %q cannot contain wait block %q; waits cannot pause a single branch", groupID, id)
			}
		}
		if other, in := g.LoopOf[id]; in {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"block %q belongs to both groups %q and %q", id, other, groupID)
		}
		if other, in := g.ParallelOf[id]; in {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"block %q belongs to both groups %q and %q", id, other, groupID)
		}
		if parallel {
			g.ParallelOf[id] = groupID
		} else {
			g.LoopOf[id] = groupID
		}
	}
	return nil
}

// validateGroupBoundaries enforces the entry/exit invariants: members are
// enterable only through the controller's start handle, and control leaves
// the group only through the controller's end handle.
func (g *CompiledGraph) validateGroupBoundaries() error {
	memberGroup := func(id string) (string, bool) {
		gid, _, ok := g.GroupOf(id)
		return gid, ok
	}

	for _, edges := range g.Out {
		for _, e := range edges {
			srcGroup, srcIn := memberGroup(e.Source)
			tgtGroup, tgtIn := memberGroup(e.Target)

			switch {
			case srcIn && tgtIn:
				if srcGroup != tgtGroup {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"edge %s -> %s crosses groups %q and %q", e.Source, e.Target, srcGroup, tgtGroup)
				}
			case srcIn && !tgtIn:
				return schema.NewErrorf(schema.ErrCodeValidation,
					"edge %s -> %s leaves group %q; exits must route through the controller", e.Source, e.Target, srcGroup)
			case !srcIn && tgtIn:
				if e.Source != tgtGroup {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"edge %s -> %s enters group %q from outside its controller", e.Source, e.Target, tgtGroup)
				}
				if e.SourceHandle != schema.HandleLoopStart && e.SourceHandle != schema.HandleParallelStart {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"edge %s -> %s must use the group entry handle, got %q", e.Source, e.Target, e.SourceHandle)
				}
			}
		}
	}

	// Controller handle discipline: loop/parallel blocks route only through
	// their dedicated handles.
	for id, b := range g.Blocks {
		kind := blockKind(b)
		if kind != schema.BlockKindLoop && kind != schema.BlockKindParallel {
			continue
		}
		start, end := schema.HandleLoopStart, schema.HandleLoopEnd
		if kind == schema.BlockKindParallel {
			start, end = schema.HandleParallelStart, schema.HandleParallelEnd
		}
		for _, e := range g.Out[id] {
			if e.SourceHandle != start && e.SourceHandle != end && e.SourceHandle != schema.HandleError {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"%s block %q cannot use handle %q", kind, id, e.SourceHandle)
			}
			_, _, tgtIn := g.GroupOf(e.Target)
			if e.SourceHandle == start && !tgtIn {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"entry edge %s -> %s must target a group member", id, e.Target)
			}
			if e.SourceHandle == end && tgtIn {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"exit edge %s -> %s must leave the group", id, e.Target)
			}
		}
	}

	return nil
}

// checkAcyclic runs Kahn's algorithm over all edges. Iteration bodies repeat
// through group state, not back-edges, so the static graph must be a DAG.
func (g *CompiledGraph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.Blocks))
	for id := range g.Blocks {
		indegree[id] = 0
	}
	for _, edges := range g.Out {
		for _, e := range edges {
			indegree[e.Target]++
		}
	}

	queue := make([]string, 0, len(g.Blocks))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, e := range g.Out[id] {
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	if visited != len(g.Blocks) {
		var cyclic []string
		for id, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return schema.NewError(schema.ErrCodeCycleDetected, "workflow graph contains a cycle").
			WithDetails(map[string]any{"blocks": cyclic})
	}
	return nil
}
