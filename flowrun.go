// Package flowrun executes block-based workflow graphs: typed blocks wired
// by named-handle edges, conditional routing, sequential loop groups,
// concurrent parallel groups, and wait blocks that pause a run durably until
// an external trigger resumes it.
//
// The package is a facade over the engine internals. A minimal embedding:
//
//	eng, err := flowrun.New(flowrun.Config{}, flowrun.Deps{Tools: catalog})
//	if err != nil { ... }
//	defer eng.Close()
//
//	result, err := eng.Run(ctx, workflow, input, env)
//	if result.Status == schema.RunStatusPaused {
//		// later, from any process sharing the store:
//		result, err = eng.Resume(ctx, result.ExecutionID, resumeInput)
//	}
package flowrun

import (
	"github.com/flowrun/flowrun/internal/engine"
	"github.com/flowrun/flowrun/internal/secrets"
	"github.com/flowrun/flowrun/internal/store"
	"github.com/flowrun/flowrun/internal/streaming"
)

// Engine surface.
type (
	Engine         = engine.Engine
	Config         = engine.Config
	Deps           = engine.Deps
	RunResult      = engine.RunResult
	BlockTrace     = engine.BlockTrace
	RunMetrics     = engine.RunMetrics
	Tool           = engine.Tool
	ToolRegistry   = engine.ToolRegistry
	WorkflowLoader = engine.WorkflowLoader
)

// Paused execution storage.
type (
	Store        = store.Store
	MemoryStore  = store.MemoryStore
	LibSQLStore  = store.LibSQLStore
	PausedRecord = store.PausedRecord
	ListFilter   = store.ListFilter
)

// Event streaming.
type (
	EventHub  = streaming.EventHub
	Event     = streaming.Event
	Filter    = streaming.Filter
	MemoryHub = streaming.MemoryHub
)

// Environment sealing.
type (
	Sealer       = secrets.Sealer
	SealerConfig = secrets.SealerConfig
)

// New creates a workflow engine. See engine.New for defaulting rules.
func New(cfg Config, deps Deps) (*Engine, error) {
	return engine.New(cfg, deps)
}

// NewMemoryStore creates an in-process paused-record store, suitable for
// tests and single-process embeddings.
func NewMemoryStore() *MemoryStore {
	return store.NewMemoryStore()
}

// NewLibSQLStore opens (or creates) a durable paused-record store at the
// given database path. Call Migrate before first use.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	return store.NewLibSQLStore(dbPath)
}

// NewMemoryHub creates an in-process event hub.
func NewMemoryHub() *MemoryHub {
	return streaming.NewMemoryHub()
}

// NewAESSealer creates an AES-256-GCM sealer for environment bindings held
// inside paused records.
func NewAESSealer(cfg SealerConfig) (Sealer, error) {
	return secrets.NewAESSealer(cfg)
}
