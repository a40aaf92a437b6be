package schema

// Event type constants for the execution event stream.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"
	EventRunCancelled = "run_cancelled"

	EventBlockStarted   = "block_started"
	EventBlockCompleted = "block_completed"
	EventBlockFailed    = "block_failed"
	EventBlockSkipped   = "block_skipped"

	EventLoopIterStarted   = "loop_iteration_started"
	EventLoopIterCompleted = "loop_iteration_completed"
	EventLoopCompleted     = "loop_completed"

	EventBranchStarted     = "parallel_branch_started"
	EventBranchCompleted   = "parallel_branch_completed"
	EventParallelCompleted = "parallel_completed"

	EventWaitStarted = "wait_started"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusReady     RunStatus = "ready"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPaused    RunStatus = "paused"
	RunStatusFailed    RunStatus = "failed"
)

// BlockStatus represents the lifecycle state of a block instance.
type BlockStatus string

const (
	BlockStatusPending   BlockStatus = "pending"
	BlockStatusRunning   BlockStatus = "running"
	BlockStatusCompleted BlockStatus = "completed"
	BlockStatusFailed    BlockStatus = "failed"
	BlockStatusSkipped   BlockStatus = "skipped"
)
