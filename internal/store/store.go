package store

import "context"

// Store is the persistence contract for paused execution records.
// All implementations must be safe for concurrent use. Reads and writes to a
// given execution ID are serialized: at most one resume claim can succeed
// per record, enforced by a compare-and-swap on the status field.
type Store interface {
	// SavePaused writes a new record in a single transaction. The write is
	// all-or-nothing; a record with the same execution ID must not exist.
	SavePaused(ctx context.Context, rec *PausedRecord) error

	// GetPaused returns the record without changing its status.
	GetPaused(ctx context.Context, executionID string) (*PausedRecord, error)

	// ClaimForResume atomically flips paused -> resuming and returns the
	// record. A record already claimed or resumed yields CONFLICT; a
	// missing record yields NOT_FOUND.
	ClaimForResume(ctx context.Context, executionID string) (*PausedRecord, error)

	// ReleaseClaim flips resuming -> paused, undoing a claim whose
	// rehydration failed before the run re-entered the main loop.
	ReleaseClaim(ctx context.Context, executionID string) error

	// MarkResumed flips resuming -> resumed. A stale resume attempt on the
	// execution ID afterwards fails with NOT_FOUND.
	MarkResumed(ctx context.Context, executionID string) error

	// Delete removes a record without resuming it. Idempotent: deleting a
	// missing record is not an error.
	Delete(ctx context.Context, executionID string) error

	// ListPaused returns records with status "paused" matching the filter,
	// most recently paused first.
	ListPaused(ctx context.Context, filter ListFilter) ([]*PausedRecord, error)

	// Migrate applies any pending schema migrations.
	Migrate(ctx context.Context) error

	Close() error
}
