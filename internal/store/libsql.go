package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/flowrun/flowrun/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies any pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return migrateSchema(ctx, s.db)
}

func (s *LibSQLStore) SavePaused(ctx context.Context, rec *PausedRecord) error {
	if rec == nil || rec.ExecutionID == "" {
		return schema.NewError(schema.ErrCodePersistence, "paused record requires an execution id")
	}
	trigger, err := json.Marshal(rec.Trigger)
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "marshal trigger descriptor").WithCause(err)
	}
	status := rec.Status
	if status == "" {
		status = RecordStatusPaused
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO paused_executions (execution_id, run_id, workflow_id, owner_id, state, workflow, environment, start_input, trigger_descriptor, status, paused_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.RunID, rec.WorkflowID, nullStr(rec.OwnerID),
		string(rec.State), string(rec.Workflow), rec.Environment,
		nullRaw(rec.StartInput), string(trigger), string(status), timeOrNow(rec.PausedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"paused record %q already exists", rec.ExecutionID).WithCause(err)
		}
		return schema.NewError(schema.ErrCodePersistence, "write paused record").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetPaused(ctx context.Context, executionID string) (*PausedRecord, error) {
	return s.getByID(ctx, executionID)
}

func (s *LibSQLStore) ClaimForResume(ctx context.Context, executionID string) (*PausedRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE paused_executions SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE execution_id = ? AND status = ?`,
		string(RecordStatusResuming), executionID, string(RecordStatusPaused),
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "claim paused record").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "claim paused record").WithCause(err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing record.
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM paused_executions WHERE execution_id = ?`, executionID,
		).Scan(&status)
		if err == sql.ErrNoRows {
			return nil, recordNotFound(executionID)
		}
		if err != nil {
			return nil, schema.NewError(schema.ErrCodePersistence, "claim paused record").WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"paused record %q is %s; at most one resume may be active", executionID, status)
	}
	return s.getByID(ctx, executionID)
}

func (s *LibSQLStore) ReleaseClaim(ctx context.Context, executionID string) error {
	return s.casStatus(ctx, executionID, RecordStatusResuming, RecordStatusPaused, false)
}

func (s *LibSQLStore) MarkResumed(ctx context.Context, executionID string) error {
	return s.casStatus(ctx, executionID, RecordStatusResuming, RecordStatusResumed, true)
}

func (s *LibSQLStore) Delete(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM paused_executions WHERE execution_id = ?`, executionID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "delete paused record").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListPaused(ctx context.Context, filter ListFilter) ([]*PausedRecord, error) {
	query := `SELECT execution_id, run_id, workflow_id, owner_id, state, workflow, environment, start_input, trigger_descriptor, status, paused_at, resumed_at
		 FROM paused_executions WHERE status = ?`
	args := []any{string(RecordStatusPaused)}

	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	query += ` ORDER BY paused_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "list paused records").WithCause(err)
	}
	defer rows.Close()

	var records []*PausedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "list paused records").WithCause(err)
	}
	return records, nil
}

func (s *LibSQLStore) getByID(ctx context.Context, executionID string) (*PausedRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, run_id, workflow_id, owner_id, state, workflow, environment, start_input, trigger_descriptor, status, paused_at, resumed_at
		 FROM paused_executions WHERE execution_id = ?`, executionID,
	)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, recordNotFound(executionID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// casStatus flips from -> to on one record. When strict, a miss surfaces as
// NOT_FOUND; otherwise a miss is ignored (release after delete is harmless).
func (s *LibSQLStore) casStatus(ctx context.Context, executionID string, from, to RecordStatus, strict bool) error {
	set := `status = ?, updated_at = CURRENT_TIMESTAMP`
	if to == RecordStatusResumed {
		set += `, resumed_at = CURRENT_TIMESTAMP`
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE paused_executions SET `+set+` WHERE execution_id = ? AND status = ?`,
		string(to), executionID, string(from),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "update paused record status").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "update paused record status").WithCause(err)
	}
	if n == 0 && strict {
		return recordNotFound(executionID)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*PausedRecord, error) {
	rec := &PausedRecord{}
	var (
		ownerID            sql.NullString
		state, wf, trigger string
		environment        []byte
		startInput, status sql.NullString
		resumedAt          sql.NullTime
	)
	err := row.Scan(&rec.ExecutionID, &rec.RunID, &rec.WorkflowID, &ownerID,
		&state, &wf, &environment, &startInput, &trigger, &status, &rec.PausedAt, &resumedAt)
	if err != nil {
		return nil, err
	}
	rec.OwnerID = ownerID.String
	rec.State = json.RawMessage(state)
	rec.Workflow = json.RawMessage(wf)
	rec.Environment = environment
	if startInput.Valid && startInput.String != "" {
		rec.StartInput = json.RawMessage(startInput.String)
	}
	if err := json.Unmarshal([]byte(trigger), &rec.Trigger); err != nil {
		return nil, schema.NewError(schema.ErrCodePersistence, "unmarshal trigger descriptor").WithCause(err)
	}
	rec.Status = RecordStatus(status.String)
	if resumedAt.Valid {
		rec.ResumedAt = &resumedAt.Time
	}
	return rec, nil
}

func recordNotFound(executionID string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "paused execution %q not found", executionID)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
