package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrun/flowrun/pkg/schema"
)

// storeFactories builds each Store implementation against a fresh backend.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"libsql": func(t *testing.T) Store {
			path := filepath.Join(t.TempDir(), "flowrun.db")
			s, err := NewLibSQLStore("file:" + path)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			require.NoError(t, s.Migrate(context.Background()))
			return s
		},
	}
}

func testRecord(executionID string) *PausedRecord {
	return &PausedRecord{
		ExecutionID: executionID,
		RunID:       "run-1",
		WorkflowID:  "wf-1",
		OwnerID:     "owner-1",
		State:       json.RawMessage(`{"executed":{"start":true}}`),
		Workflow:    json.RawMessage(`{"id":"wf-1","blocks":[]}`),
		Environment: []byte("sealed-bytes"),
		StartInput:  json.RawMessage(`{"user":"ada"}`),
		Trigger: schema.TriggerDescriptor{
			Type:        schema.TriggerInputForm,
			InputSchema: json.RawMessage(`{"type":"object"}`),
		},
		PausedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestMigrateTracksRevision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowrun.db")
	s, err := NewLibSQLStore("file:" + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background())) // idempotent

	var rev int
	require.NoError(t, s.db.QueryRowContext(context.Background(), `PRAGMA user_version`).Scan(&rev))
	assert.Equal(t, len(migrations), rev)
}

func TestSaveAndGetPaused(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.SavePaused(ctx, testRecord("exec-1")))

			got, err := s.GetPaused(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, "exec-1", got.ExecutionID)
			assert.Equal(t, "run-1", got.RunID)
			assert.Equal(t, "wf-1", got.WorkflowID)
			assert.Equal(t, "owner-1", got.OwnerID)
			assert.Equal(t, RecordStatusPaused, got.Status)
			assert.JSONEq(t, `{"executed":{"start":true}}`, string(got.State))
			assert.Equal(t, []byte("sealed-bytes"), got.Environment)
			assert.Equal(t, schema.TriggerInputForm, got.Trigger.Type)
		})
	}
}

func TestSavePausedDuplicate(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.SavePaused(ctx, testRecord("exec-1")))
			err := s.SavePaused(ctx, testRecord("exec-1"))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
		})
	}
}

func TestGetPausedNotFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			_, err := s.GetPaused(context.Background(), "nope")
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		})
	}
}

func TestClaimForResume(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.SavePaused(ctx, testRecord("exec-1")))

			rec, err := s.ClaimForResume(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, RecordStatusResuming, rec.Status)

			// Second claim loses the race.
			_, err = s.ClaimForResume(ctx, "exec-1")
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
		})
	}
}

func TestClaimForResumeNotFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			_, err := s.ClaimForResume(context.Background(), "nope")
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
		})
	}
}

func TestClaimOnlyOneWinnerConcurrent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			require.NoError(t, s.SavePaused(ctx, testRecord("exec-1")))

			const attempts = 10
			var wg sync.WaitGroup
			wins := make(chan struct{}, attempts)
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.ClaimForResume(ctx, "exec-1"); err == nil {
						wins <- struct{}{}
					}
				}()
			}
			wg.Wait()
			close(wins)

			won := 0
			for range wins {
				won++
			}
			assert.Equal(t, 1, won, "exactly one concurrent claim must win")
		})
	}
}

func TestMarkResumed(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.SavePaused(ctx, testRecord("exec-1")))
			_, err := s.ClaimForResume(ctx, "exec-1")
			require.NoError(t, err)
			require.NoError(t, s.MarkResumed(ctx, "exec-1"))

			got, err := s.GetPaused(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, RecordStatusResumed, got.Status)
			assert.NotNil(t, got.ResumedAt)

			// A resumed record cannot be claimed again.
			_, err = s.ClaimForResume(ctx, "exec-1")
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
		})
	}
}

func TestReleaseClaim(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.SavePaused(ctx, testRecord("exec-1")))
			_, err := s.ClaimForResume(ctx, "exec-1")
			require.NoError(t, err)
			require.NoError(t, s.ReleaseClaim(ctx, "exec-1"))

			// Claimable again after release.
			_, err = s.ClaimForResume(ctx, "exec-1")
			require.NoError(t, err)
		})
	}
}

func TestDeleteIdempotent(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			require.NoError(t, s.SavePaused(ctx, testRecord("exec-1")))
			require.NoError(t, s.Delete(ctx, "exec-1"))

			_, err := s.GetPaused(ctx, "exec-1")
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

			// Deleting again is not an error.
			require.NoError(t, s.Delete(ctx, "exec-1"))
		})
	}
}

func TestListPaused(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			r1 := testRecord("exec-1")
			r1.PausedAt = time.Now().UTC().Add(-2 * time.Hour)
			r2 := testRecord("exec-2")
			r2.PausedAt = time.Now().UTC().Add(-1 * time.Hour)
			r3 := testRecord("exec-3")
			r3.WorkflowID = "wf-other"
			r3.OwnerID = "owner-2"
			require.NoError(t, s.SavePaused(ctx, r1))
			require.NoError(t, s.SavePaused(ctx, r2))
			require.NoError(t, s.SavePaused(ctx, r3))

			// Claimed records drop out of the paused listing.
			r4 := testRecord("exec-4")
			require.NoError(t, s.SavePaused(ctx, r4))
			_, err := s.ClaimForResume(ctx, "exec-4")
			require.NoError(t, err)

			records, err := s.ListPaused(ctx, ListFilter{WorkflowID: "wf-1"})
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "exec-2", records[0].ExecutionID, "most recently paused first")
			assert.Equal(t, "exec-1", records[1].ExecutionID)

			records, err = s.ListPaused(ctx, ListFilter{OwnerID: "owner-2"})
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "exec-3", records[0].ExecutionID)

			records, err = s.ListPaused(ctx, ListFilter{WorkflowID: "wf-1", Limit: 1})
			require.NoError(t, err)
			assert.Len(t, records, 1)
		})
	}
}
