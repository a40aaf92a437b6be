package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", BlockID(ctx))

	ctx = WithRun(ctx, "exec-123", "wf-9")
	ctx = WithBlockID(ctx, "fetch")

	// Round-trip.
	assert.Equal(t, "exec-123", ExecutionID(ctx))
	assert.Equal(t, "wf-9", WorkflowID(ctx))
	assert.Equal(t, "fetch", BlockID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRun(context.Background(), "exec-abc", "wf-1")
	ctx = WithBlockID(ctx, "route")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "workflow_id=wf-1")
	assert.Contains(t, output, "block_id=route")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only the workflow ID is set; the others must not appear.
	ctx := WithWorkflowID(context.Background(), "wf-only")

	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-only")
	assert.NotContains(t, output, "execution_id")
	assert.NotContains(t, output, "block_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithRun(context.Background(), "exec-7", "wf-7")
	logger.InfoContext(ctx, "handled")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-7")
	assert.Contains(t, output, "workflow_id=wf-7")
	assert.Contains(t, output, "handled")
}
