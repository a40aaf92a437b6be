package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrun/flowrun/pkg/schema"
)

func TestNewQueryEngine(t *testing.T) {
	e := NewQueryEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "jq", e.Name())
}

func TestQueryEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*QueryEngine)(nil)
}

func TestQuery_Evaluate(t *testing.T) {
	e := NewQueryEngine()

	data := map[string]any{
		"blocks": map[string]any{
			"fetch": map[string]any{
				"users": []any{
					map[string]any{"name": "ada", "active": true},
					map[string]any{"name": "alan", "active": false},
					map[string]any{"name": "grace", "active": true},
				},
			},
		},
	}

	t.Run("field access", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `.blocks.fetch.users | length`, data)
		require.NoError(t, err)
		assert.Equal(t, 3, out)
	})

	t.Run("select filter collects a list", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(),
			`[.blocks.fetch.users[] | select(.active) | .name]`, data)
		require.NoError(t, err)
		assert.Equal(t, []any{"ada", "grace"}, out)
	})

	t.Run("multiple outputs collected", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `.blocks.fetch.users[].name`, data)
		require.NoError(t, err)
		assert.Equal(t, []any{"ada", "alan", "grace"}, out)
	})

	t.Run("no output yields nil", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `.blocks.fetch.users[] | select(.name == "none")`, data)
		require.NoError(t, err)
		assert.Nil(t, out)
	})
}

func TestQuery_IntegersNormalized(t *testing.T) {
	e := NewQueryEngine()

	data := map[string]any{
		"variables": map[string]any{"n": int64(7)},
	}

	out, err := e.Evaluate(context.Background(), `.variables.n + 1`, data)
	require.NoError(t, err)
	assert.Equal(t, float64(8), out)
}

func TestQuery_EmptyExpression(t *testing.T) {
	e := NewQueryEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestQuery_ParseError(t *testing.T) {
	e := NewQueryEngine()

	_, err := e.Evaluate(context.Background(), `.[foo`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestQuery_RuntimeError(t *testing.T) {
	e := NewQueryEngine()

	data := map[string]any{"variables": map[string]any{"s": "text"}}

	_, err := e.Evaluate(context.Background(), `.variables.s + 1`, data)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestQuery_EnvAccessSandboxed(t *testing.T) {
	e := NewQueryEngine()

	out, err := e.Evaluate(context.Background(), `env.HOME`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
