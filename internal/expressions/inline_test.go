package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrun/flowrun/pkg/schema"
)

func TestNewInlineEngine(t *testing.T) {
	e := NewInlineEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "inline", e.Name())
}

func TestInlineEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*InlineEngine)(nil)
}

func TestInline_Evaluate(t *testing.T) {
	e := NewInlineEngine()

	data := map[string]any{
		"variables": map[string]any{
			"items": []any{"a", "b", "c"},
			"count": 2.0,
		},
		"blocks": map[string]any{
			"fetch": map[string]any{"total": 10.0},
		},
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"arithmetic", `1 + 2`, 3},
		{"variable access", `variables.count * 2`, float64(4)},
		{"block output access", `blocks.fetch.total`, float64(10)},
		{"array literal", `[1, 2, 3]`, []any{1, 2, 3}},
		{"array from scope", `variables.items`, []any{"a", "b", "c"}},
		{"string concat", `"id-" + "42"`, "id-42"},
		{"comparison", `blocks.fetch.total > 5`, true},
		{"ternary", `variables.count > 1 ? "many" : "few"`, "many"},
		{"nil coalescing", `variables.missing ?? "default"`, "default"},
		{"optional chaining", `blocks.gone?.value`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestInline_PipeChaining(t *testing.T) {
	e := NewInlineEngine()

	data := map[string]any{
		"variables": map[string]any{
			"names": []any{"ada", "grace", "alan"},
		},
	}

	out, err := e.Evaluate(context.Background(), `variables.names | filter(# startsWith "a") | len()`, data)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestInline_EmptyExpression(t *testing.T) {
	e := NewInlineEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestInline_CompileError(t *testing.T) {
	e := NewInlineEngine()

	_, err := e.Evaluate(context.Background(), `1 +* 2`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestInline_NilData(t *testing.T) {
	e := NewInlineEngine()

	out, err := e.Evaluate(context.Background(), `2 * 21`, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestInline_Concurrent(t *testing.T) {
	e := NewInlineEngine()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			data := map[string]any{"variables": map[string]any{"n": float64(idx)}}
			out, err := e.Evaluate(context.Background(), `variables.n >= 0`, data)
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}(i)
	}
	wg.Wait()
}
