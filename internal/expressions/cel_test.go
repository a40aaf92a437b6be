package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrun/flowrun/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, "cel", e.Name())
}

func TestCELEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*CELEngine)(nil)
}

// --- Predicate evaluation ---

func TestCEL_Predicates(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"blocks": map[string]any{
			"score": map[string]any{
				"value": 85.0,
				"label": "good",
			},
		},
		"variables": map[string]any{
			"threshold": 70.0,
		},
		"start": map[string]any{
			"priority": "high",
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"block field comparison", `blocks.score.value > 80`, true},
		{"block field false", `blocks.score.value > 90`, false},
		{"variable reference", `blocks.score.value >= variables.threshold`, true},
		{"start input string", `start.priority == "high"`, true},
		{"AND", `blocks.score.value > 80 && start.priority == "high"`, true},
		{"OR", `blocks.score.value > 90 || start.priority == "high"`, true},
		{"NOT", `!(blocks.score.label == "bad")`, true},
		{"string contains", `blocks.score.label.contains("oo")`, true},
		{"has macro", `has(blocks.score.value)`, true},
		{"has missing", `has(blocks.score.missing)`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.EvaluateBool(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

// Decoded JSON only carries doubles, so predicates written with integer
// literals must still compare cleanly.
func TestCEL_CrossTypeNumericComparison(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"blocks": map[string]any{
			"count": map[string]any{"n": 3.0},
		},
	}

	out, err := e.EvaluateBool(context.Background(), `blocks.count.n < 10`, data)
	require.NoError(t, err)
	assert.True(t, out)
}

func TestCEL_LoopAndParallelBindings(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"loop":     map[string]any{"item": "b", "index": 1.0, "iteration": 2.0},
		"parallel": map[string]any{"item": "x", "index": 0.0},
	}

	out, err := e.EvaluateBool(context.Background(), `loop.item == "b" && loop.iteration == 2`, data)
	require.NoError(t, err)
	assert.True(t, out)

	out, err = e.EvaluateBool(context.Background(), `parallel.index == 0`, data)
	require.NoError(t, err)
	assert.True(t, out)
}

func TestCEL_MissingScopeKeysDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.EvaluateBool(context.Background(), `has(loop.item)`, map[string]any{})
	require.NoError(t, err)
	assert.False(t, out)
}

// --- Errors ---

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `blocks. >>>`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	fe := schema.AsFlowError(err, "")
	assert.Contains(t, fe.Details, "expression")
}

func TestCEL_UndeclaredVariableRejected(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// Only the five scope roots are declared; anything else fails compilation.
	_, err = e.Evaluate(context.Background(), `os.env["HOME"]`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCEL_NonBoolPredicate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `"a string"`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestCEL_RuntimeError_MissingField(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"blocks": map[string]any{"a": map[string]any{}},
	}

	_, err = e.Evaluate(context.Background(), `blocks.a.nothing > 0`, data)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

// --- Caching and concurrency ---

func TestCEL_ProgramCaching(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{"variables": map[string]any{"x": 1.0}}

	out1, err := e.Evaluate(context.Background(), `variables.x + 1.0`, data)
	require.NoError(t, err)

	e.mu.RLock()
	cached := len(e.cache)
	e.mu.RUnlock()
	assert.Equal(t, 1, cached)

	out2, err := e.Evaluate(context.Background(), `variables.x + 1.0`, data)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)

	e.mu.RLock()
	cached = len(e.cache)
	e.mu.RUnlock()
	assert.Equal(t, 1, cached)
}

func TestCEL_Concurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 64)
	errs := make([]error, 64)

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			data := map[string]any{
				"variables": map[string]any{"val": float64(idx)},
			}
			results[idx], errs[idx] = e.EvaluateBool(context.Background(), `variables.val >= 0`, data)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 64; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i])
	}
}
