package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval(t *testing.T) {
	e := NewEvaluator()

	doc := map[string]any{
		"status":          "completed",
		"items_processed": 250,
		"cost":            12.5,
		"outputs": map[string]any{
			"sources_found": 3,
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty expression is true", "", true},
		{"string equality", `.status == "completed"`, true},
		{"string inequality", `.status == "failed"`, false},
		{"numeric comparison", `.items_processed > 100`, true},
		{"numeric comparison false", `.items_processed > 1000`, false},
		{"conjunction", `.status == "completed" and .cost < 20`, true},
		{"nested field", `.outputs.sources_found >= 3`, true},
		{"missing field is null", `.nonexistent`, false},
		{"truthy non-boolean", `.status`, true},
		{"explicit null", `null`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Eval(tt.expr, doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalParseError(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Eval(`.status ==`, map[string]any{})
	assert.Error(t, err)
}

func TestEvalNilDoc(t *testing.T) {
	e := NewEvaluator()
	got, err := e.Eval(`.missing // true`, nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCompileCacheReuse(t *testing.T) {
	e := NewEvaluator()

	for i := 0; i < 3; i++ {
		got, err := e.Eval(`.n == 1`, map[string]any{"n": 1})
		require.NoError(t, err)
		assert.True(t, got)
	}
	assert.Len(t, e.cache, 1)
}
