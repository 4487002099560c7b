// Package condition evaluates jq predicates against JSON-shaped
// documents. Dependency edges gate on a predicate over the target's
// outcome; stages gate on a predicate over prior stage outputs.
package condition

import (
	"fmt"
	"sync"

	"github.com/itchyny/gojq"
)

// Evaluator compiles and caches jq expressions. Safe for concurrent use.
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]*gojq.Code
}

// NewEvaluator creates an evaluator with an empty compile cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*gojq.Code),
	}
}

func (e *Evaluator) compiled(expr string) (*gojq.Code, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expr]; ok {
		return code, nil
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse predicate %q: %v", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile predicate %q: %v", expr, err)
	}
	e.cache[expr] = code
	return code, nil
}

// Eval runs expr against doc and reports jq truthiness of the first
// output: false and null are false, everything else is true. An empty
// expression is vacuously true. doc must contain only JSON-native
// values (map[string]any, []any, string, float64, int, bool, nil).
func (e *Evaluator) Eval(expr string, doc map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}
	code, err := e.compiled(expr)
	if err != nil {
		return false, err
	}

	var input any = doc
	if doc == nil {
		input = map[string]any{}
	}

	iter := code.Run(input)
	v, ok := iter.Next()
	if !ok {
		// No output at all (e.g. `empty`).
		return false, nil
	}
	if err, isErr := v.(error); isErr {
		return false, fmt.Errorf("predicate %q failed: %v", expr, err)
	}
	return v != nil && v != false, nil
}
