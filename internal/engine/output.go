package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/baton/pkg/schema"
)

// OutputExtractor applies a task step's result_query to the raw result an
// agent produced, turning free-form output into the structured value stored
// as the step's output. Compiled queries are cached and reused across
// executions.
type OutputExtractor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewOutputExtractor creates an extractor with an empty query cache.
func NewOutputExtractor() *OutputExtractor {
	return &OutputExtractor{cache: make(map[string]*gojq.Code)}
}

// Extract runs the query against the raw result. An empty query passes the
// raw result through unchanged. A query producing several outputs returns
// them as a slice.
func (x *OutputExtractor) Extract(ctx context.Context, query string, raw any) (any, error) {
	if query == "" {
		return raw, nil
	}

	code, err := x.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForQuery(raw))
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if qErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"result query %q failed: %s", query, qErr.Error()).
				WithCause(qErr).
				WithDetails(map[string]any{"query": query})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled query or compiles and caches one.
func (x *OutputExtractor) getOrCompile(query string) (*gojq.Code, error) {
	x.mu.RLock()
	if code, ok := x.cache[query]; ok {
		x.mu.RUnlock()
		return code, nil
	}
	x.mu.RUnlock()

	x.mu.Lock()
	defer x.mu.Unlock()

	if code, ok := x.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"result query parse error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}

	code, err := gojq.Compile(parsed,
		// Block $ENV and env access from definitions.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"result query compile error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"query": query})
	}

	x.cache[query] = code
	return code, nil
}

// normalizeForQuery maps Go values onto jq's data model: numbers become
// float64 and JSON-looking strings are decoded so queries can reach into
// agent output that arrived as serialized JSON.
func normalizeForQuery(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForQuery(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForQuery(item)
		}
		return out
	case string:
		trimmed := strings.TrimSpace(val)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var decoded any
			if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
				return normalizeForQuery(decoded)
			}
		}
		return val
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
