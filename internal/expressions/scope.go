package expressions

import (
	"reflect"
	"strings"
)

// Scope holds the data a condition expression resolves against. Lookup
// order for the first path segment is Variables, then StepResults; a path
// that misses at any segment resolves to nil rather than erroring.
type Scope struct {
	Variables   map[string]any
	StepResults map[string]any
}

// NewScope creates a Scope over the given variables.
func NewScope(vars map[string]any) *Scope {
	if vars == nil {
		vars = make(map[string]any)
	}
	return &Scope{
		Variables:   vars,
		StepResults: make(map[string]any),
	}
}

// Resolve walks a dotted path ("name" or "name.field.sub") through the
// scope. Dots descend into nested maps or, via reflection, into exported
// struct fields. The first missing segment short-circuits to nil.
func (s *Scope) Resolve(path string) any {
	if s == nil || path == "" {
		return nil
	}

	segments := strings.Split(path, ".")
	head := segments[0]

	var current any
	var found bool
	if s.Variables != nil {
		current, found = s.Variables[head]
	}
	if !found && s.StepResults != nil {
		current, found = s.StepResults[head]
	}
	if !found {
		return nil
	}

	for _, seg := range segments[1:] {
		current = descend(current, seg)
		if current == nil {
			return nil
		}
	}
	return current
}

// Set writes a variable into the scope.
func (s *Scope) Set(key string, value any) {
	if s.Variables == nil {
		s.Variables = make(map[string]any)
	}
	s.Variables[key] = value
}

// Clone deep-copies the scope so an iteration can mutate its own view
// without touching the parent.
func (s *Scope) Clone() *Scope {
	if s == nil {
		return NewScope(nil)
	}
	return &Scope{
		Variables:   CloneMap(s.Variables),
		StepResults: CloneMap(s.StepResults),
	}
}

// descend resolves one path segment against maps or struct fields.
func descend(v any, seg string) any {
	switch m := v.(type) {
	case map[string]any:
		return m[seg]
	case map[string]string:
		return m[seg]
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	field := rv.FieldByName(seg)
	if !field.IsValid() {
		// Exact match failed; try a case-insensitive one so lowercase
		// paths reach exported fields.
		field = rv.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, seg)
		})
	}
	if !field.IsValid() || !field.CanInterface() {
		return nil
	}
	return field.Interface()
}

// CloneMap deep-copies a map[string]any.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = CloneValue(v)
	}
	return cp
}

// CloneValue recursively deep-copies maps and slices. Primitives and
// anything else pass through as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = CloneValue(item)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
