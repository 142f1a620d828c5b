package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/baton/pkg/schema"
)

// HasPlaceholders reports whether a command contains ${{...}} references.
func HasPlaceholders(s string) bool {
	return strings.Contains(s, "${{")
}

// Interpolate resolves ${{name.path}} placeholders in a command string
// against the scope. A placeholder that resolves to nil is an error so a
// broken reference never silently dispatches an empty command fragment.
func Interpolate(command string, scope *Scope) (string, error) {
	if !HasPlaceholders(command) {
		return command, nil
	}
	if scope == nil {
		scope = NewScope(nil)
	}

	var result strings.Builder
	result.Grow(len(command))

	i := 0
	for i < len(command) {
		idx := strings.Index(command[i:], "${{")
		if idx == -1 {
			result.WriteString(command[i:])
			break
		}

		result.WriteString(command[i : i+idx])
		start := i + idx + 3 // skip "${{"

		end := strings.Index(command[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeExpression, "unclosed ${{ placeholder in command")
		}
		end += start

		ref := strings.TrimSpace(command[start:end])
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeExpression, "empty ${{ }} placeholder in command")
		}
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeExpression,
				"nested placeholders are not allowed: ${{...}} cannot contain ${{")
		}

		val := scope.Resolve(strings.TrimPrefix(ref, "$"))
		if val == nil {
			return "", schema.NewErrorf(schema.ErrCodeExpression,
				"placeholder ${{%s}} did not resolve to a value", ref).
				WithDetails(map[string]any{"reference": ref})
		}
		result.WriteString(renderValue(val))

		i = end + 2 // skip "}}"
	}

	return result.String(), nil
}

// renderValue converts a resolved value to its command-line form. Strings
// embed as-is; composites render as compact JSON.
func renderValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
