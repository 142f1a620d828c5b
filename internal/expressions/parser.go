package expressions

import (
	"strings"

	"github.com/rendis/baton/pkg/schema"
)

// Parse builds a condition tree from an expression string.
//
// The parser is deliberately simple: it splits at the first AND/OR token
// found at parenthesis depth zero, scanning left to right, and recurses on
// both sides. AND and OR therefore share one precedence level and the split
// is a single leftmost one. NOT applies to the expression that follows it,
// so inside a logical chain it binds to the nearest operand. Parenthesized
// groups and quoted strings are opaque to the scan.
func Parse(expression string) (Node, error) {
	s := strings.TrimSpace(expression)
	if s == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}

	s, err := stripOuterParens(s)
	if err != nil {
		return nil, err
	}

	if pos, op, opLen := findLogicalSplit(s); pos >= 0 {
		left, err := Parse(s[:pos])
		if err != nil {
			return nil, err
		}
		right, err := Parse(s[pos+opLen:])
		if err != nil {
			return nil, err
		}
		return &LogicalNode{Op: op, Left: left, Right: right, src: s}, nil
	}

	if inner, ok := trimNotPrefix(s); ok {
		child, err := Parse(inner)
		if err != nil {
			return nil, err
		}
		return &LogicalNode{Op: "NOT", Left: child, src: s}, nil
	}

	if left, op, right, found := splitComparison(s); found {
		if left == "" || right == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"malformed comparison %q: missing operand", s).
				WithDetails(map[string]any{"expression": s})
		}
		return &ComparisonNode{Left: left, Op: op, Right: right, src: s}, nil
	}

	if name, arg, ok := parseFunctionCall(s); ok {
		return &FunctionNode{Name: name, Argument: arg, src: s}, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeExpression,
		"malformed expression %q: expected a comparison, NOT, or function call", s).
		WithDetails(map[string]any{"expression": s})
}

// stripOuterParens removes parentheses that enclose the whole expression,
// repeatedly, and reports unbalanced ones.
func stripOuterParens(s string) (string, error) {
	for {
		if len(s) < 2 || s[0] != '(' {
			return s, nil
		}

		depth := 0
		quote := byte(0)
		enclosing := true
		for i := 0; i < len(s); i++ {
			c := s[i]
			switch {
			case quote != 0:
				if c == quote {
					quote = 0
				}
			case c == '"' || c == '\'':
				quote = c
			case c == '(':
				depth++
			case c == ')':
				depth--
				if depth == 0 && i < len(s)-1 {
					// The opening paren closes before the end, so the
					// parens do not enclose the whole expression.
					enclosing = false
				}
			}
		}
		if depth != 0 {
			return "", schema.NewErrorf(schema.ErrCodeExpression,
				"unbalanced parentheses in %q", s).
				WithDetails(map[string]any{"expression": s})
		}
		if !enclosing || s[len(s)-1] != ')' {
			return s, nil
		}

		inner := strings.TrimSpace(s[1 : len(s)-1])
		if inner == "" {
			return "", schema.NewErrorf(schema.ErrCodeExpression, "empty parentheses in %q", s)
		}
		s = inner
	}
}

// findLogicalSplit returns the index and operator of the first AND or OR
// token at depth zero, or -1 when none exists. The returned opLen covers the
// token including its surrounding spaces.
func findLogicalSplit(s string) (pos int, op string, opLen int) {
	depth := 0
	quote := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			continue
		case c == '"' || c == '\'':
			quote = c
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}
		if depth != 0 || c != ' ' {
			continue
		}
		if foldMatch(s, i, " AND ") {
			return i, "AND", len(" AND ")
		}
		if foldMatch(s, i, " OR ") {
			return i, "OR", len(" OR ")
		}
	}
	return -1, "", 0
}

// trimNotPrefix reports whether s starts with a NOT operator and returns the
// remainder. NOT must be followed by a space or an opening parenthesis.
func trimNotPrefix(s string) (string, bool) {
	if len(s) < 4 || !strings.EqualFold(s[:3], "NOT") {
		return "", false
	}
	if s[3] != ' ' && s[3] != '(' {
		return "", false
	}
	return strings.TrimSpace(s[3:]), true
}

// comparison operator tokens, longest first so ">=" wins over ">".
var symbolOps = []string{">=", "<=", "==", "!="}

// splitComparison finds the first comparison operator at depth zero and
// splits the expression around it.
func splitComparison(s string) (left, op, right string, found bool) {
	depth := 0
	quote := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			continue
		case c == '"' || c == '\'':
			quote = c
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}

		for _, symOp := range symbolOps {
			if strings.HasPrefix(s[i:], symOp) {
				return strings.TrimSpace(s[:i]), symOp, strings.TrimSpace(s[i+len(symOp):]), true
			}
		}
		if c == '>' || c == '<' {
			return strings.TrimSpace(s[:i]), string(c), strings.TrimSpace(s[i+1:]), true
		}
		if c == ' ' {
			if foldMatch(s, i, " contains ") {
				return strings.TrimSpace(s[:i]), "contains", strings.TrimSpace(s[i+len(" contains "):]), true
			}
			if foldMatch(s, i, " regex ") {
				return strings.TrimSpace(s[:i]), "regex", strings.TrimSpace(s[i+len(" regex "):]), true
			}
		}
	}
	return "", "", "", false
}

// knownFunctions are the names the grammar accepts in call form. Only len is
// implemented; contains and regex parse but fail at evaluation.
var knownFunctions = map[string]bool{"len": true, "contains": true, "regex": true}

// parseFunctionCall recognizes name(argument) where name is a known function
// and the closing parenthesis ends the expression.
func parseFunctionCall(s string) (name, arg string, ok bool) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || s[len(s)-1] != ')' {
		return "", "", false
	}

	name = strings.ToLower(strings.TrimSpace(s[:open]))
	if !knownFunctions[name] {
		return "", "", false
	}
	for _, r := range name {
		if r < 'a' || r > 'z' {
			return "", "", false
		}
	}

	// The opening paren must match the final one.
	depth := 0
	quote := byte(0)
	for i := open; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return "", "", false
			}
		}
	}
	if depth != 0 {
		return "", "", false
	}

	return name, strings.TrimSpace(s[open+1 : len(s)-1]), true
}

// foldMatch reports whether s has the given token at index i,
// case-insensitively.
func foldMatch(s string, i int, token string) bool {
	if i+len(token) > len(s) {
		return false
	}
	return strings.EqualFold(s[i:i+len(token)], token)
}
