package expressions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rendis/baton/pkg/schema"
)

// regexMatchTimeout caps how long a single regex match may run. A timed-out
// or otherwise failing match counts as "no match", never as an error.
const regexMatchTimeout = time.Second

// Evaluator parses and evaluates condition expressions. Parsed trees and
// compiled regexes are cached per expression text, so a long-lived Evaluator
// is cheap to reuse across loop iterations. Safe for concurrent use.
type Evaluator struct {
	logger *slog.Logger

	mu      sync.RWMutex
	trees   map[string]Node
	regexes map[string]*regexp.Regexp
}

// NewEvaluator creates an Evaluator. A nil logger falls back to stderr.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Evaluator{
		logger:  logger,
		trees:   make(map[string]Node),
		regexes: make(map[string]*regexp.Regexp),
	}
}

// Evaluate parses the expression (cached) and evaluates it against the
// scope. Malformed expressions surface here as structured errors, not at a
// separate parse step.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, scope *Scope) (bool, error) {
	if scope == nil {
		scope = NewScope(nil)
	}
	tree, err := e.parse(expression)
	if err != nil {
		return false, err
	}
	return e.eval(ctx, tree, scope)
}

// Validate reports whether the expression parses. A valid expression may
// still fail at evaluation time (unimplemented bare function calls,
// non-numeric ordering comparisons).
func (e *Evaluator) Validate(expression string) bool {
	_, err := e.parse(expression)
	return err == nil
}

// parse returns a cached tree or parses and caches a new one.
func (e *Evaluator) parse(expression string) (Node, error) {
	e.mu.RLock()
	if tree, ok := e.trees[expression]; ok {
		e.mu.RUnlock()
		return tree, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if tree, ok := e.trees[expression]; ok {
		return tree, nil
	}

	tree, err := Parse(expression)
	if err != nil {
		return nil, err
	}
	e.trees[expression] = tree
	return tree, nil
}

func (e *Evaluator) eval(ctx context.Context, node Node, scope *Scope) (bool, error) {
	switch n := node.(type) {
	case *LogicalNode:
		left, err := e.eval(ctx, n.Left, scope)
		if err != nil {
			return false, err
		}
		switch n.Op {
		case "NOT":
			return !left, nil
		case "AND":
			if !left {
				return false, nil
			}
			return e.eval(ctx, n.Right, scope)
		case "OR":
			if left {
				return true, nil
			}
			return e.eval(ctx, n.Right, scope)
		}
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown logical operator %q in %q", n.Op, n.Source())

	case *ComparisonNode:
		left, err := e.resolveOperand(n.Left, scope)
		if err != nil {
			return false, err
		}
		right, err := e.resolveOperand(n.Right, scope)
		if err != nil {
			return false, err
		}
		return e.compare(ctx, n.Op, left, right, n.Source())

	case *FunctionNode:
		if n.Name == "len" {
			return false, schema.NewErrorf(schema.ErrCodeExpression,
				"len() is not a boolean expression in %q: compare its result, e.g. len($x) > 0", n.Source()).
				WithDetails(map[string]any{"expression": n.Source()})
		}
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s(...) is not implemented as a function call in %q: use the infix form", n.Name, n.Source()).
			WithDetails(map[string]any{"expression": n.Source()})
	}

	return false, schema.NewErrorf(schema.ErrCodeExpression, "unknown node type %T", node)
}

// resolveOperand turns an operand token into a value: quoted strings are
// literals, $-prefixed tokens resolve through the scope (missing paths yield
// nil), len(...) computes a length, and everything else parses as
// double, then int, then bool, falling back to the raw string.
func (e *Evaluator) resolveOperand(token string, scope *Scope) (any, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty operand")
	}

	if len(token) >= 2 {
		if first := token[0]; (first == '"' || first == '\'') && token[len(token)-1] == first {
			return token[1 : len(token)-1], nil
		}
	}

	if name, arg, ok := parseFunctionCall(token); ok {
		if name != "len" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"%s(...) is not implemented as a function call: use the infix form", name).
				WithDetails(map[string]any{"expression": token})
		}
		val, err := e.resolveOperand(arg, scope)
		if err != nil {
			return nil, err
		}
		return lengthOf(val), nil
	}

	if strings.HasPrefix(token, "$") {
		path := token[1:]
		if path == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference '$'")
		}
		return scope.Resolve(path), nil
	}

	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return f, nil
	}
	if n, err := strconv.Atoi(token); err == nil {
		return n, nil
	}
	if strings.EqualFold(token, "true") {
		return true, nil
	}
	if strings.EqualFold(token, "false") {
		return false, nil
	}
	return token, nil
}

func (e *Evaluator) compare(ctx context.Context, op string, left, right any, src string) (bool, error) {
	switch op {
	case "==":
		return equalValues(left, right), nil
	case "!=":
		return !equalValues(left, right), nil
	case ">", "<", ">=", "<=":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot compare %v %s %v numerically in %q", left, op, right, src).
				WithDetails(map[string]any{"expression": src})
		}
		switch op {
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		default:
			return lf <= rf, nil
		}
	case "contains":
		return strings.Contains(
			strings.ToLower(toString(left)),
			strings.ToLower(toString(right)),
		), nil
	case "regex":
		return e.matchRegex(ctx, toString(left), toString(right)), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExpression,
		"unknown comparison operator %q in %q", op, src)
}

// matchRegex matches input against pattern with a hard timeout. Compile
// errors, timeouts and cancellation all count as "no match".
func (e *Evaluator) matchRegex(ctx context.Context, input, pattern string) bool {
	if ctx.Err() != nil {
		return false
	}
	re, err := e.compiledRegex(pattern)
	if err != nil {
		e.logger.DebugContext(ctx, "regex compile failed, treating as no-match",
			slog.String("pattern", pattern), slog.Any("error", err))
		return false
	}

	done := make(chan bool, 1)
	go func() { done <- re.MatchString(input) }()

	timer := time.NewTimer(regexMatchTimeout)
	defer timer.Stop()

	select {
	case matched := <-done:
		return matched
	case <-timer.C:
		e.logger.DebugContext(ctx, "regex match timed out, treating as no-match",
			slog.String("pattern", pattern))
		return false
	case <-ctx.Done():
		return false
	}
}

// compiledRegex returns a cached compiled pattern or compiles and caches it.
func (e *Evaluator) compiledRegex(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	if re, ok := e.regexes[pattern]; ok {
		e.mu.RUnlock()
		return re, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if re, ok := e.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexes[pattern] = re
	return re, nil
}

// equalValues first attempts numeric coercion of both sides, then falls back
// to string comparison. Nils are equal only to each other.
func equalValues(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return lf == rf
		}
	}
	return toString(left) == toString(right)
}

// toFloat coerces numeric types and numeric strings to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// toString renders a value for string comparison. Nil becomes the empty
// string so contains/regex never see "<nil>".
func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// lengthOf implements len(): rune count for strings, element count for
// collections, and the printed length of anything else.
func lengthOf(v any) int {
	if v == nil {
		return 0
	}
	switch val := v.(type) {
	case string:
		return utf8.RuneCountInString(val)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	}
	return utf8.RuneCountInString(toString(v))
}
