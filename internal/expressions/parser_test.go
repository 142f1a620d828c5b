package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SimpleComparison(t *testing.T) {
	node, err := Parse("$x == 5")
	require.NoError(t, err)

	cmp, ok := node.(*ComparisonNode)
	require.True(t, ok)
	assert.Equal(t, "$x", cmp.Left)
	assert.Equal(t, "==", cmp.Op)
	assert.Equal(t, "5", cmp.Right)
}

func TestParse_DottedPathContains(t *testing.T) {
	node, err := Parse(`$a.b contains "foo"`)
	require.NoError(t, err)

	cmp, ok := node.(*ComparisonNode)
	require.True(t, ok)
	assert.Equal(t, "$a.b", cmp.Left)
	assert.Equal(t, "contains", cmp.Op)
	assert.Equal(t, `"foo"`, cmp.Right)
}

func TestParse_MultiCharBeforeSingleChar(t *testing.T) {
	node, err := Parse("$x >= 5")
	require.NoError(t, err)

	cmp, ok := node.(*ComparisonNode)
	require.True(t, ok)
	assert.Equal(t, ">=", cmp.Op)

	node, err = Parse("$x > 5")
	require.NoError(t, err)
	cmp, ok = node.(*ComparisonNode)
	require.True(t, ok)
	assert.Equal(t, ">", cmp.Op)
}

func TestParse_NotWrapsParenthesizedGroup(t *testing.T) {
	node, err := Parse("NOT ($x > 1 AND $y < 2)")
	require.NoError(t, err)

	not, ok := node.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "NOT", not.Op)
	assert.Nil(t, not.Right)

	and, ok := not.Left.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "AND", and.Op)
}

func TestParse_NotBindsToNearestOperandInChain(t *testing.T) {
	// The chain splits at AND first, so NOT applies only to the left
	// comparison, not the whole expression.
	node, err := Parse("NOT $x == 1 AND $y == 2")
	require.NoError(t, err)

	and, ok := node.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "AND", and.Op)

	not, ok := and.Left.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "NOT", not.Op)
}

func TestParse_SplitsAtFirstLogicalOperator(t *testing.T) {
	// Single leftmost split: AND and OR share one precedence level, so the
	// first operator seen wins and the rest nests to the right.
	node, err := Parse("$a == 1 AND $b == 2 OR $c == 3")
	require.NoError(t, err)

	top, ok := node.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "AND", top.Op)

	right, ok := top.Right.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "OR", right.Op)
}

func TestParse_OrFirstNestsAndToTheRight(t *testing.T) {
	node, err := Parse("$a == 1 OR $b == 2 AND $c == 3")
	require.NoError(t, err)

	top, ok := node.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "OR", top.Op)

	right, ok := top.Right.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "AND", right.Op)
}

func TestParse_CaseInsensitiveTokens(t *testing.T) {
	node, err := Parse("$x == 1 and $y == 2")
	require.NoError(t, err)
	and, ok := node.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "AND", and.Op)

	node, err = Parse(`$name CONTAINS "bob"`)
	require.NoError(t, err)
	cmp, ok := node.(*ComparisonNode)
	require.True(t, ok)
	assert.Equal(t, "contains", cmp.Op)

	node, err = Parse("not $x == 1")
	require.NoError(t, err)
	not, ok := node.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "NOT", not.Op)
}

func TestParse_ParenthesesGroupLogicalOperands(t *testing.T) {
	node, err := Parse("($x == 1) AND ($y == 2)")
	require.NoError(t, err)

	and, ok := node.(*LogicalNode)
	require.True(t, ok)
	assert.Equal(t, "AND", and.Op)
	_, leftIsCmp := and.Left.(*ComparisonNode)
	_, rightIsCmp := and.Right.(*ComparisonNode)
	assert.True(t, leftIsCmp)
	assert.True(t, rightIsCmp)
}

func TestParse_OperatorInsideQuotesIsIgnored(t *testing.T) {
	node, err := Parse(`$x == "a AND b"`)
	require.NoError(t, err)

	cmp, ok := node.(*ComparisonNode)
	require.True(t, ok)
	assert.Equal(t, `"a AND b"`, cmp.Right)
}

func TestParse_ComparisonOperatorInsideQuotes(t *testing.T) {
	node, err := Parse(`$note == "x > y"`)
	require.NoError(t, err)

	cmp, ok := node.(*ComparisonNode)
	require.True(t, ok)
	assert.Equal(t, "==", cmp.Op)
	assert.Equal(t, `"x > y"`, cmp.Right)
}

func TestParse_FunctionComparison(t *testing.T) {
	node, err := Parse("len($items) > 2")
	require.NoError(t, err)

	cmp, ok := node.(*ComparisonNode)
	require.True(t, ok)
	assert.Equal(t, "len($items)", cmp.Left)
	assert.Equal(t, ">", cmp.Op)
}

func TestParse_BareFunctionForms(t *testing.T) {
	// len, contains and regex all parse in call form; evaluation decides
	// what they mean.
	for _, expr := range []string{"len($x)", `contains($a, "b")`, `regex($a, "^x$")`} {
		node, err := Parse(expr)
		require.NoError(t, err, expr)
		fn, ok := node.(*FunctionNode)
		require.True(t, ok, expr)
		assert.NotEmpty(t, fn.Name)
	}
}

func TestParse_UnknownFunctionRejected(t *testing.T) {
	_, err := Parse("frobnicate($x)")
	require.Error(t, err)
}

func TestParse_Malformed(t *testing.T) {
	for _, expr := range []string{
		"",
		"   ",
		"$x",
		"$x ==",
		"== 5",
		"NOT",
		"(($x == 1)",
		"()",
	} {
		_, err := Parse(expr)
		assert.Error(t, err, "expression %q should not parse", expr)
	}
}

func TestParse_TrailingOperatorFoldsIntoOperand(t *testing.T) {
	// A dangling AND has no trailing space, so the logical scan never sees
	// it and it becomes part of the comparison's right operand.
	node, err := Parse("$a == 1 AND")
	require.NoError(t, err)

	cmp, ok := node.(*ComparisonNode)
	require.True(t, ok)
	assert.Equal(t, "1 AND", cmp.Right)
}

func TestParse_NestedParens(t *testing.T) {
	node, err := Parse("(($x == 1))")
	require.NoError(t, err)
	_, ok := node.(*ComparisonNode)
	assert.True(t, ok)
}
