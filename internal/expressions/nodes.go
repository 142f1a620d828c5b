package expressions

// Node is one element of a parsed condition tree. Trees are immutable,
// side-effect-free to evaluate, and safe to share across goroutines.
type Node interface {
	// Source returns the raw text this node was parsed from, for error
	// reporting.
	Source() string
	node()
}

// ComparisonNode compares two operand tokens with an infix operator.
// Operands stay unresolved strings until evaluation time.
type ComparisonNode struct {
	Left  string
	Op    string // ==, !=, >, <, >=, <=, contains, regex
	Right string
	src   string
}

func (n *ComparisonNode) Source() string { return n.src }
func (n *ComparisonNode) node()          {}

// LogicalNode combines child expressions with AND, OR or NOT.
// Right is nil for NOT.
type LogicalNode struct {
	Op    string // AND, OR, NOT
	Left  Node
	Right Node
	src   string
}

func (n *LogicalNode) Source() string { return n.src }
func (n *LogicalNode) node()          {}

// FunctionNode is a bare function-call form such as len($x) or
// contains($a, "b"). The grammar accepts contains/regex here, but only
// len is usable inside a comparison; the bare call forms fail at
// evaluation time.
type FunctionNode struct {
	Name     string // len, contains, regex
	Argument string // raw argument text between the parentheses
	src      string
}

func (n *FunctionNode) Source() string { return n.src }
func (n *FunctionNode) node()          {}
