package diagram

import "time"

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindTask      NodeKind = "task"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindEnd       NodeKind = "end"
)

// Model is the renderer-independent form of a workflow diagram.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single top-level step.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // condition branches, loop body, parallel branches
}

// SubGraph holds the nested steps of a flow-control node.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state onto a node when the diagram is built
// from an execution rather than a bare definition.
type StatusOverlay struct {
	Status   string // schema.StepStatus value
	Attempts int
	Duration time.Duration
	Error    string
}

// Edge is an arrow between two nodes.
type Edge struct {
	From string
	To   string
}
