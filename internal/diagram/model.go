package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindLLM       NodeKind = "llm"
	NodeKindLoop      NodeKind = "loop"
	NodeKindEnd       NodeKind = "end"
)

// EndNodeID is the virtual node every terminal step links to.
const EndNodeID = "__end__"

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime trace of a step in one execution.
type StatusOverlay struct {
	Status     string
	Visits     int
	Retries    int
	DurationMs int64
}

// Edge is a transition between two steps, labelled with its outcome.
type Edge struct {
	From  string
	To    string
	Label string
}
