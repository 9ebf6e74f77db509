package dag

import "github.com/vk/rnaflow/internal/model"

// Graph is the stage DAG of one sample. It is built once and never mutated
// afterwards, so reads need no locking.
type Graph struct {
	// SampleID is the sample the graph belongs to.
	SampleID string
	// Toggles are the sample's effective toggles after overrides. Stages
	// they disable are absent from the graph.
	Toggles model.Toggles
	// nodes stores all nodes in the graph, keyed by stage kind.
	nodes map[model.StageKind]*Node
}

// Node is one stage vertex. Exported fields are the node's static
// description; edges are reachable only through the Graph API.
type Node struct {
	Kind        model.StageKind
	Requirement model.Requirement
	// Tool is the ToolSpec name. Empty for in-process stages.
	Tool string
	// Inputs are static input locations. Only root nodes have them; other
	// nodes consume the outputs of their dependencies.
	Inputs []string
	// Params are static, tool-visible parameters.
	Params map[string]string

	// deps holds the nodes this node depends on, with true for optional edges.
	deps map[model.StageKind]bool
	// dependents holds the nodes that depend on this node.
	dependents map[model.StageKind]bool
}

// Dep is one incoming edge.
type Dep struct {
	Kind     model.StageKind
	Optional bool
}
