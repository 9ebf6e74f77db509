package dag

import (
	"fmt"
	"sort"

	"github.com/vk/rnaflow/internal/model"
)

// New creates and returns an initialized, empty Graph.
func New(sampleID string) *Graph {
	return &Graph{
		SampleID: sampleID,
		nodes:    make(map[model.StageKind]*Node),
	}
}

// AddNode adds n to the graph. If a node of the same kind already exists,
// the function does nothing.
func (g *Graph) AddNode(n *Node) {
	if _, ok := g.nodes[n.Kind]; ok {
		return
	}
	n.deps = make(map[model.StageKind]bool)
	n.dependents = make(map[model.StageKind]bool)
	g.nodes[n.Kind] = n
}

// AddEdge creates a directed edge from `from` to `to`, meaning `to` depends
// on `from`. An optional edge only requires `from` to be terminal, not
// succeeded, and failures do not cascade along it.
func (g *Graph) AddEdge(from, to model.StageKind, optional bool) error {
	if from == to {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", from, from)
	}
	fromNode, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("source node not found: %s", from)
	}
	toNode, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("destination node not found: %s", to)
	}
	toNode.deps[from] = optional
	fromNode.dependents[to] = true
	return nil
}

// Node returns the node of the given kind.
func (g *Graph) Node(kind model.StageKind) (*Node, bool) {
	n, ok := g.nodes[kind]
	return n, ok
}

// Has reports whether the kind is present in the graph.
func (g *Graph) Has(kind model.StageKind) bool {
	_, ok := g.nodes[kind]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns every node in canonical topological order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, kind := range model.StageKinds {
		if n, ok := g.nodes[kind]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Dependencies returns the incoming edges of kind in canonical order.
func (g *Graph) Dependencies(kind model.StageKind) []Dep {
	n, ok := g.nodes[kind]
	if !ok {
		return nil
	}
	deps := make([]Dep, 0, len(n.deps))
	for dep, optional := range n.deps {
		deps = append(deps, Dep{Kind: dep, Optional: optional})
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Kind.Order() < deps[j].Kind.Order() })
	return deps
}

// Dependents returns the kinds that depend on kind, in canonical order.
// When hardOnly is set, dependents reached through an optional edge are
// left out.
func (g *Graph) Dependents(kind model.StageKind, hardOnly bool) []model.StageKind {
	n, ok := g.nodes[kind]
	if !ok {
		return nil
	}
	out := make([]model.StageKind, 0, len(n.dependents))
	for dep := range n.dependents {
		if hardOnly && g.nodes[dep].deps[kind] {
			continue
		}
		out = append(out, dep)
	}
	sortKinds(out)
	return out
}

// HardDescendants returns every node reachable from kind through hard edges
// only, in canonical order. These are exactly the nodes a failure of kind
// makes unreachable.
func (g *Graph) HardDescendants(kind model.StageKind) []model.StageKind {
	seen := make(map[model.StageKind]bool)
	var walk func(model.StageKind)
	walk = func(k model.StageKind) {
		for _, d := range g.Dependents(k, true) {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(kind)
	out := make([]model.StageKind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sortKinds(out)
	return out
}

// Shape returns the canonical edge list, e.g. "align->quantify-method-a" or
// "align-?>package" for optional edges. Two graphs with equal shapes are
// isomorphic.
func (g *Graph) Shape() []string {
	var edges []string
	for _, n := range g.Nodes() {
		if len(n.deps) == 0 {
			edges = append(edges, "->"+string(n.Kind))
		}
		for _, d := range g.Dependencies(n.Kind) {
			arrow := "->"
			if d.Optional {
				arrow = "-?>"
			}
			edges = append(edges, string(d.Kind)+arrow+string(n.Kind))
		}
	}
	return edges
}

// DetectCycles checks the graph for any cycles. It returns a non-nil error
// if a cycle is found, indicating the first node involved in the detected cycle.
func (g *Graph) DetectCycles() error {
	// permanent: nodes fully visited and not part of a cycle.
	// temporary: nodes on the current recursion stack.
	permanent := make(map[model.StageKind]bool)
	temporary := make(map[model.StageKind]bool)

	var visit func(kind model.StageKind) error
	visit = func(kind model.StageKind) error {
		if permanent[kind] {
			return nil
		}
		if temporary[kind] {
			return fmt.Errorf("cycle detected involving node '%s'", kind)
		}
		temporary[kind] = true
		for _, dependent := range g.Dependents(kind, false) {
			if err := visit(dependent); err != nil {
				return err
			}
		}
		delete(temporary, kind)
		permanent[kind] = true
		return nil
	}

	for _, n := range g.Nodes() {
		if err := visit(n.Kind); err != nil {
			return err
		}
	}
	return nil
}

func sortKinds(kinds []model.StageKind) {
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Order() < kinds[j].Order() })
}
