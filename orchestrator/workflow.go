// Package orchestrator validates and executes skill workflows: directed
// acyclic graphs whose nodes are skill invocations and whose edges declare
// data and control dependencies.
package orchestrator

import (
	"fmt"

	"github.com/Liozhang/wishub-skill/types"
)

// Node is one workflow step: a skill invocation with an inputs template.
// Template values may embed placeholders of the form ${node} or
// ${node.field} referencing upstream results, or ${global.field}
// referencing the workflow's global inputs.
type Node struct {
	NodeID  string         `json:"node_id"`
	SkillID string         `json:"skill_id"`
	Inputs  map[string]any `json:"inputs"`
}

// Edge is an explicit ordering constraint between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Workflow is a complete orchestration request.
type Workflow struct {
	WorkflowID     string         `json:"workflow_id"`
	Nodes          []Node         `json:"nodes"`
	Edges          []Edge         `json:"edges"`
	GlobalInputs   map[string]any `json:"global_inputs,omitempty"`
	TimeoutSeconds int            `json:"timeout"`
}

// globalRef is the reserved placeholder root for workflow-level inputs.
const globalRef = "global"

// graph is the validated execution plan: explicit edges plus the implicit
// data edges contributed by placeholder references.
type graph struct {
	nodes    map[string]*Node
	order    []string            // declaration order, for deterministic walks
	succ     map[string][]string // downstream adjacency
	indegree map[string]int
}

// buildGraph validates the workflow and derives the execution plan.
func buildGraph(wf *Workflow) (*graph, error) {
	if len(wf.Nodes) == 0 {
		return nil, types.NewError(types.ErrInvalidWorkflow, "workflow has no nodes")
	}

	g := &graph{
		nodes:    make(map[string]*Node, len(wf.Nodes)),
		succ:     make(map[string][]string),
		indegree: make(map[string]int, len(wf.Nodes)),
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.NodeID == "" || n.SkillID == "" {
			return nil, types.NewError(types.ErrInvalidWorkflow,
				"every node needs a node_id and a skill_id")
		}
		if _, dup := g.nodes[n.NodeID]; dup {
			return nil, types.NewError(types.ErrInvalidWorkflow,
				fmt.Sprintf("duplicate node id %q", n.NodeID))
		}
		g.nodes[n.NodeID] = n
		g.order = append(g.order, n.NodeID)
		g.indegree[n.NodeID] = 0
	}

	addEdge := func(from, to string) {
		for _, existing := range g.succ[from] {
			if existing == to {
				return
			}
		}
		g.succ[from] = append(g.succ[from], to)
		g.indegree[to]++
	}

	for _, e := range wf.Edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, types.NewError(types.ErrInvalidWorkflow,
				fmt.Sprintf("edge references undeclared node %q", e.From))
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, types.NewError(types.ErrInvalidWorkflow,
				fmt.Sprintf("edge references undeclared node %q", e.To))
		}
		if e.From == e.To {
			return nil, types.NewError(types.ErrCyclicWorkflow,
				fmt.Sprintf("node %q depends on itself", e.From))
		}
		addEdge(e.From, e.To)
	}

	// Placeholder references are data dependencies: fold them into the
	// graph before the cycle check so ${X} in Y implies X→Y.
	for _, id := range g.order {
		for _, ref := range collectRefs(g.nodes[id].Inputs) {
			if ref.Node == globalRef {
				continue
			}
			if _, ok := g.nodes[ref.Node]; !ok {
				return nil, types.NewError(types.ErrInvalidWorkflow,
					fmt.Sprintf("node %q references undeclared node %q", id, ref.Node))
			}
			if ref.Node == id {
				return nil, types.NewError(types.ErrInvalidWorkflow,
					fmt.Sprintf("node %q references itself", id))
			}
			addEdge(ref.Node, id)
		}
	}

	if cycle := findCycle(g); cycle != "" {
		return nil, types.NewError(types.ErrCyclicWorkflow,
			fmt.Sprintf("workflow contains a cycle through node %q", cycle))
	}

	return g, nil
}

// findCycle runs a white/grey/black DFS and returns a node on a cycle, or
// the empty string for an acyclic graph.
func findCycle(g *graph) string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, next := range g.succ[id] {
			switch color[next] {
			case grey:
				return next
			case white:
				if c := visit(next); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, id := range g.order {
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}
