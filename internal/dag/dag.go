// SPDX-License-Identifier: MPL-2.0

// Package dag provides directed acyclic graph operations for topological sorting
// and cycle detection. It is used by the target graph to order package builds.
package dag

import (
	"fmt"
	"slices"
	"strings"
)

type (
	// CycleError indicates that the graph contains a cycle, preventing topological ordering.
	CycleError struct {
		// Cycle is one closed path through the graph, starting and ending at the
		// same node (e.g. [a b c a]).
		Cycle []string
	}

	// Graph is a directed graph for topological sorting.
	// Nodes are identified by string keys. An edge from A to B means A must be
	// built before B.
	Graph struct {
		// successors maps each node to the nodes that must come after it.
		successors map[string][]string
		// predecessors maps each node to the nodes that must come before it.
		predecessors map[string][]string
		// nodes tracks all nodes in insertion order for deterministic output.
		nodes []string
		// index maps a node to its insertion position.
		index map[string]int
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		successors:   make(map[string][]string),
		predecessors: make(map[string][]string),
		index:        make(map[string]int),
	}
}

// AddNode adds a node to the graph. If the node already exists, this is a no-op.
func (g *Graph) AddNode(name string) {
	if _, ok := g.index[name]; ok {
		return
	}
	g.index[name] = len(g.nodes)
	g.nodes = append(g.nodes, name)
}

// AddEdge adds a directed edge from -> to, meaning "from" must be built before "to".
// Both nodes are implicitly added if they don't exist. Repeated edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	if slices.Contains(g.successors[from], to) {
		return
	}
	g.successors[from] = append(g.successors[from], to)
	g.predecessors[to] = append(g.predecessors[to], from)
}

// HasNode reports whether name was added to the graph.
func (g *Graph) HasNode(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []string {
	return slices.Clone(g.nodes)
}

// Successors returns the direct successors of name in edge insertion order.
func (g *Graph) Successors(name string) []string {
	return slices.Clone(g.successors[name])
}

// Predecessors returns the direct predecessors of name in edge insertion order.
func (g *Graph) Predecessors(name string) []string {
	return slices.Clone(g.predecessors[name])
}

// Ancestors returns every node from which name is reachable, in insertion order.
// The node itself is not included unless it lies on a cycle.
func (g *Graph) Ancestors(name string) []string {
	seen := make(map[string]bool)
	stack := slices.Clone(g.predecessors[name])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.predecessors[n]...)
	}

	var out []string
	for _, n := range g.nodes {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// TopologicalSort returns a valid build order using Kahn's algorithm.
// Returns CycleError if the graph contains a cycle.
// The returned order is deterministic: among nodes that are ready at the same
// time, the one added to the graph first is emitted first.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	for _, node := range g.nodes {
		inDegree[node] = len(g.predecessors[node])
	}

	// ready is kept sorted by insertion index so ties break on declaration order.
	var ready []string
	for _, node := range g.nodes {
		if inDegree[node] == 0 {
			ready = append(ready, node)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		result = append(result, node)

		for _, next := range g.successors[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = g.insertByIndex(ready, next)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, &CycleError{Cycle: g.findCycle(inDegree)}
	}

	return result, nil
}

func (g *Graph) insertByIndex(ready []string, node string) []string {
	pos, _ := slices.BinarySearchFunc(ready, g.index[node], func(n string, idx int) int {
		return g.index[n] - idx
	})
	return slices.Insert(ready, pos, node)
}

// findCycle walks the nodes left over by Kahn's algorithm and returns one
// closed path. Every leftover node has a leftover predecessor, so following
// predecessors must eventually revisit a node.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	var start string
	for _, n := range g.nodes {
		if inDegree[n] > 0 {
			start = n
			break
		}
	}

	pos := make(map[string]int)
	var path []string
	cur := start
	for {
		if i, ok := pos[cur]; ok {
			cycle := slices.Clone(path[i:])
			slices.Reverse(cycle)
			// cycle now lists nodes in edge direction, ending where it starts.
			return append([]string{cycle[len(cycle)-1]}, cycle...)
		}
		pos[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, p := range g.predecessors[cur] {
			if inDegree[p] > 0 {
				next = p
				break
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}
