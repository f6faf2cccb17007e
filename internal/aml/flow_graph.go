package aml

import (
	"sort"

	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// Flow Graph
//
// Directed multigraph over the analysed window. Nodes are addresses,
// adjacency is presence-only and each ordered (from, to) pair carries the
// time-ordered transfers between the two addresses.
//
// Invariants:
//   - every address on an edge is a node
//   - excluded addresses never appear, neither as node nor on an edge
//
// The graph is built fresh for each analysis call and discarded once the
// candidate flows are extracted.

// maxEnumeratedPaths bounds path enumeration on dense graphs
const maxEnumeratedPaths = 100000

type edgeKey struct {
	from string
	to   string
}

// FlowGraph is the per-call transfer graph
type FlowGraph struct {
	nodes     map[string]bool
	adjacency map[string]map[string]bool
	transfers map[edgeKey][]models.TransferRecord
}

// BuildFlowGraph indexes transfers, dropping any record with an excluded endpoint
func BuildFlowGraph(records []models.TransferRecord, excluded map[string]bool) *FlowGraph {
	g := &FlowGraph{
		nodes:     make(map[string]bool),
		adjacency: make(map[string]map[string]bool),
		transfers: make(map[edgeKey][]models.TransferRecord),
	}

	for _, r := range sortedByTime(records) {
		if r.From == "" || r.To == "" {
			continue
		}
		if excluded[r.From] || excluded[r.To] {
			continue
		}
		g.nodes[r.From] = true
		g.nodes[r.To] = true

		if g.adjacency[r.From] == nil {
			g.adjacency[r.From] = make(map[string]bool)
		}
		g.adjacency[r.From][r.To] = true

		key := edgeKey{from: r.From, to: r.To}
		g.transfers[key] = append(g.transfers[key], r)
	}
	return g
}

// HasNode checks if an address is part of the graph
func (g *FlowGraph) HasNode(addr string) bool {
	return g.nodes[addr]
}

// Nodes returns all addresses in lexical order
func (g *FlowGraph) Nodes() []string {
	nodes := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// Successors returns the destinations of addr in lexical order
func (g *FlowGraph) Successors(addr string) []string {
	next := make([]string, 0, len(g.adjacency[addr]))
	for to := range g.adjacency[addr] {
		next = append(next, to)
	}
	sort.Strings(next)
	return next
}

// Transfers returns the time-ordered transfers on the from→to edge
func (g *FlowGraph) Transfers(from, to string) []models.TransferRecord {
	return g.transfers[edgeKey{from: from, to: to}]
}

// EdgeCount is the number of distinct ordered address pairs
func (g *FlowGraph) EdgeCount() int {
	return len(g.transfers)
}

type pathFrame struct {
	node string
	path []string
}

// EnumeratePaths walks the graph depth-first from seed for up to maxHops
// edges and returns every path with at least one edge. A node is never
// revisited within the same path, so cycles are cut at the repeat.
// The second return value reports whether enumeration hit the path cap.
func (g *FlowGraph) EnumeratePaths(seed string, maxHops int) ([][]string, bool) {
	if !g.nodes[seed] || maxHops <= 0 {
		return nil, false
	}

	var paths [][]string
	stack := []pathFrame{{node: seed, path: []string{seed}}}

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if len(frame.path) > 1 {
			paths = append(paths, frame.path)
			if len(paths) >= maxEnumeratedPaths {
				return paths, true
			}
		}
		if len(frame.path)-1 >= maxHops {
			continue
		}

		next := g.Successors(frame.node)
		// Reverse push keeps lexical visiting order on pop
		for i := len(next) - 1; i >= 0; i-- {
			to := next[i]
			if onPath(frame.path, to) {
				continue
			}
			path := make([]string, len(frame.path), len(frame.path)+1)
			copy(path, frame.path)
			stack = append(stack, pathFrame{node: to, path: append(path, to)})
		}
	}
	return paths, false
}

// ExtractFlows returns every transfer on an edge of the given paths exactly
// once, keeping only transfers worth at least minValue. Output is time-ordered.
func (g *FlowGraph) ExtractFlows(paths [][]string, minValue decimal.Decimal) []models.TransferRecord {
	processed := make(map[edgeKey]bool)
	var flows []models.TransferRecord

	for _, path := range paths {
		for i := 0; i+1 < len(path); i++ {
			key := edgeKey{from: path[i], to: path[i+1]}
			if processed[key] {
				continue
			}
			processed[key] = true
			for _, r := range g.transfers[key] {
				if r.Amount.LessThan(minValue) {
					continue
				}
				flows = append(flows, r)
			}
		}
	}
	return sortedByTime(flows)
}

func onPath(path []string, addr string) bool {
	for _, p := range path {
		if p == addr {
			return true
		}
	}
	return false
}
