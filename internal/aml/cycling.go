package aml

import (
	"sort"
	"time"

	"github.com/rawblock/aml-engine/pkg/models"
)

// Cycling Detection
//
// Round-tripping sends value through a ring of addresses back to where it
// started:
//
//   A ──▶ B ──▶ C
//   ▲           │
//   └───────────┘
//
// Simple cycles are enumerated with an explicit stack. Each cycle is
// reported once: its canonical start is the lowest address in the ring and
// the walk only visits addresses ordered after it. A cycle is kept when some
// rotation has a time-ordered witness walk, one transfer per edge, with
// every hop within MaxTimeGap of the previous one.

// maxCycles bounds cycle enumeration on dense graphs
const maxCycles = 10000

// NewCyclingDetector creates the cycling matcher
func NewCyclingDetector(cfg MatcherConfig) Detector {
	return &matcher{
		kind: PatternCycling,
		cfg:  cfg,
		candidates: func(flows []models.TransferRecord, _ acceptFunc) []candidate {
			return cyclingCandidates(flows, cfg)
		},
	}
}

func cyclingCandidates(flows []models.TransferRecord, cfg MatcherConfig) []candidate {
	graph := BuildFlowGraph(flows, nil)

	var out []candidate
	for _, ring := range simpleCycles(graph, cfg.MinFlowCount, cfg.MaxFlowCount) {
		witness := temporalWitness(graph, ring, cfg)
		if witness == nil {
			continue
		}
		out = append(out, candidate{flows: witness, evidence: cyclingEvidence(witness, cfg)})
	}
	return out
}

type cycleFrame struct {
	node string
	path []string
}

// simpleCycles returns address rings with between minLen and maxLen edges
func simpleCycles(g *FlowGraph, minLen, maxLen int) [][]string {
	if minLen < 2 {
		minLen = 2
	}
	nodes := g.Nodes()
	rank := make(map[string]int, len(nodes))
	for i, n := range nodes {
		rank[n] = i
	}

	var cycles [][]string
	for _, origin := range nodes {
		stack := []cycleFrame{{node: origin, path: []string{origin}}}
		for len(stack) > 0 {
			frame := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			next := g.Successors(frame.node)
			for i := len(next) - 1; i >= 0; i-- {
				to := next[i]
				if to == origin {
					if len(frame.path) >= minLen {
						cycles = append(cycles, frame.path)
						if len(cycles) >= maxCycles {
							return cycles
						}
					}
					continue
				}
				if rank[to] < rank[origin] || onPath(frame.path, to) || len(frame.path) >= maxLen {
					continue
				}
				path := make([]string, len(frame.path), len(frame.path)+1)
				copy(path, frame.path)
				stack = append(stack, cycleFrame{node: to, path: append(path, to)})
			}
		}
	}
	return cycles
}

// temporalWitness picks one transfer per ring edge so that the walk is
// time-ordered and every hop follows the previous one within MaxTimeGap.
// Every rotation and every first transfer is tried; later hops backtrack
// over the admissible transfers of each edge. Returns nil when none exists.
func temporalWitness(g *FlowGraph, ring []string, cfg MatcherConfig) []models.TransferRecord {
	var best []models.TransferRecord
	n := len(ring)
	for r := 0; r < n; r++ {
		for _, first := range g.Transfers(ring[r], ring[(r+1)%n]) {
			walk := extendWalk(g, ring, r, []models.TransferRecord{first}, cfg.MaxTimeGap)
			if walk != nil && (best == nil || walk[0].Timestamp.Before(best[0].Timestamp)) {
				best = walk
			}
		}
	}
	return best
}

// extendWalk completes walk around the ring starting at rotation r, trying
// each edge's transfers in time order. Depth is bounded by the ring length.
func extendWalk(g *FlowGraph, ring []string, r int, walk []models.TransferRecord, maxGap time.Duration) []models.TransferRecord {
	n, k := len(ring), len(walk)
	if k == n {
		return walk
	}
	prev := walk[k-1]
	for _, t := range g.Transfers(ring[(r+k)%n], ring[(r+k+1)%n]) {
		if t.Timestamp.Before(prev.Timestamp) {
			continue
		}
		if t.Timestamp.Sub(prev.Timestamp) > maxGap {
			break
		}
		if done := extendWalk(g, ring, r, append(walk[:k:k], t), maxGap); done != nil {
			return done
		}
	}
	return nil
}

func cyclingEvidence(walk []models.TransferRecord, cfg MatcherConfig) []Evidence {
	first, last := walk[0], walk[len(walk)-1]
	avgGap := averageGap(walk)

	ring := make([]string, len(walk))
	for i, f := range walk {
		ring[i] = f.From
	}
	sort.Strings(ring)

	return []Evidence{
		signal("cycle_length", 0.30, saturating(len(walk), cfg.MinFlowCount+1), map[string]interface{}{
			"edges": len(walk),
			"ring":  ring,
		}),
		signal("value_return", 0.40, ratio(first.Amount, last.Amount), map[string]interface{}{
			"sent":     first.Amount.String(),
			"returned": last.Amount.String(),
			"origin":   first.From,
		}),
		signal("temporal_order", 0.30, tempoScore(avgGap, cfg.MaxTimeGap), map[string]interface{}{
			"avgGapSeconds": avgGap.Seconds(),
		}),
	}
}
