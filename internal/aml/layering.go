package aml

import (
	"github.com/rawblock/aml-engine/pkg/models"
)

// Layering Detection
//
// Layering moves value through a chain of intermediaries to distance it
// from its origin:
//
//   A ──▶ B ──▶ C ──▶ D ──▶ E
//
// A chain starts at every flow and is extended greedily with the first
// later flow leaving the current tail address, as long as the gap to the
// previous hop stays within MaxTimeGap. Chains never revisit an address;
// round trips belong to the cycling detector. Every prefix whose length is
// within [MinFlowCount, MaxFlowCount] is scored and the longest one reaching
// MinConfidence is kept, so a weak trailing hop does not hide a clean chain.
//
// Signals:
//   - chain length relative to the minimum chain
//   - value preserved hop to hop (min/max amount)
//   - speed of onward movement
//   - asset or bridge hopping along the chain
//
// An accepted chain whose transfers are all part of a longer accepted chain
// is dropped, so an n-hop chain is not reported again for each of its suffixes.

// NewLayeringDetector creates the layering matcher
func NewLayeringDetector(cfg MatcherConfig) Detector {
	return &matcher{
		kind: PatternLayering,
		cfg:  cfg,
		candidates: func(flows []models.TransferRecord, accept acceptFunc) []candidate {
			return layeringCandidates(flows, cfg, accept)
		},
	}
}

func layeringCandidates(flows []models.TransferRecord, cfg MatcherConfig, accept acceptFunc) []candidate {
	sorted := sortedByTime(flows)

	var accepted []candidate
	var chains [][]models.TransferRecord
	for i := range sorted {
		chain := buildChain(sorted, i, cfg)
		for n := min(len(chain), cfg.MaxFlowCount); n >= max(cfg.MinFlowCount, 1); n-- {
			prefix := chain[:n]
			evidence := layeringEvidence(prefix, cfg)
			if accept(evidence) {
				accepted = append(accepted, candidate{flows: prefix, evidence: evidence})
				chains = append(chains, prefix)
				break
			}
		}
	}

	var out []candidate
	for i, c := range accepted {
		if containedInLonger(c.flows, chains, i) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// buildChain extends a chain from sorted[start] up to MaxFlowCount hops
func buildChain(sorted []models.TransferRecord, start int, cfg MatcherConfig) []models.TransferRecord {
	chain := []models.TransferRecord{sorted[start]}
	visited := map[string]bool{sorted[start].From: true, sorted[start].To: true}
	last := start

	for len(chain) < cfg.MaxFlowCount {
		tail := sorted[last]
		next := -1
		for j := last + 1; j < len(sorted); j++ {
			if sorted[j].Timestamp.Sub(tail.Timestamp) > cfg.MaxTimeGap {
				break
			}
			if sorted[j].From == tail.To && !visited[sorted[j].To] {
				next = j
				break
			}
		}
		if next < 0 {
			break
		}
		chain = append(chain, sorted[next])
		visited[sorted[next].To] = true
		last = next
	}
	return chain
}

func containedInLonger(chain []models.TransferRecord, chains [][]models.TransferRecord, self int) bool {
	for j, other := range chains {
		if j == self || len(other) <= len(chain) {
			continue
		}
		keys := flowKeySet(other)
		contained := true
		for _, f := range chain {
			if !keys[f.Key()] {
				contained = false
				break
			}
		}
		if contained {
			return true
		}
	}
	return false
}

func layeringEvidence(chain []models.TransferRecord, cfg MatcherConfig) []Evidence {
	minAmt, maxAmt := chain[0].Amount, chain[0].Amount
	assets := make([]string, 0, len(chain))
	hops := 0
	for _, f := range chain {
		if f.Amount.LessThan(minAmt) {
			minAmt = f.Amount
		}
		if f.Amount.GreaterThan(maxAmt) {
			maxAmt = f.Amount
		}
		if f.Asset != "" {
			assets = append(assets, f.Asset)
		}
		if f.Kind == models.TransferSwap || f.Kind == models.TransferBridge {
			hops++
		}
	}
	avgGap := averageGap(chain)

	ev := []Evidence{
		signal("chain_length", 0.30, saturating(len(chain), cfg.MinFlowCount+1), map[string]interface{}{
			"hops": len(chain),
		}),
		signal("value_preservation", 0.30, ratio(minAmt, maxAmt), map[string]interface{}{
			"minAmount": minAmt.String(),
			"maxAmount": maxAmt.String(),
		}),
		signal("rapid_movement", 0.25, tempoScore(avgGap, cfg.MaxTimeGap), map[string]interface{}{
			"avgGapSeconds": avgGap.Seconds(),
		}),
	}

	// Only present when the chain actually changes asset or chain
	if distinctCount(assets) > 1 || hops > 0 {
		ev = append(ev, signal("distinct_hops", 0.15, 1.0, map[string]interface{}{
			"assets":       distinctCount(assets),
			"swapOrBridge": hops,
		}))
	}
	return ev
}
