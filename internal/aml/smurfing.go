package aml

import (
	"sort"

	"github.com/rawblock/aml-engine/pkg/models"
)

// Smurfing Detection
//
// A split point fans one balance out to many receivers ("smurfs"). The
// outbound flows of every address are cut into bursts wherever consecutive
// transfers are more than MaxTimeGap apart; a burst qualifies when its size
// lies within [MinFlowCount, MaxFlowCount]. The pattern is exactly the burst.

// NewSmurfingDetector creates the smurfing matcher
func NewSmurfingDetector(cfg MatcherConfig) Detector {
	return &matcher{
		kind: PatternSmurfing,
		cfg:  cfg,
		candidates: func(flows []models.TransferRecord, _ acceptFunc) []candidate {
			return smurfingCandidates(flows, cfg)
		},
	}
}

func smurfingCandidates(flows []models.TransferRecord, cfg MatcherConfig) []candidate {
	outbound := make(map[string][]models.TransferRecord)
	for _, f := range flows {
		if f.From == f.To {
			continue
		}
		outbound[f.From] = append(outbound[f.From], f)
	}

	addrs := make([]string, 0, len(outbound))
	for addr := range outbound {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var out []candidate
	for _, addr := range addrs {
		for _, b := range bursts(sortedByTime(outbound[addr]), cfg) {
			if !cfg.countInRange(len(b)) {
				continue
			}
			out = append(out, candidate{flows: b, evidence: smurfingEvidence(addr, b, cfg)})
		}
	}
	return out
}

// bursts splits time-ordered flows at gaps larger than MaxTimeGap
func bursts(sorted []models.TransferRecord, cfg MatcherConfig) [][]models.TransferRecord {
	if len(sorted) == 0 {
		return nil
	}
	var out [][]models.TransferRecord
	current := []models.TransferRecord{sorted[0]}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Timestamp.Sub(sorted[i-1].Timestamp) > cfg.MaxTimeGap {
			out = append(out, current)
			current = nil
		}
		current = append(current, sorted[i])
	}
	return append(out, current)
}

func smurfingEvidence(addr string, burst []models.TransferRecord, cfg MatcherConfig) []Evidence {
	recipients := make([]string, len(burst))
	for i, f := range burst {
		recipients[i] = f.To
	}
	distinct := distinctCount(recipients)
	avgGap := averageGap(burst)

	return []Evidence{
		signal("fan_out", 0.30, saturating(len(burst), cfg.MinFlowCount*2), map[string]interface{}{
			"splitPoint": addr,
			"transfers":  len(burst),
		}),
		signal("recipient_diversity", 0.30, float64(distinct)/float64(len(burst)), map[string]interface{}{
			"recipients": distinct,
		}),
		signal("amount_uniformity", 0.20, amountUniformity(burst), nil),
		signal("burst_density", 0.20, tempoScore(avgGap, cfg.MaxTimeGap), map[string]interface{}{
			"avgGapSeconds": avgGap.Seconds(),
		}),
	}
}
