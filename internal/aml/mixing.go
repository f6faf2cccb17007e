package aml

import (
	"sort"

	"github.com/rawblock/aml-engine/pkg/models"
)

// Mixing Detection
//
// A merge point collects value from many senders and pays it out to many
// receivers, breaking the link between the two sides:
//
//   S₁ ─┐         ┌─▶ R₁
//   S₂ ─┼─▶ M ────┼─▶ R₂
//   S₃ ─┘         └─▶ R₃
//
// An address qualifies when both its inbound and outbound flow counts fall
// within [MinFlowCount, MaxFlowCount]. The pattern covers both sides.

// NewMixingDetector creates the mixing matcher
func NewMixingDetector(cfg MatcherConfig) Detector {
	return &matcher{
		kind: PatternMixing,
		cfg:  cfg,
		candidates: func(flows []models.TransferRecord, _ acceptFunc) []candidate {
			return mixingCandidates(flows, cfg)
		},
	}
}

func mixingCandidates(flows []models.TransferRecord, cfg MatcherConfig) []candidate {
	inbound := make(map[string][]models.TransferRecord)
	outbound := make(map[string][]models.TransferRecord)
	for _, f := range flows {
		if f.From == f.To {
			continue
		}
		outbound[f.From] = append(outbound[f.From], f)
		inbound[f.To] = append(inbound[f.To], f)
	}

	addrs := make([]string, 0, len(inbound))
	for addr := range inbound {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var out []candidate
	for _, addr := range addrs {
		in, outs := inbound[addr], outbound[addr]
		if !cfg.countInRange(len(in)) || !cfg.countInRange(len(outs)) {
			continue
		}
		union := sortedByTime(append(append([]models.TransferRecord(nil), in...), outs...))
		out = append(out, candidate{flows: union, evidence: mixingEvidence(addr, in, outs, cfg)})
	}
	return out
}

func mixingEvidence(addr string, in, outs []models.TransferRecord, cfg MatcherConfig) []Evidence {
	totalIn, totalOut := sumAmounts(in), sumAmounts(outs)

	// Outbound payments released within MaxTimeGap of an earlier deposit
	sortedIn := sortedByTime(in)
	turnaround := 0
	for _, o := range outs {
		for _, i := range sortedIn {
			if i.Timestamp.After(o.Timestamp) {
				break
			}
			if o.Timestamp.Sub(i.Timestamp) <= cfg.MaxTimeGap {
				turnaround++
				break
			}
		}
	}

	balance := float64(min(len(in), len(outs))) / float64(max(len(in), len(outs)))

	return []Evidence{
		signal("fan_in", 0.20, saturating(len(in), cfg.MinFlowCount*2), map[string]interface{}{
			"mergePoint": addr,
			"inbound":    len(in),
		}),
		signal("fan_out", 0.20, saturating(len(outs), cfg.MinFlowCount*2), map[string]interface{}{
			"outbound": len(outs),
		}),
		signal("io_balance", 0.15, balance, nil),
		signal("value_conservation", 0.25, ratio(totalIn, totalOut), map[string]interface{}{
			"totalIn":  totalIn.String(),
			"totalOut": totalOut.String(),
		}),
		signal("output_uniformity", 0.20, amountUniformity(outs), nil),
		signal("turnaround", 0.15, float64(turnaround)/float64(len(outs)), map[string]interface{}{
			"withinGap": turnaround,
		}),
	}
}
