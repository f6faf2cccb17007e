package aml

import (
	"sort"
	"time"

	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// Structuring Detection
//
// Structuring breaks a large amount into many transfers of similar size,
// typically just below a reporting threshold. Flows are cut into
// consecutive, non-overlapping windows of MaxTimeGap; inside a window the
// amounts are sorted and grouped while they stay within AmountTolerance of
// the group's smallest amount.

// thresholdBand is how far below the reporting threshold still counts as "just below"
const thresholdBand = 0.2

// NewStructuringDetector creates the structuring matcher
func NewStructuringDetector(cfg StructuringConfig) Detector {
	return &matcher{
		kind: PatternStructuring,
		cfg:  cfg.MatcherConfig,
		candidates: func(flows []models.TransferRecord, _ acceptFunc) []candidate {
			return structuringCandidates(flows, cfg)
		},
	}
}

func structuringCandidates(flows []models.TransferRecord, cfg StructuringConfig) []candidate {
	var out []candidate
	for _, window := range timeWindows(sortedByTime(flows), cfg.MaxTimeGap) {
		for _, group := range amountGroups(window, cfg.AmountTolerance) {
			if !cfg.countInRange(len(group)) {
				continue
			}
			group = sortedByTime(group)
			out = append(out, candidate{flows: group, evidence: structuringEvidence(group, cfg)})
		}
	}
	return out
}

// timeWindows splits time-ordered flows into consecutive windows of the given width
func timeWindows(sorted []models.TransferRecord, width time.Duration) [][]models.TransferRecord {
	if len(sorted) == 0 {
		return nil
	}
	var windows [][]models.TransferRecord
	windowStart := sorted[0].Timestamp
	current := []models.TransferRecord{}
	for _, f := range sorted {
		if f.Timestamp.Sub(windowStart) >= width && len(current) > 0 {
			windows = append(windows, current)
			current = []models.TransferRecord{}
			windowStart = f.Timestamp
		}
		current = append(current, f)
	}
	return append(windows, current)
}

// amountGroups buckets flows whose amounts lie within tolerance of the bucket's smallest amount
func amountGroups(window []models.TransferRecord, tolerance float64) [][]models.TransferRecord {
	byAmount := append([]models.TransferRecord(nil), window...)
	sort.SliceStable(byAmount, func(i, j int) bool {
		return byAmount[i].Amount.LessThan(byAmount[j].Amount)
	})

	band := decimal.NewFromFloat(1 + tolerance)
	var groups [][]models.TransferRecord
	var group []models.TransferRecord
	var ceiling decimal.Decimal
	for _, f := range byAmount {
		if len(group) == 0 || f.Amount.GreaterThan(ceiling) {
			if len(group) > 0 {
				groups = append(groups, group)
			}
			group = []models.TransferRecord{f}
			ceiling = f.Amount.Mul(band)
			continue
		}
		group = append(group, f)
	}
	if len(group) > 0 {
		groups = append(groups, group)
	}
	return groups
}

func structuringEvidence(group []models.TransferRecord, cfg StructuringConfig) []Evidence {
	senders := make(map[string]int)
	receivers := make(map[string]int)
	for _, f := range group {
		senders[f.From]++
		receivers[f.To]++
	}
	top := 0
	for _, n := range senders {
		top = max(top, n)
	}
	for _, n := range receivers {
		top = max(top, n)
	}

	ev := []Evidence{
		signal("repetition", 0.30, saturating(len(group), cfg.MinFlowCount*2), map[string]interface{}{
			"transfers": len(group),
		}),
		signal("amount_uniformity", 0.30, amountUniformity(group), nil),
		signal("party_concentration", 0.15, float64(top)/float64(len(group)), map[string]interface{}{
			"senders":   len(senders),
			"receivers": len(receivers),
		}),
	}

	if cfg.ReportingThreshold.IsPositive() {
		floor := cfg.ReportingThreshold.Mul(decimal.NewFromFloat(1 - thresholdBand))
		near := 0
		for _, f := range group {
			if f.Amount.GreaterThanOrEqual(floor) && f.Amount.LessThan(cfg.ReportingThreshold) {
				near++
			}
		}
		ev = append(ev, signal("threshold_proximity", 0.25, float64(near)/float64(len(group)), map[string]interface{}{
			"threshold":   cfg.ReportingThreshold.String(),
			"belowNearby": near,
		}))
	}
	return ev
}
