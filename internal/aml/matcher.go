package aml

import (
	"github.com/rawblock/aml-engine/pkg/models"
)

// Detector is one typology matcher. Detect must not fail on sparse input:
// empty or tiny flow sets yield no patterns.
type Detector interface {
	Type() PatternType
	Detect(flows []models.TransferRecord, baseRiskScore float64) []FlowPattern
}

// candidate is a flow subset proposed by a typology together with its evidence
type candidate struct {
	flows    []models.TransferRecord
	evidence []Evidence
}

// acceptFunc reports whether evidence scores at or above MinConfidence
type acceptFunc func(evidence []Evidence) bool

// matcher is the shared scoring-and-threshold harness. Each typology only
// supplies how candidates are carved out of the flow set.
type matcher struct {
	kind       PatternType
	cfg        MatcherConfig
	candidates func(flows []models.TransferRecord, accept acceptFunc) []candidate
}

func (m *matcher) Type() PatternType {
	return m.kind
}

func (m *matcher) Detect(flows []models.TransferRecord, baseRiskScore float64) []FlowPattern {
	if len(flows) == 0 || m.cfg.MaxFlowCount < m.cfg.MinFlowCount {
		return nil
	}

	accept := func(evidence []Evidence) bool {
		return m.cfg.score(evidence, baseRiskScore) >= m.cfg.MinConfidence
	}

	var patterns []FlowPattern
	for _, c := range m.candidates(flows, accept) {
		score := m.cfg.score(c.evidence, baseRiskScore)
		if score < m.cfg.MinConfidence {
			continue
		}
		if p, ok := newPattern(m.kind, c.flows, c.evidence, score); ok {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// NewDetectors builds the five typology detectors from a detector config
func NewDetectors(cfg DetectorConfig) []Detector {
	return []Detector{
		NewLayeringDetector(cfg.Layering),
		NewStructuringDetector(cfg.Structuring),
		NewMixingDetector(cfg.Mixing),
		NewSmurfingDetector(cfg.Smurfing),
		NewCyclingDetector(cfg.Cycling),
	}
}

func flowKeySet(flows []models.TransferRecord) map[models.FlowKey]bool {
	set := make(map[models.FlowKey]bool, len(flows))
	for _, f := range flows {
		set[f.Key()] = true
	}
	return set
}
