package aml

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// PatternType is one of the five laundering typologies
type PatternType string

const (
	PatternLayering    PatternType = "layering"
	PatternStructuring PatternType = "structuring"
	PatternMixing      PatternType = "mixing"
	PatternSmurfing    PatternType = "smurfing"
	PatternCycling     PatternType = "cycling"
)

// AllPatternTypes lists the typologies in detection order
var AllPatternTypes = []PatternType{
	PatternLayering,
	PatternStructuring,
	PatternMixing,
	PatternSmurfing,
	PatternCycling,
}

// Evidence is one weighted signal behind a pattern score
type Evidence struct {
	Type   string                 `json:"type"`
	Weight float64                `json:"weight"`
	Score  float64                `json:"score"` // signal strength, 0.0-1.0
	Data   map[string]interface{} `json:"data,omitempty"`
}

// FlowPattern is a scored typology candidate with its supporting transfers.
// Participants is always the union of From/To over Flows and
// StartTime/EndTime the min/max of their timestamps.
type FlowPattern struct {
	Type         PatternType             `json:"type"`
	Score        float64                 `json:"score"`
	Flows        []models.TransferRecord `json:"flows"`
	Participants []string                `json:"participants"`
	StartTime    time.Time               `json:"startTime"`
	EndTime      time.Time               `json:"endTime"`
	TotalValue   decimal.Decimal         `json:"totalValue"`
	Evidence     []Evidence              `json:"evidence"`
}

// Duration is the time spanned by the pattern's transfers
func (p FlowPattern) Duration() time.Duration {
	return p.EndTime.Sub(p.StartTime)
}

// newPattern derives participants, time bounds and total value from flows.
// Returns false for an empty flow set.
func newPattern(t PatternType, flows []models.TransferRecord, evidence []Evidence, score float64) (FlowPattern, bool) {
	if len(flows) == 0 {
		return FlowPattern{}, false
	}

	seen := make(map[string]bool)
	p := FlowPattern{
		Type:       t,
		Score:      clamp01(score),
		Flows:      append([]models.TransferRecord(nil), flows...),
		StartTime:  flows[0].Timestamp,
		EndTime:    flows[0].Timestamp,
		TotalValue: decimal.Zero,
		Evidence:   evidence,
	}
	for _, f := range flows {
		for _, addr := range []string{f.From, f.To} {
			if !seen[addr] {
				seen[addr] = true
				p.Participants = append(p.Participants, addr)
			}
		}
		if f.Timestamp.Before(p.StartTime) {
			p.StartTime = f.Timestamp
		}
		if f.Timestamp.After(p.EndTime) {
			p.EndTime = f.Timestamp
		}
		p.TotalValue = p.TotalValue.Add(f.Amount)
	}
	sort.Strings(p.Participants)
	return p, true
}

// Severity is the ordinal alert level
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "unknown"
	}
	return severityNames[s]
}

// ParseSeverity maps a severity name back to its level
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// AddressRole is the position of an address inside a pattern
type AddressRole string

const (
	RoleSource       AddressRole = "source"
	RoleIntermediary AddressRole = "intermediary"
	RoleDestination  AddressRole = "destination"
)

// AlertAddress joins a participant's role with its optional risk profile
type AlertAddress struct {
	Address string                     `json:"address"`
	Role    AddressRole                `json:"role"`
	Profile *models.AddressRiskProfile `json:"profile,omitempty"`
}

// MoneyLaunderingAlert is the unit a caller persists and notifies on
type MoneyLaunderingAlert struct {
	ID          string                 `json:"id"`
	CreatedAt   time.Time              `json:"createdAt"`
	Severity    Severity               `json:"severity"`
	Pattern     FlowPattern            `json:"pattern"`
	RiskScore   float64                `json:"riskScore"` // composite, 0.0-1.0
	Addresses   []AlertAddress         `json:"addresses"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// TimeRange is an inclusive [Start, End] interval
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DetectionStats summarises the analysed window
type DetectionStats struct {
	TotalFlows             int                 `json:"totalFlows"`
	TotalValue             decimal.Decimal     `json:"totalValue"`
	UniqueAddresses        int                 `json:"uniqueAddresses"`
	PatternDistribution    map[PatternType]int `json:"patternDistribution"`
	AverageFlowsPerPattern float64             `json:"averageFlowsPerPattern"`
	TimeRange              TimeRange           `json:"timeRange"`
}

// DetectionResult is returned by AnalyzeAddress and AnalyzeAddressGroup
type DetectionResult struct {
	Addresses []string               `json:"addresses"`
	Alerts    []MoneyLaunderingAlert `json:"alerts"`
	Patterns  []FlowPattern          `json:"patterns"`
	Stats     DetectionStats         `json:"stats"`
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
