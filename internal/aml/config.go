package aml

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatcherConfig bounds a single typology detector
type MatcherConfig struct {
	MinConfidence float64       `json:"minConfidence"`
	MaxTimeGap    time.Duration `json:"maxTimeGap"`   // between consecutive evidence transfers
	MinFlowCount  int           `json:"minFlowCount"` // inclusive
	MaxFlowCount  int           `json:"maxFlowCount"` // inclusive

	// Score combines evidence into a pattern score. Nil uses WeightedScore.
	Score ScoreFunc `json:"-"`
}

func (c MatcherConfig) score(evidence []Evidence, baseRiskScore float64) float64 {
	fn := c.Score
	if fn == nil {
		fn = WeightedScore
	}
	return clamp01(fn(evidence, baseRiskScore))
}

func (c MatcherConfig) countInRange(n int) bool {
	return n >= c.MinFlowCount && n <= c.MaxFlowCount
}

// StructuringConfig adds amount similarity controls to MatcherConfig
type StructuringConfig struct {
	MatcherConfig
	AmountTolerance    float64         `json:"amountTolerance"`    // relative band, 0.1 = ±10%
	ReportingThreshold decimal.Decimal `json:"reportingThreshold"` // zero disables threshold proximity
}

// DetectorConfig is the analysis configuration surface
type DetectorConfig struct {
	MinFlowValue         decimal.Decimal `json:"minFlowValue"`
	MaxHops              int             `json:"maxHops"`
	TimeWindowDays       int             `json:"timeWindowDays"`
	MinPatternConfidence float64         `json:"minPatternConfidence"`
	ExcludedAddresses    []string        `json:"excludedAddresses"`

	Layering    MatcherConfig     `json:"layering"`
	Structuring StructuringConfig `json:"structuring"`
	Mixing      MatcherConfig     `json:"mixing"`
	Smurfing    MatcherConfig     `json:"smurfing"`
	Cycling     MatcherConfig     `json:"cycling"`

	Alerts AlertConfig `json:"alerts"`
}

// AlertConfig controls alert classification, rate limiting and deduplication
type AlertConfig struct {
	MinSeverityScore      float64              `json:"minSeverityScore"`
	MaxAlertsPerAddress   int                  `json:"maxAlertsPerAddress"`
	DeduplicationWindow   time.Duration        `json:"deduplicationWindow"`
	NotificationThreshold map[Severity]float64 `json:"notificationThreshold"`

	// ValueWeight and TimeWeight feed the composite risk score. Nil uses the
	// logarithmic value curve and linear duration curve.
	ValueWeight           WeightFunc[decimal.Decimal] `json:"-"`
	TimeWeight            WeightFunc[time.Duration]   `json:"-"`
	ValueWeightSaturation decimal.Decimal             `json:"valueWeightSaturation"`
	TimeWeightSaturation  time.Duration               `json:"timeWeightSaturation"`
}

// DefaultAlertConfig returns the alerting defaults
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		MinSeverityScore:    0.7,
		MaxAlertsPerAddress: 10,
		DeduplicationWindow: 24 * time.Hour,
		NotificationThreshold: map[Severity]float64{
			SeverityLow:      0.7,
			SeverityMedium:   0.8,
			SeverityHigh:     0.9,
			SeverityCritical: 0.95,
		},
		ValueWeightSaturation: decimal.New(1, 12),
		TimeWeightSaturation:  30 * 24 * time.Hour,
	}
}

// DefaultDetectorConfig returns sensible defaults for address analysis
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinFlowValue:         decimal.Zero,
		MaxHops:              5,
		TimeWindowDays:       30,
		MinPatternConfidence: 0.8,
		Layering: MatcherConfig{
			MinConfidence: 0.7,
			MaxTimeGap:    24 * time.Hour,
			MinFlowCount:  3,
			MaxFlowCount:  10,
		},
		Structuring: StructuringConfig{
			MatcherConfig: MatcherConfig{
				MinConfidence: 0.7,
				MaxTimeGap:    24 * time.Hour,
				MinFlowCount:  5,
				MaxFlowCount:  100,
			},
			AmountTolerance: 0.1,
		},
		Mixing: MatcherConfig{
			MinConfidence: 0.7,
			MaxTimeGap:    48 * time.Hour,
			MinFlowCount:  3,
			MaxFlowCount:  100,
		},
		Smurfing: MatcherConfig{
			MinConfidence: 0.7,
			MaxTimeGap:    72 * time.Hour,
			MinFlowCount:  10,
			MaxFlowCount:  50,
		},
		Cycling: MatcherConfig{
			MinConfidence: 0.7,
			MaxTimeGap:    72 * time.Hour,
			MinFlowCount:  3,
			MaxFlowCount:  8,
		},
		Alerts: DefaultAlertConfig(),
	}
}

// timeWindow is the lookback applied when no start time is given
func (c DetectorConfig) timeWindow() time.Duration {
	days := c.TimeWindowDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}
