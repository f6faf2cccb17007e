package aml

import (
	"math"
	"sort"
	"time"

	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
)

// ScoreFunc turns a typology's evidence and the base address risk (0-100)
// into a pattern score in [0,1].
type ScoreFunc func(evidence []Evidence, baseRiskScore float64) float64

// WeightFunc maps a pattern attribute to a composite risk multiplier weight
type WeightFunc[T any] func(T) float64

// baseRiskPull is how far a maximal base risk moves a score towards 1.0
const baseRiskPull = 0.5

// WeightedScore is the default ScoreFunc: the weight-normalised mean of the
// evidence scores, pulled towards 1.0 in proportion to the base risk.
func WeightedScore(evidence []Evidence, baseRiskScore float64) float64 {
	var sum, weights float64
	for _, e := range evidence {
		if e.Weight <= 0 || math.IsNaN(e.Score) {
			continue
		}
		sum += e.Weight * clamp01(e.Score)
		weights += e.Weight
	}
	if weights == 0 {
		return 0
	}
	s := sum / weights
	return clamp01(s + (1-s)*baseRiskPull*clamp01(baseRiskScore/100))
}

// LogValueWeight returns a logarithmic value curve reaching ceiling at saturation
func LogValueWeight(saturation decimal.Decimal, ceiling float64) WeightFunc[decimal.Decimal] {
	return func(v decimal.Decimal) float64 {
		if !v.IsPositive() || !saturation.IsPositive() {
			return 0
		}
		top := math.Log10(1 + saturation.InexactFloat64())
		if top <= 0 {
			return 0
		}
		return ceiling * clamp01(math.Log10(1+v.InexactFloat64())/top)
	}
}

// LinearTimeWeight returns a duration curve growing linearly up to saturation
func LinearTimeWeight(saturation time.Duration, ceiling float64) WeightFunc[time.Duration] {
	return func(d time.Duration) float64 {
		if d <= 0 || saturation <= 0 {
			return 0
		}
		return ceiling * clamp01(float64(d)/float64(saturation))
	}
}

// ─── Evidence helpers shared by the matchers ───────────────────────────

func signal(kind string, weight, score float64, data map[string]interface{}) Evidence {
	return Evidence{Type: kind, Weight: weight, Score: clamp01(score), Data: data}
}

// amountUniformity is 1 - coefficient of variation of the amounts, floored at 0
func amountUniformity(flows []models.TransferRecord) float64 {
	if len(flows) == 0 {
		return 0
	}
	values := make([]float64, len(flows))
	var mean float64
	for i, f := range flows {
		values[i] = f.Amount.InexactFloat64()
		mean += values[i]
	}
	mean /= float64(len(values))
	if mean <= 0 {
		return 0
	}
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return clamp01(1 - math.Sqrt(variance)/mean)
}

// ratio returns min(a,b)/max(a,b) for non-negative amounts, 0 when both are zero
func ratio(a, b decimal.Decimal) float64 {
	lo, hi := a, b
	if lo.GreaterThan(hi) {
		lo, hi = hi, lo
	}
	if !hi.IsPositive() {
		return 0
	}
	return clamp01(lo.Div(hi).InexactFloat64())
}

// saturating grows linearly from 0 at n=0 to 1 at n=full
func saturating(n, full int) float64 {
	if full <= 0 {
		return 1
	}
	return clamp01(float64(n) / float64(full))
}

// tempoScore is 1 for instantaneous gaps and 0 at maxGap
func tempoScore(avgGap, maxGap time.Duration) float64 {
	if maxGap <= 0 {
		return 0
	}
	return clamp01(1 - float64(avgGap)/float64(maxGap))
}

func sumAmounts(flows []models.TransferRecord) decimal.Decimal {
	total := decimal.Zero
	for _, f := range flows {
		total = total.Add(f.Amount)
	}
	return total
}

func averageGap(flows []models.TransferRecord) time.Duration {
	if len(flows) < 2 {
		return 0
	}
	sorted := sortedByTime(flows)
	return sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp) / time.Duration(len(sorted)-1)
}

func distinctCount(values []string) int {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		seen[v] = true
	}
	return len(seen)
}

// sortedByTime returns a stable time-ordered copy of flows
func sortedByTime(flows []models.TransferRecord) []models.TransferRecord {
	out := append([]models.TransferRecord(nil), flows...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
