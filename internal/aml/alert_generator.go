package aml

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Alert Generator
//
// Turns qualifying patterns into MoneyLaunderingAlerts. Per pattern, in order:
//   1. lazy cleanup of live alerts older than the deduplication window
//   2. severity from the pattern's own score
//   3. composite risk score (pattern, address profiles, value, duration)
//   4. severity-specific notification threshold
//   5. per-address rate limit over live alerts
//   6. build the alert (id, roles, description, metadata)
//   7. near-duplicate suppression against live alerts
//   8. accept into the live set
//
// The live alert set is process-local and guarded by a single mutex, so
// concurrent callers see rate-limit and dedup decisions in a total order.

// Suppression reasons passed to the suppression hook
const (
	SuppressedBelowMinSeverity = "below_min_severity"
	SuppressedBelowThreshold   = "below_threshold"
	SuppressedRateLimited      = "rate_limited"
	SuppressedDuplicate        = "duplicate"
)

// duplicateOverlap is the share of the smaller address set two alerts must share
const duplicateOverlap = 0.5

// AlertGenerator owns the live alert set and its cleanup clock
type AlertGenerator struct {
	mu          sync.Mutex
	cfg         AlertConfig
	live        map[string]MoneyLaunderingAlert
	lastCleanup time.Time

	valueWeight  WeightFunc[decimal.Decimal]
	timeWeight   WeightFunc[time.Duration]
	onSuppressed func(p FlowPattern, reason string)

	logger *logrus.Logger
	now    func() time.Time
}

// NewAlertGenerator creates a generator with an empty live set. onSuppressed,
// when set, is called for every pattern that does not become an alert.
func NewAlertGenerator(cfg AlertConfig, logger *logrus.Logger, onSuppressed func(p FlowPattern, reason string)) *AlertGenerator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	defaults := DefaultAlertConfig()
	if cfg.NotificationThreshold == nil {
		cfg.NotificationThreshold = defaults.NotificationThreshold
	}
	if cfg.DeduplicationWindow <= 0 {
		cfg.DeduplicationWindow = defaults.DeduplicationWindow
	}

	g := &AlertGenerator{
		cfg:          cfg,
		live:         make(map[string]MoneyLaunderingAlert),
		valueWeight:  cfg.ValueWeight,
		timeWeight:   cfg.TimeWeight,
		onSuppressed: onSuppressed,
		logger:       logger,
		now:          time.Now,
	}
	if g.valueWeight == nil {
		g.valueWeight = LogValueWeight(cfg.ValueWeightSaturation, 0.1)
	}
	if g.timeWeight == nil {
		g.timeWeight = LinearTimeWeight(cfg.TimeWeightSaturation, 0.1)
	}
	g.lastCleanup = g.now()
	return g
}

// ClassifySeverity maps a pattern score onto the fixed severity ladder
func ClassifySeverity(score float64) Severity {
	switch {
	case score >= 0.95:
		return SeverityCritical
	case score >= 0.90:
		return SeverityHigh
	case score >= 0.80:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// GenerateAlerts processes patterns sequentially and returns the accepted alerts.
// profiles is keyed by address; missing entries are treated as unknown.
func (g *AlertGenerator) GenerateAlerts(patterns []FlowPattern, profiles map[string]*models.AddressRiskProfile) (alerts []MoneyLaunderingAlert, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			alerts = nil
			err = newError(StageGenerateAlerts, nil, "internal error", fmt.Errorf("%v", r))
		}
	}()

	for _, p := range patterns {
		now := g.now()
		g.cleanupLocked(now)

		if p.Score < g.cfg.MinSeverityScore {
			g.suppress(p, SuppressedBelowMinSeverity)
			continue
		}

		severity := ClassifySeverity(p.Score)
		risk := g.compositeScore(p, profiles)
		if risk < g.cfg.NotificationThreshold[severity] {
			g.suppress(p, SuppressedBelowThreshold)
			continue
		}

		if capped := g.cappedParticipantLocked(p, now); capped != "" {
			g.logger.WithFields(logrus.Fields{
				"address":  capped,
				"typology": p.Type,
			}).Debug("[AlertGenerator] Address reached alert cap")
			g.suppress(p, SuppressedRateLimited)
			continue
		}

		alert := g.buildAlert(p, severity, risk, profiles, now)

		if dup := g.duplicateOfLocked(alert); dup != "" {
			g.logger.WithFields(logrus.Fields{
				"typology":  p.Type,
				"duplicate": dup,
			}).Debug("[AlertGenerator] Near-duplicate alert dropped")
			g.suppress(p, SuppressedDuplicate)
			continue
		}

		g.live[alert.ID] = alert
		alerts = append(alerts, alert)

		g.logger.WithFields(logrus.Fields{
			"id":        alert.ID,
			"typology":  p.Type,
			"severity":  severity.String(),
			"riskScore": risk,
		}).Info("[AlertGenerator] Alert emitted")
	}
	return alerts, nil
}

// LiveAlerts returns the tracked alerts, most recent first
func (g *AlertGenerator) LiveAlerts() []MoneyLaunderingAlert {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]MoneyLaunderingAlert, 0, len(g.live))
	for _, a := range g.live {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// compositeScore blends pattern confidence, profile risk, value and duration
func (g *AlertGenerator) compositeScore(p FlowPattern, profiles map[string]*models.AddressRiskProfile) float64 {
	score := p.Score

	var riskSum float64
	known := 0
	for _, addr := range p.Participants {
		if prof := profiles[addr]; prof != nil {
			riskSum += prof.RiskScore
			known++
		}
	}
	if known > 0 {
		meanRisk := riskSum / float64(known)
		score = (score + clamp01(meanRisk/100)) / 2
	}

	score *= 1 + safeWeight(g.valueWeight(p.TotalValue))
	score *= 1 + safeWeight(g.timeWeight(p.Duration()))
	return clamp01(score)
}

// safeWeight keeps pluggable weight output non-negative and finite
func safeWeight(w float64) float64 {
	if math.IsNaN(w) || w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

func (g *AlertGenerator) cleanupLocked(now time.Time) {
	if now.Sub(g.lastCleanup) <= g.cfg.DeduplicationWindow {
		return
	}
	cutoff := now.Add(-g.cfg.DeduplicationWindow)
	removed := 0
	for id, a := range g.live {
		if a.CreatedAt.Before(cutoff) {
			delete(g.live, id)
			removed++
		}
	}
	g.lastCleanup = now
	if removed > 0 {
		g.logger.WithField("removed", removed).Debug("[AlertGenerator] Expired alerts cleaned up")
	}
}

// cappedParticipantLocked returns the first participant already holding
// MaxAlertsPerAddress live alerts inside the window, or "".
func (g *AlertGenerator) cappedParticipantLocked(p FlowPattern, now time.Time) string {
	if g.cfg.MaxAlertsPerAddress <= 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, a := range g.live {
		if now.Sub(a.CreatedAt) > g.cfg.DeduplicationWindow {
			continue
		}
		for _, addr := range a.Pattern.Participants {
			counts[addr]++
		}
	}
	for _, addr := range p.Participants {
		if counts[addr] >= g.cfg.MaxAlertsPerAddress {
			return addr
		}
	}
	return ""
}

// duplicateOfLocked returns the id of a live alert the candidate duplicates, or ""
func (g *AlertGenerator) duplicateOfLocked(candidate MoneyLaunderingAlert) string {
	for id, a := range g.live {
		if a.Pattern.Type != candidate.Pattern.Type {
			continue
		}
		gap := candidate.CreatedAt.Sub(a.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > g.cfg.DeduplicationWindow {
			continue
		}
		if addressOverlap(a.Pattern.Participants, candidate.Pattern.Participants) >= duplicateOverlap {
			return id
		}
	}
	return ""
}

// addressOverlap is |a ∩ b| / min(|a|, |b|)
func addressOverlap(a, b []string) float64 {
	smaller := min(len(a), len(b))
	if smaller == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, addr := range a {
		set[addr] = true
	}
	shared := 0
	for _, addr := range b {
		if set[addr] {
			shared++
			delete(set, addr)
		}
	}
	return float64(shared) / float64(smaller)
}

func (g *AlertGenerator) buildAlert(p FlowPattern, severity Severity, risk float64, profiles map[string]*models.AddressRiskProfile, now time.Time) MoneyLaunderingAlert {
	roles := AssignRoles(p.Flows)
	addresses := make([]AlertAddress, 0, len(p.Participants))
	for _, addr := range p.Participants {
		addresses = append(addresses, AlertAddress{
			Address: addr,
			Role:    roles[addr],
			Profile: profiles[addr],
		})
	}

	return MoneyLaunderingAlert{
		ID:          newAlertID(now),
		CreatedAt:   now,
		Severity:    severity,
		Pattern:     p,
		RiskScore:   risk,
		Addresses:   addresses,
		Description: describe(p, severity),
		Metadata: map[string]interface{}{
			"detectedAt": now.UTC().Format(time.RFC3339),
			"typology":   string(p.Type),
			"flowCount":  len(p.Flows),
			"totalValue": p.TotalValue.String(),
			"timeRange": map[string]string{
				"start": p.StartTime.UTC().Format(time.RFC3339),
				"end":   p.EndTime.UTC().Format(time.RFC3339),
			},
		},
	}
}

func (g *AlertGenerator) suppress(p FlowPattern, reason string) {
	if g.onSuppressed != nil {
		g.onSuppressed(p, reason)
	}
}

// AssignRoles derives each address's role from its in/out degree in flows
func AssignRoles(flows []models.TransferRecord) map[string]AddressRole {
	in := make(map[string]int)
	out := make(map[string]int)
	for _, f := range flows {
		out[f.From]++
		in[f.To]++
	}

	roles := make(map[string]AddressRole, len(in)+len(out))
	for _, f := range flows {
		for _, addr := range []string{f.From, f.To} {
			switch {
			case out[addr] > 0 && in[addr] == 0:
				roles[addr] = RoleSource
			case in[addr] > 0 && out[addr] == 0:
				roles[addr] = RoleDestination
			default:
				roles[addr] = RoleIntermediary
			}
		}
	}
	return roles
}

// newAlertID combines the creation time with a random v4 suffix
func newAlertID(now time.Time) string {
	return fmt.Sprintf("ML-%d-%s", now.UnixMilli(), uuid.NewString())
}

func describe(p FlowPattern, severity Severity) string {
	return fmt.Sprintf("[%s] %s pattern across %d addresses: %d transfers totaling %s between %s and %s",
		strings.ToUpper(severity.String()),
		p.Type,
		len(p.Participants),
		len(p.Flows),
		p.TotalValue.String(),
		p.StartTime.UTC().Format(time.RFC3339),
		p.EndTime.UTC().Format(time.RFC3339),
	)
}
