package aml

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
)

func flatWeights(cfg AlertConfig) AlertConfig {
	cfg.ValueWeight = func(decimal.Decimal) float64 { return 0 }
	cfg.TimeWeight = func(time.Duration) float64 { return 0 }
	return cfg
}

func testPattern(t *testing.T, kind PatternType, score float64, flows []models.TransferRecord) FlowPattern {
	t.Helper()
	p, ok := newPattern(kind, flows, nil, score)
	if !ok {
		t.Fatalf("could not build pattern")
	}
	return p
}

// fanPattern links hub to three addresses private to this pattern
func fanPattern(t *testing.T, hub string, n int) FlowPattern {
	var flows []models.TransferRecord
	for i := 0; i < 3; i++ {
		flows = append(flows, transfer(hub, fmt.Sprintf("P%d-%d", n, i), 100, time.Duration(i)*time.Hour))
	}
	return testPattern(t, PatternSmurfing, 0.96, flows)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestGenerator(cfg AlertConfig, c *clock, suppressed map[string]int) *AlertGenerator {
	g := NewAlertGenerator(cfg, nil, func(_ FlowPattern, reason string) {
		if suppressed != nil {
			suppressed[reason]++
		}
	})
	g.now = c.Now
	g.lastCleanup = c.now
	return g
}

func TestClassifySeverity(t *testing.T) {
	cases := []struct {
		score float64
		want  Severity
	}{
		{0.99, SeverityCritical},
		{0.95, SeverityCritical},
		{0.94, SeverityHigh},
		{0.90, SeverityHigh},
		{0.85, SeverityMedium},
		{0.80, SeverityMedium},
		{0.79, SeverityLow},
		{0.10, SeverityLow},
	}
	for _, tc := range cases {
		if got := ClassifySeverity(tc.score); got != tc.want {
			t.Fatalf("score %.2f: expected %s, got %s", tc.score, tc.want, got)
		}
	}
}

func TestGenerateAlerts_CompositeBelowThreshold(t *testing.T) {
	// Scenario: pattern 0.96 is critical, but profile risk 64 drags the
	// composite to 0.80, under the 0.95 critical threshold
	suppressed := make(map[string]int)
	g := newTestGenerator(flatWeights(DefaultAlertConfig()), &clock{now: t0}, suppressed)
	p := testPattern(t, PatternLayering, 0.96, layeringChain())
	profiles := map[string]*models.AddressRiskProfile{
		"A": {Address: "A", RiskScore: 64},
	}

	if ClassifySeverity(p.Score) != SeverityCritical {
		t.Fatalf("expected pattern to classify as critical")
	}
	if got := g.compositeScore(p, profiles); got < 0.7999 || got > 0.8001 {
		t.Fatalf("expected composite 0.80, got %f", got)
	}

	alerts, err := g.GenerateAlerts([]FlowPattern{p}, profiles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("expected the alert to be rejected, got %d", len(alerts))
	}
	if suppressed[SuppressedBelowThreshold] != 1 {
		t.Fatalf("expected one below_threshold suppression, got %v", suppressed)
	}
}

func TestGenerateAlerts_EmitsAlert(t *testing.T) {
	g := newTestGenerator(flatWeights(DefaultAlertConfig()), &clock{now: t0}, nil)
	p := testPattern(t, PatternLayering, 0.96, layeringChain())

	alerts, err := g.GenerateAlerts([]FlowPattern{p}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if !strings.HasPrefix(a.ID, fmt.Sprintf("ML-%d-", t0.UnixMilli())) {
		t.Fatalf("unexpected alert id %s", a.ID)
	}
	if a.Severity != SeverityCritical {
		t.Fatalf("expected critical severity, got %s", a.Severity)
	}
	if !strings.HasPrefix(a.Description, "[CRITICAL] layering") {
		t.Fatalf("unexpected description %q", a.Description)
	}
	if len(a.Addresses) != 5 {
		t.Fatalf("expected 5 alert addresses, got %d", len(a.Addresses))
	}
	if a.Metadata["flowCount"] != 4 {
		t.Fatalf("expected flowCount metadata 4, got %v", a.Metadata["flowCount"])
	}
	if len(g.LiveAlerts()) != 1 {
		t.Fatalf("expected alert to be tracked as live")
	}
}

func TestGenerateAlerts_MinSeverityScore(t *testing.T) {
	suppressed := make(map[string]int)
	g := newTestGenerator(DefaultAlertConfig(), &clock{now: t0}, suppressed)
	p := testPattern(t, PatternLayering, 0.6, layeringChain())

	alerts, _ := g.GenerateAlerts([]FlowPattern{p}, nil)
	if len(alerts) != 0 || suppressed[SuppressedBelowMinSeverity] != 1 {
		t.Fatalf("expected weak pattern to be skipped, alerts=%d suppressed=%v", len(alerts), suppressed)
	}
}

func TestGenerateAlerts_DropsNearDuplicates(t *testing.T) {
	suppressed := make(map[string]int)
	g := newTestGenerator(flatWeights(DefaultAlertConfig()), &clock{now: t0}, suppressed)
	p := testPattern(t, PatternLayering, 0.96, layeringChain())
	other := testPattern(t, PatternCycling, 0.96, layeringChain())

	alerts, _ := g.GenerateAlerts([]FlowPattern{p, p, other}, nil)

	if len(alerts) != 2 {
		t.Fatalf("expected the repeated layering pattern to be dropped, got %d alerts", len(alerts))
	}
	if suppressed[SuppressedDuplicate] != 1 {
		t.Fatalf("expected one duplicate suppression, got %v", suppressed)
	}
}

func TestGenerateAlerts_RateLimitBlocksWholeAlert(t *testing.T) {
	cfg := flatWeights(DefaultAlertConfig())
	cfg.MaxAlertsPerAddress = 2
	suppressed := make(map[string]int)
	g := newTestGenerator(cfg, &clock{now: t0}, suppressed)

	patterns := []FlowPattern{fanPattern(t, "HUB", 1), fanPattern(t, "HUB", 2), fanPattern(t, "HUB", 3)}
	alerts, _ := g.GenerateAlerts(patterns, nil)

	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts before HUB is capped, got %d", len(alerts))
	}
	if suppressed[SuppressedRateLimited] != 1 {
		t.Fatalf("expected one rate_limited suppression, got %v", suppressed)
	}
}

func TestGenerateAlerts_ConcurrentCallersShareLiveSet(t *testing.T) {
	// Callers race on the same hub and the same layering chain: the cap and
	// deduplication must hold as if the calls ran one after another.
	const callers = 8
	cfg := flatWeights(DefaultAlertConfig())
	cfg.MaxAlertsPerAddress = 3
	g := newTestGenerator(cfg, &clock{now: t0}, nil)

	chain := testPattern(t, PatternLayering, 0.96, layeringChain())
	fans := make([]FlowPattern, callers)
	for i := range fans {
		fans[i] = fanPattern(t, "HUB", i)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []MoneyLaunderingAlert
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(fan FlowPattern) {
			defer wg.Done()
			alerts, err := g.GenerateAlerts([]FlowPattern{fan, chain}, nil)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			accepted = append(accepted, alerts...)
			mu.Unlock()
		}(fans[i])
	}
	wg.Wait()

	counts := make(map[PatternType]int)
	for _, a := range g.LiveAlerts() {
		counts[a.Pattern.Type]++
	}
	if counts[PatternSmurfing] != cfg.MaxAlertsPerAddress {
		t.Fatalf("expected exactly %d HUB alerts live, got %d", cfg.MaxAlertsPerAddress, counts[PatternSmurfing])
	}
	if counts[PatternLayering] != 1 {
		t.Fatalf("expected one surviving layering alert, got %d", counts[PatternLayering])
	}
	if len(accepted) != cfg.MaxAlertsPerAddress+1 {
		t.Fatalf("expected %d alerts returned across callers, got %d", cfg.MaxAlertsPerAddress+1, len(accepted))
	}
}

func TestGenerateAlerts_CleanupExpiresLiveAlerts(t *testing.T) {
	c := &clock{now: t0}
	g := newTestGenerator(flatWeights(DefaultAlertConfig()), c, nil)
	p := testPattern(t, PatternLayering, 0.96, layeringChain())

	if alerts, _ := g.GenerateAlerts([]FlowPattern{p}, nil); len(alerts) != 1 {
		t.Fatalf("expected first alert")
	}

	c.now = t0.Add(25 * time.Hour)
	alerts, _ := g.GenerateAlerts([]FlowPattern{p}, nil)
	if len(alerts) != 1 {
		t.Fatalf("expected the pattern to alert again after the window, got %d", len(alerts))
	}
	if live := g.LiveAlerts(); len(live) != 1 || !live[0].CreatedAt.Equal(c.now) {
		t.Fatalf("expected only the fresh alert to stay live, got %d", len(live))
	}
}

func TestCompositeScore_Clamped(t *testing.T) {
	g := newTestGenerator(DefaultAlertConfig(), &clock{now: t0}, nil)
	flows := []models.TransferRecord{
		transfer("A", "B", 900000000000, 0),
		transfer("B", "C", 900000000000, 20*24*time.Hour),
	}
	p := testPattern(t, PatternLayering, 1.0, flows)

	if got := g.compositeScore(p, nil); got != 1 {
		t.Fatalf("expected composite clamped to 1, got %f", got)
	}
}

func TestAssignRoles(t *testing.T) {
	roles := AssignRoles(layeringChain())

	if roles["A"] != RoleSource {
		t.Fatalf("expected A to be source, got %s", roles["A"])
	}
	if roles["C"] != RoleIntermediary {
		t.Fatalf("expected C to be intermediary, got %s", roles["C"])
	}
	if roles["E"] != RoleDestination {
		t.Fatalf("expected E to be destination, got %s", roles["E"])
	}
}
