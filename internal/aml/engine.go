package aml

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ProfileSource supplies address risk profiles. A nil profile with a nil
// error means the address is unknown.
type ProfileSource interface {
	GetProfile(ctx context.Context, address string) (*models.AddressRiskProfile, error)
}

// Engine orchestrates one analysis call:
//  1. resolve each target's risk profile
//  2. extract flows per target (merged and deduplicated for groups)
//  3. run the five typology detectors with the highest target risk as base
//  4. keep patterns scoring at least MinPatternConfidence
//  5. hand them to the alert generator
//  6. summarise the analysed window
//
// Collaborator reads for different targets run concurrently; everything
// after the fetch is synchronous. A call either fully succeeds or returns
// a single MoneyLaunderingError naming the targets.
type Engine struct {
	cfg       DetectorConfig
	flows     *FlowAnalyzer
	profiles  ProfileSource
	detectors []Detector
	alerts    *AlertGenerator
	logger    *logrus.Logger
}

// NewEngine wires an engine. A nil alerts generator gets one built from cfg.Alerts.
func NewEngine(ledger LedgerSource, profiles ProfileSource, cfg DetectorConfig, alerts *AlertGenerator, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if alerts == nil {
		alerts = NewAlertGenerator(cfg.Alerts, logger, nil)
	}
	return &Engine{
		cfg:       cfg,
		flows:     NewFlowAnalyzer(ledger, cfg, logger),
		profiles:  profiles,
		detectors: NewDetectors(cfg),
		alerts:    alerts,
		logger:    logger,
	}
}

// Alerts exposes the engine's alert generator
func (e *Engine) Alerts() *AlertGenerator {
	return e.alerts
}

// AnalyzeAddress runs detection for a single address. Zero start/end mean unset.
func (e *Engine) AnalyzeAddress(ctx context.Context, address string, start, end time.Time) (*DetectionResult, error) {
	return e.analyze(ctx, []string{address}, start, end)
}

// AnalyzeAddressGroup runs detection over the merged flows of several addresses
func (e *Engine) AnalyzeAddressGroup(ctx context.Context, addresses []string, start, end time.Time) (*DetectionResult, error) {
	return e.analyze(ctx, addresses, start, end)
}

func (e *Engine) analyze(ctx context.Context, addresses []string, start, end time.Time) (*DetectionResult, error) {
	targets, err := normalizeTargets(addresses)
	if err != nil {
		return nil, newError(StageAnalyzeFlows, addresses, "invalid targets", err)
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil, newError(StageAnalyzeFlows, targets, "start time after end time", nil)
	}

	began := time.Now()
	profiles, perTarget, err := e.fetch(ctx, targets, start, end)
	if err != nil {
		stage := StageAnalyzeFlows
		var mle *MoneyLaunderingError
		if errors.As(err, &mle) {
			stage = mle.Stage
		}
		return nil, newError(stage, targets, "analysis failed", err)
	}

	flows := mergeFlows(perTarget)

	baseRisk := 0.0
	for _, p := range profiles {
		if p != nil && p.RiskScore > baseRisk {
			baseRisk = p.RiskScore
		}
	}

	patterns, err := e.detect(flows, baseRisk)
	if err != nil {
		return nil, newError(StageDetectPatterns, targets, "pattern detection failed", err)
	}

	alerts, err := e.alerts.GenerateAlerts(patterns, profiles)
	if err != nil {
		return nil, newError(StageGenerateAlerts, targets, "alert generation failed", err)
	}

	result := &DetectionResult{
		Addresses: targets,
		Alerts:    alerts,
		Patterns:  patterns,
		Stats:     computeStats(flows, patterns),
	}

	e.logger.WithFields(logrus.Fields{
		"addresses": strings.Join(targets, ","),
		"flows":     len(flows),
		"patterns":  len(patterns),
		"alerts":    len(alerts),
		"elapsed":   time.Since(began).String(),
	}).Info("[Engine] Analysis complete")

	return result, nil
}

// fetch resolves profiles and flows for every target concurrently
func (e *Engine) fetch(ctx context.Context, targets []string, start, end time.Time) (map[string]*models.AddressRiskProfile, [][]models.TransferRecord, error) {
	profileList := make([]*models.AddressRiskProfile, len(targets))
	perTarget := make([][]models.TransferRecord, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range targets {
		g.Go(func() error {
			if e.profiles == nil {
				return nil
			}
			p, err := e.profiles.GetProfile(gctx, addr)
			if err != nil {
				return newError(StageFetchProfile, []string{addr}, "failed to fetch risk profile", err)
			}
			profileList[i] = p
			return nil
		})
		g.Go(func() error {
			flows, err := e.flows.AnalyzeFlows(gctx, addr, start, end)
			if err != nil {
				return err
			}
			perTarget[i] = flows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	profiles := make(map[string]*models.AddressRiskProfile, len(targets))
	for i, addr := range targets {
		if profileList[i] != nil {
			profiles[addr] = profileList[i]
		}
	}
	return profiles, perTarget, nil
}

// detect runs every typology detector and keeps patterns at or above MinPatternConfidence
func (e *Engine) detect(flows []models.TransferRecord, baseRisk float64) (patterns []FlowPattern, err error) {
	defer func() {
		if r := recover(); r != nil {
			patterns = nil
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()

	for _, d := range e.detectors {
		found := d.Detect(flows, baseRisk)
		kept := 0
		for _, p := range found {
			if p.Score < e.cfg.MinPatternConfidence {
				continue
			}
			patterns = append(patterns, p)
			kept++
		}
		if len(found) > 0 {
			e.logger.WithFields(logrus.Fields{
				"typology": d.Type(),
				"found":    len(found),
				"kept":     kept,
			}).Debug("[Engine] Detector finished")
		}
	}
	return patterns, nil
}

func normalizeTargets(addresses []string) ([]string, error) {
	if len(addresses) == 0 {
		return nil, errors.New("no addresses given")
	}
	seen := make(map[string]bool, len(addresses))
	targets := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return nil, errors.New("empty address")
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		targets = append(targets, addr)
	}
	return targets, nil
}

// mergeFlows collapses transfers seen from several targets into one time-ordered list
func mergeFlows(perTarget [][]models.TransferRecord) []models.TransferRecord {
	seen := make(map[models.FlowKey]bool)
	var merged []models.TransferRecord
	for _, flows := range perTarget {
		for _, f := range flows {
			if seen[f.Key()] {
				continue
			}
			seen[f.Key()] = true
			merged = append(merged, f)
		}
	}
	return sortedByTime(merged)
}

func computeStats(flows []models.TransferRecord, patterns []FlowPattern) DetectionStats {
	stats := DetectionStats{
		TotalFlows:          len(flows),
		TotalValue:          decimal.Zero,
		PatternDistribution: make(map[PatternType]int, len(AllPatternTypes)),
	}
	for _, t := range AllPatternTypes {
		stats.PatternDistribution[t] = 0
	}

	addrs := make(map[string]bool)
	for i, f := range flows {
		stats.TotalValue = stats.TotalValue.Add(f.Amount)
		addrs[f.From] = true
		addrs[f.To] = true
		if i == 0 || f.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = f.Timestamp
		}
		if i == 0 || f.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = f.Timestamp
		}
	}
	stats.UniqueAddresses = len(addrs)

	flowCount := 0
	for _, p := range patterns {
		stats.PatternDistribution[p.Type]++
		flowCount += len(p.Flows)
	}
	if len(patterns) > 0 {
		stats.AverageFlowsPerPattern = float64(flowCount) / float64(len(patterns))
	}
	return stats
}
