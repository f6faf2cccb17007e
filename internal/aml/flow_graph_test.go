package aml

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rawblock/aml-engine/pkg/models"
	"github.com/shopspring/decimal"
)

func TestBuildFlowGraph_DropsExcludedAddresses(t *testing.T) {
	records := []models.TransferRecord{
		transfer("A", "B", 10, 0),
		transfer("B", "EXCH", 10, time.Hour),
		transfer("EXCH", "C", 10, 2*time.Hour),
	}

	g := BuildFlowGraph(records, map[string]bool{"EXCH": true})

	if g.HasNode("EXCH") {
		t.Fatalf("expected excluded address to be absent from the graph")
	}
	if g.HasNode("C") {
		t.Fatalf("expected C to be unreachable once its only edge is excluded")
	}
	if g.EdgeCount() != 1 {
		t.Fatalf("expected 1 edge, got %d", g.EdgeCount())
	}
}

func TestEnumeratePaths_RespectsHopBound(t *testing.T) {
	g := BuildFlowGraph(layeringChain(), nil)

	paths, truncated := g.EnumeratePaths("A", 2)
	if truncated {
		t.Fatalf("did not expect truncation on a 5 node chain")
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths within 2 hops, got %d", len(paths))
	}
	for _, p := range paths {
		if len(p)-1 > 2 {
			t.Fatalf("path %v exceeds 2 hops", p)
		}
	}
}

func TestEnumeratePaths_NeverRevisitsNode(t *testing.T) {
	// A → B → A round trip: the return edge closes a cycle and is cut
	records := []models.TransferRecord{
		transfer("A", "B", 10, 0),
		transfer("B", "A", 10, time.Hour),
	}
	g := BuildFlowGraph(records, nil)

	paths, _ := g.EnumeratePaths("A", 5)
	if len(paths) != 1 {
		t.Fatalf("expected only [A B], got %v", paths)
	}
}

func TestEnumeratePaths_UnknownSeed(t *testing.T) {
	g := BuildFlowGraph(layeringChain(), nil)

	paths, _ := g.EnumeratePaths("Z", 5)
	if paths != nil {
		t.Fatalf("expected no paths for an address without activity, got %v", paths)
	}
}

func TestExtractFlows_EachEdgeOnceAndAboveMinimum(t *testing.T) {
	// A→B, B→C and A→C: edge A→B appears on two paths but is collected once
	records := []models.TransferRecord{
		transfer("A", "B", 50, 0),
		transfer("B", "C", 50, time.Hour),
		transfer("A", "C", 50, 2*time.Hour),
		transfer("A", "C", 1, 3*time.Hour), // dust
	}
	g := BuildFlowGraph(records, nil)
	paths, _ := g.EnumeratePaths("A", 3)

	flows := g.ExtractFlows(paths, decimal.NewFromInt(5))

	if len(flows) != 3 {
		t.Fatalf("expected 3 flows, got %d", len(flows))
	}
	seen := make(map[models.FlowKey]bool)
	for i, f := range flows {
		if seen[f.Key()] {
			t.Fatalf("flow %v extracted twice", f.Key())
		}
		seen[f.Key()] = true
		if i > 0 && f.Timestamp.Before(flows[i-1].Timestamp) {
			t.Fatalf("expected time-ordered flows")
		}
	}
}

func TestAnalyzeFlows_EmptyActivity(t *testing.T) {
	analyzer := NewFlowAnalyzer(&fakeLedger{}, DefaultDetectorConfig(), nil)
	start, end := window()

	flows, err := analyzer.AnalyzeFlows(context.Background(), "A", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(flows) != 0 {
		t.Fatalf("expected no flows, got %d", len(flows))
	}
}

func TestAnalyzeFlows_FiltersToWindow(t *testing.T) {
	records := append(layeringChain(), transfer("E", "F", 100, 40*24*time.Hour))
	analyzer := NewFlowAnalyzer(&fakeLedger{records: map[string][]models.TransferRecord{"A": records}}, DefaultDetectorConfig(), nil)
	start, end := window()

	flows, err := analyzer.AnalyzeFlows(context.Background(), "A", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(flows) != 4 {
		t.Fatalf("expected the 4 in-window flows, got %d", len(flows))
	}
}

func TestAnalyzeFlows_DefaultWindowEndsNow(t *testing.T) {
	analyzer := NewFlowAnalyzer(&fakeLedger{}, DefaultDetectorConfig(), nil)
	analyzer.now = func() time.Time { return t0 }

	start, end := analyzer.window(time.Time{}, time.Time{})
	if !end.Equal(t0) {
		t.Fatalf("expected end to default to now, got %v", end)
	}
	if end.Sub(start) != 30*24*time.Hour {
		t.Fatalf("expected a 30 day lookback, got %v", end.Sub(start))
	}
}

func TestAnalyzeFlows_FetchErrorIsUpstream(t *testing.T) {
	boom := errors.New("connection refused")
	analyzer := NewFlowAnalyzer(&fakeLedger{err: boom}, DefaultDetectorConfig(), nil)
	start, end := window()

	_, err := analyzer.AnalyzeFlows(context.Background(), "A", start, end)

	var mle *MoneyLaunderingError
	if !errors.As(err, &mle) {
		t.Fatalf("expected MoneyLaunderingError, got %v", err)
	}
	if mle.Stage != StageFetchActivity || !mle.IsUpstream() {
		t.Fatalf("expected upstream fetch_activity failure, got stage %s", mle.Stage)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to be preserved")
	}
}

func TestAnalyzeFlows_RejectsInvertedRange(t *testing.T) {
	analyzer := NewFlowAnalyzer(&fakeLedger{}, DefaultDetectorConfig(), nil)

	_, err := analyzer.AnalyzeFlows(context.Background(), "A", t0, t0.Add(-time.Hour))
	if err == nil {
		t.Fatalf("expected an error when start is after end")
	}
}
