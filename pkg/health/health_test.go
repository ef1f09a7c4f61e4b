package health

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/thiagogaia/mnemo/pkg/graph"
	"github.com/thiagogaia/mnemo/pkg/vector"
)

func newTestMonitor(t *testing.T) (*Monitor, *graph.SQLiteStore, *vector.Exact) {
	t.Helper()
	store, err := graph.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	index, err := vector.NewExact(store.DB())
	if err != nil {
		t.Fatalf("NewExact: %v", err)
	}
	return NewMonitor(store, index), store, index
}

func addHealthNode(t *testing.T, store *graph.SQLiteStore, label graph.Label, strength float64, embedded bool) int64 {
	t.Helper()
	now := time.Now()
	node := &graph.Node{
		Labels:         []graph.Label{label},
		Title:          "node",
		Content:        "content",
		CreatedAt:      now,
		LastAccessedAt: now,
		Strength:       strength,
		Status:         graph.StatusActive,
	}
	if embedded {
		node.Embedding = []float32{1, 0, 0}
	}
	id, err := store.AddNode(context.Background(), node)
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	return id
}

func hasRecommendation(recs []string, substr string) bool {
	for _, r := range recs {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func TestReport_CountsAndLabelStats(t *testing.T) {
	monitor, store, index := newTestMonitor(t)
	ctx := context.Background()

	a := addHealthNode(t, store, graph.LabelEpisode, 0.8, true)
	b := addHealthNode(t, store, graph.LabelEpisode, 0.4, true)
	addHealthNode(t, store, graph.LabelDecision, 1.0, false)

	if err := index.Upsert(ctx, a, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := index.Upsert(ctx, b, []float32{0, 1, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.AddEdge(ctx, &graph.Edge{SourceID: a, TargetID: b, Type: graph.EdgeRelatedTo, Weight: 0.5}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	report, err := monitor.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}

	if report.ActiveNodes != 3 {
		t.Errorf("ActiveNodes = %d, want 3", report.ActiveNodes)
	}
	if report.Edges != 1 {
		t.Errorf("Edges = %d, want 1", report.Edges)
	}
	if report.VectorBackend != string(vector.BackendExact) {
		t.Errorf("VectorBackend = %q, want exact", report.VectorBackend)
	}
	if report.IndexedNodes != 2 {
		t.Errorf("IndexedNodes = %d, want 2", report.IndexedNodes)
	}
	if report.Unembedded != 1 {
		t.Errorf("Unembedded = %d, want 1", report.Unembedded)
	}

	episodes := report.Labels[graph.LabelEpisode]
	if episodes.Nodes != 2 {
		t.Errorf("Episode nodes = %d, want 2", episodes.Nodes)
	}
	if diff := episodes.AvgStrength - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Episode AvgStrength = %f, want 0.6", episodes.AvgStrength)
	}
	if episodes.MinStrength != 0.4 {
		t.Errorf("Episode MinStrength = %f, want 0.4", episodes.MinStrength)
	}
}

func TestReport_RecommendsForDecayCandidates(t *testing.T) {
	monitor, store, _ := newTestMonitor(t)
	ctx := context.Background()

	id := addHealthNode(t, store, graph.LabelEpisode, 0.03, true)
	node, err := store.GetNode(ctx, id, false)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	flagged := time.Now().Add(-24 * time.Hour)
	node.DecayFlaggedAt = &flagged
	if err := store.UpdateNode(ctx, node); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	report, err := monitor.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if report.DecayCandidates != 1 {
		t.Errorf("DecayCandidates = %d, want 1", report.DecayCandidates)
	}
	if !hasRecommendation(report.Recommendations, "flagged for archival") {
		t.Errorf("missing archival recommendation, got %v", report.Recommendations)
	}
}

func TestReport_RecommendsConsolidationWhenNeverRun(t *testing.T) {
	monitor, store, _ := newTestMonitor(t)
	ctx := context.Background()

	addHealthNode(t, store, graph.LabelEpisode, 1.0, true)

	report, err := monitor.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !report.LastConsolidate.IsZero() {
		t.Errorf("LastConsolidate = %v, want zero", report.LastConsolidate)
	}
	if !hasRecommendation(report.Recommendations, "no consolidation cycle") {
		t.Errorf("missing consolidation recommendation, got %v", report.Recommendations)
	}
}

func TestReport_RecommendsEdgesForDisconnectedGraph(t *testing.T) {
	monitor, store, _ := newTestMonitor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		addHealthNode(t, store, graph.LabelConcept, 1.0, true)
	}

	report, err := monitor.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !hasRecommendation(report.Recommendations, "no edges") {
		t.Errorf("missing connectivity recommendation, got %v", report.Recommendations)
	}
}

func TestReport_HealthyWhenNothingIsWrong(t *testing.T) {
	monitor, store, _ := newTestMonitor(t)
	ctx := context.Background()

	a := addHealthNode(t, store, graph.LabelEpisode, 1.0, true)
	b := addHealthNode(t, store, graph.LabelPerson, 1.0, true)
	if err := store.AddEdge(ctx, &graph.Edge{SourceID: a, TargetID: b, Type: graph.EdgeAuthoredBy, Weight: 1.0}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := store.SetState(ctx, "last_consolidate", time.Now().Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	report, err := monitor.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(report.Recommendations) != 1 || !hasRecommendation(report.Recommendations, "healthy") {
		t.Errorf("Recommendations = %v, want healthy only", report.Recommendations)
	}
}

func TestReport_SurfacesCoverageGapsAndActivity(t *testing.T) {
	monitor, store, _ := newTestMonitor(t)
	ctx := context.Background()

	addHealthNode(t, store, graph.LabelDecision, 1.0, true)
	if err := store.SetState(ctx, "coverage_gaps", "2"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := store.AppendMaintenanceLog(ctx, "decay", time.Now(), `{"scanned":1}`); err != nil {
		t.Fatalf("AppendMaintenanceLog: %v", err)
	}

	report, err := monitor.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if report.CoverageGaps != 2 {
		t.Errorf("CoverageGaps = %d, want 2", report.CoverageGaps)
	}
	if !hasRecommendation(report.Recommendations, "under-connected") {
		t.Errorf("missing gap recommendation, got %v", report.Recommendations)
	}
	if len(report.RecentActivity) != 1 || report.RecentActivity[0].Operation != "decay" {
		t.Errorf("RecentActivity = %v, want one decay entry", report.RecentActivity)
	}
}
