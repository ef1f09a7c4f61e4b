// Package health inspects the memory graph and produces a diagnostic
// snapshot: population counts, retention statistics, and actionable
// recommendations.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/thiagogaia/mnemo/pkg/graph"
	"github.com/thiagogaia/mnemo/pkg/vector"
)

// LabelStats aggregates retention figures for one label.
type LabelStats struct {
	Nodes       int     `json:"nodes"`
	AvgStrength float64 `json:"avgStrength"`
	MinStrength float64 `json:"minStrength"`
}

// Report is a point-in-time diagnostic snapshot of the graph.
type Report struct {
	GeneratedAt time.Time `json:"generatedAt"`

	ActiveNodes   int64 `json:"activeNodes"`
	ArchivedNodes int64 `json:"archivedNodes"`
	Edges         int64 `json:"edges"`

	VectorBackend string `json:"vectorBackend"`
	IndexedNodes  int    `json:"indexedNodes"`
	Unembedded    int    `json:"unembedded"`

	Labels map[graph.Label]LabelStats `json:"labels"`

	DecayCandidates int `json:"decayCandidates"`
	CoverageGaps    int `json:"coverageGaps"`

	LastConsolidate time.Time                 `json:"lastConsolidate,omitempty"`
	RecentActivity  []*graph.MaintenanceEntry `json:"recentActivity,omitempty"`
	Recommendations []string                  `json:"recommendations"`
}

// Monitor produces health reports. It reads the graph and engine state but
// never mutates either.
type Monitor struct {
	store  graph.Store
	index  vector.Index
	logger *slog.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(store graph.Store, index vector.Index) *Monitor {
	return &Monitor{store: store, index: index}
}

// WithLogger sets an optional logger and returns the same instance.
func (m *Monitor) WithLogger(logger *slog.Logger) *Monitor {
	m.logger = logger
	return m
}

// Report inspects the graph and returns a diagnostic snapshot.
func (m *Monitor) Report(ctx context.Context) (*Report, error) {
	report := &Report{
		GeneratedAt: time.Now(),
		Labels:      make(map[graph.Label]LabelStats),
	}

	var err error
	if report.ActiveNodes, err = m.store.NodeCount(ctx, graph.StatusActive); err != nil {
		return nil, err
	}
	if report.ArchivedNodes, err = m.store.NodeCount(ctx, graph.StatusArchived); err != nil {
		return nil, err
	}
	if report.Edges, err = m.store.EdgeCount(ctx); err != nil {
		return nil, err
	}

	report.VectorBackend = string(m.index.Name())
	report.IndexedNodes = m.index.Len()

	active, err := m.store.AllNodes(ctx, graph.StatusActive)
	if err != nil {
		return nil, err
	}
	for _, n := range active {
		if len(n.Embedding) == 0 {
			report.Unembedded++
		}
		if n.DecayFlaggedAt != nil {
			report.DecayCandidates++
		}
		for _, l := range n.Labels {
			stats := report.Labels[l]
			if stats.Nodes == 0 || n.Strength < stats.MinStrength {
				stats.MinStrength = n.Strength
			}
			stats.AvgStrength += n.Strength
			stats.Nodes++
			report.Labels[l] = stats
		}
	}
	for l, stats := range report.Labels {
		stats.AvgStrength /= float64(stats.Nodes)
		report.Labels[l] = stats
	}

	if raw, err := m.store.GetState(ctx, "coverage_gaps"); err == nil && raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			report.CoverageGaps = n
		}
	}
	if raw, err := m.store.GetState(ctx, "last_consolidate"); err == nil && raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			report.LastConsolidate = t
		}
	}

	if entries, err := m.store.MaintenanceLog(ctx, 10); err == nil {
		report.RecentActivity = entries
	}

	report.Recommendations = m.recommend(report)
	if m.logger != nil {
		m.logger.Info("health report generated",
			"active", report.ActiveNodes,
			"archived", report.ArchivedNodes,
			"recommendations", len(report.Recommendations))
	}
	return report, nil
}

func (m *Monitor) recommend(r *Report) []string {
	var recs []string

	if r.ActiveNodes > 0 && r.Unembedded > 0 {
		pct := float64(r.Unembedded) / float64(r.ActiveNodes)
		if pct > 0.2 {
			recs = append(recs, fmt.Sprintf(
				"%d of %d active nodes lack embeddings; check the embedding provider and re-encode",
				r.Unembedded, r.ActiveNodes))
		}
	}

	if r.DecayCandidates > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d nodes are flagged for archival; run the archival sweep or access them to retain",
			r.DecayCandidates))
	}

	if r.CoverageGaps > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d labels are under-connected; record more relationships or run consolidation",
			r.CoverageGaps))
	}

	if r.LastConsolidate.IsZero() {
		recs = append(recs, "no consolidation cycle has run yet")
	} else if time.Since(r.LastConsolidate) > 7*24*time.Hour {
		recs = append(recs, fmt.Sprintf(
			"last consolidation ran %s ago; cycles should run at least weekly",
			time.Since(r.LastConsolidate).Round(time.Hour)))
	}

	if r.VectorBackend == string(vector.BackendExact) && r.IndexedNodes > 5000 {
		recs = append(recs, fmt.Sprintf(
			"exact vector search over %d nodes is linear per query; switch to the hnsw backend",
			r.IndexedNodes))
	}

	if r.ActiveNodes > 2 && r.Edges == 0 {
		recs = append(recs, "graph has nodes but no edges; retrieval will rely on similarity alone")
	}

	if len(recs) == 0 {
		recs = append(recs, "memory graph is healthy")
	}
	return recs
}
