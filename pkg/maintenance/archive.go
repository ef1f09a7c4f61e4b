package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/thiagogaia/mnemo/pkg/graph"
	"github.com/thiagogaia/mnemo/pkg/vector"
)

// Archiver moves long-decayed nodes out of the active working set. Archived
// nodes stay in the graph for connectivity and auditability; only their
// status changes and their vector leaves the search index.
type Archiver struct {
	store graph.Store
	index vector.Index

	// Threshold mirrors the Decayer's archival threshold (default 0.05).
	Threshold float64

	// GracePeriod is how long a node must stay flagged before it is
	// archived (default 14 days).
	GracePeriod time.Duration

	logger *slog.Logger
}

// NewArchiver creates an Archiver with default threshold and grace period.
func NewArchiver(store graph.Store, index vector.Index) *Archiver {
	return &Archiver{
		store:       store,
		index:       index,
		Threshold:   0.05,
		GracePeriod: 14 * 24 * time.Hour,
	}
}

// WithLogger sets an optional logger and returns the same instance.
func (a *Archiver) WithLogger(logger *slog.Logger) *Archiver {
	a.logger = logger
	return a
}

// ArchiveReport summarizes one archival pass.
type ArchiveReport struct {
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Examined   int       `json:"examined"`
	Archived   int       `json:"archived"`
	ArchivedIDs []int64  `json:"archivedIds,omitempty"`
}

// Run archives every active node that has been a decay-candidate for longer
// than the grace period and is still below the threshold. Labels with nearly
// flat decay rates (Person, Domain) never reach the threshold under normal
// timeframes, so they are excluded by the same mechanics.
func (a *Archiver) Run(ctx context.Context) (*ArchiveReport, error) {
	started := time.Now()
	report := &ArchiveReport{StartedAt: started}

	nodes, err := a.store.AllNodes(ctx, graph.StatusActive)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	batch := a.store.NewBatch()
	var archived []int64
	for _, node := range nodes {
		report.Examined++
		if node.DecayFlaggedAt == nil || node.Strength >= a.Threshold {
			continue
		}
		if now.Sub(*node.DecayFlaggedAt) < a.GracePeriod {
			continue
		}
		batch.SetStatus(node.ID, graph.StatusArchived)
		archived = append(archived, node.ID)
	}

	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}

	// Vector removal is advisory: the graph is the system of record and the
	// retrieval path already excludes archived nodes.
	for _, id := range archived {
		if err := a.index.Remove(ctx, id); err != nil && a.logger != nil {
			a.logger.Warn("failed to drop archived vector", "node", id, "error", err)
		}
	}

	report.Archived = len(archived)
	report.ArchivedIDs = archived
	report.DurationMs = time.Since(started).Milliseconds()
	if a.logger != nil {
		a.logger.Info("archival pass complete", "examined", report.Examined, "archived", report.Archived)
	}
	return report, nil
}
