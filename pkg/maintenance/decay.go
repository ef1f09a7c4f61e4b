// Package maintenance implements the periodic engines that keep the memory
// graph healthy: forgetting-curve decay, the consolidation cycle, and
// archival of faded nodes.
package maintenance

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/thiagogaia/mnemo/pkg/graph"
)

// stateCalibration is the engine-state key holding per-label decay-rate
// multipliers produced by the calibrate phase.
const stateCalibration = "decay_calibration"

// Decayer recomputes per-node strength on the forgetting curve. The
// computation is idempotent and order-independent: no node's decay depends
// on another's.
type Decayer struct {
	store graph.Store

	// Threshold below which a node becomes a decay-candidate (default 0.05).
	Threshold float64

	logger *slog.Logger
}

// NewDecayer creates a Decayer with the default archival threshold.
func NewDecayer(store graph.Store) *Decayer {
	return &Decayer{store: store, Threshold: 0.05}
}

// WithLogger sets an optional logger and returns the same instance.
func (d *Decayer) WithLogger(logger *slog.Logger) *Decayer {
	d.logger = logger
	return d
}

// DecayReport summarizes one decay pass.
type DecayReport struct {
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Examined   int       `json:"examined"`
	Flagged    int       `json:"flagged"`   // Newly below threshold
	Candidates int       `json:"candidates"` // Total below threshold after the pass
}

// Run recomputes strength for every active node and flags decay-candidates.
// Flagging and archiving are separate operations: candidates stay active
// until the Archiver's grace period elapses.
func (d *Decayer) Run(ctx context.Context) (*DecayReport, error) {
	started := time.Now()
	report := &DecayReport{StartedAt: started}

	calibration, err := LoadCalibration(ctx, d.store)
	if err != nil {
		return nil, err
	}

	nodes, err := d.store.AllNodes(ctx, graph.StatusActive)
	if err != nil {
		return nil, err
	}

	batch := d.store.NewBatch()
	now := time.Now()
	for _, node := range nodes {
		report.Examined++

		rate := calibratedRate(node.Labels, calibration)
		days := now.Sub(node.LastAccessedAt).Hours() / 24.0
		if days < 0 {
			days = 0
		}
		strength := math.Exp(-rate * days)

		var flaggedAt *time.Time
		if strength < d.Threshold {
			report.Candidates++
			if node.DecayFlaggedAt != nil {
				flaggedAt = node.DecayFlaggedAt // preserve the original flag time
			} else {
				report.Flagged++
				t := now
				flaggedAt = &t
			}
		}
		batch.SetStrength(node.ID, strength, flaggedAt)
	}

	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}

	report.DurationMs = time.Since(started).Milliseconds()
	if d.logger != nil {
		d.logger.Info("decay pass complete",
			"examined", report.Examined,
			"flagged", report.Flagged,
			"candidates", report.Candidates)
	}
	return report, nil
}

// calibratedRate returns the node's effective decay rate scaled by the
// calibration multiplier of its slowest-forgetting label.
func calibratedRate(labels []graph.Label, calibration map[graph.Label]float64) float64 {
	rate := graph.EffectiveDecayRate(labels)
	if len(calibration) == 0 {
		return rate
	}
	// The label that set the effective rate also supplies the multiplier.
	for _, l := range labels {
		if graph.DecayRate(l) == rate {
			if m, ok := calibration[l]; ok && m > 0 {
				return rate * m
			}
			break
		}
	}
	return rate
}

// LoadCalibration reads the per-label multipliers from engine state.
// Missing state yields an empty map (no correction).
func LoadCalibration(ctx context.Context, store graph.Store) (map[graph.Label]float64, error) {
	raw, err := store.GetState(ctx, stateCalibration)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return map[graph.Label]float64{}, nil
	}
	var calibration map[graph.Label]float64
	if err := json.Unmarshal([]byte(raw), &calibration); err != nil {
		// Corrupt state is dropped rather than wedging decay forever.
		return map[graph.Label]float64{}, nil
	}
	return calibration, nil
}

// SaveCalibration persists per-label multipliers to engine state.
func SaveCalibration(ctx context.Context, store graph.Store, calibration map[graph.Label]float64) error {
	raw, err := json.Marshal(calibration)
	if err != nil {
		return err
	}
	return store.SetState(ctx, stateCalibration, string(raw))
}
