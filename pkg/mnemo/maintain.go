package mnemo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/thiagogaia/mnemo/pkg/health"
	"github.com/thiagogaia/mnemo/pkg/maintenance"
)

// Decay recomputes strength for all active nodes from the forgetting curve
// and flags archival candidates. Runs under the exclusive writer lock.
func (e *Engine) Decay(ctx context.Context) (*maintenance.DecayReport, error) {
	started := time.Now()
	tr := e.startTrace("decay")

	e.mu.Lock()
	report, err := e.decayer.Run(ctx)
	if err == nil {
		e.appendLog(ctx, "decay", started, report)
	}
	e.mu.Unlock()

	e.recordOperation(ctx, "decay", started, err)
	e.finishTrace(ctx, tr, err)
	return report, err
}

// Consolidate runs the sleep cycle over recently touched memory. Phase
// failures are isolated inside the report; the call fails only on setup
// errors.
func (e *Engine) Consolidate(ctx context.Context) (*maintenance.ConsolidateReport, error) {
	started := time.Now()
	tr := e.startTrace("consolidate")

	e.mu.Lock()
	report, err := e.consolidator.Run(ctx)
	if err == nil {
		e.appendLog(ctx, "consolidate", started, report)
	}
	e.mu.Unlock()

	e.recordOperation(ctx, "consolidate", started, err)
	e.recordStorageCounts(ctx)
	e.finishTrace(ctx, tr, err)
	return report, err
}

// Archive moves long-weak flagged nodes out of the active set once their
// grace period has lapsed.
func (e *Engine) Archive(ctx context.Context) (*maintenance.ArchiveReport, error) {
	started := time.Now()
	tr := e.startTrace("archive")

	e.mu.Lock()
	report, err := e.archiver.Run(ctx)
	if err == nil {
		e.appendLog(ctx, "archive", started, report)
	}
	e.mu.Unlock()

	e.recordOperation(ctx, "archive", started, err)
	e.recordStorageCounts(ctx)
	e.finishTrace(ctx, tr, err)
	return report, err
}

// Health produces a diagnostic snapshot of the graph. The monitor itself
// never mutates; the engine records the run in the maintenance log like
// any other scheduled entry point. Taken under the writer lock so counts
// are consistent with no in-flight cycle.
func (e *Engine) Health(ctx context.Context) (*health.Report, error) {
	started := time.Now()
	tr := e.startTrace("health")

	e.mu.Lock()
	report, err := e.monitor.Report(ctx)
	if err == nil {
		e.appendLog(ctx, "health", started, report)
	}
	e.mu.Unlock()

	e.recordOperation(ctx, "health", started, err)
	e.finishTrace(ctx, tr, err)
	return report, err
}

// appendLog records a maintenance run in the append-only log. Failures are
// logged and swallowed: the run itself already committed.
func (e *Engine) appendLog(ctx context.Context, op string, started time.Time, report interface{}) {
	summary, err := json.Marshal(report)
	if err != nil {
		summary = []byte("{}")
	}
	if err := e.store.AppendMaintenanceLog(ctx, op, started, string(summary)); err != nil && e.logger != nil {
		e.logger.Warn("failed to append maintenance log", "operation", op, "error", err)
	}
}
