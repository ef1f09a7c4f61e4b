package mnemo

import (
	"context"
	"time"

	"github.com/thiagogaia/mnemo/pkg/retrieval"
)

// Retrieve answers a query with hybrid ranking: vector similarity fused
// with spreading activation over graph edges. Surfaced nodes register an
// access: their strength recovers and co-access bookkeeping is recorded
// under the current session.
func (e *Engine) Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]*retrieval.ScoredNode, error) {
	started := time.Now()
	tr := e.startTrace("retrieve")

	e.applyRetrievalDefaults(&opts)

	e.mu.RLock()
	session := e.sessionID
	end := tr.span("search-vector")
	results, err := e.retriever.Retrieve(ctx, query, opts)
	end(err, map[string]int64{"resultsReturned": int64(len(results))})
	e.mu.RUnlock()

	if err == nil && len(results) > 0 {
		err = e.touchResults(ctx, session, results)
	}

	e.recordOperation(ctx, "retrieve", started, err)
	e.finishTrace(ctx, tr, err)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// applyRetrievalDefaults overlays engine-level retrieval configuration on
// fields the caller left unset.
func (e *Engine) applyRetrievalDefaults(opts *retrieval.Options) {
	defaults := e.config.Retrieval
	if opts.TopK == 0 {
		opts.TopK = defaults.TopK
	}
	if opts.MaxHops == 0 {
		opts.MaxHops = defaults.MaxHops
	}
	if opts.Alpha == 0 {
		opts.Alpha = defaults.Alpha
	}
	if opts.Epsilon == 0 {
		opts.Epsilon = defaults.Epsilon
	}
	if opts.MinScore == 0 {
		opts.MinScore = defaults.MinScore
	}
	if opts.SeedMultiplier == 0 {
		opts.SeedMultiplier = defaults.SeedMultiplier
	}
	if opts.VectorWeight == 0 {
		opts.VectorWeight = defaults.VectorWeight
	}
	if opts.ActivationWeight == 0 {
		opts.ActivationWeight = defaults.ActivationWeight
	}
}

// touchResults applies access bookkeeping to surfaced nodes under the
// writer lock.
func (e *Engine) touchResults(ctx context.Context, session string, results []*retrieval.ScoredNode) error {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Node.ID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.TouchAccess(ctx, ids, e.config.AccessBoost); err != nil {
		return err
	}
	return e.store.RecordAccess(ctx, session, ids, time.Now())
}
