package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/thiagogaia/mnemo/pkg/embeddings"
	"github.com/thiagogaia/mnemo/pkg/graph"
	"github.com/thiagogaia/mnemo/pkg/vector"
)

// Retriever fuses vector similarity with spreading activation over the
// memory graph. It is read-only: access bookkeeping is the caller's job.
type Retriever struct {
	graph    graph.Store
	index    vector.Index
	embedder embeddings.Client

	// EmbedTimeout bounds the embedding-provider call (default 5s).
	EmbedTimeout time.Duration

	logger *slog.Logger
}

// New creates a Retriever.
func New(g graph.Store, idx vector.Index, embedder embeddings.Client) *Retriever {
	return &Retriever{
		graph:        g,
		index:        idx,
		embedder:     embedder,
		EmbedTimeout: 5 * time.Second,
	}
}

// WithLogger sets an optional logger and returns the same instance.
func (r *Retriever) WithLogger(logger *slog.Logger) *Retriever {
	r.logger = logger
	return r
}

// seed is a node's initial activation before propagation.
type seed struct {
	id    int64
	score float64
}

// Retrieve answers a query. Embedding failure degrades to lexical scoring;
// an empty result set is not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]*ScoredNode, error) {
	ApplyDefaults(&opts)

	seedWidth := opts.TopK * opts.SeedMultiplier

	var seeds []seed
	degraded := false

	embedRes := embeddings.TryEmbed(ctx, r.embedder, query, r.EmbedTimeout)
	if embedRes.OK() {
		matches, err := r.index.Search(ctx, embedRes.Vector, seedWidth)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if m.Similarity > 0 {
				seeds = append(seeds, seed{id: m.ID, score: m.Similarity})
			}
		}
	} else {
		degraded = true
		if r.logger != nil {
			r.logger.Warn("embedding provider unavailable, degrading to lexical scoring",
				"error", embedRes.Err)
		}
		var err error
		seeds, err = r.lexicalSeeds(ctx, query, seedWidth)
		if err != nil {
			return nil, err
		}
	}

	candidates := r.spread(ctx, seeds, opts)

	results, err := r.materialize(ctx, candidates, degraded, opts)
	if err != nil {
		return nil, err
	}

	r.attachConnections(ctx, results)
	return results, nil
}

// lexicalSeeds scores every active node by term overlap and keeps the top
// width nonzero matches.
func (r *Retriever) lexicalSeeds(ctx context.Context, query string, width int) ([]seed, error) {
	nodes, err := r.graph.AllNodes(ctx, graph.StatusActive)
	if err != nil {
		return nil, err
	}
	var seeds []seed
	for _, n := range nodes {
		score := lexicalScore(query, n.Title+" "+n.Content)
		if score > 0 {
			seeds = append(seeds, seed{id: n.ID, score: score})
		}
	}
	sort.Slice(seeds, func(i, j int) bool {
		if seeds[i].score != seeds[j].score {
			return seeds[i].score > seeds[j].score
		}
		return seeds[i].id < seeds[j].id
	})
	if len(seeds) > width {
		seeds = seeds[:width]
	}
	return seeds, nil
}

// candidate tracks the best-known activation of one node during relaxation.
type candidate struct {
	seedScore  float64 // Similarity (or lexical score) when directly seeded
	activation float64
	path       []graph.PathStep
	hops       int
}

// spread runs bounded spreading activation. Activation is relaxed: a node's
// value only ever rises, so propagation terminates on cyclic graphs once no
// update clears epsilon or the hop limit is reached.
func (r *Retriever) spread(ctx context.Context, seeds []seed, opts Options) map[int64]*candidate {
	candidates := make(map[int64]*candidate)
	frontier := make(map[int64]bool)

	for _, s := range seeds {
		candidates[s.id] = &candidate{seedScore: s.score, activation: s.score}
		frontier[s.id] = true
	}

	for hop := 1; hop <= opts.MaxHops && len(frontier) > 0; hop++ {
		next := make(map[int64]bool)
		for id := range frontier {
			from := candidates[id]
			edges, err := r.graph.EdgesTouching(ctx, id, nil)
			if err != nil {
				// Traversal failure degrades to whatever has spread so far.
				if r.logger != nil {
					r.logger.Warn("activation traversal failed", "node", id, "error", err)
				}
				continue
			}
			for _, e := range edges {
				neighborID := e.TargetID
				forward := true
				if neighborID == id {
					neighborID = e.SourceID
					forward = false
				}
				propagated := from.activation * e.Weight * opts.Alpha
				if propagated <= opts.Epsilon {
					continue
				}
				existing := candidates[neighborID]
				if existing != nil && propagated <= existing.activation+opts.Epsilon {
					continue
				}

				path := make([]graph.PathStep, len(from.path), len(from.path)+1)
				copy(path, from.path)
				path = append(path, graph.PathStep{Edge: e, Forward: forward})

				if existing == nil {
					candidates[neighborID] = &candidate{activation: propagated, path: path, hops: hop}
				} else {
					existing.activation = propagated
					existing.path = path
					existing.hops = hop
				}
				next[neighborID] = true
			}
		}
		frontier = next
	}
	return candidates
}

// materialize applies filters, thresholds, and ordering, fetching node data
// for the survivors. Archived nodes are silently skipped.
func (r *Retriever) materialize(ctx context.Context, candidates map[int64]*candidate, degraded bool, opts Options) ([]*ScoredNode, error) {
	now := time.Now()
	results := make([]*ScoredNode, 0, len(candidates))

	for id, c := range candidates {
		score := opts.VectorWeight*c.seedScore + opts.ActivationWeight*c.activation
		if c.seedScore == 0 && score < opts.MinScore {
			continue // reached only through activation and below the floor
		}

		node, err := r.graph.GetNode(ctx, id, false)
		if err != nil {
			if errors.Is(err, graph.ErrNotFound) {
				continue
			}
			return nil, err
		}

		if !passesFilters(node, now, opts) {
			continue
		}

		sn := &ScoredNode{
			Node:  node,
			Score: score,
			Path:  c.path,
			Hops:  c.hops,
			Breakdown: Breakdown{
				Activation: c.activation,
				Degraded:   degraded,
			},
		}
		if degraded {
			sn.Breakdown.Lexical = c.seedScore
		} else {
			sn.Breakdown.VectorSimilarity = c.seedScore
		}
		results = append(results, sn)
	}

	switch opts.Sort {
	case SortByRecency:
		sort.Slice(results, func(i, j int) bool {
			return results[i].Node.CreatedAt.After(results[j].Node.CreatedAt)
		})
	default:
		sort.Slice(results, func(i, j int) bool {
			if results[i].Score != results[j].Score {
				return results[i].Score > results[j].Score
			}
			return results[i].Node.ID < results[j].Node.ID
		})
	}

	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

func passesFilters(node *graph.Node, now time.Time, opts Options) bool {
	if len(opts.Labels) > 0 {
		match := false
		for _, l := range opts.Labels {
			if node.HasLabel(l) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if !opts.Since.IsZero() && node.CreatedAt.Before(opts.Since) {
		return false
	}
	if opts.RecentWindow > 0 && node.CreatedAt.Before(now.Add(-opts.RecentWindow)) {
		return false
	}
	return true
}

// attachConnections records, for each result, the edges linking it to other
// surfaced results. This is the connection provenance that explains why a
// node appears next to its neighbors.
func (r *Retriever) attachConnections(ctx context.Context, results []*ScoredNode) {
	inSet := make(map[int64]bool, len(results))
	for _, sn := range results {
		inSet[sn.Node.ID] = true
	}
	for _, sn := range results {
		edges, err := r.graph.EdgesTouching(ctx, sn.Node.ID, nil)
		if err != nil {
			continue // provenance is best-effort
		}
		for _, e := range edges {
			other := e.TargetID
			if other == sn.Node.ID {
				other = e.SourceID
			}
			if inSet[other] {
				sn.Connections = append(sn.Connections, e)
			}
		}
	}
}
