// Package retrieval answers queries by fusing vector similarity with
// graph-propagated activation.
package retrieval

import (
	"time"

	"github.com/thiagogaia/mnemo/pkg/graph"
)

// SortOrder controls result ordering.
type SortOrder string

const (
	SortByScore   SortOrder = "score"
	SortByRecency SortOrder = "recency"
)

// Options configures a retrieval call.
type Options struct {
	TopK int // Maximum results (default 10)

	// Filters, applied before ranking.
	Labels       []graph.Label // Keep nodes carrying any of these labels
	Since        time.Time     // Keep nodes created at or after this time
	RecentWindow time.Duration // Keep nodes created within this window of now
	Sort         SortOrder     // score (default) or recency

	// Spreading-activation knobs.
	MaxHops        int     // Propagation depth bound (default 2)
	Alpha          float64 // Per-hop decay factor (default 0.5)
	Epsilon        float64 // Relaxation convergence threshold (default 0.001)
	MinScore       float64 // Inclusion floor for activation-only nodes (default 0.05)
	SeedMultiplier int     // Seed width = TopK × this (default 3)

	// Score fusion weights.
	VectorWeight     float64 // Default 0.6
	ActivationWeight float64 // Default 0.4
}

// ApplyDefaults fills unset options.
func ApplyDefaults(o *Options) {
	if o.TopK <= 0 {
		o.TopK = 10
	}
	if o.MaxHops <= 0 {
		o.MaxHops = 2
	}
	if o.Alpha <= 0 {
		o.Alpha = 0.5
	}
	if o.Epsilon <= 0 {
		o.Epsilon = 0.001
	}
	if o.MinScore <= 0 {
		o.MinScore = 0.05
	}
	if o.SeedMultiplier <= 0 {
		o.SeedMultiplier = 3
	}
	if o.VectorWeight <= 0 {
		o.VectorWeight = 0.6
	}
	if o.ActivationWeight <= 0 {
		o.ActivationWeight = 0.4
	}
	if o.Sort == "" {
		o.Sort = SortByScore
	}
}

// Breakdown explains how a result's score was produced.
type Breakdown struct {
	VectorSimilarity float64 // Direct cosine similarity (0 when not seeded)
	Activation       float64 // Best graph-propagated activation
	Lexical          float64 // Term-overlap score when the embedding step degraded
	Degraded         bool    // True when lexical fallback replaced the embedding
}

// ScoredNode is one ranked retrieval result with its score breakdown and
// connection provenance.
type ScoredNode struct {
	Node  *graph.Node
	Score float64

	Breakdown Breakdown

	// Path is the edge path activation followed to reach this node.
	// Empty for directly seeded nodes.
	Path []graph.PathStep

	// Connections are the edges linking this node to other surfaced
	// results, explaining why it appears.
	Connections []*graph.Edge

	Hops int // Graph distance from the nearest seed (0 for seeds)
}
