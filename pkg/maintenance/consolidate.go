package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/thiagogaia/mnemo/pkg/graph"
	"github.com/thiagogaia/mnemo/pkg/vector"
)

// Phase names one consolidation phase. The canonical cycle runs eight
// phases; the set is configurable because the cycle composition is a
// policy choice, not a structural one.
type Phase string

const (
	PhaseConnect   Phase = "connect"
	PhaseRelate    Phase = "relate"
	PhaseThemes    Phase = "themes"
	PhaseCalibrate Phase = "calibrate"
	PhasePromote   Phase = "promote"
	PhaseInsights  Phase = "insights"
	PhaseGaps      Phase = "gaps"
	PhaseDecay     Phase = "decay"
)

// DefaultPhases is the canonical eight-phase cycle.
func DefaultPhases() []Phase {
	return []Phase{
		PhaseConnect, PhaseRelate, PhaseThemes, PhaseCalibrate,
		PhasePromote, PhaseInsights, PhaseGaps, PhaseDecay,
	}
}

const (
	stateLastConsolidate = "last_consolidate"
	stateCoverageGaps    = "coverage_gaps"
)

// ConsolidateConfig tunes the consolidation cycle.
type ConsolidateConfig struct {
	Phases []Phase

	// Window bounds the "recently touched" set when no previous cycle
	// timestamp exists (default 7 days).
	Window time.Duration

	// CoAccessBase controls CO_ACCESSED weight growth: weight = 1 − base^count
	// (default 0.6, strictly increasing in count, capped below 1.0).
	CoAccessBase float64

	// RelateThreshold is the embedding similarity above which RELATED_TO
	// edges are created (default 0.75).
	RelateThreshold float64

	// ThemeEdgeWeightMin and ThemeMinSize control theme clustering
	// (defaults 0.3 and 3).
	ThemeEdgeWeightMin float64
	ThemeMinSize       int

	// PromoteMinRecurrence and PromoteSimilarity control Episode promotion
	// (defaults 3 and 0.9).
	PromoteMinRecurrence int
	PromoteSimilarity    float64

	// InsightSimilarity is the centroid similarity above which disjoint
	// clusters receive a bridging edge (default 0.8).
	InsightSimilarity float64

	// GapDensityMin is the edges-per-node floor below which a label is
	// reported as a coverage gap (default 0.5).
	GapDensityMin float64
}

func (c ConsolidateConfig) withDefaults() ConsolidateConfig {
	if len(c.Phases) == 0 {
		c.Phases = DefaultPhases()
	}
	if c.Window == 0 {
		c.Window = 7 * 24 * time.Hour
	}
	if c.CoAccessBase == 0 {
		c.CoAccessBase = 0.6
	}
	if c.RelateThreshold == 0 {
		c.RelateThreshold = 0.75
	}
	if c.ThemeEdgeWeightMin == 0 {
		c.ThemeEdgeWeightMin = 0.3
	}
	if c.ThemeMinSize == 0 {
		c.ThemeMinSize = 3
	}
	if c.PromoteMinRecurrence == 0 {
		c.PromoteMinRecurrence = 3
	}
	if c.PromoteSimilarity == 0 {
		c.PromoteSimilarity = 0.9
	}
	if c.InsightSimilarity == 0 {
		c.InsightSimilarity = 0.8
	}
	if c.GapDensityMin == 0 {
		c.GapDensityMin = 0.5
	}
	return c
}

// PhaseResult records one phase's outcome. A failed phase does not roll
// back previously committed phases; each phase is its own unit of recovery.
type PhaseResult struct {
	Phase  Phase          `json:"phase"`
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Counts map[string]int `json:"counts,omitempty"`
}

// GapReport describes one under-connected label.
type GapReport struct {
	Label   graph.Label `json:"label"`
	Nodes   int         `json:"nodes"`
	Edges   int         `json:"edges"`
	Density float64     `json:"density"`
}

// ConsolidateReport summarizes a full cycle.
type ConsolidateReport struct {
	StartedAt  time.Time     `json:"startedAt"`
	DurationMs int64         `json:"durationMs"`
	Touched    int           `json:"touched"`
	Phases     []PhaseResult `json:"phases"`
	Themes     [][]int64     `json:"themes,omitempty"`
	Gaps       []GapReport   `json:"gaps,omitempty"`
}

// Consolidator runs the sleep cycle over recently touched nodes. Phases run
// sequentially, each committing its mutations atomically through a graph
// batch.
type Consolidator struct {
	store   graph.Store
	index   vector.Index
	decayer *Decayer
	cfg     ConsolidateConfig
	logger  *slog.Logger

	// Per-cycle scratch shared between the themes and insights phases.
	clusters [][]int64
}

// NewConsolidator creates a Consolidator.
func NewConsolidator(store graph.Store, index vector.Index, decayer *Decayer, cfg ConsolidateConfig) *Consolidator {
	return &Consolidator{
		store:   store,
		index:   index,
		decayer: decayer,
		cfg:     cfg.withDefaults(),
	}
}

// WithLogger sets an optional logger and returns the same instance.
func (c *Consolidator) WithLogger(logger *slog.Logger) *Consolidator {
	c.logger = logger
	return c
}

// Run executes the configured phases. Individual phase failures are
// isolated and reported; the cycle itself only fails on setup errors.
func (c *Consolidator) Run(ctx context.Context) (*ConsolidateReport, error) {
	started := time.Now()
	report := &ConsolidateReport{StartedAt: started}
	c.clusters = nil

	since, err := c.windowStart(ctx, started)
	if err != nil {
		return nil, err
	}
	touched, err := c.loadTouched(ctx, since)
	if err != nil {
		return nil, err
	}
	report.Touched = len(touched)

	for _, phase := range c.cfg.Phases {
		result := PhaseResult{Phase: phase, OK: true}
		counts, err := c.runPhase(ctx, phase, since, touched, report)
		if err != nil {
			result.OK = false
			result.Error = err.Error()
			if c.logger != nil {
				c.logger.Warn("consolidation phase failed", "phase", phase, "error", err)
			}
		}
		result.Counts = counts
		report.Phases = append(report.Phases, result)
	}

	if err := c.store.SetState(ctx, stateLastConsolidate, started.Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}

	report.DurationMs = time.Since(started).Milliseconds()
	if c.logger != nil {
		c.logger.Info("consolidation cycle complete",
			"touched", report.Touched, "phases", len(report.Phases))
	}
	return report, nil
}

func (c *Consolidator) runPhase(ctx context.Context, phase Phase, since time.Time, touched []*graph.Node, report *ConsolidateReport) (map[string]int, error) {
	switch phase {
	case PhaseConnect:
		return c.connect(ctx, since)
	case PhaseRelate:
		return c.relate(ctx, touched)
	case PhaseThemes:
		return c.themes(ctx, report)
	case PhaseCalibrate:
		return c.calibrate(ctx, since)
	case PhasePromote:
		return c.promote(ctx, touched)
	case PhaseInsights:
		return c.insights(ctx)
	case PhaseGaps:
		return c.gaps(ctx, report)
	case PhaseDecay:
		decayReport, err := c.decayer.Run(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{
			"examined":   decayReport.Examined,
			"flagged":    decayReport.Flagged,
			"candidates": decayReport.Candidates,
		}, nil
	default:
		return nil, fmt.Errorf("unknown consolidation phase %q", phase)
	}
}

func (c *Consolidator) windowStart(ctx context.Context, now time.Time) (time.Time, error) {
	raw, err := c.store.GetState(ctx, stateLastConsolidate)
	if err != nil {
		return time.Time{}, err
	}
	if raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t, nil
		}
	}
	return now.Add(-c.cfg.Window), nil
}

func (c *Consolidator) loadTouched(ctx context.Context, since time.Time) ([]*graph.Node, error) {
	ids, err := c.store.TouchedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	nodes := make([]*graph.Node, 0, len(ids))
	for _, id := range ids {
		node, err := c.store.GetNode(ctx, id, false)
		if err != nil {
			continue // archived or gone since listing
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// connect turns same-session co-accesses into CO_ACCESSED edges whose weight
// grows with distinct-session co-occurrence count, capped below 1.0. Counts
// run over the full access history so the weight reflects total recurrence,
// which also makes the phase idempotent.
func (c *Consolidator) connect(ctx context.Context, _ time.Time) (map[string]int, error) {
	counts, err := c.store.CoAccessCounts(ctx, time.Time{})
	if err != nil {
		return nil, err
	}

	batch := c.store.NewBatch()
	created, updated := 0, 0
	for pair, count := range counts {
		weight := 1.0 - math.Pow(c.cfg.CoAccessBase, float64(count))
		existing, err := c.edgeBetween(ctx, pair[0], pair[1], graph.EdgeCoAccessed)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if weight > existing.Weight {
				batch.SetEdgeWeight(existing.ID, weight)
				updated++
			}
			continue
		}
		batch.AddEdge(&graph.Edge{
			SourceID: pair[0],
			TargetID: pair[1],
			Type:     graph.EdgeCoAccessed,
			Weight:   weight,
		})
		created++
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}
	return map[string]int{"pairs": len(counts), "created": created, "updated": updated}, nil
}

// relate connects recently touched nodes whose embeddings are similar and
// that have no RELATED_TO edge yet.
func (c *Consolidator) relate(ctx context.Context, touched []*graph.Node) (map[string]int, error) {
	embedded := make([]*graph.Node, 0, len(touched))
	for _, n := range touched {
		if len(n.Embedding) > 0 {
			embedded = append(embedded, n)
		}
	}

	batch := c.store.NewBatch()
	created := 0
	for i := 0; i < len(embedded); i++ {
		for j := i + 1; j < len(embedded); j++ {
			sim := vector.Cosine(embedded[i].Embedding, embedded[j].Embedding)
			if sim < c.cfg.RelateThreshold {
				continue
			}
			exists, err := c.store.EdgeExistsBetween(ctx, embedded[i].ID, embedded[j].ID, graph.EdgeRelatedTo)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
			batch.AddEdge(&graph.Edge{
				SourceID: embedded[i].ID,
				TargetID: embedded[j].ID,
				Type:     graph.EdgeRelatedTo,
				Weight:   sim,
			})
			created++
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}
	return map[string]int{"candidates": len(embedded), "created": created}, nil
}

// themes groups nodes connected through RELATED_TO/CO_ACCESSED edges into
// emergent clusters via connected components over the thresholded subgraph.
func (c *Consolidator) themes(ctx context.Context, report *ConsolidateReport) (map[string]int, error) {
	nodes, err := c.store.AllNodes(ctx, graph.StatusActive)
	if err != nil {
		return nil, err
	}

	parent := make(map[int64]int64, len(nodes))
	var find func(int64) int64
	find = func(x int64) int64 {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int64) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, n := range nodes {
		parent[n.ID] = n.ID
	}
	themeTypes := []graph.EdgeType{graph.EdgeRelatedTo, graph.EdgeCoAccessed}
	for _, n := range nodes {
		edges, err := c.store.EdgesTouching(ctx, n.ID, themeTypes)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if e.Weight < c.cfg.ThemeEdgeWeightMin {
				continue
			}
			if _, ok := parent[e.SourceID]; !ok {
				continue
			}
			if _, ok := parent[e.TargetID]; !ok {
				continue
			}
			union(e.SourceID, e.TargetID)
		}
	}

	members := make(map[int64][]int64)
	for _, n := range nodes {
		root := find(n.ID)
		members[root] = append(members[root], n.ID)
	}

	c.clusters = nil
	for _, ids := range members {
		if len(ids) >= c.cfg.ThemeMinSize {
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			c.clusters = append(c.clusters, ids)
		}
	}
	sort.Slice(c.clusters, func(i, j int) bool { return c.clusters[i][0] < c.clusters[j][0] })
	report.Themes = c.clusters

	return map[string]int{"clusters": len(c.clusters)}, nil
}

// calibrate nudges per-label decay-rate multipliers toward observed access
// behavior. Corrections are small and bounded so a noisy window cannot
// swing retention policy.
func (c *Consolidator) calibrate(ctx context.Context, since time.Time) (map[string]int, error) {
	calibration, err := LoadCalibration(ctx, c.store)
	if err != nil {
		return nil, err
	}

	adjusted := 0
	for _, label := range graph.Labels() {
		nodes, err := c.store.NodesByLabel(ctx, label, graph.StatusActive)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			continue
		}
		accessed := 0
		for _, n := range nodes {
			if n.LastAccessedAt.After(n.CreatedAt) && !n.LastAccessedAt.Before(since) {
				accessed++
			}
		}
		ratio := float64(accessed) / float64(len(nodes))

		multiplier := calibration[label]
		if multiplier == 0 {
			multiplier = 1.0
		}
		switch {
		case ratio > 0.5:
			multiplier *= 0.9 // heavily accessed labels forget slower than assumed
		case ratio < 0.1:
			multiplier *= 1.1 // barely accessed labels forget faster than assumed
		default:
			continue
		}
		multiplier = math.Min(2.0, math.Max(0.5, multiplier))
		calibration[label] = multiplier
		adjusted++
	}

	if adjusted > 0 {
		if err := SaveCalibration(ctx, c.store, calibration); err != nil {
			return nil, err
		}
	}
	return map[string]int{"adjusted": adjusted}, nil
}

// promote turns recurring near-identical Episodes into a Pattern node that
// supersedes them. The originals remain in the graph, marked as subsumed.
func (c *Consolidator) promote(ctx context.Context, touched []*graph.Node) (map[string]int, error) {
	var episodes []*graph.Node
	for _, n := range touched {
		if n.HasLabel(graph.LabelEpisode) && !n.Subsumed && len(n.Embedding) > 0 {
			episodes = append(episodes, n)
		}
	}

	// Greedy similarity grouping: each episode joins the first group whose
	// exemplar it matches.
	var groups [][]*graph.Node
	for _, ep := range episodes {
		placed := false
		for gi, group := range groups {
			if vector.Cosine(ep.Embedding, group[0].Embedding) >= c.cfg.PromoteSimilarity {
				groups[gi] = append(groups[gi], ep)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []*graph.Node{ep})
		}
	}

	batch := c.store.NewBatch()
	promoted := 0
	var newNodes []*graph.Node
	now := time.Now()
	for _, group := range groups {
		if len(group) < c.cfg.PromoteMinRecurrence {
			continue
		}
		exemplar := group[0]
		pattern := &graph.Node{
			Labels:         []graph.Label{graph.LabelPattern},
			Title:          "Recurring: " + exemplar.Title,
			Content:        exemplar.Content,
			Author:         exemplar.Author,
			CreatedAt:      now,
			LastAccessedAt: now,
			Strength:       1.0,
			Embedding:      exemplar.Embedding,
			Status:         graph.StatusActive,
		}
		episodeGroup := group
		batch.AddNodeWithEdges(pattern, func(id int64) []*graph.Edge {
			edges := make([]*graph.Edge, 0, len(episodeGroup))
			for _, ep := range episodeGroup {
				edges = append(edges, &graph.Edge{
					SourceID: id,
					TargetID: ep.ID,
					Type:     graph.EdgeSupersedes,
					Weight:   0.9,
				})
			}
			return edges
		})
		for _, ep := range episodeGroup {
			batch.SetSubsumed(ep.ID, true)
		}
		newNodes = append(newNodes, pattern)
		promoted++
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}

	// Index the promoted nodes now that their IDs are assigned.
	for _, n := range newNodes {
		if err := c.index.Upsert(ctx, n.ID, n.Embedding); err != nil && c.logger != nil {
			c.logger.Warn("failed to index promoted node", "node", n.ID, "error", err)
		}
	}
	return map[string]int{"groups": len(groups), "promoted": promoted}, nil
}

// insights bridges theme clusters that are structurally disjoint but
// semantically adjacent: high centroid similarity with no short path
// between their exemplars.
func (c *Consolidator) insights(ctx context.Context) (map[string]int, error) {
	if len(c.clusters) < 2 {
		return map[string]int{"bridges": 0}, nil
	}

	centroids := make([][]float32, len(c.clusters))
	exemplars := make([]int64, len(c.clusters))
	for i, cluster := range c.clusters {
		centroids[i] = c.centroid(ctx, cluster)
		exemplars[i] = cluster[0]
	}

	batch := c.store.NewBatch()
	bridges := 0
	for i := 0; i < len(c.clusters); i++ {
		for j := i + 1; j < len(c.clusters); j++ {
			if len(centroids[i]) == 0 || len(centroids[j]) == 0 {
				continue
			}
			sim := vector.Cosine(centroids[i], centroids[j])
			if sim < c.cfg.InsightSimilarity {
				continue
			}
			connected, err := c.pathExists(ctx, exemplars[i], exemplars[j])
			if err != nil {
				return nil, err
			}
			if connected {
				continue
			}
			batch.AddEdge(&graph.Edge{
				SourceID: exemplars[i],
				TargetID: exemplars[j],
				Type:     graph.EdgeRelatedTo,
				Weight:   sim,
			})
			bridges++
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}
	return map[string]int{"bridges": bridges}, nil
}

func (c *Consolidator) centroid(ctx context.Context, ids []int64) []float32 {
	var sum []float32
	count := 0
	for _, id := range ids {
		vec, ok := c.index.Get(id)
		if !ok {
			continue
		}
		if sum == nil {
			sum = make([]float32, len(vec))
		}
		if len(vec) != len(sum) {
			continue
		}
		for i, v := range vec {
			sum[i] += v
		}
		count++
	}
	if count == 0 {
		return nil
	}
	for i := range sum {
		sum[i] /= float32(count)
	}
	return sum
}

func (c *Consolidator) pathExists(ctx context.Context, a, b int64) (bool, error) {
	reached, err := c.store.Neighbors(ctx, a, nil, 3)
	if err != nil {
		return false, err
	}
	for _, r := range reached {
		if r.Node.ID == b {
			return true, nil
		}
	}
	return false, nil
}

// gaps reports labels whose edge density is unusually low relative to node
// count. Informational only: no graph mutation.
func (c *Consolidator) gaps(ctx context.Context, report *ConsolidateReport) (map[string]int, error) {
	for _, label := range graph.Labels() {
		nodes, err := c.store.NodesByLabel(ctx, label, graph.StatusActive)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			continue
		}
		edgeCount := 0
		for _, n := range nodes {
			edges, err := c.store.EdgesTouching(ctx, n.ID, nil)
			if err != nil {
				return nil, err
			}
			edgeCount += len(edges)
		}
		density := float64(edgeCount) / float64(len(nodes))
		if density < c.cfg.GapDensityMin {
			report.Gaps = append(report.Gaps, GapReport{
				Label:   label,
				Nodes:   len(nodes),
				Edges:   edgeCount,
				Density: density,
			})
		}
	}

	if err := c.store.SetState(ctx, stateCoverageGaps, fmt.Sprintf("%d", len(report.Gaps))); err != nil {
		return nil, err
	}
	return map[string]int{"gaps": len(report.Gaps)}, nil
}

// edgeBetween finds an existing edge of the given type between two nodes in
// either direction.
func (c *Consolidator) edgeBetween(ctx context.Context, a, b int64, t graph.EdgeType) (*graph.Edge, error) {
	edges, err := c.store.EdgesTouching(ctx, a, []graph.EdgeType{t})
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.SourceID == b || e.TargetID == b {
			return e, nil
		}
	}
	return nil, nil
}
