package mnemo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagogaia/mnemo/pkg/embeddings"
	"github.com/thiagogaia/mnemo/pkg/graph"
	"github.com/thiagogaia/mnemo/pkg/retrieval"
)

// vocabEmbedder embeds text as term counts over a tiny fixed vocabulary,
// so similarity between texts is deterministic. Texts containing no vocab
// terms fail, exercising the degraded paths.
type vocabEmbedder struct {
	vocab []string
}

func newVocabEmbedder() *vocabEmbedder {
	return &vocabEmbedder{vocab: []string{"cache", "deploy", "incident", "review"}}
}

func (v *vocabEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(v.vocab))
	total := 0
	for i, term := range v.vocab {
		n := strings.Count(lower, term)
		vec[i] = float32(n)
		total += n
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: no known terms", embeddings.ErrUnavailable)
	}
	return vec, nil
}

func (v *vocabEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := v.EmbedOne(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func newTestEngine(t *testing.T, client embeddings.Client) *Engine {
	t.Helper()
	e, err := NewWithClient(Config{DBPath: ":memory:"}, client)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNew_UnknownProviderFails(t *testing.T) {
	_, err := New(Config{DBPath: ":memory:", EmbeddingProvider: "frobnicator"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrValidation))
}

func TestAddMemory_RejectsEmptyContent(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.AddMemory(context.Background(), AddMemoryInput{
		Title:   "empty",
		Content: "   \n\t",
		Labels:  []graph.Label{graph.LabelEpisode},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrValidation))
}

func TestAddMemory_RejectsUnknownLabel(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.AddMemory(context.Background(), AddMemoryInput{
		Content: "labelled wrong",
		Labels:  []graph.Label{graph.Label("Widget")},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrValidation))
}

func TestAddMemory_RoundTrip(t *testing.T) {
	e := newTestEngine(t, newVocabEmbedder())
	ctx := context.Background()

	id, err := e.AddMemory(ctx, AddMemoryInput{
		Title:   "Cache eviction storm",
		Content: "The cache dropped hot keys under memory pressure.",
		Labels:  []graph.Label{graph.LabelEpisode, graph.LabelDecision},
	})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	node, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Cache eviction storm", node.Title)
	assert.Equal(t, []graph.Label{graph.LabelEpisode, graph.LabelDecision}, node.Labels)
	assert.Equal(t, graph.StatusActive, node.Status)
	assert.InDelta(t, 1.0, node.Strength, 1e-9)
	assert.NotEmpty(t, node.Embedding)

	_, indexed := e.Index().Get(id)
	assert.True(t, indexed)
}

func TestAddMemory_AuthorPersonIsReused(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := e.AddMemory(ctx, AddMemoryInput{
		Content: "incident writeup",
		Labels:  []graph.Label{graph.LabelEpisode},
		Author:  "Dana Reeve",
	})
	require.NoError(t, err)

	second, err := e.AddMemory(ctx, AddMemoryInput{
		Content: "followup review",
		Labels:  []graph.Label{graph.LabelEpisode},
		Author:  "dana reeve",
	})
	require.NoError(t, err)

	people, err := e.Store().NodesByLabel(ctx, graph.LabelPerson, "")
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "Dana Reeve", people[0].Title)

	for _, id := range []int64{first, second} {
		edges, err := e.Store().EdgesTouching(ctx, id, []graph.EdgeType{graph.EdgeAuthoredBy})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, people[0].ID, edges[0].TargetID)
	}
}

func TestAddMemory_ReferenceEdges(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	target, err := e.AddMemory(ctx, AddMemoryInput{
		Content: "design note",
		Labels:  []graph.Label{graph.LabelDecision},
	})
	require.NoError(t, err)

	citing, err := e.AddMemory(ctx, AddMemoryInput{
		Content:    "builds on the design note",
		Labels:     []graph.Label{graph.LabelEpisode},
		References: []int64{target},
	})
	require.NoError(t, err)

	edges, err := e.Store().EdgesTouching(ctx, citing, []graph.EdgeType{graph.EdgeReferences})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, target, edges[0].TargetID)

	_, err = e.AddMemory(ctx, AddMemoryInput{
		Content:    "cites a ghost",
		Labels:     []graph.Label{graph.LabelEpisode},
		References: []int64{9999},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrDanglingReference))
}

func TestAddMemory_FailedEncodeLeavesNoPartialState(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	before, err := e.Store().NodeCount(ctx, "")
	require.NoError(t, err)

	_, err = e.AddMemory(ctx, AddMemoryInput{
		Content:    "cites a ghost",
		Labels:     []graph.Label{graph.LabelEpisode},
		Author:     "Sam Okafor",
		References: []int64{424242},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrDanglingReference))

	// Neither the memory node nor the author Person node survive the
	// failed commit.
	after, err := e.Store().NodeCount(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	people, err := e.Store().NodesByLabel(ctx, graph.LabelPerson, "")
	require.NoError(t, err)
	assert.Empty(t, people)

	edges, err := e.Store().EdgeCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, edges)
}

func TestAddMemory_EmbeddingFailureIsSoft(t *testing.T) {
	e := newTestEngine(t, newVocabEmbedder())
	ctx := context.Background()

	// No vocabulary term appears, so the embedder fails.
	id, err := e.AddMemory(ctx, AddMemoryInput{
		Content: "nothing the model recognizes",
		Labels:  []graph.Label{graph.LabelEpisode},
	})
	require.NoError(t, err)

	node, err := e.Store().GetNode(ctx, id, false)
	require.NoError(t, err)
	assert.Empty(t, node.Embedding)

	_, indexed := e.Index().Get(id)
	assert.False(t, indexed)
}

func TestGet_NotFound(t *testing.T) {
	e := newTestEngine(t, nil)

	_, err := e.Get(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, errors.Is(err, graph.ErrNotFound))
}

func TestGet_ReactivatesArchivedNode(t *testing.T) {
	e := newTestEngine(t, newVocabEmbedder())
	ctx := context.Background()

	id, err := e.AddMemory(ctx, AddMemoryInput{
		Title:   "Deploy rollback",
		Content: "deploy went sideways, rolled back",
		Labels:  []graph.Label{graph.LabelEpisode},
	})
	require.NoError(t, err)

	node, err := e.Store().GetNode(ctx, id, false)
	require.NoError(t, err)
	node.Strength = 0.04
	require.NoError(t, e.Store().UpdateNode(ctx, node))

	batch := e.Store().NewBatch()
	batch.SetStatus(id, graph.StatusArchived)
	require.NoError(t, batch.Commit(ctx))
	require.NoError(t, e.Index().Remove(ctx, id))

	_, err = e.Store().GetNode(ctx, id, false)
	assert.True(t, errors.Is(err, graph.ErrNotFound))

	got, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, graph.StatusActive, got.Status)
	assert.InDelta(t, 0.04+(1-0.04)*0.4, got.Strength, 1e-9)

	_, indexed := e.Index().Get(id)
	assert.True(t, indexed)
}

func TestRetrieve_RanksByRelevanceAndBoostsAccess(t *testing.T) {
	e := newTestEngine(t, newVocabEmbedder())
	ctx := context.Background()

	cacheID, err := e.AddMemory(ctx, AddMemoryInput{
		Title:   "Cache sizing",
		Content: "cache hit rates and cache key churn",
		Labels:  []graph.Label{graph.LabelPattern},
	})
	require.NoError(t, err)

	_, err = e.AddMemory(ctx, AddMemoryInput{
		Title:   "Deploy cadence",
		Content: "deploy windows and freeze policy",
		Labels:  []graph.Label{graph.LabelDecision},
	})
	require.NoError(t, err)

	node, err := e.Store().GetNode(ctx, cacheID, false)
	require.NoError(t, err)
	node.Strength = 0.5
	require.NoError(t, e.Store().UpdateNode(ctx, node))

	results, err := e.Retrieve(ctx, "cache tuning", retrieval.Options{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, cacheID, results[0].Node.ID)
	assert.False(t, results[0].Breakdown.Degraded)
	assert.Greater(t, results[0].Breakdown.VectorSimilarity, 0.9)

	// Being surfaced counts as an access: strength recovered toward 1.0.
	after, err := e.Store().GetNode(ctx, cacheID, false)
	require.NoError(t, err)
	assert.Greater(t, after.Strength, 0.5)
}

func TestRetrieve_DegradesWithoutEmbedder(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.AddMemory(ctx, AddMemoryInput{
		Title:   "Incident review",
		Content: "postmortem for the storage incident",
		Labels:  []graph.Label{graph.LabelEpisode},
	})
	require.NoError(t, err)

	results, err := e.Retrieve(ctx, "storage incident", retrieval.Options{TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.True(t, results[0].Breakdown.Degraded)
	assert.Greater(t, results[0].Breakdown.Lexical, 0.0)
}

func TestSessionCoAccessBookkeeping(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	a, err := e.AddMemory(ctx, AddMemoryInput{Content: "first", Labels: []graph.Label{graph.LabelEpisode}})
	require.NoError(t, err)
	b, err := e.AddMemory(ctx, AddMemoryInput{Content: "second", Labels: []graph.Label{graph.LabelEpisode}})
	require.NoError(t, err)

	_, err = e.Get(ctx, a)
	require.NoError(t, err)
	_, err = e.Get(ctx, b)
	require.NoError(t, err)

	counts, err := e.Store().CoAccessCounts(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[[2]int64{a, b}])

	// A new session makes the next co-access count separately.
	e.StartSession()
	_, err = e.Get(ctx, a)
	require.NoError(t, err)
	_, err = e.Get(ctx, b)
	require.NoError(t, err)

	counts, err = e.Store().CoAccessCounts(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, counts[[2]int64{a, b}])
}

func TestStartSession_RotatesID(t *testing.T) {
	e := newTestEngine(t, nil)

	before := e.SessionID()
	rotated := e.StartSession()
	assert.NotEqual(t, before, rotated)
	assert.Equal(t, rotated, e.SessionID())
}

func TestMaintenanceOpsAppendToLog(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.AddMemory(ctx, AddMemoryInput{Content: "something to maintain", Labels: []graph.Label{graph.LabelEpisode}})
	require.NoError(t, err)

	_, err = e.Decay(ctx)
	require.NoError(t, err)
	_, err = e.Consolidate(ctx)
	require.NoError(t, err)
	_, err = e.Archive(ctx)
	require.NoError(t, err)
	_, err = e.Health(ctx)
	require.NoError(t, err)

	entries, err := e.Store().MaintenanceLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	ops := make(map[string]bool, len(entries))
	for _, entry := range entries {
		ops[entry.Operation] = true
		assert.True(t, json.Valid([]byte(entry.Summary)), "summary should be JSON: %q", entry.Summary)
	}
	assert.True(t, ops["decay"] && ops["consolidate"] && ops["archive"] && ops["health"])
}

func TestHealth_ReportsGraphState(t *testing.T) {
	e := newTestEngine(t, newVocabEmbedder())
	ctx := context.Background()

	for _, content := range []string{"cache notes", "deploy notes"} {
		_, err := e.AddMemory(ctx, AddMemoryInput{Content: content, Labels: []graph.Label{graph.LabelConcept}})
		require.NoError(t, err)
	}

	report, err := e.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.ActiveNodes)
	assert.Equal(t, int64(0), report.ArchivedNodes)
	assert.Equal(t, 2, report.IndexedNodes)
	assert.Equal(t, 0, report.Unembedded)
	assert.Contains(t, report.Labels, graph.LabelConcept)
	assert.NotEmpty(t, report.Recommendations)
}
