package mnemo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/thiagogaia/mnemo/pkg/graph"
)

// AddMemoryInput describes one knowledge item to encode.
type AddMemoryInput struct {
	Title   string
	Content string
	Labels  []graph.Label
	Author  string

	// References are IDs of existing nodes this item cites. Unknown IDs
	// fail the whole operation.
	References []int64
}

// AddMemory encodes a new memory node: validation, insert at full strength,
// embedding attempt, vector indexing, and initial edges. Embedding failure
// is soft: the node is stored without a vector and retrieval degrades to
// lexical matching for it.
func (e *Engine) AddMemory(ctx context.Context, input AddMemoryInput) (int64, error) {
	started := time.Now()
	tr := e.startTrace("encode")

	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.addMemoryLocked(ctx, input, tr)

	e.recordOperation(ctx, "encode", started, err)
	e.recordStorageCounts(ctx)
	e.finishTrace(ctx, tr, err)
	return id, err
}

func (e *Engine) addMemoryLocked(ctx context.Context, input AddMemoryInput, tr *opTrace) (int64, error) {
	if strings.TrimSpace(input.Content) == "" {
		return 0, fmt.Errorf("%w: content cannot be empty", graph.ErrValidation)
	}
	if err := graph.ValidateLabels(input.Labels); err != nil {
		return 0, err
	}

	now := time.Now()
	node := &graph.Node{
		Labels:         input.Labels,
		Title:          strings.TrimSpace(input.Title),
		Content:        input.Content,
		Author:         strings.TrimSpace(input.Author),
		CreatedAt:      now,
		LastAccessedAt: now,
		Strength:       1.0,
		Status:         graph.StatusActive,
	}

	node.Embedding = e.embed(ctx, node, tr)

	// Node, author, and initial edges commit as one transaction: a bad
	// reference leaves nothing behind.
	end := tr.span("write-graph")
	batch := e.store.NewBatch()

	var author *graph.Node
	if node.Author != "" {
		existing, err := e.findAuthor(ctx, node.Author)
		if err != nil {
			end(err, nil)
			return 0, err
		}
		author = existing
		if author == nil {
			author = &graph.Node{
				Labels:         []graph.Label{graph.LabelPerson},
				Title:          node.Author,
				CreatedAt:      now,
				LastAccessedAt: now,
				Strength:       1.0,
				Status:         graph.StatusActive,
			}
			batch.AddNodeWithEdges(author, nil)
		}
	}

	edges := 0
	batch.AddNodeWithEdges(node, func(id int64) []*graph.Edge {
		var out []*graph.Edge
		if author != nil {
			out = append(out, &graph.Edge{
				SourceID: id,
				TargetID: author.ID,
				Type:     graph.EdgeAuthoredBy,
				Weight:   1.0,
			})
		}
		for _, ref := range input.References {
			out = append(out, &graph.Edge{
				SourceID: id,
				TargetID: ref,
				Type:     graph.EdgeReferences,
				Weight:   1.0,
			})
		}
		edges = len(out)
		return out
	})

	if err := batch.Commit(ctx); err != nil {
		end(err, nil)
		return 0, err
	}
	end(nil, map[string]int64{"edges": int64(edges)})
	tr.setID("nodeId", node.ID)

	if len(node.Embedding) > 0 {
		end := tr.span("write-vector")
		err := e.index.Upsert(ctx, node.ID, node.Embedding)
		end(err, nil)
		if err != nil {
			return 0, err
		}
	}

	if e.logger != nil {
		e.logger.Info("memory encoded",
			"node", node.ID, "labels", input.Labels,
			"embedded", len(node.Embedding) > 0, "edges", edges)
	}
	return node.ID, nil
}

// embed produces the node's vector from its chunked text, averaging chunk
// vectors when the content exceeds one chunk. Returns nil on any failure.
func (e *Engine) embed(ctx context.Context, node *graph.Node, tr *opTrace) []float32 {
	if e.embedder == nil {
		return nil
	}

	text := node.Content
	if node.Title != "" {
		text = node.Title + "\n" + node.Content
	}

	endChunk := tr.span("chunk")
	chunks := e.chunker.Chunk(text)
	endChunk(nil, map[string]int64{"chunkCount": int64(len(chunks))})
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	endEmbed := tr.span("embed")
	embedCtx, cancel := context.WithTimeout(ctx, e.config.EmbedTimeout)
	defer cancel()
	vecs, err := e.embedder.Embed(embedCtx, texts)
	endEmbed(err, nil)
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		if e.logger != nil {
			e.logger.Warn("embedding unavailable, storing node without vector", "error", err)
		}
		return nil
	}

	if len(vecs) == 1 {
		return vecs[0]
	}
	avg := make([]float32, len(vecs[0]))
	counted := 0
	for _, v := range vecs {
		if len(v) != len(avg) {
			continue
		}
		for i, x := range v {
			avg[i] += x
		}
		counted++
	}
	if counted == 0 {
		return nil
	}
	for i := range avg {
		avg[i] /= float32(counted)
	}
	return avg
}

// findAuthor returns the existing Person node for an author name, matched
// case-insensitively, or nil when none exists yet.
func (e *Engine) findAuthor(ctx context.Context, name string) (*graph.Node, error) {
	people, err := e.store.NodesByLabel(ctx, graph.LabelPerson, "")
	if err != nil {
		return nil, err
	}
	for _, p := range people {
		if strings.EqualFold(p.Title, name) {
			return p, nil
		}
	}
	return nil, nil
}

// Get fetches a node by ID, archived nodes included. Fetching an archived
// node reactivates it: status returns to active and strength recovers by
// the access boost. Any fetch counts as an access.
func (e *Engine) Get(ctx context.Context, id int64) (*graph.Node, error) {
	started := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	node, err := e.getLocked(ctx, id)
	e.recordOperation(ctx, "get", started, err)
	return node, err
}

func (e *Engine) getLocked(ctx context.Context, id int64) (*graph.Node, error) {
	node, err := e.store.GetNode(ctx, id, true)
	if err != nil {
		return nil, err
	}

	if node.Status == graph.StatusArchived {
		batch := e.store.NewBatch()
		batch.SetStatus(id, graph.StatusActive)
		if err := batch.Commit(ctx); err != nil {
			return nil, err
		}
		if len(node.Embedding) > 0 {
			if err := e.index.Upsert(ctx, id, node.Embedding); err != nil && e.logger != nil {
				e.logger.Warn("failed to re-index reactivated node", "node", id, "error", err)
			}
		}
		if e.logger != nil {
			e.logger.Info("archived node reactivated", "node", id)
		}
	}

	if err := e.store.TouchAccess(ctx, []int64{id}, e.config.AccessBoost); err != nil {
		return nil, err
	}
	if err := e.store.RecordAccess(ctx, e.sessionID, []int64{id}, time.Now()); err != nil {
		return nil, err
	}

	return e.store.GetNode(ctx, id, false)
}

// AddEdge creates an explicit relationship between two existing nodes.
func (e *Engine) AddEdge(ctx context.Context, source, target int64, edgeType graph.EdgeType, weight float64) (*graph.Edge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	edge := &graph.Edge{
		SourceID: source,
		TargetID: target,
		Type:     edgeType,
		Weight:   weight,
	}
	if err := graph.ValidateEdge(edge); err != nil {
		return nil, err
	}
	if err := e.store.AddEdge(ctx, edge); err != nil {
		return nil, err
	}
	if e.logger != nil {
		e.logger.Info("edge added", "source", source, "target", target, "type", edgeType)
	}
	return edge, nil
}
