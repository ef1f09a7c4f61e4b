package vector

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// HNSWConfig configures the approximate backend.
type HNSWConfig struct {
	M              int     // Max connections per node (default 16)
	EfConstruction int     // Construction search depth (default 200)
	EfSearch       int     // Query search depth (default 50)
	LevelMult      float64 // Level multiplier (default 1/ln(M))
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	if c.M == 0 {
		c.M = 16
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch == 0 {
		c.EfSearch = 50
	}
	if c.LevelMult == 0 {
		c.LevelMult = 1.0 / math.Log(float64(c.M))
	}
	return c
}

// hnswNode is one graph node. Fields are exported for gob serialization.
type hnswNode struct {
	ID        int64
	Vector    []float32
	Level     int
	Neighbors [][]uint32 // Neighbors[level] = neighbor slot indices
}

// HNSW is a Hierarchical Navigable Small World index giving sublinear query
// cost. Removed IDs are lazily deleted: the slot stays in the graph but is
// filtered out of results. The full structure is snapshotted into SQLite
// after every mutation, and raw vectors are written through to the shared
// vectors table so the exact backend and migration can always rebuild.
type HNSW struct {
	db         *sql.DB
	nodes      []hnswNode
	idToSlot   map[int64]uint32
	entryPoint int32 // -1 when empty
	maxLevel   int
	cfg        HNSWConfig
	mu         sync.RWMutex
}

// NewHNSW opens the approximate backend over a shared SQLite connection,
// restoring a previous snapshot when one exists, otherwise rebuilding from
// the vectors table.
func NewHNSW(db *sql.DB, cfg HNSWConfig) (*HNSW, error) {
	h := &HNSW{
		db:         db,
		idToSlot:   make(map[int64]uint32),
		entryPoint: -1,
		cfg:        cfg.withDefaults(),
	}
	if err := h.init(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return h, nil
}

func (h *HNSW) init() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id INTEGER PRIMARY KEY,
			embedding BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS hnsw_graph (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data BLOB NOT NULL
		)`)
	if err != nil {
		return err
	}

	var blob []byte
	err = h.db.QueryRow(`SELECT data FROM hnsw_graph WHERE id = 1`).Scan(&blob)
	if err == nil {
		return h.decode(blob)
	}
	if err != sql.ErrNoRows {
		return err
	}

	// No snapshot: rebuild the proximity graph from persisted vectors.
	rows, err := h.db.Query(`SELECT id, embedding FROM vectors ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		h.insert(id, decodeFloat32(raw))
	}
	return rows.Err()
}

// Upsert adds or replaces the vector for an ID.
func (h *HNSW) Upsert(ctx context.Context, id int64, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("vector: empty embedding for id %d", id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	// Replacement is lazy-delete plus re-insert.
	delete(h.idToSlot, id)
	cp := make([]float32, len(vec))
	copy(cp, vec)
	h.insert(id, cp)

	if _, err := h.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vectors (id, embedding) VALUES (?, ?)`,
		id, encodeFloat32(vec)); err != nil {
		return fmt.Errorf("failed to persist vector: %w", err)
	}
	return h.snapshot(ctx)
}

// insert wires a new node into the proximity graph. Lock must be held.
func (h *HNSW) insert(id int64, vec []float32) {
	level := h.randomLevel()
	slot := uint32(len(h.nodes))

	n := hnswNode{
		ID:        id,
		Vector:    vec,
		Level:     level,
		Neighbors: make([][]uint32, level+1),
	}
	for i := range n.Neighbors {
		n.Neighbors[i] = make([]uint32, 0, h.cfg.M)
	}
	h.nodes = append(h.nodes, n)
	h.idToSlot[id] = slot

	if h.entryPoint < 0 {
		h.entryPoint = int32(slot)
		h.maxLevel = level
		return
	}

	curr := uint32(h.entryPoint)
	for l := h.maxLevel; l > level; l-- {
		curr = h.greedyStep(vec, curr, l)
	}

	top := level
	if h.maxLevel < top {
		top = h.maxLevel
	}
	for l := top; l >= 0; l-- {
		neighbors := h.searchLayer(vec, curr, h.cfg.EfConstruction, l)
		h.connect(slot, neighbors, l)
		if len(neighbors) > 0 {
			curr = neighbors[0]
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = int32(slot)
	}
}

func (h *HNSW) randomLevel() int {
	return int(-math.Log(rand.Float64()) * h.cfg.LevelMult)
}

func (h *HNSW) greedyStep(query []float32, entry uint32, level int) uint32 {
	curr := entry
	currDist := cosineDistance(query, h.nodes[curr].Vector)
	for {
		changed := false
		if level < len(h.nodes[curr].Neighbors) {
			for _, nb := range h.nodes[curr].Neighbors[level] {
				d := cosineDistance(query, h.nodes[nb].Vector)
				if d < currDist {
					curr, currDist = nb, d
					changed = true
				}
			}
		}
		if !changed {
			return curr
		}
	}
}

func (h *HNSW) searchLayer(query []float32, entry uint32, ef, level int) []uint32 {
	visited := map[uint32]bool{entry: true}
	candidates := &distHeap{}
	results := &distHeap{}

	d := cosineDistance(query, h.nodes[entry].Vector)
	candidates.push(distItem{slot: entry, dist: d})
	results.push(distItem{slot: entry, dist: d})

	for candidates.len() > 0 {
		curr := candidates.pop()
		if results.len() >= ef && curr.dist > results.worst() {
			break
		}
		if level >= len(h.nodes[curr.slot].Neighbors) {
			continue
		}
		for _, nb := range h.nodes[curr.slot].Neighbors[level] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nd := cosineDistance(query, h.nodes[nb].Vector)
			if results.len() < ef || nd < results.worst() {
				candidates.push(distItem{slot: nb, dist: nd})
				results.push(distItem{slot: nb, dist: nd})
				if results.len() > ef {
					results.dropWorst()
				}
			}
		}
	}

	out := make([]uint32, results.len())
	order := results.sorted()
	for i, item := range order {
		out[i] = item.slot
	}
	return out
}

func (h *HNSW) connect(slot uint32, neighbors []uint32, level int) {
	m := h.cfg.M
	if level == 0 {
		m = h.cfg.M * 2
	}
	selected := neighbors
	if len(selected) > m {
		selected = selected[:m]
	}

	h.nodes[slot].Neighbors[level] = append(h.nodes[slot].Neighbors[level], selected...)
	for _, nb := range selected {
		if level >= len(h.nodes[nb].Neighbors) {
			continue
		}
		h.nodes[nb].Neighbors[level] = append(h.nodes[nb].Neighbors[level], slot)
		if len(h.nodes[nb].Neighbors[level]) > m {
			h.prune(nb, level, m)
		}
	}
}

func (h *HNSW) prune(slot uint32, level, m int) {
	neighbors := h.nodes[slot].Neighbors[level]
	sort.Slice(neighbors, func(i, j int) bool {
		return cosineDistance(h.nodes[slot].Vector, h.nodes[neighbors[i]].Vector) <
			cosineDistance(h.nodes[slot].Vector, h.nodes[neighbors[j]].Vector)
	})
	h.nodes[slot].Neighbors[level] = neighbors[:m]
}

// Search returns up to topK matches ordered by descending cosine similarity.
func (h *HNSW) Search(ctx context.Context, query []float32, topK int) ([]Match, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint < 0 || topK <= 0 {
		return []Match{}, nil
	}

	curr := uint32(h.entryPoint)
	for l := h.maxLevel; l > 0; l-- {
		curr = h.greedyStep(query, curr, l)
	}

	ef := h.cfg.EfSearch
	if topK > ef {
		ef = topK
	}
	// Widen by the lazily-deleted count so removals do not shrink recall.
	stale := len(h.nodes) - len(h.idToSlot)
	candidates := h.searchLayer(query, curr, ef+stale, 0)

	results := make([]Match, 0, topK)
	for _, slot := range candidates {
		n := h.nodes[slot]
		if live, ok := h.idToSlot[n.ID]; !ok || live != slot {
			continue // lazily deleted or superseded slot
		}
		results = append(results, Match{ID: n.ID, Similarity: Cosine(query, n.Vector)})
		if len(results) >= topK {
			break
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// Remove lazily deletes an ID.
func (h *HNSW) Remove(ctx context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.idToSlot, id)
	if _, err := h.db.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return h.snapshot(ctx)
}

// Get returns the stored vector for an ID.
func (h *HNSW) Get(id int64) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	slot, ok := h.idToSlot[id]
	if !ok {
		return nil, false
	}
	return h.nodes[slot].Vector, true
}

// IDs returns every live indexed ID in ascending order.
func (h *HNSW) IDs() []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int64, 0, len(h.idToSlot))
	for id := range h.idToSlot {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of live vectors.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToSlot)
}

// Name identifies the backend.
func (h *HNSW) Name() Backend {
	return BackendHNSW
}

// hnswSnapshot is the gob-serialized index state.
type hnswSnapshot struct {
	Nodes      []hnswNode
	IDToSlot   map[int64]uint32
	EntryPoint int32
	MaxLevel   int
	Cfg        HNSWConfig
}

// snapshot persists the graph. Lock must be held.
func (h *HNSW) snapshot(ctx context.Context) error {
	var buf bytes.Buffer
	data := hnswSnapshot{
		Nodes:      h.nodes,
		IDToSlot:   h.idToSlot,
		EntryPoint: h.entryPoint,
		MaxLevel:   h.maxLevel,
		Cfg:        h.cfg,
	}
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return fmt.Errorf("failed to encode index snapshot: %w", err)
	}
	if _, err := h.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO hnsw_graph (id, data) VALUES (1, ?)`, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to persist index snapshot: %w", err)
	}
	return nil
}

func (h *HNSW) decode(blob []byte) error {
	var data hnswSnapshot
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&data); err != nil {
		return fmt.Errorf("corrupt index snapshot: %w", err)
	}
	h.nodes = data.Nodes
	h.idToSlot = data.IDToSlot
	h.entryPoint = data.EntryPoint
	h.maxLevel = data.MaxLevel
	h.cfg = data.Cfg
	if h.idToSlot == nil {
		h.idToSlot = make(map[int64]uint32)
	}
	return nil
}

func cosineDistance(a, b []float32) float32 {
	return float32(1.0 - Cosine(a, b))
}

// distItem and distHeap implement the candidate priority queue.
type distItem struct {
	slot uint32
	dist float32
}

type distHeap struct {
	items []distItem
}

func (h *distHeap) len() int { return len(h.items) }

func (h *distHeap) push(item distItem) {
	h.items = append(h.items, item)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[i].dist >= h.items[parent].dist {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *distHeap) pop() distItem {
	item := h.items[0]
	h.items[0] = h.items[len(h.items)-1]
	h.items = h.items[:len(h.items)-1]
	i := 0
	for {
		left, right, smallest := 2*i+1, 2*i+2, i
		if left < len(h.items) && h.items[left].dist < h.items[smallest].dist {
			smallest = left
		}
		if right < len(h.items) && h.items[right].dist < h.items[smallest].dist {
			smallest = right
		}
		if smallest == i {
			break
		}
		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
	return item
}

func (h *distHeap) worst() float32 {
	worst := float32(0)
	for _, item := range h.items {
		if item.dist > worst {
			worst = item.dist
		}
	}
	return worst
}

func (h *distHeap) dropWorst() {
	if len(h.items) == 0 {
		return
	}
	worstIdx := 0
	for i := 1; i < len(h.items); i++ {
		if h.items[i].dist > h.items[worstIdx].dist {
			worstIdx = i
		}
	}
	h.items = append(h.items[:worstIdx], h.items[worstIdx+1:]...)
}

func (h *distHeap) sorted() []distItem {
	out := make([]distItem, len(h.items))
	copy(out, h.items)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out
}
