package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Exact is the brute-force cosine backend. All vectors are held in memory
// and written through to a SQLite table, so Upsert durability holds without
// an explicit flush. Appropriate for small corpora and as the fallback when
// the approximate backend is unavailable.
type Exact struct {
	db      *sql.DB
	vectors map[int64][]float32
	mu      sync.RWMutex
}

// NewExact opens the exact backend over a shared SQLite connection. The
// connection is owned by the caller and is not closed by this index.
func NewExact(db *sql.DB) (*Exact, error) {
	e := &Exact{db: db, vectors: make(map[int64][]float32)}
	if err := e.init(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return e, nil
}

func (e *Exact) init() error {
	_, err := e.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id INTEGER PRIMARY KEY,
			embedding BLOB NOT NULL
		)`)
	if err != nil {
		return err
	}

	rows, err := e.db.Query(`SELECT id, embedding FROM vectors`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		e.vectors[id] = decodeFloat32(blob)
	}
	return rows.Err()
}

// Upsert adds or replaces the vector for an ID.
func (e *Exact) Upsert(ctx context.Context, id int64, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("vector: empty embedding for id %d", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vectors (id, embedding) VALUES (?, ?)`,
		id, encodeFloat32(vec)); err != nil {
		return fmt.Errorf("failed to persist vector: %w", err)
	}

	cp := make([]float32, len(vec))
	copy(cp, vec)
	e.vectors[id] = cp
	return nil
}

// Search compares the query against every stored vector.
func (e *Exact) Search(ctx context.Context, query []float32, topK int) ([]Match, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.vectors) == 0 || topK <= 0 {
		return []Match{}, nil
	}

	results := make([]Match, 0, len(e.vectors))
	for id, vec := range e.vectors {
		results = append(results, Match{ID: id, Similarity: Cosine(query, vec)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
	if topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Remove drops an ID from the index.
func (e *Exact) Remove(ctx context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.db.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	delete(e.vectors, id)
	return nil
}

// Get returns the stored vector for an ID.
func (e *Exact) Get(id int64) ([]float32, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vec, ok := e.vectors[id]
	return vec, ok
}

// IDs returns every indexed ID in ascending order.
func (e *Exact) IDs() []int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]int64, 0, len(e.vectors))
	for id := range e.vectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of indexed vectors.
func (e *Exact) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.vectors)
}

// Name identifies the backend.
func (e *Exact) Name() Backend {
	return BackendExact
}

// encodeFloat32 converts []float32 to a little-endian BLOB.
func encodeFloat32(f []float32) []byte {
	buf := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeFloat32 converts a BLOB back to []float32.
func decodeFloat32(b []byte) []float32 {
	f := make([]float32, len(b)/4)
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return f
}
