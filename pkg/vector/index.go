// Package vector provides similarity search over node embeddings with two
// interchangeable backends: an exact brute-force index and an approximate
// hierarchical proximity-graph index.
package vector

import (
	"context"
	"errors"
	"math"
)

// Backend names a vector index implementation.
type Backend string

const (
	// BackendExact is the brute-force cosine backend.
	BackendExact Backend = "exact"

	// BackendHNSW is the approximate hierarchical proximity-graph backend.
	BackendHNSW Backend = "hnsw"

	// BackendAuto selects HNSW above a corpus-size threshold, exact below.
	BackendAuto Backend = "auto"
)

// ErrBackendUnavailable indicates a backend failed to initialize. Callers
// recover by falling back to the exact backend.
var ErrBackendUnavailable = errors.New("vector: backend unavailable")

// Match is a similarity search hit.
type Match struct {
	ID         int64
	Similarity float64 // Cosine similarity
}

// Index is the vector index contract. Durability is implied: once Upsert
// returns, the vector survives a restart.
type Index interface {
	// Upsert adds or replaces the vector for an ID.
	Upsert(ctx context.Context, id int64, vec []float32) error

	// Search returns up to topK matches ordered by descending cosine similarity.
	Search(ctx context.Context, query []float32, topK int) ([]Match, error)

	// Remove drops an ID from the index. Missing IDs are not an error.
	Remove(ctx context.Context, id int64) error

	// Get returns the stored vector for an ID.
	Get(id int64) ([]float32, bool)

	// IDs returns every indexed ID.
	IDs() []int64

	// Len returns the number of indexed vectors.
	Len() int

	// Name identifies the backend.
	Name() Backend
}

// Cosine computes the cosine similarity between two vectors. Returns 0 for
// mismatched lengths or zero vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Migrate rebuilds dst from src, preserving every ID. It is idempotent and
// safe to re-run: IDs already present in dst are overwritten in place.
func Migrate(ctx context.Context, src, dst Index) error {
	for _, id := range src.IDs() {
		vec, ok := src.Get(id)
		if !ok {
			continue
		}
		if err := dst.Upsert(ctx, id, vec); err != nil {
			return err
		}
	}
	return nil
}
