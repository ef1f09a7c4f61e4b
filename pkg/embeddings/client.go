// Package embeddings defines the pluggable embedding-provider boundary.
// The engine treats the provider as fallible and possibly absent: callers
// go through TryEmbed, which turns failures and timeouts into an explicit
// unavailable result instead of an error to propagate.
package embeddings

import (
	"context"
	"errors"
	"time"
)

// Client maps text to fixed-dimension vectors.
type Client interface {
	// Embed generates embeddings for multiple texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedOne generates an embedding for a single text.
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// ErrUnavailable indicates the provider failed or is not configured.
// Callers degrade to lexical scoring rather than failing the request.
var ErrUnavailable = errors.New("embeddings: provider unavailable")

// Result carries either a vector or an explicit unavailable state.
type Result struct {
	Vector []float32
	Err    error // Non-nil when the provider was unavailable
}

// OK reports whether a vector was produced.
func (r Result) OK() bool {
	return r.Err == nil && len(r.Vector) > 0
}

// TryEmbed calls the provider under a bounded timeout. A nil client,
// provider error, or timeout yields an unavailable Result; it never
// returns an error to the caller.
func TryEmbed(ctx context.Context, c Client, text string, timeout time.Duration) Result {
	if c == nil {
		return Result{Err: ErrUnavailable}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	vec, err := c.EmbedOne(ctx, text)
	if err != nil {
		return Result{Err: errors.Join(ErrUnavailable, err)}
	}
	if len(vec) == 0 {
		return Result{Err: ErrUnavailable}
	}
	return Result{Vector: vec}
}
